package state

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tez-core/pkg/db"
	"tez-core/pkg/exchanges/common"
)

var niftyCE = Instrument{Symbol: "NIFTY25JAN22000CE", Underlying: "NIFTY", Exchange: "NFO", Type: InstCE, LotSize: 75, FreezeQty: 1800}
var niftyPE = Instrument{Symbol: "NIFTY25JAN22000PE", Underlying: "NIFTY", Exchange: "NFO", Type: InstPE, LotSize: 75, FreezeQty: 1800}
var bees = Instrument{Symbol: "BANKBEES", Underlying: "BANKNIFTY", Exchange: "NSE", Type: InstBEES, LotSize: 1, FreezeQty: 100000}

func TestLedgerTakenClosed(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil)

	l.Taken(ctx, niftyCE, common.SideBuy, 150)
	l.Taken(ctx, niftyCE, common.SideBuy, 75)
	e, ok := l.Entry(niftyCE.Symbol)
	require.True(t, ok)
	assert.Equal(t, 225, e.Available)
	assert.Equal(t, 225, e.Max)

	assert.Equal(t, 100, l.Closed(ctx, niftyCE.Symbol, 100))
	assert.Equal(t, 125, l.Available(niftyCE.Symbol))

	// clamped
	assert.Equal(t, 125, l.Closed(ctx, niftyCE.Symbol, 500))
	assert.Equal(t, 0, l.Available(niftyCE.Symbol))
	e, _ = l.Entry(niftyCE.Symbol)
	assert.Equal(t, 225, e.Max, "max is a high-water mark")

	assert.Equal(t, 0, l.Closed(ctx, "UNKNOWN", 10))
}

func TestLedgerNetsOppositeFills(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil)

	l.Taken(ctx, bees, common.SideBuy, 100)
	e := l.Taken(ctx, bees, common.SideSell, 40)
	assert.Equal(t, common.SideBuy, e.Side)
	assert.Equal(t, 60, e.Available)
	assert.Equal(t, 100, e.Max)

	e = l.Taken(ctx, bees, common.SideSell, 90)
	assert.Equal(t, common.SideSell, e.Side, "net crossed zero")
	assert.Equal(t, 30, e.Available)
	assert.Equal(t, 30, e.Max)

	e = l.Taken(ctx, bees, common.SideBuy, 30)
	assert.Equal(t, 0, e.Available)

	e = l.Taken(ctx, bees, common.SideBuy, 10)
	assert.Equal(t, common.SideBuy, e.Side)
	assert.Equal(t, 10, e.Available)
	assert.Equal(t, 10, e.Max, "a position opened from flat starts a new high-water mark")
}

func TestLedgerQueries(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil)
	l.Taken(ctx, niftyCE, common.SideBuy, 75)
	l.Taken(ctx, niftyPE, common.SideSell, 150)
	l.Taken(ctx, bees, common.SideBuy, 40)

	assert.Equal(t, 225, l.AvailableByUnderlying("NIFTY"))
	assert.Equal(t, 265, l.TotalAvailable())
	assert.Len(t, l.Snapshot(), 3)

	assert.Len(t, l.Select("NIFTY", "ALL"), 2)
	assert.Len(t, l.Select("NIFTY", "PE"), 1)
	assert.Len(t, l.Select("", "BEES"), 1)
	assert.Len(t, l.Select("", ""), 3)
}

func TestLedgerConcurrentClosesNeverNegative(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil)
	l.Taken(ctx, niftyCE, common.SideBuy, 750)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := l.Closed(ctx, niftyCE.Symbol, 75)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 750 {
		t.Fatalf("closed total=%d, expected 750", total)
	}
	if got := l.Available(niftyCE.Symbol); got != 0 {
		t.Fatalf("available=%d, expected 0", got)
	}
}

func TestLedgerSyncFromBroker(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil)
	l.Taken(ctx, niftyCE, common.SideBuy, 150)
	l.Taken(ctx, bees, common.SideBuy, 10)

	resolve := func(sym string) (Instrument, bool) {
		if sym == niftyPE.Symbol {
			return niftyPE, true
		}
		return Instrument{}, false
	}
	mm := l.SyncFromBroker(ctx, []common.Position{
		{Instrument: niftyCE.Symbol, NetQty: 75},
		{Instrument: niftyPE.Symbol, NetQty: -150},
		{Instrument: "UNTRACKED", NetQty: 5},
	}, resolve)

	assert.Equal(t, 75, l.Available(niftyCE.Symbol))
	assert.Equal(t, 150, l.Available(niftyPE.Symbol))
	assert.Equal(t, 0, l.Available(bees.Symbol))
	assert.Equal(t, 0, l.Available("UNTRACKED"))
	pe, _ := l.Entry(niftyPE.Symbol)
	assert.Equal(t, common.SideSell, pe.Side)
	assert.Len(t, mm, 3)
}

func TestLedgerVerifyReset(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil)
	l.Taken(ctx, niftyCE, common.SideBuy, 75)
	l.Taken(ctx, bees, common.SideBuy, 10)
	l.Closed(ctx, niftyCE.Symbol, 75)

	assert.True(t, l.VerifyReset(ctx, "NIFTY"))
	_, ok := l.Entry(niftyCE.Symbol)
	assert.False(t, ok)
	assert.False(t, l.VerifyReset(ctx, ""))
}

func TestLedgerPersistsAndLoads(t *testing.T) {
	ctx := context.Background()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))

	l := NewLedger(database)
	l.Taken(ctx, niftyCE, common.SideBuy, 150)
	l.Closed(ctx, niftyCE.Symbol, 75)

	restored := NewLedger(database)
	require.NoError(t, restored.Load(ctx))
	e, ok := restored.Entry(niftyCE.Symbol)
	require.True(t, ok)
	assert.Equal(t, 75, e.Available)
	assert.Equal(t, 150, e.Max)
	assert.Equal(t, InstCE, e.InstType)
}

func TestParseInstType(t *testing.T) {
	assert.Equal(t, InstCE, ParseInstType("NIFTY25JAN22000CE"))
	assert.Equal(t, InstPE, ParseInstType("nifty25jan22000pe"))
	assert.Equal(t, InstBEES, ParseInstType("NIFTYBEES"))
}
