package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tez-core/internal/state"
	"tez-core/pkg/db"
	"tez-core/pkg/exchanges/common"
	"tez-core/pkg/exchanges/paper"
)

var niftyCE = state.Instrument{
	Symbol:     "NIFTY24OCT25000CE",
	Underlying: "NIFTY",
	Exchange:   "NFO",
	Type:       state.InstCE,
	LotSize:    75,
	FreezeQty:  1800,
}

type memRecorder struct {
	mu      sync.Mutex
	orders  []db.OrderRecord
	squares []db.SquareOffEvent
}

func (m *memRecorder) SaveOrder(_ context.Context, o db.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, o)
	return nil
}

func (m *memRecorder) RecordSquareOff(_ context.Context, e db.SquareOffEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.squares = append(m.squares, e)
	return int64(len(m.squares)), nil
}

func (m *memRecorder) squareOffs() []db.SquareOffEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.SquareOffEvent(nil), m.squares...)
}

type fixture struct {
	eng    *Engine
	broker *paper.Broker
	ledger *state.Ledger
	rec    *memRecorder
}

func newFixture(t *testing.T, margin float64) *fixture {
	t.Helper()
	b := paper.New(paper.Config{Margin: margin})
	b.SetQuote(niftyCE.Symbol, 100)
	l := state.NewLedger(nil)
	rec := &memRecorder{}
	eng := NewEngine(Deps{API: b, Ledger: l, Recorder: rec}, Config{
		ConfirmAttempts: 3,
		ConfirmInterval: time.Millisecond,
	})
	t.Cleanup(eng.Close)
	return &fixture{eng: eng, broker: b, ledger: l, rec: rec}
}

func (f *fixture) open(t *testing.T, qty int) {
	t.Helper()
	res, err := f.eng.PlaceAndConfirm(context.Background(), Intent{Instrument: niftyCE, Side: common.SideBuy, Qty: qty, Legs: 1})
	require.NoError(t, err)
	require.Equal(t, qty, res.Filled)
}

func TestPlaceAndConfirmFullFill(t *testing.T) {
	f := newFixture(t, 1_000_000)
	res, err := f.eng.PlaceAndConfirm(context.Background(), Intent{Instrument: niftyCE, Side: common.SideBuy, Qty: 300, Legs: 2})
	require.NoError(t, err)
	require.Equal(t, Success, res.Outcome())
	require.Len(t, res.Legs, 2)
	require.Equal(t, 300, res.Filled)
	require.Equal(t, 300, f.ledger.Available(niftyCE.Symbol))
	require.Len(t, f.rec.orders, 2)

	placed, _, _ := f.broker.Counts()
	require.Equal(t, 2, placed)
}

func TestPlaceAndConfirmReducesToMargin(t *testing.T) {
	f := newFixture(t, 15299)
	res, err := f.eng.PlaceAndConfirm(context.Background(), Intent{Instrument: niftyCE, Side: common.SideBuy, Qty: 150, Legs: 1})
	require.NoError(t, err)
	require.Equal(t, 75, res.Resolved)
	require.Equal(t, 75, f.ledger.Available(niftyCE.Symbol))
}

func TestPlaceAndConfirmInsufficientMargin(t *testing.T) {
	f := newFixture(t, 1000)
	_, err := f.eng.PlaceAndConfirm(context.Background(), Intent{Instrument: niftyCE, Side: common.SideBuy, Qty: 75, Legs: 1})
	require.ErrorIs(t, err, ErrInsufficientMargin)
	placed, _, _ := f.broker.Counts()
	require.Zero(t, placed)
}

func TestPlaceAndConfirmRejectsZeroQty(t *testing.T) {
	f := newFixture(t, 1_000_000)
	_, err := f.eng.PlaceAndConfirm(context.Background(), Intent{Instrument: niftyCE, Side: common.SideBuy, Qty: 0})
	require.ErrorIs(t, err, ErrInvalidQty)
}

func TestConfirmTimeoutKeepsPartialFill(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.broker.SetPolicy(func(req common.OrderRequest) paper.Fill {
		return paper.Fill{Status: common.StatusComplete, Filled: 40, Polls: 1000}
	})
	res, err := f.eng.PlaceAndConfirm(context.Background(), Intent{Instrument: niftyCE, Side: common.SideBuy, Qty: 75, Legs: 1})
	require.NoError(t, err)
	require.Equal(t, SoftFailureQty, res.Outcome())
	require.Equal(t, 40, res.Filled)
	require.Equal(t, 40, f.ledger.Available(niftyCE.Symbol))

	_, cancelled, histories := f.broker.Counts()
	require.Equal(t, 1, cancelled)
	require.Equal(t, 4, histories) // three polls and one re-read
	require.Empty(t, f.eng.Inflight())
}

func TestConfirmTimeoutWithoutFillIsHardFailure(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.broker.SetPolicy(func(req common.OrderRequest) paper.Fill {
		return paper.Fill{Status: common.StatusComplete, Filled: 0, Polls: 1000}
	})
	res, err := f.eng.PlaceAndConfirm(context.Background(), Intent{Instrument: niftyCE, Side: common.SideBuy, Qty: 75, Legs: 1})
	require.NoError(t, err)
	require.Equal(t, HardFailure, res.Outcome())
	require.Zero(t, f.ledger.Available(niftyCE.Symbol))
}

func TestRMSRejectionIsSoft(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.broker.SetPolicy(func(req common.OrderRequest) paper.Fill {
		return paper.Fill{Status: common.StatusRejected, Reason: "RMS:Blocked margin exceeds"}
	})
	res, err := f.eng.PlaceAndConfirm(context.Background(), Intent{Instrument: niftyCE, Side: common.SideBuy, Qty: 75, Legs: 1})
	require.NoError(t, err)
	require.Equal(t, SoftFailureRejRMS, res.Outcome())
	require.Zero(t, res.Filled)
}

func TestPlacementErrorIsHardFailure(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.broker.FailPlacements(errors.New("gateway down"))
	res, err := f.eng.PlaceAndConfirm(context.Background(), Intent{Instrument: niftyCE, Side: common.SideBuy, Qty: 75, Legs: 1})
	require.NoError(t, err)
	require.Equal(t, HardFailure, res.Outcome())
	require.Contains(t, res.Legs[0].RejectReason, "gateway down")
}

func TestOCOPlacedAfterFill(t *testing.T) {
	f := newFixture(t, 1_000_000)
	res, err := f.eng.PlaceAndConfirm(context.Background(), Intent{
		Instrument: niftyCE,
		Side:       common.SideBuy,
		Qty:        75,
		Legs:       1,
		OCO:        &OCOSpec{ProfitPer: 10, StopLossPer: 5, TickSize: 0.05},
	})
	require.NoError(t, err)
	require.Len(t, res.OCO, 1)
	require.Equal(t, Success, res.OCO[0].Outcome)
	require.Equal(t, res.OCO[0].OrderID, res.Legs[0].OCOID)

	var oco *common.OrderRequest
	for _, o := range f.broker.Orders() {
		if o.Type == common.OrderTypeOCO {
			o := o
			oco = &o
		}
	}
	require.NotNil(t, oco)
	require.Equal(t, common.SideSell, oco.Side)
	require.InDelta(t, 110.0, oco.BookProfitPrice, 1e-9)
	require.InDelta(t, 95.0, oco.BookLossPrice, 1e-9)
}

func TestSquareOffFlatLedgerIsNoop(t *testing.T) {
	f := newFixture(t, 1_000_000)
	res, err := f.eng.SquareOff(context.Background(), SquareOffRequest{Mode: "ALL", Per: 100, Trigger: TriggerManual})
	require.NoError(t, err)
	require.True(t, res.Noop)
	placed, _, _ := f.broker.Counts()
	require.Zero(t, placed)
}

func TestSquareOffAllClosesEverything(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.open(t, 300)

	res, err := f.eng.SquareOff(context.Background(), SquareOffRequest{Mode: "ALL", Per: 100, Trigger: TriggerManual})
	require.NoError(t, err)
	require.Equal(t, 300, res.Closed)
	require.Zero(t, res.Remaining)
	require.Zero(t, f.ledger.TotalAvailable())
	_, ok := f.ledger.Entry(niftyCE.Symbol)
	require.False(t, ok, "flat rows are dropped")

	sq := f.rec.squareOffs()
	require.Len(t, sq, 1)
	require.Equal(t, 300, sq[0].ClosedQty)
	for _, o := range res.Orders {
		require.Equal(t, common.SideSell, o.Side)
	}
}

func TestOppositeFillsNetBeforeSquareOff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1_000_000)
	bees := state.Instrument{Symbol: "NIFTYBEES-EQ", Underlying: "NIFTYBEES", Exchange: "NSE", Type: state.InstBEES, LotSize: 1}
	f.broker.SetQuote(bees.Symbol, 280)

	_, err := f.eng.PlaceAndConfirm(ctx, Intent{Instrument: bees, Side: common.SideBuy, Qty: 100, Legs: 1})
	require.NoError(t, err)
	_, err = f.eng.PlaceAndConfirm(ctx, Intent{Instrument: bees, Side: common.SideSell, Qty: 40, Legs: 1})
	require.NoError(t, err)

	e, ok := f.ledger.Entry(bees.Symbol)
	require.True(t, ok)
	require.Equal(t, common.SideBuy, e.Side)
	require.Equal(t, 60, e.Available)

	res, err := f.eng.SquareOff(ctx, SquareOffRequest{Mode: "ALL", Per: 100, Trigger: TriggerManual})
	require.NoError(t, err)
	require.Equal(t, 60, res.Closed)

	pos, err := f.broker.Positions(ctx)
	require.NoError(t, err)
	for _, p := range pos {
		require.Zero(t, p.NetQty, p.Instrument)
	}
	require.Zero(t, f.ledger.TotalAvailable())
}

func TestConcurrentSquareOffsCloseOnce(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.open(t, 150)

	var wg sync.WaitGroup
	var mu sync.Mutex
	closed := 0
	triggers := []string{TriggerManual, TriggerAutoTrail, TriggerTimer, TriggerEmergency}
	for _, tr := range triggers {
		wg.Add(1)
		go func(tr string) {
			defer wg.Done()
			res, err := f.eng.SquareOff(context.Background(), SquareOffRequest{Mode: "ALL", Per: 100, Trigger: tr})
			assert.NoError(t, err)
			mu.Lock()
			closed += res.Closed
			mu.Unlock()
		}(tr)
	}
	wg.Wait()

	require.Equal(t, 150, closed)
	placed, _, _ := f.broker.Counts()
	require.Equal(t, 2, placed) // one open, one close
}

func TestPartialSelectSquareOff(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.open(t, 300)

	res, err := f.eng.SquareOff(context.Background(), SquareOffRequest{
		Mode: "SELECT", Underlying: "NIFTY", InstType: "CE", Per: 50, PartialExit: true, Trigger: TriggerManual,
	})
	require.NoError(t, err)
	require.Equal(t, 150, res.Closed)
	require.Equal(t, 150, res.Remaining)
	require.Equal(t, 150, f.ledger.Available(niftyCE.Symbol))
}

func TestRepeatedPartialExitTargetsMax(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.open(t, 300)
	req := SquareOffRequest{Mode: "SELECT", Underlying: "NIFTY", InstType: "CE", Per: 50, PartialExit: true, Trigger: TriggerManual}

	res, err := f.eng.SquareOff(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 150, res.Closed)

	res, err = f.eng.SquareOff(context.Background(), req)
	require.NoError(t, err)
	require.Zero(t, res.Closed, "already at 50% of max")

	req.Per = 75
	res, err = f.eng.SquareOff(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 75, res.Closed)
	e, _ := f.ledger.Entry(niftyCE.Symbol)
	require.Equal(t, 75, e.Available)
	require.Equal(t, 300, e.Max)
}

func TestSelectOtherUnderlyingLeavesPosition(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.open(t, 75)

	res, err := f.eng.SquareOff(context.Background(), SquareOffRequest{Mode: "SELECT", Underlying: "BANKNIFTY", Per: 100, Trigger: TriggerManual})
	require.NoError(t, err)
	require.True(t, res.Noop)
	require.Equal(t, 75, f.ledger.Available(niftyCE.Symbol))
}

func TestSquareOffFailureIsBounded(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.open(t, 75)
	f.broker.FailPlacements(errors.New("gateway down"))

	res, err := f.eng.SquareOff(context.Background(), SquareOffRequest{Mode: "ALL", Per: 100, Trigger: TriggerAutoTrail})
	require.ErrorIs(t, err, ErrSquareOffIncomplete)
	require.Equal(t, []string{niftyCE.Symbol}, res.Failed)
	require.Equal(t, 75, res.Remaining)

	placed, _, _ := f.broker.Counts()
	require.Equal(t, 1+DefaultConfig().MaxCloseFailures, placed)
	sq := f.rec.squareOffs()
	require.Len(t, sq, 1)
	require.NotEmpty(t, sq[0].Error)
}

func TestCancelInflight(t *testing.T) {
	f := newFixture(t, 1_000_000)
	require.Zero(t, f.eng.CancelInflight(context.Background()))
}

func TestPoolRejectsAfterClose(t *testing.T) {
	p := NewPool(2)
	require.Equal(t, 2, p.Size())
	ran := make([]bool, 3)
	require.Empty(t, p.Run(3, func(i int) { ran[i] = true }))
	require.Equal(t, []bool{true, true, true}, ran)

	p.Close()
	require.False(t, p.Go(func() {}))
	require.Equal(t, []int{0, 1}, p.Run(2, func(int) {}))
}
