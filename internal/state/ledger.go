// Package state keeps the in-memory position ledger and mirrors it to the
// positions table.
package state

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"tez-core/pkg/db"
	"tez-core/pkg/exchanges/common"
)

// InstType classifies tradable instruments.
type InstType string

const (
	InstCE   InstType = "CE"
	InstPE   InstType = "PE"
	InstBEES InstType = "BEES"
)

// ParseInstType infers the type from a trading symbol suffix.
func ParseInstType(symbol string) InstType {
	s := strings.ToUpper(symbol)
	switch {
	case strings.HasSuffix(s, "CE"):
		return InstCE
	case strings.HasSuffix(s, "PE"):
		return InstPE
	default:
		return InstBEES
	}
}

// Instrument is the static description of a tradable symbol.
type Instrument struct {
	Symbol     string
	Underlying string
	Exchange   string
	Type       InstType
	LotSize    int
	FreezeQty  int
}

// Entry is one ledger row.
type Entry struct {
	Instrument string      `json:"instrument"`
	Underlying string      `json:"underlying"`
	Exchange   string      `json:"exchange"`
	InstType   InstType    `json:"inst_type"`
	Side       common.Side `json:"side"`
	LotSize    int         `json:"lot_size"`
	FreezeQty  int         `json:"freeze_qty"`
	Available  int         `json:"available_qty"`
	Max        int         `json:"max_qty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Mismatch is a ledger row that disagreed with the broker book.
type Mismatch struct {
	Instrument string `json:"instrument"`
	LedgerQty  int    `json:"ledger_qty"`
	BrokerQty  int    `json:"broker_qty"`
}

// Store persists ledger rows. *db.Database satisfies it.
type Store interface {
	UpsertPosition(ctx context.Context, p db.Position) error
	DeletePosition(ctx context.Context, instrument string) error
	ListPositions(ctx context.Context) ([]db.Position, error)
}

// Ledger tracks open quantity per instrument. One mutex serializes every
// quantity mutation; available never goes below zero or above max.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*Entry
	store   Store
}

// NewLedger creates a ledger. store may be nil for a memory-only ledger.
func NewLedger(store Store) *Ledger {
	return &Ledger{entries: make(map[string]*Entry), store: store}
}

// Load seeds in-memory state from the store on startup.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	rows, err := l.store.ListPositions(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range rows {
		l.entries[p.Instrument] = &Entry{
			Instrument: p.Instrument,
			Underlying: p.Underlying,
			Exchange:   p.Exchange,
			InstType:   InstType(p.InstType),
			Side:       common.Side(p.Side),
			LotSize:    p.LotSize,
			FreezeQty:  p.FreezeQty,
			Available:  p.Available,
			Max:        p.Max,
			UpdatedAt:  p.UpdatedAt,
		}
	}
	if len(rows) > 0 {
		log.Printf("🔄 ledger: restored %d positions", len(rows))
	}
	return nil
}

// Taken records a fill of qty on inst. A fill on the open side adds to the
// position; an opposite fill nets against it and flips Side only when the
// net crosses zero. Max is the high-water mark of the current position and
// restarts when a position opens from flat or flips.
func (l *Ledger) Taken(ctx context.Context, inst Instrument, side common.Side, qty int) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[inst.Symbol]
	if !ok {
		e = &Entry{Instrument: inst.Symbol}
		l.entries[inst.Symbol] = e
	}
	e.Underlying = inst.Underlying
	e.Exchange = inst.Exchange
	e.InstType = inst.Type
	e.LotSize = inst.LotSize
	e.FreezeQty = inst.FreezeQty
	switch {
	case qty <= 0:
	case e.Available == 0:
		e.Side = side
		e.Available = qty
		e.Max = qty
	case side == e.Side:
		e.Available += qty
	case qty <= e.Available:
		e.Available -= qty
	default:
		e.Available = qty - e.Available
		e.Side = side
		e.Max = e.Available
	}
	if e.Available > e.Max {
		e.Max = e.Available
	}
	e.UpdatedAt = time.Now()
	l.persist(ctx, e)
	return *e
}

// Closed lowers available quantity by qty, clamped at zero, and returns the
// quantity actually removed.
func (l *Ledger) Closed(ctx context.Context, instrument string, qty int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[instrument]
	if !ok || qty <= 0 {
		return 0
	}
	if qty > e.Available {
		log.Printf("⚠️ ledger: close %d on %s exceeds available %d, clamping", qty, instrument, e.Available)
		qty = e.Available
	}
	e.Available -= qty
	e.UpdatedAt = time.Now()
	l.persist(ctx, e)
	return qty
}

// Available returns open quantity on one instrument.
func (l *Ledger) Available(instrument string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[instrument]; ok {
		return e.Available
	}
	return 0
}

// AvailableByUnderlying sums open quantity across instruments of ul.
func (l *Ledger) AvailableByUnderlying(ul string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, e := range l.entries {
		if e.Underlying == ul {
			total += e.Available
		}
	}
	return total
}

// TotalAvailable sums open quantity across the whole ledger.
func (l *Ledger) TotalAvailable() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, e := range l.entries {
		total += e.Available
	}
	return total
}

// Entry returns a copy of one row.
func (l *Ledger) Entry(instrument string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[instrument]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns all rows sorted by instrument.
func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Select returns open rows matching the underlying and type filters.
// An empty underlying or type "ALL" matches everything.
func (l *Ledger) Select(ul string, instType string) []Entry {
	var out []Entry
	for _, e := range l.Snapshot() {
		if e.Available <= 0 {
			continue
		}
		if ul != "" && e.Underlying != ul {
			continue
		}
		if instType != "" && instType != "ALL" && string(e.InstType) != instType {
			continue
		}
		out = append(out, e)
	}
	return out
}

// SyncFromBroker overwrites available quantity with the broker's net
// position. Unknown broker instruments are added when resolve knows them;
// ledger rows absent from the broker book drop to zero.
func (l *Ledger) SyncFromBroker(ctx context.Context, positions []common.Position, resolve func(symbol string) (Instrument, bool)) []Mismatch {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool, len(positions))
	var mismatches []Mismatch
	for _, p := range positions {
		net := p.NetQty
		side := common.SideBuy
		if net < 0 {
			net = -net
			side = common.SideSell
		}
		seen[p.Instrument] = true
		e, ok := l.entries[p.Instrument]
		if !ok {
			if net == 0 || resolve == nil {
				continue
			}
			inst, known := resolve(p.Instrument)
			if !known {
				continue
			}
			e = &Entry{
				Instrument: inst.Symbol,
				Underlying: inst.Underlying,
				Exchange:   inst.Exchange,
				InstType:   inst.Type,
				LotSize:    inst.LotSize,
				FreezeQty:  inst.FreezeQty,
			}
			l.entries[p.Instrument] = e
		}
		if e.Available != net {
			mismatches = append(mismatches, Mismatch{Instrument: p.Instrument, LedgerQty: e.Available, BrokerQty: net})
		}
		e.Available = net
		if net > 0 {
			e.Side = side
		}
		if e.Available > e.Max {
			e.Max = e.Available
		}
		e.UpdatedAt = time.Now()
		l.persist(ctx, e)
	}
	for inst, e := range l.entries {
		if seen[inst] || e.Available == 0 {
			continue
		}
		mismatches = append(mismatches, Mismatch{Instrument: inst, LedgerQty: e.Available})
		e.Available = 0
		e.UpdatedAt = time.Now()
		l.persist(ctx, e)
	}
	return mismatches
}

// VerifyReset drops zero rows of ul (all rows when ul is empty) and reports
// whether nothing remains open for it.
func (l *Ledger) VerifyReset(ctx context.Context, ul string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	flat := true
	for inst, e := range l.entries {
		if ul != "" && e.Underlying != ul {
			continue
		}
		if e.Available > 0 {
			flat = false
			continue
		}
		delete(l.entries, inst)
		if l.store != nil {
			if err := l.store.DeletePosition(ctx, inst); err != nil {
				log.Printf("⚠️ ledger: delete %s failed: %v", inst, err)
			}
		}
	}
	return flat
}

// persist mirrors e to the store. Caller holds mu.
func (l *Ledger) persist(ctx context.Context, e *Entry) {
	if l.store == nil {
		return
	}
	err := l.store.UpsertPosition(ctx, db.Position{
		Instrument: e.Instrument,
		Underlying: e.Underlying,
		Exchange:   e.Exchange,
		InstType:   string(e.InstType),
		Side:       string(e.Side),
		LotSize:    e.LotSize,
		FreezeQty:  e.FreezeQty,
		Available:  e.Available,
		Max:        e.Max,
	})
	if err != nil {
		log.Printf("⚠️ ledger: persist %s failed: %v", e.Instrument, err)
	}
}
