package order

import (
	"log"
	"sync"
	"time"

	"tez-core/internal/events"
)

// WaitState of a price-triggered order.
type WaitState string

const (
	WaitPending   WaitState = "Waiting"
	WaitFired     WaitState = "Fired"
	WaitCancelled WaitState = "Cancelled"
)

// WaitingOrder is an intent parked until the underlying crosses Level.
type WaitingOrder struct {
	Row        int       `json:"row_id"`
	Underlying string    `json:"ul_index"`
	Action     string    `json:"action"`
	Instrument string    `json:"instrument"`
	Qty        int       `json:"qty"`
	Level      float64   `json:"trade_price"`
	State      WaitState `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	FiredAt    time.Time `json:"fired_at,omitempty"`

	lastLTP float64
	intent  Intent
}

// WaitingBook holds waiting orders. Rows are numbered from 1 in creation
// order and keep their number after firing or cancellation.
type WaitingBook struct {
	e      *Engine
	mu     sync.Mutex
	rows   []*WaitingOrder
	onFire func(WaitingOrder, Result, error)
	wg     sync.WaitGroup
}

func newWaitingBook(e *Engine) *WaitingBook {
	return &WaitingBook{e: e}
}

// SetOnFire installs a callback run after a fired order completes.
func (b *WaitingBook) SetOnFire(fn func(WaitingOrder, Result, error)) {
	b.mu.Lock()
	b.onFire = fn
	b.mu.Unlock()
}

// Add parks in until ul crosses level. refLTP is the underlying price now.
func (b *WaitingBook) Add(in Intent, ul, action string, level, refLTP float64) WaitingOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := &WaitingOrder{
		Row:        len(b.rows) + 1,
		Underlying: ul,
		Action:     action,
		Instrument: in.Instrument.Symbol,
		Qty:        in.Qty,
		Level:      level,
		State:      WaitPending,
		CreatedAt:  time.Now(),
		lastLTP:    refLTP,
		intent:     in,
	}
	b.rows = append(b.rows, w)
	log.Printf("⏳ waiting order %d: %s %s qty=%d when %s crosses %.2f (now %.2f)", w.Row, action, w.Instrument, w.Qty, ul, level, refLTP)
	return *w
}

// crossed reports whether the move prev→ltp passes through level.
func crossed(prev, ltp, level float64) bool {
	return (prev < level && level <= ltp) || (prev > level && level >= ltp)
}

// OnTick feeds an underlying price and fires every row it crosses.
// It returns the number of rows fired.
func (b *WaitingBook) OnTick(ul string, ltp float64) int {
	b.mu.Lock()
	var fire []*WaitingOrder
	for _, w := range b.rows {
		if w.State != WaitPending || w.Underlying != ul {
			continue
		}
		if w.lastLTP > 0 && crossed(w.lastLTP, ltp, w.Level) {
			w.State = WaitFired
			w.FiredAt = time.Now()
			fire = append(fire, w)
		}
		w.lastLTP = ltp
	}
	onFire := b.onFire
	b.mu.Unlock()

	for _, w := range fire {
		snap := *w
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			log.Printf("🔔 waiting order %d fired at %.2f", snap.Row, ltp)
			res, err := b.e.PlaceAndConfirm(b.e.ctx, snap.intent)
			if err != nil {
				log.Printf("❌ waiting order %d: %v", snap.Row, err)
			}
			if onFire != nil {
				onFire(snap, res, err)
			}
		}()
	}
	return len(fire)
}

// Cancel cancels the given rows that are still waiting and returns the
// rows actually cancelled.
func (b *WaitingBook) Cancel(rows []int) []int {
	b.mu.Lock()
	var done []*WaitingOrder
	for _, r := range rows {
		if r < 1 || r > len(b.rows) {
			continue
		}
		w := b.rows[r-1]
		if w.State != WaitPending {
			continue
		}
		w.State = WaitCancelled
		done = append(done, w)
	}
	b.mu.Unlock()

	out := make([]int, 0, len(done))
	for _, w := range done {
		out = append(out, w.Row)
		b.e.bus.Notify(events.WaitingOrderCancelled(w.Row, w.Instrument))
	}
	return out
}

// CancelAll cancels every waiting row of ul, or all rows when ul is empty.
func (b *WaitingBook) CancelAll(ul string) int {
	b.mu.Lock()
	var rows []int
	for _, w := range b.rows {
		if w.State == WaitPending && (ul == "" || w.Underlying == ul) {
			rows = append(rows, w.Row)
		}
	}
	b.mu.Unlock()
	return len(b.Cancel(rows))
}

// List returns a copy of every row.
func (b *WaitingBook) List() []WaitingOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]WaitingOrder, len(b.rows))
	for i, w := range b.rows {
		out[i] = *w
	}
	return out
}

// Pending counts rows still waiting.
func (b *WaitingBook) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, w := range b.rows {
		if w.State == WaitPending {
			n++
		}
	}
	return n
}

// Wait blocks until every fired order has completed.
func (b *WaitingBook) Wait() {
	b.wg.Wait()
}
