// Package autotrail watches intraday P&L and squares off the book when the
// trailing calculator reports a stop-loss, target or trailing-stop hit.
package autotrail

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tez-core/internal/events"
	"tez-core/internal/order"
	"tez-core/internal/risk"
)

// SquareOffer is the single close path. *order.Engine satisfies it.
type SquareOffer interface {
	SquareOff(ctx context.Context, req order.SquareOffRequest) (order.SquareOffResult, error)
}

// Options tune the coordinator loop.
type Options struct {
	Interval time.Duration // idle wake-up for the loop
	Symbol   string        // label used in notifications
}

// Status is the snapshot published in P&L update packets.
type Status struct {
	Enabled      bool          `json:"enabled"`
	PnL          float64       `json:"pnl"`
	State        risk.State    `json:"state"`
	LastDecision risk.Decision `json:"last_decision"`
	SquareOffs   int           `json:"square_offs"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Coordinator owns one persistent evaluation goroutine.
type Coordinator struct {
	sq       SquareOffer
	bus      *events.Bus
	interval time.Duration

	mu         sync.Mutex
	symbol     string
	enabled    bool
	state      risk.State
	pnl        float64
	hasPnL     bool
	last       risk.Decision
	squareOffs int
	updatedAt  time.Time

	signal chan struct{}
	reset  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the coordinator loop.
func New(sq SquareOffer, bus *events.Bus, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		sq:       sq,
		bus:      bus,
		interval: opts.Interval,
		symbol:   opts.Symbol,
		signal:   make(chan struct{}, 1),
		reset:    make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.run()
	log.Printf("✓ AutoTrailer started (interval: %v)", c.interval)
	return c
}

// SetSymbol changes the label used in notifications.
func (c *Coordinator) SetSymbol(symbol string) {
	c.mu.Lock()
	c.symbol = symbol
	c.mu.Unlock()
}

// UpdatePnL caches the latest P&L and wakes the loop when the value moved
// while trailing is enabled.
func (c *Coordinator) UpdatePnL(pnl float64) {
	c.mu.Lock()
	changed := !c.hasPnL || pnl != c.pnl
	c.pnl = pnl
	c.hasPnL = true
	wake := changed && c.enabled && c.state.Active
	c.mu.Unlock()
	if wake {
		notify(c.signal)
	}
}

// Activate validates params against the cached P&L, clears the cache and
// starts trailing. A failure leaves the previous activation untouched.
func (c *Coordinator) Activate(p risk.Params) (risk.State, error) {
	c.mu.Lock()
	st, err := risk.Activate(p, c.pnl)
	if err != nil {
		c.mu.Unlock()
		return risk.State{}, err
	}
	c.state = st
	c.enabled = true
	c.hasPnL = false
	c.last = risk.Decision{PnL: c.pnl}
	c.updatedAt = time.Now()
	symbol := c.symbol
	c.mu.Unlock()

	notify(c.reset)
	c.bus.Notify(events.AutoActivated(symbol, p.StopLoss, p.Target))
	log.Printf("🎯 AutoTrailer activated: sl=%.2f target=%.2f mvto=%.2f trail_after=%.2f trail_by=%.2f",
		p.StopLoss, p.Target, p.MoveToCost, p.TrailAfter, p.TrailBy)
	return st, nil
}

// Deactivate stops trailing. Hit flags stay visible in Status.
func (c *Coordinator) Deactivate() {
	c.deactivate("manual")
}

func (c *Coordinator) deactivate(reason string) {
	c.mu.Lock()
	c.state = risk.Deactivate(c.state)
	c.enabled = false
	c.updatedAt = time.Now()
	symbol := c.symbol
	c.mu.Unlock()
	c.bus.Notify(events.AutoDeactivated(symbol, reason))
	log.Printf("AutoTrailer deactivated (%s)", reason)
}

// Status returns a copy of the current state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Enabled:      c.enabled,
		PnL:          c.pnl,
		State:        c.state,
		LastDecision: c.last,
		SquareOffs:   c.squareOffs,
		UpdatedAt:    c.updatedAt,
	}
}

// Close stops the loop and waits up to timeout (2s when zero).
func (c *Coordinator) Close(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c.cancel()
	select {
	case <-c.done:
		log.Printf("✓ AutoTrailer stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("autotrail: loop did not exit within %v", timeout)
	}
}

// run evaluates once per raised signal, so each P&L sample is applied at most
// once. The timer only bounds how long the loop sleeps between ctx checks.
func (c *Coordinator) run() {
	defer close(c.done)
	t := time.NewTimer(c.interval)
	defer t.Stop()
	for {
		evaluate := false
		select {
		case <-c.ctx.Done():
			return
		case <-c.reset:
			// cached P&L was cleared by Activate; wait for the next sample
		case <-c.signal:
			evaluate = true
		case <-t.C:
		}
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(c.interval)
		if evaluate {
			c.evaluate()
		}
	}
}

func (c *Coordinator) evaluate() {
	c.mu.Lock()
	if !c.enabled || !c.state.Active || !c.hasPnL {
		c.mu.Unlock()
		return
	}
	st, d := risk.Evaluate(c.state, c.pnl)
	c.state = st
	c.last = d
	c.updatedAt = time.Now()
	symbol := c.symbol
	c.mu.Unlock()

	if d.SquareOff {
		c.squareOff(d, symbol)
	}
}

// squareOff runs the close path once per hit and always deactivates.
func (c *Coordinator) squareOff(d risk.Decision, symbol string) {
	log.Printf("🛑 AutoTrailer %s at pnl %.2f, squaring off", d.Reason, d.PnL)
	c.bus.Notify(events.AutoHit(string(d.Reason), d.PnL))

	res, err := c.sq.SquareOff(c.ctx, order.SquareOffRequest{Mode: "ALL", Per: 100, Trigger: order.TriggerAutoTrail})
	if err != nil {
		log.Printf("❌ AutoTrailer square-off failed: %v", err)
		c.bus.Notify(events.AutoSquareOffFailed(err, symbol))
	} else if res.Remaining > 0 {
		log.Printf("⚠️ AutoTrailer square-off incomplete: closed=%d remaining=%d", res.Closed, res.Remaining)
		c.bus.Notify(events.SquareOffPartial("ALL", order.TriggerAutoTrail, res.Remaining))
	} else {
		log.Printf("✅ AutoTrailer square-off done: closed=%d", res.Closed)
		c.bus.Notify(events.AutoSquareOffDone(string(d.Reason), d.PnL, symbol))
	}
	c.mu.Lock()
	c.squareOffs++
	c.mu.Unlock()
	c.deactivate(string(d.Reason))
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
