// Package paper is an in-process TradingAPI that fills orders against cached
// quotes. It backs dry runs and engine tests.
package paper

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"tez-core/pkg/exchanges/common"
)

// Fill decides how the simulator treats one placed order.
type Fill struct {
	Status common.OrderStatus // terminal status once Polls reads have elapsed
	Filled int                // quantity filled at the terminal status
	Reason string             // reject reason
	Polls  int                // history reads that still report OPEN
}

// Policy chooses a Fill for a request. Nil means "complete in full at once".
type Policy func(req common.OrderRequest) Fill

// Config tunes the simulator.
type Config struct {
	Margin       float64
	LatencyMinMs int
	LatencyMaxMs int
	SlippageBps  float64
}

type order struct {
	req      common.OrderRequest
	snap     common.OrderSnapshot
	fill     Fill
	polls    int
	filledAt time.Time
}

// Broker is the simulated remote order-matching service.
type Broker struct {
	cfg Config

	mu       sync.Mutex
	quotes   map[string]float64
	orders   map[string]*order
	pos      map[string]*common.Position
	policy   Policy
	placeErr error
	rng      *rand.Rand

	placed    int
	cancelled int
	histories int
}

// New creates a simulator with the given margin and no quotes.
func New(cfg Config) *Broker {
	if cfg.LatencyMaxMs > 0 && cfg.LatencyMinMs > cfg.LatencyMaxMs {
		cfg.LatencyMinMs, cfg.LatencyMaxMs = cfg.LatencyMaxMs, cfg.LatencyMinMs
	}
	return &Broker{
		cfg:    cfg,
		quotes: make(map[string]float64),
		orders: make(map[string]*order),
		pos:    make(map[string]*common.Position),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetQuote sets the last traded price of an instrument.
func (b *Broker) SetQuote(instrument string, ltp float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[instrument] = ltp
	if p, ok := b.pos[instrument]; ok {
		p.LTP = ltp
	}
}

// SetPolicy installs the fill policy for subsequent orders.
func (b *Broker) SetPolicy(p Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy = p
}

// SetMargin replaces the available margin.
func (b *Broker) SetMargin(m float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Margin = m
}

// FailPlacements makes every PlaceOrder return err until cleared with nil.
func (b *Broker) FailPlacements(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeErr = err
}

// Counts reports placed, cancelled and history calls.
func (b *Broker) Counts() (placed, cancelled, histories int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placed, b.cancelled, b.histories
}

// Orders returns the requests seen so far, in no particular order.
func (b *Broker) Orders() []common.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]common.OrderRequest, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o.req)
	}
	return out
}

// SeedPosition installs an open position, for reconciliation and P&L tests.
func (b *Broker) SeedPosition(p common.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := p
	b.pos[p.Instrument] = &cp
}

func (b *Broker) latency(ctx context.Context) error {
	if b.cfg.LatencyMaxMs <= 0 {
		return ctx.Err()
	}
	b.mu.Lock()
	ms := b.cfg.LatencyMinMs
	if span := b.cfg.LatencyMaxMs - b.cfg.LatencyMinMs; span > 0 {
		ms += b.rng.Intn(span + 1)
	}
	b.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	}
}

func (b *Broker) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	if err := b.latency(ctx); err != nil {
		return common.OrderAck{}, &common.BrokerError{Op: "place_order", Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed++
	if b.placeErr != nil {
		return common.OrderAck{}, &common.BrokerError{Op: "place_order", Err: b.placeErr}
	}
	if req.Qty <= 0 {
		return common.OrderAck{}, fmt.Errorf("%w: qty %d", common.ErrRejected, req.Qty)
	}

	fill := Fill{Status: common.StatusComplete, Filled: req.Qty}
	if b.policy != nil {
		fill = b.policy(req)
	}
	if fill.Filled > req.Qty {
		fill.Filled = req.Qty
	}
	id := uuid.NewString()
	o := &order{
		req:  req,
		fill: fill,
		snap: common.OrderSnapshot{
			OrderID:    id,
			Instrument: req.Instrument,
			Side:       req.Side,
			Status:     common.StatusOpen,
			Qty:        req.Qty,
			UpdatedAt:  time.Now(),
		},
	}
	b.orders[id] = o
	if fill.Polls <= 0 {
		b.settle(o)
	}
	return common.OrderAck{OrderID: id, Status: o.snap.Status}, nil
}

// settle moves an order to its terminal fill. Caller holds mu.
func (b *Broker) settle(o *order) {
	o.snap.Status = o.fill.Status
	o.snap.RejectReason = o.fill.Reason
	o.snap.UpdatedAt = time.Now()
	if o.fill.Status == common.StatusRejected {
		return
	}
	b.applyFill(o, o.fill.Filled)
}

// applyFill books filled quantity into the position book. Caller holds mu.
func (b *Broker) applyFill(o *order, qty int) {
	delta := qty - o.snap.FilledQty
	if delta <= 0 {
		return
	}
	price := b.quotes[o.req.Instrument]
	if frac := b.cfg.SlippageBps / 10000.0; frac > 0 {
		noise := b.rng.Float64() * frac
		if o.req.Side == common.SideBuy {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}
	o.snap.AvgPrice = (o.snap.AvgPrice*float64(o.snap.FilledQty) + price*float64(delta)) / float64(qty)
	o.snap.FilledQty = qty
	o.filledAt = time.Now()

	p, ok := b.pos[o.req.Instrument]
	if !ok {
		p = &common.Position{Exchange: o.req.Exchange, Instrument: o.req.Instrument}
		b.pos[o.req.Instrument] = p
	}
	p.LTP = b.quotes[o.req.Instrument]
	if o.req.Side == common.SideBuy {
		p.BuyAvg = (p.BuyAvg*float64(p.BuyQty) + price*float64(delta)) / float64(p.BuyQty+delta)
		p.BuyQty += delta
		p.NetQty += delta
	} else {
		p.SellAvg = (p.SellAvg*float64(p.SellQty) + price*float64(delta)) / float64(p.SellQty+delta)
		p.SellQty += delta
		p.NetQty -= delta
	}
}

func (b *Broker) OrderHistory(ctx context.Context, orderID string) (common.OrderSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return common.OrderSnapshot{}, &common.BrokerError{Op: "order_history", Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.histories++
	o, ok := b.orders[orderID]
	if !ok {
		return common.OrderSnapshot{}, fmt.Errorf("%w: %s", common.ErrOrderNotFound, orderID)
	}
	if !o.snap.Status.Terminal() {
		o.polls++
		if o.polls >= o.fill.Polls {
			b.settle(o)
		}
	}
	return o.snap, nil
}

// CancelOrder cancels a still-open order. Partial fills configured for the
// order are booked before cancellation.
func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return &common.BrokerError{Op: "cancel_order", Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled++
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrOrderNotFound, orderID)
	}
	if o.snap.Status.Terminal() {
		return nil
	}
	if o.fill.Status != common.StatusRejected && o.fill.Filled < o.req.Qty {
		b.applyFill(o, o.fill.Filled)
	}
	o.snap.Status = common.StatusCancelled
	o.snap.UpdatedAt = time.Now()
	log.Printf("paper: order %s cancelled (filled %d/%d)", orderID, o.snap.FilledQty, o.req.Qty)
	return nil
}

func (b *Broker) Positions(ctx context.Context) ([]common.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, &common.BrokerError{Op: "positions", Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]common.Position, 0, len(b.pos))
	for _, p := range b.pos {
		out = append(out, *p)
	}
	return out, nil
}

func (b *Broker) Quote(ctx context.Context, exchange, instrument string) (common.Quote, error) {
	if err := ctx.Err(); err != nil {
		return common.Quote{}, &common.BrokerError{Op: "quote", Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ltp, ok := b.quotes[instrument]
	if !ok || ltp <= 0 {
		return common.Quote{}, fmt.Errorf("%w: %s", common.ErrNoQuote, instrument)
	}
	return common.Quote{Exchange: exchange, Instrument: instrument, LTP: ltp, At: time.Now()}, nil
}

func (b *Broker) AvailableMargin(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &common.BrokerError{Op: "margin", Err: err}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Margin, nil
}
