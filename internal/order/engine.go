// Package order places, slices and confirms broker orders, and owns the
// single square-off path shared by every trigger.
package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tez-core/internal/events"
	"tez-core/internal/monitor"
	"tez-core/internal/state"
	"tez-core/pkg/db"
	"tez-core/pkg/exchanges/common"
)

// Recorder persists terminal orders and square-off attempts.
type Recorder interface {
	SaveOrder(ctx context.Context, o db.OrderRecord) error
	RecordSquareOff(ctx context.Context, e db.SquareOffEvent) (int64, error)
}

// Config tunes placement and confirmation.
type Config struct {
	Workers          int
	ConfirmAttempts  int
	ConfirmInterval  time.Duration
	MarginBuffer     float64
	MaxCloseFailures int
	Product          common.ProductType
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          10,
		ConfirmAttempts:  10,
		ConfirmInterval:  300 * time.Millisecond,
		MarginBuffer:     1.02,
		MaxCloseFailures: 2,
		Product:          common.ProductIntraday,
	}
}

// Deps are the engine's collaborators. Recorder, Bus and Metrics may be nil.
type Deps struct {
	API      common.TradingAPI
	Ledger   *state.Ledger
	Recorder Recorder
	Bus      *events.Bus
	Metrics  *monitor.SystemMetrics
}

// Engine executes intents against the TradingAPI.
type Engine struct {
	api     common.TradingAPI
	ledger  *state.Ledger
	rec     Recorder
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	cfg     Config
	pool    *Pool
	waiting *WaitingBook

	sqMu sync.Mutex // one square-off at a time across all triggers

	mu       sync.Mutex
	inflight map[string]common.OrderRequest

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine wires an engine. Zero config fields take the defaults.
func NewEngine(d Deps, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = def.ConfirmAttempts
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = def.ConfirmInterval
	}
	if cfg.MarginBuffer <= 0 {
		cfg.MarginBuffer = def.MarginBuffer
	}
	if cfg.MaxCloseFailures <= 0 {
		cfg.MaxCloseFailures = def.MaxCloseFailures
	}
	if cfg.Product == "" {
		cfg.Product = def.Product
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		api:      d.API,
		ledger:   d.Ledger,
		rec:      d.Recorder,
		bus:      d.Bus,
		metrics:  d.Metrics,
		cfg:      cfg,
		pool:     NewPool(cfg.Workers),
		inflight: make(map[string]common.OrderRequest),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.waiting = newWaitingBook(e)
	return e
}

// Waiting returns the price-triggered order book.
func (e *Engine) Waiting() *WaitingBook { return e.waiting }

// Ledger returns the position ledger the engine mutates.
func (e *Engine) Ledger() *state.Ledger { return e.ledger }

// Close stops accepting work and waits for running legs.
func (e *Engine) Close() {
	e.cancel()
	e.waiting.Wait()
	e.pool.Close()
}

// PlaceAndConfirm resolves quantity against margin, slices it into legs,
// submits them concurrently and confirms each one.
func (e *Engine) PlaceAndConfirm(ctx context.Context, in Intent) (Result, error) {
	inst := in.Instrument
	res := Result{Instrument: inst.Symbol, Side: string(in.Side), Requested: in.Qty}
	if in.Qty <= 0 {
		return res, fmt.Errorf("%w: %d", ErrInvalidQty, in.Qty)
	}

	q, err := e.api.Quote(ctx, inst.Exchange, inst.Symbol)
	if err != nil {
		return res, fmt.Errorf("quote %s: %w", inst.Symbol, err)
	}
	res.LTP = q.LTP

	margin, err := e.api.AvailableMargin(ctx)
	if err != nil {
		return res, fmt.Errorf("available margin: %w", err)
	}
	qty, reduced := ResolveQty(in.Qty, margin, q.LTP, inst.LotSize, e.cfg.MarginBuffer)
	if reduced {
		log.Printf("⚠️ margin %.2f short for %d %s @ %.2f, qty reduced to %d", margin, in.Qty, inst.Symbol, q.LTP, qty)
	}
	if qty < inst.LotSize || qty <= 0 {
		return res, fmt.Errorf("%w: margin %.2f, ltp %.2f, lot %d", ErrInsufficientMargin, margin, q.LTP, inst.LotSize)
	}
	res.Resolved = qty

	legs, err := SplitLegs(qty, in.Legs, inst.LotSize, inst.FreezeQty)
	if err != nil {
		return res, err
	}

	statuses := make([]Status, len(legs))
	rejected := e.pool.Run(len(legs), func(i int) {
		statuses[i] = e.submit(ctx, e.openRequest(in, legs[i]), legs[i])
	})
	for _, i := range rejected {
		statuses[i] = Status{
			Instrument:   inst.Symbol,
			Side:         in.Side,
			Qty:          legs[i].Qty,
			Remarks:      legs[i].Remarks,
			Outcome:      HardFailure,
			RejectReason: ErrEngineClosed.Error(),
		}
	}

	for i := range statuses {
		st := &statuses[i]
		if n := st.Filled(); n > 0 {
			e.ledger.Taken(ctx, inst, in.Side, n)
			res.Filled += n
		}
		if in.OCO != nil && st.Outcome == Success {
			oco := e.placeOCO(ctx, in, *st)
			st.OCOID = oco.OrderID
			res.OCO = append(res.OCO, oco)
			e.record(ctx, oco)
		}
		e.record(ctx, *st)
	}
	res.Legs = statuses
	log.Printf("✅ %s %s: requested=%d resolved=%d filled=%d legs=%d outcome=%s",
		in.Side, inst.Symbol, in.Qty, qty, res.Filled, len(legs), res.Outcome())
	return res, nil
}

func (e *Engine) openRequest(in Intent, leg Leg) common.OrderRequest {
	product := in.Product
	if product == "" {
		product = e.cfg.Product
	}
	return common.OrderRequest{
		Exchange:   in.Instrument.Exchange,
		Instrument: in.Instrument.Symbol,
		Side:       in.Side,
		Type:       common.OrderTypeMarket,
		Product:    product,
		Qty:        leg.Qty,
		Remarks:    leg.Remarks,
	}
}

// submit places one leg and confirms it. It never returns an error; every
// failure becomes an outcome.
func (e *Engine) submit(ctx context.Context, req common.OrderRequest, leg Leg) Status {
	start := time.Now()
	st := Status{
		Instrument: req.Instrument,
		Side:       req.Side,
		Qty:        leg.Qty,
		Remarks:    leg.Remarks,
	}
	ack, err := e.api.PlaceOrder(ctx, req)
	if err != nil {
		st.RejectReason = err.Error()
		st.Outcome = HardFailure
		if errors.Is(err, common.ErrRejected) {
			st.Outcome = ClassifyRejection(err.Error())
		}
		log.Printf("❌ place %s %d %s failed: %v", req.Side, req.Qty, req.Instrument, err)
	} else {
		st.OrderID = ack.OrderID
		e.track(ack.OrderID, req)
		st = e.confirm(ctx, st)
		e.untrack(ack.OrderID)
	}
	st.Latency = time.Since(start)
	e.metrics.ObserveOrder(string(st.Outcome), st.Latency)
	return st
}

// placeOCO submits the protective leg for a filled primary. Broker
// acceptance is terminal; the OCO leg is not confirmed.
func (e *Engine) placeOCO(ctx context.Context, in Intent, primary Status) Status {
	spec := in.OCO
	price := primary.AvgPrice
	pp, sl := spec.ProfitPer/100, spec.StopLossPer/100
	bookProfit := price * (1 + pp)
	bookLoss := price * (1 - sl)
	if in.Side == common.SideSell {
		bookProfit = price * (1 - pp)
		bookLoss = price * (1 + sl)
	}
	qty := primary.Filled()
	req := common.OrderRequest{
		Exchange:        in.Instrument.Exchange,
		Instrument:      in.Instrument.Symbol,
		Side:            in.Side.Opposite(),
		Type:            common.OrderTypeOCO,
		Product:         e.cfg.Product,
		Qty:             qty,
		BookLossPrice:   RoundToTick(bookLoss, spec.TickSize),
		BookProfitPrice: RoundToTick(bookProfit, spec.TickSize),
		Remarks:         "OCO_" + primary.OrderID,
	}
	st := Status{Instrument: req.Instrument, Side: req.Side, Qty: qty, Remarks: req.Remarks}
	ack, err := e.api.PlaceOrder(ctx, req)
	if err != nil {
		log.Printf("❌ OCO for %s failed: %v", primary.OrderID, err)
		st.Outcome = HardFailure
		st.RejectReason = err.Error()
		return st
	}
	st.OrderID = ack.OrderID
	st.Outcome = Success
	log.Printf("✅ OCO %s placed for %s (bl=%.2f bp=%.2f)", ack.OrderID, primary.OrderID, req.BookLossPrice, req.BookProfitPrice)
	return st
}

// record writes a terminal leg to the order store and announces it.
func (e *Engine) record(ctx context.Context, st Status) {
	id := st.OrderID
	if id == "" {
		id = "local-" + uuid.NewString()
	}
	if e.rec != nil {
		err := e.rec.SaveOrder(ctx, db.OrderRecord{
			OrderID:    id,
			Instrument: st.Instrument,
			Qty:        st.FilledQty,
			Status:     string(st.Outcome),
			OCOID:      st.OCOID,
			Remarks:    st.Remarks,
			AvgPrice:   st.AvgPrice,
			FilledAt:   st.FilledAt,
		})
		if err != nil {
			log.Printf("⚠️ save order %s: %v", id, err)
		}
	}
	e.bus.Notify(events.OrderUpdate(id, st.Instrument, string(st.Outcome), st.FilledQty, st.RejectReason))
}

func (e *Engine) track(id string, req common.OrderRequest) {
	e.mu.Lock()
	e.inflight[id] = req
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

// Inflight returns ids of orders still being confirmed.
func (e *Engine) Inflight() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		out = append(out, id)
	}
	return out
}

// CancelInflight asks the broker to cancel every order still being
// confirmed and returns how many cancels were accepted.
func (e *Engine) CancelInflight(ctx context.Context) int {
	n := 0
	for _, id := range e.Inflight() {
		if err := e.api.CancelOrder(ctx, id); err != nil {
			log.Printf("⚠️ cancel in-flight %s: %v", id, err)
			continue
		}
		n++
	}
	return n
}
