// Package backend wires the command dispatcher to the order engine, the
// risk coordinators and the market feed. The UI talks to it only through
// the channel manager: commands in, responses and data packets out.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tez-core/internal/autotrail"
	"tez-core/internal/channel"
	"tez-core/internal/events"
	"tez-core/internal/market"
	"tez-core/internal/monitor"
	"tez-core/internal/order"
	"tez-core/internal/persistence"
	"tez-core/internal/reconciliation"
	"tez-core/internal/sqofftimer"
	"tez-core/internal/state"
	"tez-core/pkg/cache"
	"tez-core/pkg/config"
	"tez-core/pkg/db"
	"tez-core/pkg/exchanges/common"
	"tez-core/pkg/exchanges/paper"
	"tez-core/pkg/hostinfo"
)

var (
	ErrNoTick    = errors.New("no tick for underlying")
	ErrNoFeed    = errors.New("no market feed configured")
	ErrNoStorage = errors.New("order storage not configured")
)

// Registry holds every collaborator the coordinator drives. Timer, Recon,
// Paper, Feed, Store, DB and Metrics may be nil.
type Registry struct {
	Instruments config.Instruments
	Bus         *events.Bus
	Channels    *channel.Manager
	Engine      *order.Engine
	API         common.TradingAPI
	Broker      *WatchedAPI
	Paper       *paper.Broker
	Feed        market.Feed
	Router      *market.Router
	Cache       *cache.ShardedTickCache
	AutoTrail   *autotrail.Coordinator
	Timer       *sqofftimer.Coordinator
	Recon       *reconciliation.Service
	Metrics     *monitor.SystemMetrics
	Store       *persistence.Store
	DB          *db.Database
	Host        hostinfo.Info
}

// Options tune the coordinator loops.
type Options struct {
	ULIndex     string
	Version     string
	Quantum     time.Duration // dispatcher sleep
	PnLInterval time.Duration
	UseMockFeed bool
}

// Coordinator is the backend process: one dispatcher loop, one P&L loop and
// one notification forwarder.
type Coordinator struct {
	reg  Registry
	opts Options
	disp *channel.Dispatcher

	mu      sync.RWMutex
	ulIndex string
	pnl     float64
	pnlAt   time.Time
	started time.Time
	task    *sqofftimer.Task

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the registry and registers every command handler.
func New(reg Registry, opts Options) (*Coordinator, error) {
	switch {
	case reg.Channels == nil:
		return nil, errors.New("backend: channels required")
	case reg.Engine == nil:
		return nil, errors.New("backend: order engine required")
	case reg.API == nil:
		return nil, errors.New("backend: trading api required")
	case reg.AutoTrail == nil:
		return nil, errors.New("backend: auto-trailer required")
	case len(reg.Instruments) == 0:
		return nil, errors.New("backend: no instruments configured")
	}
	if reg.Cache == nil {
		reg.Cache = cache.NewShardedTickCache()
	}
	if reg.Bus == nil {
		reg.Bus = events.NewBus()
	}
	if reg.Router == nil {
		reg.Router = market.NewRouter(reg.Bus, reg.Cache)
	}
	if opts.PnLInterval <= 0 {
		opts.PnLInterval = time.Second
	}

	ul := strings.ToUpper(opts.ULIndex)
	if _, ok := reg.Instruments[ul]; !ok {
		ul = reg.Instruments.Indices()[0]
	}
	c := &Coordinator{reg: reg, opts: opts, ulIndex: ul}
	c.disp = channel.NewDispatcher(channel.DispatcherConfig{Name: "backend", Quantum: opts.Quantum},
		reg.Channels.Command, reg.Channels.Response)
	c.disp.SetObserver(reg.Metrics.ObserveCommand)
	c.registerHandlers()

	reg.Router.OnTick(c.onTick)
	reg.Engine.Waiting().SetOnFire(c.onWaitingFired)
	reg.AutoTrail.SetSymbol(ul)
	return c, nil
}

// Dispatcher exposes the command loop, mainly for its state.
func (c *Coordinator) Dispatcher() *channel.Dispatcher { return c.disp }

// ULIndex returns the selected underlying.
func (c *Coordinator) ULIndex() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ulIndex
}

// PnL returns the last computed intraday P&L.
func (c *Coordinator) PnL() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pnl
}

// Start launches the dispatcher, the tick router, the P&L monitor, the
// notification forwarder, the feed and the square-off timer.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.runCtx, c.cancel = ctx, cancel
	c.started = time.Now()
	c.mu.Unlock()

	c.reg.Router.Start(ctx)
	c.forwardNotifications(ctx)
	c.wg.Add(1)
	go c.pnlLoop(ctx)

	if c.reg.Feed != nil {
		if err := c.reg.Feed.Start(ctx); err != nil {
			log.Printf("⚠️ feed %s start failed: %v", c.reg.Feed.Name(), err)
		}
	}
	if c.reg.Recon != nil {
		c.reg.Recon.Start(ctx)
	}
	c.armTimer(ctx)
	c.disp.Start(ctx)
	c.reg.Bus.Notify(events.SystemStarted("Backend"))
	log.Printf("✓ Backend coordinator started (ul=%s, %d commands)", c.ULIndex(), len(c.disp.Commands()))
}

// runContext is the Start context, or fallback before Start.
func (c *Coordinator) runContext(fallback context.Context) context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.WithoutCancel(fallback)
}

func (c *Coordinator) armTimer(ctx context.Context) {
	if c.reg.Timer == nil || !c.reg.Timer.Config().Enabled {
		return
	}
	task, err := c.reg.Timer.Schedule(ctx)
	if err != nil {
		log.Printf("⚠️ square-off timer not armed: %v", err)
		return
	}
	c.mu.Lock()
	c.task = task
	c.mu.Unlock()
}

// Stop halts every loop the coordinator started. The engine, auto-trailer
// and store stay open for the caller to close.
func (c *Coordinator) Stop(timeout time.Duration) error {
	c.mu.RLock()
	cancel := c.cancel
	c.mu.RUnlock()
	if cancel == nil {
		return nil
	}
	c.reg.Bus.Notify(events.SystemStopping("Backend", "shutdown"))
	err := c.disp.Stop(timeout)
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()
	if task != nil {
		if terr := task.Cancel(timeout); terr != nil {
			log.Printf("⚠️ %v", terr)
		}
	}
	if c.reg.Feed != nil {
		c.reg.Feed.Stop()
	}
	cancel()
	c.wg.Wait()
	return err
}

// forwardNotifications copies bus notifications onto the data lane.
func (c *Coordinator) forwardNotifications(ctx context.Context) {
	stream, unsub := c.reg.Bus.Subscribe(events.EventNotification, 256)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-stream:
				if !ok {
					return
				}
				n, ok := v.(events.Notification)
				if !ok {
					continue
				}
				c.emit(PacketNotification, n)
			}
		}
	}()
}

func (c *Coordinator) emit(kind string, data any) {
	if err := c.reg.Channels.Data.SendData(Packet{Type: kind, Data: data, At: time.Now()}); err != nil {
		log.Printf("backend: %s packet dropped: %v", kind, err)
	}
}

// pnlLoop samples broker positions once per interval.
func (c *Coordinator) pnlLoop(ctx context.Context) {
	defer c.wg.Done()
	t := time.NewTicker(c.opts.PnLInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := c.samplePnL(ctx); err != nil {
				log.Printf("⚠️ pnl sample: %v", err)
			}
		}
	}
}

// samplePnL computes intraday P&L as the sum of position MTM, feeds the
// auto-trailer and publishes a PnLUpdate packet.
func (c *Coordinator) samplePnL(ctx context.Context) (PnLUpdate, error) {
	positions, err := c.reg.API.Positions(ctx)
	if err != nil {
		return PnLUpdate{}, err
	}
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(decimal.NewFromFloat(p.MTM()))
	}
	pnl, _ := total.Round(2).Float64()

	c.mu.Lock()
	c.pnl = pnl
	c.pnlAt = time.Now()
	ul := c.ulIndex
	c.mu.Unlock()

	c.reg.AutoTrail.UpdatePnL(pnl)
	open := c.reg.Engine.Ledger().TotalAvailable()
	c.reg.Metrics.SetPnL(pnl, open)

	u := PnLUpdate{
		ULIndex:   ul,
		PnL:       pnl,
		OpenQty:   open,
		AutoTrail: c.reg.AutoTrail.Status(),
		Waiting:   c.reg.Engine.Waiting().Pending(),
	}
	u.ULLTP, _ = c.reg.Cache.LTP(ul)
	c.reg.Bus.Publish(events.EventPnLUpdate, u)
	c.emit(PacketPnLUpdate, u)
	return u, nil
}

// onTick fans a routed tick out to the waiting book, the paper broker and
// the data lane.
func (c *Coordinator) onTick(t market.Tick) {
	c.reg.Metrics.IncrementTicks()
	if c.reg.Paper != nil {
		c.reg.Paper.SetQuote(t.Symbol, t.LTP)
	}
	in, ok := c.reg.Instruments[t.Symbol]
	if !ok {
		return
	}
	if !in.IsOption() && c.reg.Paper != nil && in.Symbol != t.Symbol {
		c.reg.Paper.SetQuote(in.Symbol, t.LTP)
	}
	c.reg.Engine.Waiting().OnTick(t.Symbol, t.LTP)
	if t.Symbol == c.ULIndex() {
		u := TickUpdate{Symbol: t.Symbol, LTP: t.LTP}
		if e, ok := c.reg.Cache.Get(t.Symbol); ok {
			u.Change = e.Change()
		}
		c.emit(PacketTickUpdate, u)
	}
}

func (c *Coordinator) onWaitingFired(w order.WaitingOrder, res order.Result, err error) {
	if err != nil {
		c.reg.Bus.Notify(events.OrderUpdate("", w.Instrument, string(order.HardFailure), 0, err.Error()))
		return
	}
	log.Printf("waiting order %d done: filled %d/%d (%s)", w.Row, res.Filled, w.Qty, res.Outcome())
}

// intent builds the order intent for a selection on the ul_index entry.
func (c *Coordinator) intent(ul string, in config.Instrument, sel config.Selection, qty int) order.Intent {
	it := order.Intent{
		Instrument: state.Instrument{
			Symbol:     sel.Symbol,
			Underlying: ul,
			Exchange:   in.Exchange,
			Type:       state.InstType(sel.InstType),
			LotSize:    in.LotSize,
			FreezeQty:  in.FreezeQty,
		},
		Side:    sel.Side,
		Qty:     qty,
		Legs:    in.Legs,
		Product: in.Product(),
	}
	if in.UseOCO && in.ProfitPer > 0 && in.StopLossPer > 0 {
		it.OCO = &order.OCOSpec{ProfitPer: in.ProfitPer, StopLossPer: in.StopLossPer, TickSize: in.TickSize}
	}
	return it
}

// seedPaperQuote gives the simulator a price for a freshly selected option
// so it can fill before the feed has ticked the symbol.
func (c *Coordinator) seedPaperQuote(in config.Instrument, sel config.Selection, ulPrice float64) {
	if c.reg.Paper == nil || ulPrice <= 0 {
		return
	}
	if _, err := c.reg.Paper.Quote(context.Background(), in.Exchange, sel.Symbol); err == nil {
		return
	}
	premium := ulPrice
	if in.IsOption() {
		premium = paperPremium(ulPrice, float64(sel.Strike), sel.InstType == "CE", in.TickSize)
	}
	c.reg.Paper.SetQuote(sel.Symbol, premium)
	if tr, ok := c.reg.Feed.(interface{ Track(string, float64) }); ok {
		tr.Track(sel.Symbol, premium)
	}
}

// paperPremium is intrinsic value plus 0.4% of the underlying as time value.
func paperPremium(ul, strike float64, call bool, tick float64) float64 {
	intrinsic := ul - strike
	if !call {
		intrinsic = strike - ul
	}
	if intrinsic < 0 {
		intrinsic = 0
	}
	p := intrinsic + ul*0.004
	if tick > 0 {
		p = order.RoundToTick(p, tick)
	}
	if p <= 0 {
		p = tick
	}
	return p
}

func (c *Coordinator) underlyingLTP(ul string) (float64, error) {
	ltp, ok := c.reg.Cache.LTP(ul)
	if !ok || ltp <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoTick, ul)
	}
	return ltp, nil
}
