package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"tez-core/internal/channel"
	"tez-core/internal/command"
	"tez-core/internal/events"
	"tez-core/internal/order"
	"tez-core/internal/risk"
	"tez-core/pkg/db"
)

func (c *Coordinator) registerHandlers() {
	d := c.disp
	d.Register(command.SetULIndex, command.Bind(c.handleSetULIndex))
	d.Register(command.MarketAction, command.Bind(c.handleMarketAction))
	d.Register(command.SquareOff, command.Bind(c.handleSquareOff))
	d.Register(command.EnhancedSquareOff, command.Bind(c.handleEnhancedSquareOff))
	d.Register(command.SimpleSquareOff, command.Bind(c.handleSimpleSquareOff))
	d.Register(command.ActivateAuto, command.Bind(c.handleActivateAuto))
	d.Register(command.DeactivateAuto, command.Bind(c.handleDeactivateAuto))
	d.Register(command.CancelWaitingOrder, command.Bind(c.handleCancelWaiting))
	d.Register(command.GetLatestTick, command.Bind(c.handleLatestTick))
	d.Register(command.GetHealthStatus, command.Bind(c.handleHealth))
	d.Register(command.ShowRecords, command.Bind(c.handleShowRecords))
	d.Register(command.DataFeedConnect, command.Bind(c.handleFeedConnect))
	d.Register(command.DataFeedDisconnect, command.Bind(c.handleFeedDisconnect))
	d.Register(command.GetSystemStatus, command.Bind(c.handleSystemStatus))
	d.Register(command.RefreshPositions, command.Bind(c.handleRefreshPositions))
	d.Register(command.EmergencyStop, command.Bind(c.handleEmergencyStop))
	d.Register(command.GetSquareOffStatus, command.Bind(c.handleSquareOffStatus))
	d.Register(command.UpdateSquareOffConfig, command.Bind(c.handleUpdateSquareOffConfig))
}

func (c *Coordinator) handleSetULIndex(_ context.Context, p command.SetULIndexPayload) (any, error) {
	in, err := c.reg.Instruments.Get(p.ULIndex)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.ulIndex = in.ULIndex
	c.mu.Unlock()
	c.reg.AutoTrail.SetSymbol(in.ULIndex)
	log.Printf("🔄 ul_index set to %s", in.ULIndex)
	return map[string]any{"ul_index": in.ULIndex}, nil
}

// handleMarketAction opens a position now, or parks a waiting order when a
// trade price is given.
func (c *Coordinator) handleMarketAction(ctx context.Context, p command.MarketActionPayload) (any, error) {
	ul := c.ULIndex()
	in, err := c.reg.Instruments.Get(ul)
	if err != nil {
		return nil, err
	}
	ltp, ltpErr := c.underlyingLTP(ul)

	price := ltp
	if p.TradePrice != nil {
		price = *p.TradePrice
	}
	sel, err := in.Select(p.Action, price)
	if err != nil {
		return nil, fmt.Errorf("select %s %s: %w", p.Action, ul, err)
	}
	qty := p.Qty
	if qty <= 0 {
		qty = in.OrderQty()
	}
	it := c.intent(ul, in, sel, qty)

	if p.TradePrice != nil {
		if ltpErr != nil {
			return nil, ltpErr
		}
		c.seedPaperQuote(in, sel, *p.TradePrice)
		w := c.reg.Engine.Waiting().Add(it, ul, p.Action, *p.TradePrice, ltp)
		return map[string]any{"result": 0, "waiting": w}, nil
	}

	c.seedPaperQuote(in, sel, ltp)
	res, err := c.reg.Engine.PlaceAndConfirm(ctx, it)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": res.Filled, "outcome": res.Outcome(), "detail": res}, nil
}

func (c *Coordinator) handleSquareOff(ctx context.Context, p command.SquareOffPayload) (any, error) {
	req := order.SquareOffRequest{
		Mode:        p.Mode,
		Underlying:  strings.ToUpper(p.ULIndex),
		InstType:    p.InstType,
		Per:         p.Per,
		PartialExit: p.PartialExit,
		ExitFlag:    p.ExitFlag,
		Trigger:     order.TriggerManual,
	}
	res, err := c.squareOff(ctx, req)
	if err != nil && !errors.Is(err, order.ErrSquareOffIncomplete) {
		return nil, err
	}
	out := map[string]any{
		"success":       err == nil,
		"closed_qty":    res.Closed,
		"remaining_qty": res.Remaining,
	}
	if len(res.Failed) > 0 {
		out["failed_instruments"] = res.Failed
	}
	return out, nil
}

// squareOff runs a manual or emergency square-off and reports it.
func (c *Coordinator) squareOff(ctx context.Context, req order.SquareOffRequest) (order.SquareOffResult, error) {
	res, err := c.reg.Engine.SquareOff(ctx, req)
	switch {
	case err != nil && !errors.Is(err, order.ErrSquareOffIncomplete):
		c.reg.Bus.Notify(events.SquareOffFailed(req.Mode, req.Trigger, err))
	case res.Remaining > 0 && (req.Mode == "ALL" || !req.PartialExit):
		c.reg.Bus.Notify(events.SquareOffPartial(req.Mode, req.Trigger, res.Remaining))
	case !res.Noop:
		c.reg.Bus.Notify(events.SquareOffCompleted(req.Mode, req.Trigger, c.PnL()))
	}
	return res, err
}

// handleEnhancedSquareOff cancels everything pending before closing all.
func (c *Coordinator) handleEnhancedSquareOff(ctx context.Context, _ command.Empty) (any, error) {
	start := time.Now()
	cancelled := c.reg.Engine.CancelInflight(ctx)
	cancelled += c.reg.Engine.Waiting().CancelAll("")
	res, err := c.squareOff(ctx, order.SquareOffRequest{Mode: "ALL", Per: 100, Trigger: order.TriggerManual})
	if err != nil && !errors.Is(err, order.ErrSquareOffIncomplete) {
		return nil, err
	}
	return map[string]any{
		"success":          err == nil && res.Remaining == 0,
		"cancelled_orders": cancelled,
		"closed_qty":       res.Closed,
		"timing_seconds":   time.Since(start).Seconds(),
	}, nil
}

func (c *Coordinator) handleSimpleSquareOff(ctx context.Context, _ command.Empty) (any, error) {
	res, err := c.squareOff(ctx, order.SquareOffRequest{Mode: "ALL", Per: 100, Trigger: order.TriggerManual})
	if err != nil && !errors.Is(err, order.ErrSquareOffIncomplete) {
		return nil, err
	}
	return map[string]any{"success": err == nil && res.Remaining == 0, "remaining_qty": res.Remaining}, nil
}

func (c *Coordinator) handleActivateAuto(_ context.Context, p command.ActivateAutoPayload) (any, error) {
	st, err := c.reg.AutoTrail.Activate(risk.Params{
		StopLoss:   p.SL,
		Target:     p.Target,
		MoveToCost: p.MvtoCost,
		TrailAfter: p.TrailAfter,
		TrailBy:    p.TrailBy,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "state": st}, nil
}

func (c *Coordinator) handleDeactivateAuto(_ context.Context, _ command.Empty) (any, error) {
	c.reg.AutoTrail.Deactivate()
	return map[string]any{"success": true}, nil
}

func (c *Coordinator) handleCancelWaiting(_ context.Context, p command.CancelWaitingPayload) (any, error) {
	rows, err := p.Rows()
	if err != nil {
		return nil, err
	}
	done := c.reg.Engine.Waiting().Cancel(rows)
	return map[string]any{"cancelled": len(done), "rows": done}, nil
}

func (c *Coordinator) handleLatestTick(_ context.Context, _ command.Empty) (any, error) {
	ul := c.ULIndex()
	ltp, age, ok := c.reg.Cache.GetWithAge(ul)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTick, ul)
	}
	return map[string]any{"ltp": ltp, "symbol": ul, "age_ms": age.Milliseconds()}, nil
}

func (c *Coordinator) handleHealth(ctx context.Context, _ command.Empty) (any, error) {
	return c.Health(ctx), nil
}

// Health builds the health document.
func (c *Coordinator) Health(ctx context.Context) HealthStatus {
	c.mu.RLock()
	started, pnlAt := c.started, c.pnlAt
	c.mu.RUnlock()

	h := HealthStatus{
		Status:          "ok",
		BrokerConnected: true,
		Dispatcher:      c.disp.State(),
		Channels:        c.reg.Channels.Stats(),
		Database:        "disabled",
		LastPnLAt:       pnlAt,
		DroppedEvents:   c.reg.Bus.Dropped(),
		Listeners:       c.reg.Bus.Subscribers(events.EventNotification),
		Host:            c.reg.Host,
		Metrics:         c.reg.Metrics.GetSnapshot(),
	}
	if !started.IsZero() {
		h.Uptime = time.Since(started).Round(time.Second).String()
	}
	if c.reg.Broker != nil {
		ok, err := c.reg.Broker.Connected()
		h.BrokerConnected = ok
		if err != nil {
			h.BrokerError = err.Error()
		}
	}
	if c.reg.Feed != nil {
		h.FeedConnected = c.reg.Feed.Connected()
	}
	if c.reg.DB != nil {
		h.Database = "ok"
		if err := c.reg.DB.Ping(ctx); err != nil {
			h.Database = err.Error()
		}
	}
	if c.reg.Store != nil {
		st := c.reg.Store.Stats()
		h.Store = &st
	}
	if !h.BrokerConnected || (h.Database != "ok" && h.Database != "disabled") || h.Dispatcher != channel.StateRunning {
		h.Status = "degraded"
	}
	return h
}

func (c *Coordinator) handleShowRecords(ctx context.Context, p command.ShowRecordsPayload) (any, error) {
	if c.reg.DB == nil {
		return nil, ErrNoStorage
	}
	if c.reg.Store != nil {
		if err := c.reg.Store.Flush(ctx); err != nil {
			log.Printf("⚠️ flush before SHOW_RECORDS: %v", err)
		}
	}
	limit := p.Limit
	if limit == 0 {
		limit = 100
	}
	var (
		orders []db.OrderRecord
		err    error
	)
	if p.Instrument != "" {
		orders, err = c.reg.DB.Queries().OrdersByInstrument(ctx, p.Instrument, limit)
	} else {
		orders, err = c.reg.DB.ListOrders(ctx, limit)
	}
	if err != nil {
		return nil, err
	}
	squareOffs, err := c.reg.DB.ListSquareOffs(ctx, limit)
	if err != nil {
		return nil, err
	}
	counts, err := c.reg.DB.Queries().StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"orders":         orders,
		"square_offs":    squareOffs,
		"status_counts":  counts,
		"positions":      c.reg.Engine.Ledger().Snapshot(),
		"waiting_orders": c.reg.Engine.Waiting().List(),
	}, nil
}

func (c *Coordinator) handleFeedConnect(ctx context.Context, _ command.Empty) (any, error) {
	if c.reg.Feed == nil {
		return nil, ErrNoFeed
	}
	// the feed outlives the command; only Stop ends it
	if err := c.reg.Feed.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	return map[string]any{"connected": c.reg.Feed.Connected(), "feed": c.reg.Feed.Name()}, nil
}

func (c *Coordinator) handleFeedDisconnect(_ context.Context, _ command.Empty) (any, error) {
	if c.reg.Feed == nil {
		return nil, ErrNoFeed
	}
	c.reg.Feed.Stop()
	return map[string]any{"connected": c.reg.Feed.Connected(), "feed": c.reg.Feed.Name()}, nil
}

func (c *Coordinator) handleSystemStatus(_ context.Context, _ command.Empty) (any, error) {
	return c.SystemStatus(), nil
}

// SystemStatus reports the runtime state.
func (c *Coordinator) SystemStatus() SystemStatus {
	l := c.reg.Engine.Ledger()
	s := SystemStatus{
		Mode:          "LIVE",
		Paper:         c.reg.Paper != nil,
		ULIndex:       c.ULIndex(),
		Indices:       c.reg.Instruments.Indices(),
		UseMockFeed:   c.opts.UseMockFeed,
		Version:       c.opts.Version,
		ServerTime:    time.Now().UTC(),
		PnL:           c.PnL(),
		OpenQty:       l.TotalAvailable(),
		Positions:     l.Snapshot(),
		AutoTrail:     c.reg.AutoTrail.Status(),
		Inflight:      len(c.reg.Engine.Inflight()),
		WaitingOrders: c.reg.Engine.Waiting().Pending(),
	}
	if s.Paper {
		s.Mode = "PAPER"
	}
	if c.reg.Timer != nil {
		st := c.reg.Timer.Status()
		s.SquareOff = &st
	}
	return s
}

func (c *Coordinator) handleRefreshPositions(ctx context.Context, _ command.Empty) (any, error) {
	if c.reg.Recon != nil {
		return c.reg.Recon.Reconcile(ctx)
	}
	positions, err := c.reg.API.Positions(ctx)
	if err != nil {
		return nil, err
	}
	mm := c.reg.Engine.Ledger().SyncFromBroker(ctx, positions, nil)
	for _, m := range mm {
		c.reg.Bus.Notify(events.PositionMismatch(m.Instrument, m.LedgerQty, m.BrokerQty))
	}
	return map[string]any{"mismatches": mm, "positions": c.reg.Engine.Ledger().Snapshot()}, nil
}

// handleEmergencyStop disarms automation, cancels pending work and closes
// every position.
func (c *Coordinator) handleEmergencyStop(ctx context.Context, _ command.Empty) (any, error) {
	log.Printf("🛑 EMERGENCY STOP")
	c.reg.AutoTrail.Deactivate()
	c.disarmTimer()
	cancelled := c.reg.Engine.CancelInflight(ctx)
	cancelled += c.reg.Engine.Waiting().CancelAll("")
	res, err := c.squareOff(ctx, order.SquareOffRequest{Mode: "ALL", Per: 100, Trigger: order.TriggerEmergency})
	if err != nil && !errors.Is(err, order.ErrSquareOffIncomplete) {
		return nil, err
	}
	return map[string]any{
		"success":          err == nil && res.Remaining == 0,
		"cancelled_orders": cancelled,
		"closed_qty":       res.Closed,
		"remaining_qty":    res.Remaining,
	}, nil
}

func (c *Coordinator) handleSquareOffStatus(_ context.Context, _ command.Empty) (any, error) {
	if c.reg.Timer == nil {
		return nil, errors.New("square-off timer not configured")
	}
	return c.reg.Timer.Status(), nil
}

func (c *Coordinator) handleUpdateSquareOffConfig(ctx context.Context, p command.SquareOffConfigPayload) (any, error) {
	if c.reg.Timer == nil {
		return nil, errors.New("square-off timer not configured")
	}
	cfg := c.reg.Timer.Config()
	if p.WindowStart != "" {
		cfg.WindowStart = p.WindowStart
	}
	if p.WindowEnd != "" {
		cfg.WindowEnd = p.WindowEnd
	}
	if p.SquareOffAt != "" {
		cfg.SquareOffAt = p.SquareOffAt
	}
	wasEnabled := cfg.Enabled
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if err := c.reg.Timer.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Enabled && !wasEnabled {
		c.armTimer(c.runContext(ctx))
	}
	if !cfg.Enabled {
		c.disarmTimer()
	}
	return c.reg.Timer.Status(), nil
}

func (c *Coordinator) disarmTimer() {
	c.mu.Lock()
	task := c.task
	c.task = nil
	c.mu.Unlock()
	if task == nil {
		return
	}
	if err := task.Cancel(time.Second); err != nil {
		log.Printf("⚠️ %v", err)
	}
}
