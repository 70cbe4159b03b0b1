package order

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"tez-core/internal/state"
	"tez-core/pkg/db"
	"tez-core/pkg/exchanges/common"
)

// Square-off trigger names.
const (
	TriggerManual    = "manual"
	TriggerAutoTrail = "autotrail"
	TriggerTimer     = "timer"
	TriggerEmergency = "emergency"
)

// SquareOff closes ledger quantity selected by req. It is the only close
// path for every trigger: calls run one at a time, and a call that finds
// nothing open returns success without touching the broker.
//
// ALL and non-partial SELECT close 100% and cancel waiting orders in scope.
// A partial SELECT brings each instrument of req.InstType down to
// (100 - req.Per) percent of its max quantity.
func (e *Engine) SquareOff(ctx context.Context, req SquareOffRequest) (SquareOffResult, error) {
	e.sqMu.Lock()
	defer e.sqMu.Unlock()

	// an in-flight square-off is not cooperatively cancelled
	ctx = context.WithoutCancel(ctx)

	ul, instType, per := "", "ALL", 100.0
	if req.Mode == "SELECT" {
		ul = req.Underlying
		if req.PartialExit {
			per = req.Per
			if req.InstType != "" {
				instType = req.InstType
			}
		}
	}
	if per <= 0 || per > 100 {
		per = 100
	}
	if per == 100 {
		e.waiting.CancelAll(ul)
	}

	var res SquareOffResult
	entries := e.ledger.Select(ul, instType)
	if len(entries) == 0 {
		res.Noop = true
		res.Remaining = e.remaining(ul)
		log.Printf("square-off (%s/%s): nothing open", req.Trigger, req.Mode)
		e.ledger.VerifyReset(ctx, ul)
		e.metrics.ObserveSquareOff(req.Trigger, true)
		return res, nil
	}

	for _, en := range entries {
		target := closeTarget(en, per)
		if target <= 0 {
			continue
		}
		closed, orders := e.closeInstrument(ctx, en, target)
		res.Closed += closed
		res.Orders = append(res.Orders, orders...)
		if closed < target {
			res.Failed = append(res.Failed, en.Instrument)
		}
	}
	if per == 100 {
		e.ledger.VerifyReset(ctx, ul)
	}
	res.Remaining = e.remaining(ul)

	var err error
	if len(res.Failed) > 0 {
		err = fmt.Errorf("%w: %s", ErrSquareOffIncomplete, strings.Join(res.Failed, ","))
		log.Printf("❌ square-off (%s/%s): closed=%d remaining=%d failed=%v", req.Trigger, req.Mode, res.Closed, res.Remaining, res.Failed)
	} else {
		log.Printf("✅ square-off (%s/%s): closed=%d remaining=%d", req.Trigger, req.Mode, res.Closed, res.Remaining)
	}
	e.recordSquareOff(ctx, req, res, err)
	e.metrics.ObserveSquareOff(req.Trigger, err == nil)
	return res, err
}

// closeTarget is the quantity to close on en at per percent. A partial
// exit keeps max - per% of max open (lot aligned down on the reduction), so
// repeating the same percentage closes nothing more.
func closeTarget(en state.Entry, per float64) int {
	if per >= 100 {
		return en.Available
	}
	lot := en.LotSize
	if lot <= 0 {
		lot = 1
	}
	base := max(en.Max, en.Available)
	reduce := int(math.Floor(float64(base)*per/100/float64(lot))) * lot
	keep := base - reduce
	if en.Available <= keep {
		return 0
	}
	return en.Available - keep
}

// closeInstrument sends freeze-sized market legs until target is closed or
// the failure budget is spent.
func (e *Engine) closeInstrument(ctx context.Context, en state.Entry, target int) (int, []Status) {
	step := target
	if en.FreezeQty > 1 {
		step = en.FreezeQty - 1
		if en.LotSize > 0 && step >= en.LotSize {
			step = step / en.LotSize * en.LotSize
		}
	}

	var orders []Status
	closed, failures, leg := 0, 0, 0
	for closed < target && failures < e.cfg.MaxCloseFailures {
		qty := min(step, target-closed)
		leg++
		l := Leg{Index: leg, Qty: qty, Remarks: fmt.Sprintf("TeZ_SQ_%d_Qty_%d_of_%d", leg, qty, target)}
		req := common.OrderRequest{
			Exchange:   en.Exchange,
			Instrument: en.Instrument,
			Side:       en.Side.Opposite(),
			Type:       common.OrderTypeMarket,
			Product:    e.cfg.Product,
			Qty:        qty,
			Remarks:    l.Remarks,
		}
		st := e.submit(ctx, req, l)
		c := 0
		if n := st.Filled(); n > 0 {
			c = e.ledger.Closed(ctx, en.Instrument, n)
		}
		if c == 0 {
			failures++
		}
		closed += c
		e.record(ctx, st)
		orders = append(orders, st)
	}
	return closed, orders
}

func (e *Engine) remaining(ul string) int {
	if ul == "" {
		return e.ledger.TotalAvailable()
	}
	return e.ledger.AvailableByUnderlying(ul)
}

func (e *Engine) recordSquareOff(ctx context.Context, req SquareOffRequest, res SquareOffResult, err error) {
	if e.rec == nil {
		return
	}
	ev := db.SquareOffEvent{
		Trigger:      req.Trigger,
		Mode:         req.Mode,
		ClosedQty:    res.Closed,
		RemainingQty: res.Remaining,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if _, rerr := e.rec.RecordSquareOff(ctx, ev); rerr != nil {
		log.Printf("⚠️ record square-off: %v", rerr)
	}
}
