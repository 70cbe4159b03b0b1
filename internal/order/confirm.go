package order

import (
	"context"
	"log"
	"strings"
	"time"

	"tez-core/pkg/exchanges/common"
)

var rmsSoftMarkers = []string{"rms:blocked", "margin", "rms: auto square off block"}

// ClassifyRejection maps a broker reject reason to an outcome. Risk-system
// and margin rejections are soft; anything else is hard.
func ClassifyRejection(reason string) Outcome {
	r := strings.ToLower(reason)
	for _, m := range rmsSoftMarkers {
		if strings.Contains(r, m) {
			return SoftFailureRejRMS
		}
	}
	return HardFailure
}

// classifyFill maps a final fill count to an outcome.
func classifyFill(filled, qty int) Outcome {
	switch {
	case filled >= qty && qty > 0:
		return Success
	case filled > 0:
		return SoftFailureQty
	}
	return HardFailure
}

// confirm polls order history until the order is terminal or the budget runs
// out. On timeout the order is cancelled and its fill re-read.
func (e *Engine) confirm(ctx context.Context, st Status) Status {
	attempts := e.cfg.ConfirmAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		snap, err := e.api.OrderHistory(ctx, st.OrderID)
		if err != nil {
			log.Printf("⚠️ confirm %s attempt %d/%d: %v", st.OrderID, attempt, attempts, err)
		} else {
			switch snap.Status {
			case common.StatusRejected:
				st.RejectReason = snap.RejectReason
				st.Outcome = ClassifyRejection(snap.RejectReason)
				return st
			case common.StatusComplete, common.StatusCancelled:
				return settle(st, snap)
			}
		}
		if attempt == attempts || !sleepCtx(ctx, e.cfg.ConfirmInterval) {
			break
		}
	}

	// budget exhausted: cancel and re-read whatever filled
	bg := context.WithoutCancel(ctx)
	if err := e.api.CancelOrder(bg, st.OrderID); err != nil {
		log.Printf("⚠️ cancel %s after confirmation timeout: %v", st.OrderID, err)
	}
	snap, err := e.api.OrderHistory(bg, st.OrderID)
	if err != nil {
		log.Printf("❌ re-read %s after cancel: %v", st.OrderID, err)
		st.Outcome = HardFailure
		st.RejectReason = err.Error()
		return st
	}
	if snap.Status == common.StatusRejected {
		st.RejectReason = snap.RejectReason
		st.Outcome = ClassifyRejection(snap.RejectReason)
		return st
	}
	return settle(st, snap)
}

func settle(st Status, snap common.OrderSnapshot) Status {
	filled := snap.FilledQty
	st.AvgPrice = snap.AvgPrice
	st.Outcome = classifyFill(filled, st.Qty)
	if filled > 0 {
		st.FilledAt = snap.UpdatedAt
	}
	if st.Side == common.SideSell {
		filled = -filled
	}
	st.FilledQty = filled
	if st.Outcome == HardFailure && snap.RejectReason != "" {
		st.RejectReason = snap.RejectReason
	}
	return st
}

// sleepCtx waits d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
