package common

import (
	"context"
	"log"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// RateLimitedAPI throttles every broker call through a token bucket.
type RateLimitedAPI struct {
	next    TradingAPI
	limiter *rate.Limiter
	waited  atomic.Uint64
}

// NewRateLimitedAPI wraps next with perSecond calls and the given burst.
// A non-positive perSecond disables throttling.
func NewRateLimitedAPI(next TradingAPI, perSecond float64, burst int) *RateLimitedAPI {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &RateLimitedAPI{next: next, limiter: lim}
}

func (r *RateLimitedAPI) wait(ctx context.Context, op string) error {
	if r.limiter.Allow() {
		return nil
	}
	if n := r.waited.Add(1); n%100 == 1 {
		log.Printf("⚠️ broker rate limit reached (op=%s, waits=%d)", op, n)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return &BrokerError{Op: op, Err: err}
	}
	return nil
}

// Waits returns how many calls had to wait for a token.
func (r *RateLimitedAPI) Waits() uint64 { return r.waited.Load() }

func (r *RateLimitedAPI) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := r.wait(ctx, "place_order"); err != nil {
		return OrderAck{}, err
	}
	return r.next.PlaceOrder(ctx, req)
}

func (r *RateLimitedAPI) OrderHistory(ctx context.Context, orderID string) (OrderSnapshot, error) {
	if err := r.wait(ctx, "order_history"); err != nil {
		return OrderSnapshot{}, err
	}
	return r.next.OrderHistory(ctx, orderID)
}

func (r *RateLimitedAPI) CancelOrder(ctx context.Context, orderID string) error {
	if err := r.wait(ctx, "cancel_order"); err != nil {
		return err
	}
	return r.next.CancelOrder(ctx, orderID)
}

func (r *RateLimitedAPI) Positions(ctx context.Context) ([]Position, error) {
	if err := r.wait(ctx, "positions"); err != nil {
		return nil, err
	}
	return r.next.Positions(ctx)
}

func (r *RateLimitedAPI) Quote(ctx context.Context, exchange, instrument string) (Quote, error) {
	if err := r.wait(ctx, "quote"); err != nil {
		return Quote{}, err
	}
	return r.next.Quote(ctx, exchange, instrument)
}

func (r *RateLimitedAPI) AvailableMargin(ctx context.Context) (float64, error) {
	if err := r.wait(ctx, "margin"); err != nil {
		return 0, err
	}
	return r.next.AvailableMargin(ctx)
}
