package backend

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tez-core/internal/events"
	"tez-core/internal/monitor"
	"tez-core/pkg/exchanges/common"
)

// Connectivity is published on events.EventConnectivity whenever the broker
// link changes state.
type Connectivity struct {
	Connected bool      `json:"connected"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"timestamp"`
}

// WatchedAPI wraps a TradingAPI and tracks broker connectivity from the
// errors it returns. Only BrokerError (transport) failures flip the link
// down; order rejections and missing quotes do not.
type WatchedAPI struct {
	next    common.TradingAPI
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	limiter *rate.Limiter

	mu        sync.Mutex
	connected bool
	lastErr   error
	changedAt time.Time
}

// NewWatchedAPI starts in the connected state. Connectivity notifications
// are limited to one per every seconds (burst 1); state changes are always
// published on the bus.
func NewWatchedAPI(next common.TradingAPI, bus *events.Bus, metrics *monitor.SystemMetrics, every time.Duration) *WatchedAPI {
	if every <= 0 {
		every = 5 * time.Second
	}
	metrics.SetBrokerConnected(true)
	return &WatchedAPI{
		next:      next,
		bus:       bus,
		metrics:   metrics,
		limiter:   rate.NewLimiter(rate.Every(every), 1),
		connected: true,
		changedAt: time.Now(),
	}
}

// Connected reports the link state and the error that last took it down.
func (w *WatchedAPI) Connected() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected, w.lastErr
}

func (w *WatchedAPI) observe(err error) {
	down := err != nil && common.IsBrokerError(err) &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	if err != nil && !down {
		return
	}
	w.mu.Lock()
	if w.connected == !down {
		w.mu.Unlock()
		return
	}
	w.connected = !down
	w.lastErr = err
	w.changedAt = time.Now()
	w.mu.Unlock()

	w.metrics.SetBrokerConnected(!down)
	if down {
		w.metrics.IncrementErrors()
		log.Printf("❌ broker link down: %v", err)
	} else {
		log.Printf("✅ broker link restored")
	}
	c := Connectivity{Connected: !down, At: time.Now()}
	if err != nil {
		c.Error = err.Error()
	}
	if w.bus != nil {
		w.bus.Publish(events.EventConnectivity, c)
	}
	if w.limiter.Allow() {
		w.bus.Notify(events.BrokerConnectivity(!down, err))
	}
}

func (w *WatchedAPI) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	ack, err := w.next.PlaceOrder(ctx, req)
	w.observe(err)
	return ack, err
}

func (w *WatchedAPI) OrderHistory(ctx context.Context, orderID string) (common.OrderSnapshot, error) {
	snap, err := w.next.OrderHistory(ctx, orderID)
	w.observe(err)
	return snap, err
}

func (w *WatchedAPI) CancelOrder(ctx context.Context, orderID string) error {
	err := w.next.CancelOrder(ctx, orderID)
	w.observe(err)
	return err
}

func (w *WatchedAPI) Positions(ctx context.Context) ([]common.Position, error) {
	p, err := w.next.Positions(ctx)
	w.observe(err)
	return p, err
}

func (w *WatchedAPI) Quote(ctx context.Context, exchange, instrument string) (common.Quote, error) {
	q, err := w.next.Quote(ctx, exchange, instrument)
	w.observe(err)
	return q, err
}

func (w *WatchedAPI) AvailableMargin(ctx context.Context) (float64, error) {
	m, err := w.next.AvailableMargin(ctx)
	w.observe(err)
	return m, err
}
