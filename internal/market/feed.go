// Package market carries underlying and instrument ticks from a feed into the
// tick cache and every component that reacts to price.
package market

import (
	"context"
	"log"
	"sync"
	"time"

	"tez-core/internal/events"
	"tez-core/pkg/cache"
)

// Tick is one last-traded-price update.
type Tick struct {
	Symbol string    `json:"symbol"`
	LTP    float64   `json:"ltp"`
	At     time.Time `json:"timestamp"`
}

// Feed is a market data source publishing Ticks on the bus.
type Feed interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	Connected() bool
}

// TickHandler reacts to one tick.
type TickHandler func(Tick)

// Router drains EventTick from the bus into the cache and handlers.
type Router struct {
	Bus   *events.Bus
	Cache *cache.ShardedTickCache

	mu       sync.RWMutex
	handlers []TickHandler
}

// NewRouter creates a router writing into c.
func NewRouter(bus *events.Bus, c *cache.ShardedTickCache) *Router {
	return &Router{Bus: bus, Cache: c}
}

// OnTick registers a handler run for every tick, after the cache update.
func (r *Router) OnTick(h TickHandler) {
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()
}

// Start subscribes to ticks until ctx ends.
func (r *Router) Start(ctx context.Context) {
	stream, unsub := r.Bus.Subscribe(events.EventTick, 1024)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-stream:
				if !ok {
					return
				}
				if t, ok := v.(Tick); ok {
					r.Handle(t)
				}
			}
		}
	}()
	log.Printf("✓ Tick router started")
}

// Handle applies one tick synchronously.
func (r *Router) Handle(t Tick) {
	if t.LTP <= 0 || t.Symbol == "" {
		return
	}
	r.Cache.Update(t.Symbol, t.LTP, t.At)
	r.mu.RLock()
	hs := r.handlers
	r.mu.RUnlock()
	for _, h := range hs {
		h(t)
	}
}
