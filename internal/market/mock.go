package market

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"tez-core/internal/events"
)

// MockFeed generates random-walk ticks for local development and paper
// trading. Prices maps each symbol to its starting price.
type MockFeed struct {
	Bus      *events.Bus
	Prices   map[string]float64
	StepPct  float64
	Interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	pmu  sync.Mutex
	live map[string]float64
}

func (m *MockFeed) Name() string { return "mock" }

// Start begins publishing. Starting a running feed is a no-op.
func (m *MockFeed) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}
	if m.Bus == nil {
		log.Println("mock feed: bus not set")
		return nil
	}
	if m.StepPct == 0 {
		m.StepPct = 0.05
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}
	m.pmu.Lock()
	if m.live == nil {
		m.live = make(map[string]float64, len(m.Prices))
	}
	for s, p := range m.Prices {
		if p <= 0 {
			p = 100
		}
		if _, ok := m.live[s]; !ok {
			m.live[s] = p
		}
	}
	n := len(m.live)
	m.pmu.Unlock()

	fctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	go func() {
		defer close(done)
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-fctx.Done():
				return
			case now := <-t.C:
				for _, tk := range m.step(now) {
					m.Bus.Publish(events.EventTick, tk)
				}
			}
		}
	}()
	m.Bus.Notify(events.FeedConnected(map[string]any{"feed": m.Name(), "symbols": n}))
	log.Printf("📡 mock feed started (%d symbols, every %v)", n, m.Interval)
	return nil
}

func (m *MockFeed) step(now time.Time) []Tick {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	out := make([]Tick, 0, len(m.live))
	for sym, p := range m.live {
		p *= 1 + (rand.Float64()*2-1)*m.StepPct/100
		m.live[sym] = p
		out = append(out, Tick{Symbol: sym, LTP: p, At: now})
	}
	return out
}

// Track adds symbol to the walk at price unless it is already tracked.
func (m *MockFeed) Track(symbol string, price float64) {
	if price <= 0 {
		return
	}
	m.pmu.Lock()
	defer m.pmu.Unlock()
	if m.live == nil {
		m.live = make(map[string]float64)
	}
	if _, ok := m.live[symbol]; !ok {
		m.live[symbol] = price
	}
}

// Stop halts publishing and waits for the generator to exit.
func (m *MockFeed) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.Bus.Notify(events.FeedDisconnected("stopped"))
	log.Printf("mock feed stopped")
}

// Connected reports whether the generator is running.
func (m *MockFeed) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}
