// Package reconciliation compares the position ledger with the broker's
// book and optionally adopts the broker's quantities.
package reconciliation

import (
	"context"
	"log"
	"sync"
	"time"

	"tez-core/internal/events"
	"tez-core/internal/state"
	"tez-core/pkg/exchanges/common"
)

// PositionSource lists broker positions. common.TradingAPI satisfies it.
type PositionSource interface {
	Positions(ctx context.Context) ([]common.Position, error)
}

// Resolver maps an unknown broker symbol to an instrument.
type Resolver func(symbol string) (state.Instrument, bool)

// Service handles periodic reconciliation
type Service struct {
	broker   PositionSource
	ledger   *state.Ledger
	bus      *events.Bus
	resolve  Resolver
	interval time.Duration
	autoSync bool

	mu   sync.Mutex
	last *Report
}

// Report contains reconciliation results
type Report struct {
	Timestamp   time.Time        `json:"timestamp"`
	Mismatches  []state.Mismatch `json:"mismatches"`
	HasDiffs    bool             `json:"has_diffs"`
	SyncedCount int              `json:"synced_count"`
}

// NewService creates a new reconciliation service
func NewService(broker PositionSource, ledger *state.Ledger, bus *events.Bus, resolve Resolver, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		broker:   broker,
		ledger:   ledger,
		bus:      bus,
		resolve:  resolve,
		interval: interval,
		autoSync: true,
	}
}

// SetAutoSync enables or disables adopting broker quantities.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
	log.Printf("📊 Reconciliation auto-sync: %v", enabled)
}

// Start begins periodic reconciliation
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Reconcile(ctx); err != nil {
					log.Printf("❌ Reconciliation error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("✓ Reconciliation service started (interval: %v, auto-sync: %v)", s.interval, s.autoSync)
}

// Reconcile runs one comparison. With auto-sync the ledger adopts the
// broker's net quantities; otherwise differences are only reported.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions, err := s.broker.Positions(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{Timestamp: time.Now()}
	if s.autoSync {
		report.Mismatches = s.ledger.SyncFromBroker(ctx, positions, s.resolve)
		report.SyncedCount = len(report.Mismatches)
	} else {
		report.Mismatches = compare(s.ledger, positions)
	}
	report.HasDiffs = len(report.Mismatches) > 0
	s.last = report
	s.handleReport(report)
	return report, nil
}

// compare lists differences without touching the ledger.
func compare(l *state.Ledger, positions []common.Position) []state.Mismatch {
	var out []state.Mismatch
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		net := p.NetQty
		if net < 0 {
			net = -net
		}
		seen[p.Instrument] = true
		if have := l.Available(p.Instrument); have != net {
			out = append(out, state.Mismatch{Instrument: p.Instrument, LedgerQty: have, BrokerQty: net})
		}
	}
	for _, e := range l.Snapshot() {
		if !seen[e.Instrument] && e.Available > 0 {
			out = append(out, state.Mismatch{Instrument: e.Instrument, LedgerQty: e.Available})
		}
	}
	return out
}

func (s *Service) handleReport(report *Report) {
	if !report.HasDiffs {
		log.Printf("✅ Reconciliation OK - ledger matches broker")
		return
	}
	log.Printf("⚠️ Reconciliation - %d position differences:", len(report.Mismatches))
	for _, m := range report.Mismatches {
		log.Printf("  %s: ledger=%d broker=%d", m.Instrument, m.LedgerQty, m.BrokerQty)
		s.bus.Notify(events.PositionMismatch(m.Instrument, m.LedgerQty, m.BrokerQty))
	}
	if report.SyncedCount > 0 {
		log.Printf("🔄 Auto-synced %d positions", report.SyncedCount)
	}
}

// LastReport returns the most recent report, or nil.
func (s *Service) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
