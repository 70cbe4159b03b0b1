// Package persistence makes the order audit trail durable: terminal orders go
// to an fsynced journal first and reach SQLite through a batch writer.
package persistence

import (
	"context"
	"fmt"
	"log"
	"time"

	"tez-core/pkg/db"
)

const upsertOrderSQL = `
	INSERT INTO orders (order_id, instrument, qty, status, oco_id, remarks, avg_price, filled_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(order_id) DO UPDATE SET
		qty = excluded.qty,
		status = excluded.status,
		oco_id = excluded.oco_id,
		avg_price = excluded.avg_price,
		filled_at = excluded.filled_at`

// StoreConfig tunes batching.
type StoreConfig struct {
	JournalDir    string
	BatchSize     int
	FlushInterval time.Duration
}

// Store records terminal orders and square-off events.
type Store struct {
	db      *db.Database
	journal *Journal
	batch   *BatchWriter
}

// NewStore opens the journal, replays anything not yet committed and starts
// the batch writer.
func NewStore(d *db.Database, cfg StoreConfig) (*Store, error) {
	j, err := OpenJournal(cfg.JournalDir)
	if err != nil {
		return nil, err
	}
	bw := NewBatchWriter(d.DB, cfg.BatchSize, cfg.FlushInterval)
	bw.OnFlush(j.Commit)
	s := &Store{db: d, journal: j, batch: bw}

	recovered, err := j.Recover()
	if err != nil {
		bw.Close()
		j.Close()
		return nil, err
	}
	for _, rec := range recovered {
		bw.Write(orderOp(rec))
	}
	if len(recovered) > 0 {
		if err := bw.Flush(context.Background()); err != nil {
			log.Printf("⚠️ store: replay flush failed: %v", err)
		}
	}
	return s, nil
}

func orderOp(o db.OrderRecord) WriteOp {
	var filled any
	if !o.FilledAt.IsZero() {
		filled = o.FilledAt
	}
	return WriteOp{
		Key:   o.OrderID,
		Query: upsertOrderSQL,
		Args:  []any{o.OrderID, o.Instrument, o.Qty, o.Status, o.OCOID, o.Remarks, o.AvgPrice, filled},
	}
}

// SaveOrder journals the record and queues it for the database.
func (s *Store) SaveOrder(ctx context.Context, o db.OrderRecord) error {
	if o.OrderID == "" {
		return fmt.Errorf("save order: empty order id")
	}
	if err := s.journal.Append(o); err != nil {
		return fmt.Errorf("save order %s: %w", o.OrderID, err)
	}
	s.batch.Write(orderOp(o))
	return nil
}

// RecordSquareOff writes straight through; callers need the row id.
func (s *Store) RecordSquareOff(ctx context.Context, ev db.SquareOffEvent) (int64, error) {
	return s.db.RecordSquareOff(ctx, ev)
}

// Flush pushes buffered orders to the database.
func (s *Store) Flush(ctx context.Context) error {
	return s.batch.Flush(ctx)
}

// Stats combines journal and writer counters.
type Stats struct {
	Journal JournalMetrics     `json:"journal"`
	Batch   BatchWriterMetrics `json:"batch"`
}

func (s *Store) Stats() Stats {
	return Stats{Journal: s.journal.GetMetrics(), Batch: s.batch.GetMetrics()}
}

// Close flushes and releases the journal.
func (s *Store) Close() error {
	err := s.batch.Close()
	s.journal.Close()
	return err
}
