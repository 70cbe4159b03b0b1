package persistence

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// WriteOp is one buffered statement. Key identifies the row for flush
// callbacks and may be empty.
type WriteOp struct {
	Key   string
	Query string
	Args  []any
}

// BatchWriter buffers writes and commits them in one transaction, either
// when the buffer fills or on a timer.
type BatchWriter struct {
	db          *sql.DB
	buffer      []WriteOp
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	flushIntval time.Duration
	onFlush     func(keys []string)
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	totalWrites  uint64
	totalBatches uint64
	totalErrors  uint64
	lastMu       sync.Mutex
	lastSize     int
	lastFlush    time.Time
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	Pending       int       `json:"pending"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts a writer that flushes every interval or at maxSize.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		db:          db,
		buffer:      make([]WriteOp, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.backgroundFlush()
	return bw
}

// OnFlush registers a callback with the keys of every committed batch.
func (bw *BatchWriter) OnFlush(fn func(keys []string)) {
	bw.mu.Lock()
	bw.onFlush = fn
	bw.mu.Unlock()
}

// Write adds an operation to the batch.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		bw.Flush(context.Background())
	}
}

// Flush writes all buffered operations now. A failed batch is put back at
// the head of the buffer for the next attempt.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	onFlush := bw.onFlush
	bw.mu.Unlock()

	if err := bw.executeBatch(ctx, ops); err != nil {
		bw.mu.Lock()
		bw.buffer = append(ops, bw.buffer...)
		bw.mu.Unlock()
		return err
	}
	if onFlush != nil {
		keys := make([]string, 0, len(ops))
		for _, op := range ops {
			if op.Key != "" {
				keys = append(keys, op.Key)
			}
		}
		onFlush(keys)
	}
	return nil
}

func (bw *BatchWriter) executeBatch(ctx context.Context, ops []WriteOp) error {
	atomic.AddUint64(&bw.totalBatches, 1)
	bw.lastMu.Lock()
	bw.lastSize = len(ops)
	bw.lastFlush = time.Now()
	bw.lastMu.Unlock()

	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		atomic.AddUint64(&bw.totalErrors, 1)
		log.Printf("❌ BatchWriter: failed to begin transaction: %v", err)
		return err
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			tx.Rollback()
			atomic.AddUint64(&bw.totalErrors, 1)
			log.Printf("❌ BatchWriter: query failed, rolling back: %v", err)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&bw.totalErrors, 1)
		log.Printf("❌ BatchWriter: commit failed: %v", err)
		return err
	}
	atomic.AddUint64(&bw.totalWrites, uint64(len(ops)))
	log.Printf("💾 BatchWriter: flushed %d operations", len(ops))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				log.Printf("⚠️ BatchWriter: background flush error: %v", err)
			}
		case <-bw.done:
			if err := bw.Flush(context.Background()); err != nil {
				log.Printf("⚠️ BatchWriter: final flush error: %v", err)
			}
			return
		}
	}
}

// Pending returns the number of buffered operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current counters.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.lastMu.Lock()
	size, at := bw.lastSize, bw.lastFlush
	bw.lastMu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.totalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.totalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.totalErrors),
		Pending:       bw.Pending(),
		LastBatchSize: size,
		LastFlushTime: at,
	}
}

// Close flushes what is buffered and stops the background loop.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
