package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"tez-core/pkg/db"
)

const (
	actionSaved     = "SAVED"
	actionCommitted = "COMMITTED"
)

// Journal is an append-only JSON-lines log of terminal orders. A record is
// journaled before it reaches sqlite and marked committed afterwards, so a
// crash between the two is replayed on the next start.
type Journal struct {
	path    string
	mu      sync.Mutex
	file    *os.File
	pending map[string]db.OrderRecord
	closed  bool

	written   uint64
	committed uint64
	failed    uint64
}

// JournalMetrics tracks journal activity.
type JournalMetrics struct {
	Written   uint64 `json:"written"`
	Committed uint64 `json:"committed"`
	Failed    uint64 `json:"failed"`
	Pending   int    `json:"pending"`
}

type journalEntry struct {
	Action    string          `json:"action"`
	Order     db.OrderRecord  `json:"order"`
	Timestamp time.Time       `json:"timestamp"`
}

// OpenJournal opens (or creates) orders.jsonl under dir.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	path := filepath.Join(dir, "orders.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{path: path, file: f, pending: make(map[string]db.OrderRecord)}, nil
}

// Recover returns records journaled but never committed, and compacts the
// file down to them.
func (j *Journal) Recover() ([]db.OrderRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal for recovery: %w", err)
	}
	saved := make(map[string]db.OrderRecord)
	var order []string
	committed := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			log.Printf("⚠️ journal parse error (skipping): %v", err)
			continue
		}
		switch e.Action {
		case actionSaved:
			if _, ok := saved[e.Order.OrderID]; !ok {
				order = append(order, e.Order.OrderID)
			}
			saved[e.Order.OrderID] = e.Order
		case actionCommitted:
			delete(saved, e.Order.OrderID)
			committed++
		}
	}
	f.Close()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("journal scan: %w", err)
	}

	var out []db.OrderRecord
	for _, id := range order {
		if rec, ok := saved[id]; ok {
			out = append(out, rec)
			j.pending[id] = rec
		}
	}
	if len(out) > 0 {
		log.Printf("🔄 journal: recovered %d uncommitted orders", len(out))
	}
	if committed > 0 {
		if err := j.compact(out); err != nil {
			log.Printf("⚠️ journal compaction failed: %v", err)
		}
	}
	return out, nil
}

// compact rewrites the journal with only pending records. Caller holds mu.
func (j *Journal) compact(keep []db.OrderRecord) error {
	tmp := j.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, rec := range keep {
		if err := enc.Encode(journalEntry{Action: actionSaved, Order: rec, Timestamp: time.Now()}); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	f.Close()

	j.file.Close()
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}
	j.file, err = os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	log.Printf("✓ journal compacted: kept %d pending entries", len(keep))
	return nil
}

// Append durably records rec before it is written to the database.
func (j *Journal) Append(rec db.OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal closed")
	}
	if err := j.write(journalEntry{Action: actionSaved, Order: rec, Timestamp: time.Now()}, true); err != nil {
		atomic.AddUint64(&j.failed, 1)
		return err
	}
	j.pending[rec.OrderID] = rec
	atomic.AddUint64(&j.written, 1)
	return nil
}

// Commit marks records as safely stored in the database.
func (j *Journal) Commit(ids []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	for _, id := range ids {
		if _, ok := j.pending[id]; !ok {
			continue
		}
		// not synced: a lost commit mark only causes an idempotent replay
		if err := j.write(journalEntry{Action: actionCommitted, Order: db.OrderRecord{OrderID: id}, Timestamp: time.Now()}, false); err != nil {
			log.Printf("⚠️ journal commit %s: %v", id, err)
			continue
		}
		delete(j.pending, id)
		atomic.AddUint64(&j.committed, 1)
	}
}

func (j *Journal) write(e journalEntry, sync bool) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal marshal: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	if sync {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal sync: %w", err)
		}
	}
	return nil
}

// GetMetrics returns journal counters.
func (j *Journal) GetMetrics() JournalMetrics {
	j.mu.Lock()
	pending := len(j.pending)
	j.mu.Unlock()
	return JournalMetrics{
		Written:   atomic.LoadUint64(&j.written),
		Committed: atomic.LoadUint64(&j.committed),
		Failed:    atomic.LoadUint64(&j.failed),
		Pending:   pending,
	}
}

// Close syncs and closes the journal file.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.closed = true
	j.file.Sync()
	j.file.Close()
	log.Printf("✓ journal closed: written=%d committed=%d",
		atomic.LoadUint64(&j.written), atomic.LoadUint64(&j.committed))
}
