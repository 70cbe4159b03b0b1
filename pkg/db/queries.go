package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrInstrumentRequired = errors.New("instrument is required")
	ErrNotFound           = errors.New("record not found")
)

// LedgerQueries provides read-side reporting over the order ledger.
type LedgerQueries struct {
	db *sql.DB
}

// NewLedgerQueries creates a new LedgerQueries instance.
func NewLedgerQueries(db *sql.DB) *LedgerQueries {
	return &LedgerQueries{db: db}
}

// Queries returns the reporting helper bound to this database.
func (d *Database) Queries() *LedgerQueries {
	return NewLedgerQueries(d.DB)
}

// OrdersByInstrument returns ledger rows for one instrument, newest first.
func (q *LedgerQueries) OrdersByInstrument(ctx context.Context, instrument string, limit int) ([]OrderRecord, error) {
	if instrument == "" {
		return nil, ErrInstrumentRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT order_id, instrument, qty, status, COALESCE(oco_id, ''), COALESCE(remarks, ''),
		       COALESCE(avg_price, 0), created_at
		FROM orders WHERE instrument = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, instrument, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var res []OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(&o.OrderID, &o.Instrument, &o.Qty, &o.Status, &o.OCOID, &o.Remarks, &o.AvgPrice, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// Order fetches one ledger row by broker order id.
func (q *LedgerQueries) Order(ctx context.Context, orderID string) (*OrderRecord, error) {
	var o OrderRecord
	err := q.db.QueryRowContext(ctx, `
		SELECT order_id, instrument, qty, status, COALESCE(oco_id, ''), COALESCE(remarks, ''),
		       COALESCE(avg_price, 0), created_at
		FROM orders WHERE order_id = ?
	`, orderID).Scan(&o.OrderID, &o.Instrument, &o.Qty, &o.Status, &o.OCOID, &o.Remarks, &o.AvgPrice, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// StatusCounts returns how many ledger rows ended in each status.
func (q *LedgerQueries) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	res := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		res[status] = n
	}
	return res, rows.Err()
}

// NetFilled sums signed filled quantity per instrument across successful rows.
func (q *LedgerQueries) NetFilled(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT instrument, SUM(qty) FROM orders
		WHERE status IN ('SUCCESS', 'SOFT_FAILURE_QTY')
		GROUP BY instrument
	`)
	if err != nil {
		return nil, fmt.Errorf("query net filled: %w", err)
	}
	defer rows.Close()

	res := make(map[string]int)
	for rows.Next() {
		var inst string
		var n int
		if err := rows.Scan(&inst, &n); err != nil {
			return nil, fmt.Errorf("scan net filled: %w", err)
		}
		res[inst] = n
	}
	return res, rows.Err()
}
