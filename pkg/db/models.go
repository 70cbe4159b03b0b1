package db

import (
	"context"
	"database/sql"
	"time"
)

// OrderRecord is one terminal order in the audit ledger.
type OrderRecord struct {
	OrderID    string
	Instrument string
	Qty        int // signed by side
	Status     string
	OCOID      string
	Remarks    string
	AvgPrice   float64
	FilledAt   time.Time
	CreatedAt  time.Time
}

// Position is the persisted snapshot of a ledger entry.
type Position struct {
	Instrument string
	Underlying string
	Exchange   string
	InstType   string
	Side       string
	LotSize    int
	FreezeQty  int
	Available  int
	Max        int
	UpdatedAt  time.Time
}

// SquareOffEvent records one square-off attempt by any trigger.
type SquareOffEvent struct {
	ID           int64
	Trigger      string
	Mode         string
	ClosedQty    int
	RemainingQty int
	PnL          float64
	Error        string
	CreatedAt    time.Time
}

// SaveOrder inserts or replaces a terminal order row.
func (d *Database) SaveOrder(ctx context.Context, o OrderRecord) error {
	var filled any
	if !o.FilledAt.IsZero() {
		filled = o.FilledAt
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (order_id, instrument, qty, status, oco_id, remarks, avg_price, filled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(order_id) DO UPDATE SET
			qty = excluded.qty,
			status = excluded.status,
			oco_id = excluded.oco_id,
			avg_price = excluded.avg_price,
			filled_at = excluded.filled_at
	`, o.OrderID, o.Instrument, o.Qty, o.Status, o.OCOID, o.Remarks, o.AvgPrice, filled)
	return err
}

// ListOrders returns the most recent orders, newest first.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT order_id, instrument, qty, status, COALESCE(oco_id, ''), COALESCE(remarks, ''),
		       COALESCE(avg_price, 0), filled_at, created_at
		FROM orders ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []OrderRecord
	for rows.Next() {
		var o OrderRecord
		var filled sql.NullTime
		if err := rows.Scan(&o.OrderID, &o.Instrument, &o.Qty, &o.Status, &o.OCOID, &o.Remarks, &o.AvgPrice, &filled, &o.CreatedAt); err != nil {
			return nil, err
		}
		if filled.Valid {
			o.FilledAt = filled.Time
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// UpsertPosition stores the latest ledger entry for an instrument.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (instrument, underlying, exchange, inst_type, side, lot_size, freeze_qty, available_qty, max_qty, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(instrument) DO UPDATE SET
			underlying = excluded.underlying,
			exchange = excluded.exchange,
			inst_type = excluded.inst_type,
			side = excluded.side,
			lot_size = excluded.lot_size,
			freeze_qty = excluded.freeze_qty,
			available_qty = excluded.available_qty,
			max_qty = excluded.max_qty,
			updated_at = CURRENT_TIMESTAMP
	`, p.Instrument, p.Underlying, p.Exchange, p.InstType, p.Side, p.LotSize, p.FreezeQty, p.Available, p.Max)
	return err
}

// DeletePosition removes a ledger snapshot row.
func (d *Database) DeletePosition(ctx context.Context, instrument string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM positions WHERE instrument = ?`, instrument)
	return err
}

// ListPositions returns all persisted ledger entries.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT instrument, underlying, exchange, inst_type, side, lot_size, freeze_qty, available_qty, max_qty, updated_at
		FROM positions ORDER BY instrument`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Instrument, &p.Underlying, &p.Exchange, &p.InstType, &p.Side, &p.LotSize, &p.FreezeQty, &p.Available, &p.Max, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// RecordSquareOff appends a square-off audit row.
func (d *Database) RecordSquareOff(ctx context.Context, e SquareOffEvent) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO squareoff_events (trigger, mode, closed_qty, remaining_qty, pnl, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Trigger, e.Mode, e.ClosedQty, e.RemainingQty, e.PnL, e.Error)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListSquareOffs returns recent square-off events, newest first.
func (d *Database) ListSquareOffs(ctx context.Context, limit int) ([]SquareOffEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, trigger, mode, closed_qty, remaining_qty, pnl, COALESCE(error, ''), created_at
		FROM squareoff_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []SquareOffEvent
	for rows.Next() {
		var e SquareOffEvent
		if err := rows.Scan(&e.ID, &e.Trigger, &e.Mode, &e.ClosedQty, &e.RemainingQty, &e.PnL, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
