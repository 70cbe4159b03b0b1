package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestApplyMigrationsIdempotent(t *testing.T) {
	database := newTestDB(t)
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second migration run failed: %v", err)
	}
}

func TestOrderLedgerQueries(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	q := database.Queries()

	if _, err := q.OrdersByInstrument(ctx, "", 10); err != ErrInstrumentRequired {
		t.Fatalf("expected ErrInstrumentRequired, got %v", err)
	}

	rows := []OrderRecord{
		{OrderID: "A1", Instrument: "NIFTY25JAN22000CE", Qty: 75, Status: "SUCCESS", FilledAt: time.Now()},
		{OrderID: "A2", Instrument: "NIFTY25JAN22000CE", Qty: 25, Status: "SOFT_FAILURE_QTY", FilledAt: time.Now()},
		{OrderID: "A3", Instrument: "NIFTY25JAN22000CE", Qty: 0, Status: "HARD_FAILURE"},
		{OrderID: "B1", Instrument: "NIFTYBEES", Qty: 10, Status: "SUCCESS", OCOID: "OCO-1"},
	}
	for _, r := range rows {
		if err := database.SaveOrder(ctx, r); err != nil {
			t.Fatalf("SaveOrder(%s): %v", r.OrderID, err)
		}
	}

	t.Run("by instrument", func(t *testing.T) {
		got, err := q.OrdersByInstrument(ctx, "NIFTY25JAN22000CE", 10)
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(got) != 3 {
			t.Errorf("expected 3 rows, got %d", len(got))
		}
	})

	t.Run("single order", func(t *testing.T) {
		o, err := q.Order(ctx, "B1")
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if o.OCOID != "OCO-1" {
			t.Errorf("oco id=%q, expected OCO-1", o.OCOID)
		}
		if _, err := q.Order(ctx, "missing"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("status counts", func(t *testing.T) {
		counts, err := q.StatusCounts(ctx)
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if counts["SUCCESS"] != 2 || counts["HARD_FAILURE"] != 1 {
			t.Errorf("unexpected counts: %v", counts)
		}
	})

	t.Run("net filled", func(t *testing.T) {
		net, err := q.NetFilled(ctx)
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if net["NIFTY25JAN22000CE"] != 100 {
			t.Errorf("net filled=%d, expected 100", net["NIFTY25JAN22000CE"])
		}
	})

	t.Run("save is upsert", func(t *testing.T) {
		if err := database.SaveOrder(ctx, OrderRecord{OrderID: "A3", Instrument: "NIFTY25JAN22000CE", Qty: 0, Status: "CANCELLED"}); err != nil {
			t.Fatalf("SaveOrder failed: %v", err)
		}
		all, err := database.ListOrders(ctx, 100)
		if err != nil {
			t.Fatalf("ListOrders failed: %v", err)
		}
		if len(all) != 4 {
			t.Errorf("expected 4 rows after upsert, got %d", len(all))
		}
	})
}

func TestPositionsAndSquareOffEvents(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	p := Position{Instrument: "NIFTYBEES", Underlying: "NIFTY", Exchange: "NSE", InstType: "BEES", Side: "BUY", LotSize: 1, FreezeQty: 5000, Available: 10, Max: 10}
	if err := database.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("UpsertPosition failed: %v", err)
	}
	p.Available = 4
	if err := database.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("UpsertPosition failed: %v", err)
	}
	got, err := database.ListPositions(ctx)
	if err != nil {
		t.Fatalf("ListPositions failed: %v", err)
	}
	if len(got) != 1 || got[0].Available != 4 || got[0].Max != 10 {
		t.Fatalf("unexpected positions: %+v", got)
	}
	if err := database.DeletePosition(ctx, "NIFTYBEES"); err != nil {
		t.Fatalf("DeletePosition failed: %v", err)
	}
	got, _ = database.ListPositions(ctx)
	if len(got) != 0 {
		t.Fatalf("expected no positions, got %d", len(got))
	}

	id, err := database.RecordSquareOff(ctx, SquareOffEvent{Trigger: "timer", Mode: "ALL", ClosedQty: 10, PnL: 120.5})
	if err != nil || id == 0 {
		t.Fatalf("RecordSquareOff failed: id=%d err=%v", id, err)
	}
	events, err := database.ListSquareOffs(ctx, 10)
	if err != nil {
		t.Fatalf("ListSquareOffs failed: %v", err)
	}
	if len(events) != 1 || events[0].Trigger != "timer" {
		t.Fatalf("unexpected events: %+v", events)
	}
}
