package core_test

import (
	"context"
	"testing"

	"pos-core/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func setupReservationTest(t *testing.T) (*core.StockLedger, *core.ReservationEngine, context.Context, func()) {
	t.Helper()
	pool := setupTestDB(t)
	ledger := core.NewStockLedger(pool)
	engine := core.NewReservationEngine(pool, ledger)
	ctx := context.Background()

	// Stock section 1 with 10 units of product 1, seeded by the supervisor so
	// actor-scoped scans for the waiter see only the waiter's holds.
	_, err := ledger.AdjustStock(ctx, 1, 1, intPtr(1), decimal.NewFromInt(10), supervisor(), "initial count", "")
	if err != nil {
		t.Fatalf("Failed to seed stock: %v", err)
	}
	return ledger, engine, ctx, pool.Close
}

func sectionQty(t *testing.T, ctx context.Context, ledger *core.StockLedger, productID, sectionID int) decimal.Decimal {
	t.Helper()
	qty, err := ledger.SectionBalance(ctx, productID, sectionID)
	if err != nil {
		t.Fatalf("SectionBalance failed: %v", err)
	}
	return qty
}

func TestReservation_ReleaseByKey(t *testing.T) {
	ledger, engine, ctx, closePool := setupReservationTest(t)
	defer closePool()

	key := uuid.NewString()
	_, err := ledger.AdjustStock(ctx, 1, 1, intPtr(1), decimal.NewFromInt(-3), waiter(), "cart hold", key)
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if qty := sectionQty(t, ctx, ledger, 1, 1); !qty.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("Expected balance 7 after hold, got %s", qty)
	}

	restored, err := engine.ReleaseReservations(ctx, 1, key, waiter())
	if err != nil {
		t.Fatalf("ReleaseReservations failed: %v", err)
	}
	if len(restored) != 1 || !restored[0].Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("Expected one restored item of 3, got %+v", restored)
	}
	if qty := sectionQty(t, ctx, ledger, 1, 1); !qty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected balance restored to 10, got %s", qty)
	}

	// A second release finds the net sum at zero and restores nothing.
	restored, err = engine.ReleaseReservations(ctx, 1, key, waiter())
	if err != nil {
		t.Fatalf("Second ReleaseReservations failed: %v", err)
	}
	if len(restored) != 0 {
		t.Errorf("Expected second release to restore nothing, got %+v", restored)
	}
	if qty := sectionQty(t, ctx, ledger, 1, 1); !qty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected balance to stay 10, got %s", qty)
	}
}

func TestReservation_ReleaseByActor(t *testing.T) {
	ledger, engine, ctx, closePool := setupReservationTest(t)
	defer closePool()

	_, err := ledger.AdjustStock(ctx, 1, 1, intPtr(1), decimal.NewFromInt(-2), waiter(), "cart hold", "")
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}

	restored, err := engine.ReleaseReservations(ctx, 1, "", waiter())
	if err != nil {
		t.Fatalf("Actor release failed: %v", err)
	}
	if len(restored) != 1 || !restored[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("Expected one restored item of 2, got %+v", restored)
	}
	if qty := sectionQty(t, ctx, ledger, 1, 1); !qty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected balance restored to 10, got %s", qty)
	}
}

func TestReservation_KeyReleaseBlocksActorRelease(t *testing.T) {
	ledger, engine, ctx, closePool := setupReservationTest(t)
	defer closePool()

	key := uuid.NewString()
	_, err := ledger.AdjustStock(ctx, 1, 1, intPtr(1), decimal.NewFromInt(-4), waiter(), "cart hold", key)
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}

	// The supervisor releases the hold by key. The compensating movement must
	// re-tag the waiter, so the waiter's own disconnect sweep cannot restore
	// the same hold a second time.
	if _, err := engine.ReleaseReservations(ctx, 1, key, supervisor()); err != nil {
		t.Fatalf("Key release failed: %v", err)
	}
	if qty := sectionQty(t, ctx, ledger, 1, 1); !qty.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("Expected balance restored to 10, got %s", qty)
	}

	restored, err := engine.ReleaseReservationsAll(ctx, 1, waiter())
	if err != nil {
		t.Fatalf("ReleaseReservationsAll failed: %v", err)
	}
	if len(restored) != 0 {
		t.Errorf("Expected disconnect sweep to restore nothing, got %+v", restored)
	}
	if qty := sectionQty(t, ctx, ledger, 1, 1); !qty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected balance to stay 10, got %s", qty)
	}
}

func TestReservation_ReleaseAllAcrossSections(t *testing.T) {
	ledger, engine, ctx, closePool := setupReservationTest(t)
	defer closePool()

	// Second section stocked too.
	if _, err := ledger.AdjustStock(ctx, 2, 1, intPtr(2), decimal.NewFromInt(5), supervisor(), "initial count", ""); err != nil {
		t.Fatalf("Failed to seed section 2: %v", err)
	}

	key := uuid.NewString()
	if _, err := ledger.AdjustStock(ctx, 1, 1, intPtr(1), decimal.NewFromInt(-3), waiter(), "cart hold", key); err != nil {
		t.Fatalf("Hold in section 1 failed: %v", err)
	}
	if _, err := ledger.AdjustStock(ctx, 2, 1, intPtr(2), decimal.NewFromInt(-1), waiter(), "cart hold", key); err != nil {
		t.Fatalf("Hold in section 2 failed: %v", err)
	}

	restored, err := engine.ReleaseReservationsAll(ctx, 1, waiter())
	if err != nil {
		t.Fatalf("ReleaseReservationsAll failed: %v", err)
	}
	if len(restored) != 2 {
		t.Fatalf("Expected 2 restored items, got %+v", restored)
	}
	if qty := sectionQty(t, ctx, ledger, 1, 1); !qty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected section 1 restored to 10, got %s", qty)
	}
	if qty := sectionQty(t, ctx, ledger, 2, 2); !qty.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected section 2 restored to 5, got %s", qty)
	}
}

func TestReservation_UnknownKeyIsNoop(t *testing.T) {
	_, engine, ctx, closePool := setupReservationTest(t)
	defer closePool()

	restored, err := engine.ReleaseReservations(ctx, 1, "no-such-key", waiter())
	if err != nil {
		t.Fatalf("Expected no error for unknown key, got %v", err)
	}
	if len(restored) != 0 {
		t.Errorf("Expected empty restore list, got %+v", restored)
	}
}
