package core_test

import (
	"context"
	"errors"
	"testing"

	"pos-core/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func setupDraftTest(t *testing.T) (core.DraftService, core.OrderService, *core.StockLedger, context.Context, func()) {
	t.Helper()
	pool := setupTestDB(t)
	ledger := core.NewStockLedger(pool)
	reservations := core.NewReservationEngine(pool, ledger)
	audit := core.NewAuditLog(pool, nil)
	drafts := core.NewDraftService(pool, reservations, audit, nil)
	orders := core.NewOrderService(pool, ledger, audit, nil)
	return drafts, orders, ledger, context.Background(), pool.Close
}

func espressoDraft(waiterID int, key string) core.CreateDraftInput {
	return core.CreateDraftInput{
		BranchID:       1,
		SectionID:      intPtr(1),
		WaiterID:       intPtr(waiterID),
		ReservationKey: key,
		Cart:           []core.CartLine{{ProductID: 1, Quantity: decimal.NewFromInt(2), UnitPrice: decimal.RequireFromString("2.50")}},
		Subtotal:       decimal.RequireFromString("5.00"),
		Total:          decimal.RequireFromString("5.00"),
		Actor:          waiter(),
	}
}

func TestDraft_CreateBindsBackingOrder(t *testing.T) {
	drafts, orders, _, ctx, closePool := setupDraftTest(t)
	defer closePool()

	draft, err := drafts.CreateDraft(ctx, espressoDraft(2, ""))
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}
	if draft.OrderID == nil {
		t.Fatal("Expected draft to carry a backing order")
	}

	order, err := orders.GetOrder(ctx, *draft.OrderID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if order.Status != core.OrderDraft {
		t.Errorf("Expected backing order in DRAFT, got %s", order.Status)
	}
	if order.OrderNumber == 0 {
		t.Error("Expected backing order to hold a sequence number")
	}
	if len(order.Items) != 1 || !order.Items[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Expected cart mirrored onto order items, got %+v", order.Items)
	}
}

func TestDraft_TableLockedFromCreation(t *testing.T) {
	drafts, _, _, ctx, closePool := setupDraftTest(t)
	defer closePool()

	in := espressoDraft(2, "")
	in.TableID = intPtr(1)
	if _, err := drafts.CreateDraft(ctx, in); err != nil {
		t.Fatalf("First CreateDraft failed: %v", err)
	}

	in2 := espressoDraft(3, "")
	in2.TableID = intPtr(1)
	_, err := drafts.CreateDraft(ctx, in2)
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("Expected ErrConflict for occupied table, got %v", err)
	}
}

func TestDraft_ForeignEditForbidden(t *testing.T) {
	drafts, _, _, ctx, closePool := setupDraftTest(t)
	defer closePool()

	draft, err := drafts.CreateDraft(ctx, espressoDraft(2, ""))
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}

	other := core.Actor{ID: 3, Name: "Second Waiter"}

	// Another waiter cannot touch the draft at all, even just to add.
	_, err = drafts.UpdateDraft(ctx, draft.ID, core.UpdateDraftInput{
		Cart: []core.CartLine{
			{ProductID: 1, Quantity: decimal.NewFromInt(2), UnitPrice: decimal.RequireFromString("2.50")},
			{ProductID: 2, Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("3.80")},
		},
		Subtotal: decimal.RequireFromString("8.80"),
		Total:    decimal.RequireFromString("8.80"),
	}, other)
	if !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("Expected ErrForbidden for foreign edit, got %v", err)
	}

	// A draft manager may edit, including reductions.
	reduced, err := drafts.UpdateDraft(ctx, draft.ID, core.UpdateDraftInput{
		Cart:     []core.CartLine{{ProductID: 1, Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("2.50")}},
		Subtotal: decimal.RequireFromString("2.50"),
		Total:    decimal.RequireFromString("2.50"),
	}, supervisor())
	if err != nil {
		t.Fatalf("Supervisor edit failed: %v", err)
	}
	if len(reduced.Cart) != 1 || !reduced.Cart[0].Quantity.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Expected supervisor reduction applied, got %+v", reduced.Cart)
	}
}

func TestDraft_OwnerEditMustBeNonDestructive(t *testing.T) {
	drafts, _, _, ctx, closePool := setupDraftTest(t)
	defer closePool()

	draft, err := drafts.CreateDraft(ctx, espressoDraft(2, ""))
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}

	// The owner cannot shrink the cart without the draft-management
	// permission: reducing espresso from 2 to 1 is rejected.
	_, err = drafts.UpdateDraft(ctx, draft.ID, core.UpdateDraftInput{
		Cart:     []core.CartLine{{ProductID: 1, Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("2.50")}},
		Subtotal: decimal.RequireFromString("2.50"),
		Total:    decimal.RequireFromString("2.50"),
	}, waiter())
	if !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("Expected ErrForbidden for owner reduction, got %v", err)
	}

	// Growing the cart is fine.
	updated, err := drafts.UpdateDraft(ctx, draft.ID, core.UpdateDraftInput{
		Cart: []core.CartLine{
			{ProductID: 1, Quantity: decimal.NewFromInt(2), UnitPrice: decimal.RequireFromString("2.50")},
			{ProductID: 2, Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("3.80")},
		},
		Subtotal: decimal.RequireFromString("8.80"),
		Total:    decimal.RequireFromString("8.80"),
	}, waiter())
	if err != nil {
		t.Fatalf("Owner additive edit failed: %v", err)
	}
	if len(updated.Cart) != 2 {
		t.Errorf("Expected 2 cart lines, got %d", len(updated.Cart))
	}

	// With the permission the same reduction goes through.
	manager := core.Actor{ID: 2, Name: "Test Waiter", Permissions: []string{core.PermManageDrafts}}
	reduced, err := drafts.UpdateDraft(ctx, draft.ID, core.UpdateDraftInput{
		Cart:     []core.CartLine{{ProductID: 1, Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("2.50")}},
		Subtotal: decimal.RequireFromString("2.50"),
		Total:    decimal.RequireFromString("2.50"),
	}, manager)
	if err != nil {
		t.Fatalf("Privileged reduction failed: %v", err)
	}
	if len(reduced.Cart) != 1 {
		t.Errorf("Expected 1 cart line after privileged reduction, got %d", len(reduced.Cart))
	}
}

func TestDraft_DeleteByNonOwnerForbidden(t *testing.T) {
	drafts, _, _, ctx, closePool := setupDraftTest(t)
	defer closePool()

	draft, err := drafts.CreateDraft(ctx, espressoDraft(2, ""))
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}

	other := core.Actor{ID: 3, Name: "Second Waiter"}
	err = drafts.DeleteDraft(ctx, draft.ID, "", other)
	if !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("Expected ErrForbidden for foreign delete, got %v", err)
	}
	if _, err := drafts.GetDraft(ctx, draft.ID); err != nil {
		t.Fatalf("Expected draft to survive the rejected delete: %v", err)
	}

	// A draft manager may delete another waiter's draft.
	if err := drafts.DeleteDraft(ctx, draft.ID, "", supervisor()); err != nil {
		t.Fatalf("Supervisor delete failed: %v", err)
	}
	if _, err := drafts.GetDraft(ctx, draft.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected draft gone, got %v", err)
	}
}

func TestDraft_DeleteSuspendedRequiresSupervisorPIN(t *testing.T) {
	drafts, _, _, ctx, closePool := setupDraftTest(t)
	defer closePool()

	in := espressoDraft(2, "")
	in.Status = core.DraftSuspended
	draft, err := drafts.CreateDraft(ctx, in)
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}

	err = drafts.DeleteDraft(ctx, draft.ID, "", waiter())
	if !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("Expected ErrForbidden without PIN, got %v", err)
	}

	err = drafts.DeleteDraft(ctx, draft.ID, "0000", waiter())
	if !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("Expected ErrForbidden with wrong PIN, got %v", err)
	}

	if err := drafts.DeleteDraft(ctx, draft.ID, "4821", waiter()); err != nil {
		t.Fatalf("DeleteDraft with supervisor PIN failed: %v", err)
	}
	if _, err := drafts.GetDraft(ctx, draft.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected draft gone, got %v", err)
	}
}

func TestDraft_DeleteReleasesHoldsAndVoidsOrder(t *testing.T) {
	drafts, orders, ledger, ctx, closePool := setupDraftTest(t)
	defer closePool()

	if _, err := ledger.AdjustStock(ctx, 1, 1, intPtr(1), decimal.NewFromInt(10), supervisor(), "initial count", ""); err != nil {
		t.Fatalf("Failed to seed stock: %v", err)
	}

	key := uuid.NewString()
	in := espressoDraft(2, key)
	in.TableID = intPtr(1)
	draft, err := drafts.CreateDraft(ctx, in)
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}

	// The cart editing flow holds 2 units against the draft's key.
	if _, err := ledger.AdjustStock(ctx, 1, 1, intPtr(1), decimal.NewFromInt(-2), waiter(), "cart hold", key); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if qty := sectionQty(t, ctx, ledger, 1, 1); !qty.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("Expected balance 8 after hold, got %s", qty)
	}

	if err := drafts.DeleteDraft(ctx, draft.ID, "", waiter()); err != nil {
		t.Fatalf("DeleteDraft failed: %v", err)
	}

	if qty := sectionQty(t, ctx, ledger, 1, 1); !qty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected hold restored to 10, got %s", qty)
	}

	order, err := orders.GetOrder(ctx, *draft.OrderID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if order.Status != core.OrderVoided {
		t.Errorf("Expected backing order VOIDED, got %s", order.Status)
	}
	if order.TableID != nil {
		t.Errorf("Expected table released, got %v", *order.TableID)
	}

	// The table is usable again.
	in2 := espressoDraft(3, "")
	in2.TableID = intPtr(1)
	if _, err := drafts.CreateDraft(ctx, in2); err != nil {
		t.Fatalf("Expected table free after draft deletion: %v", err)
	}
}

func TestDraft_FinalizeReusesBackingOrder(t *testing.T) {
	drafts, orders, _, ctx, closePool := setupDraftTest(t)
	defer closePool()

	key := uuid.NewString()
	draft, err := drafts.CreateDraft(ctx, espressoDraft(2, key))
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}

	// Finalizing through the reservation key picks up the backing order
	// instead of allocating a new one.
	in := core.CreateOrderInput{
		BranchID:       1,
		SectionID:      intPtr(1),
		Status:         core.OrderActive,
		Items:          []core.OrderLineInput{{ProductID: 1, Quantity: decimal.NewFromInt(2), UnitPrice: decimal.RequireFromString("2.50")}},
		Subtotal:       decimal.RequireFromString("5.00"),
		ReservationKey: key,
		Actor:          waiter(),
	}
	order, err := orders.CreateOrder(ctx, in)
	if err != nil {
		t.Fatalf("CreateOrder via reservation key failed: %v", err)
	}
	if order.ID != *draft.OrderID {
		t.Errorf("Expected finalize to reuse order %d, got %d", *draft.OrderID, order.ID)
	}
	if order.Status != core.OrderActive {
		t.Errorf("Expected ACTIVE after finalize, got %s", order.Status)
	}
}
