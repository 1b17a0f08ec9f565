package core_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"pos-core/internal/core"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	_ = godotenv.Load("../../.env")

	// Use a dedicated TEST database to avoid wiping the live app database.
	// Set TEST_DATABASE_URL in your .env or environment to run integration tests.
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set — skipping integration test to protect live database")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	// Clean and seed test DB
	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE audit_logs, sale_events, sales_returns, drafts, order_payments, order_items,
			orders, stock_movements, section_stocks, branch_stocks, products, staff,
			restaurant_tables, sections, branches CASCADE;

		INSERT INTO branches (id, code, name, allow_overselling) VALUES
		(1, 'MAIN', 'Test Branch', false),
		(2, 'OVER', 'Overselling Branch', true);

		INSERT INTO sections (id, branch_id, name) VALUES
		(1, 1, 'Dining Room'),
		(2, 1, 'Terrace'),
		(3, 2, 'Bar');

		INSERT INTO restaurant_tables (id, branch_id, section_id, name) VALUES
		(1, 1, 1, 'T1'),
		(2, 1, 1, 'T2');

		INSERT INTO staff (id, branch_id, name, pin, is_supervisor) VALUES
		(1, 1, 'Test Supervisor', '4821', true),
		(2, 1, 'Test Waiter', '1134', false),
		(3, 1, 'Second Waiter', '7090', false);

		INSERT INTO products (id, branch_id, code, name, unit_price) VALUES
		(1, 1, 'ESP', 'Espresso', 2.50),
		(2, 1, 'CAP', 'Cappuccino', 3.80),
		(3, 2, 'BEER', 'Lager', 4.00);
	`)
	if err != nil {
		t.Fatalf("Failed to seed test database: %v", err)
	}

	return pool
}

func supervisor() core.Actor {
	return core.Actor{ID: 1, Name: "Test Supervisor", BypassRestrictions: true}
}

func waiter() core.Actor {
	return core.Actor{ID: 2, Name: "Test Waiter"}
}

func intPtr(v int) *int { return &v }

func TestLedger_AdjustAndBalance(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	ledger := core.NewStockLedger(pool)
	ctx := context.Background()

	_, err := ledger.AdjustStock(ctx, 1, 1, intPtr(1), decimal.NewFromInt(10), supervisor(), "initial count", "")
	if err != nil {
		t.Fatalf("AdjustStock failed: %v", err)
	}

	qty, err := ledger.SectionBalance(ctx, 1, 1)
	if err != nil {
		t.Fatalf("SectionBalance failed: %v", err)
	}
	if !qty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected balance 10, got %s", qty)
	}

	_, err = ledger.AdjustStock(ctx, 1, 1, intPtr(1), decimal.NewFromInt(-4), supervisor(), "spillage", "")
	if err != nil {
		t.Fatalf("Negative AdjustStock failed: %v", err)
	}

	qty, err = ledger.SectionBalance(ctx, 1, 1)
	if err != nil {
		t.Fatalf("SectionBalance failed: %v", err)
	}
	if !qty.Equal(decimal.NewFromInt(6)) {
		t.Errorf("Expected balance 6, got %s", qty)
	}

	movements, err := ledger.Movements(ctx, 1, 1)
	if err != nil {
		t.Fatalf("Movements failed: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("Expected 1 movement, got %d", len(movements))
	}
	m := movements[0]
	if !m.Tag.BalanceBefore.Equal(decimal.NewFromInt(10)) || !m.Tag.BalanceAfter.Equal(decimal.NewFromInt(6)) {
		t.Errorf("Expected tag balances 10 -> 6, got %s -> %s", m.Tag.BalanceBefore, m.Tag.BalanceAfter)
	}
	if m.SectionFrom == nil || *m.SectionFrom != 1 {
		t.Errorf("Expected negative delta recorded against section_from=1, got %v", m.SectionFrom)
	}
}

func TestLedger_OversellingRejected(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	ledger := core.NewStockLedger(pool)
	ctx := context.Background()

	_, err := ledger.AdjustStock(ctx, 1, 1, intPtr(1), decimal.NewFromInt(-5), supervisor(), "oversell attempt", "")
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("Expected ErrConflict for overselling, got %v", err)
	}

	// The rejected transaction must leave no trace: no balance row, no movement.
	qty, err := ledger.SectionBalance(ctx, 1, 1)
	if err != nil {
		t.Fatalf("SectionBalance failed: %v", err)
	}
	if !qty.IsZero() {
		t.Errorf("Expected balance 0 after rejected decrement, got %s", qty)
	}
	movements, err := ledger.Movements(ctx, 1, 10)
	if err != nil {
		t.Fatalf("Movements failed: %v", err)
	}
	if len(movements) != 0 {
		t.Errorf("Expected no movements after rejected decrement, got %d", len(movements))
	}
}

func TestLedger_OversellingAllowed(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	ledger := core.NewStockLedger(pool)
	ctx := context.Background()

	_, err := ledger.AdjustStock(ctx, 3, 2, intPtr(3), decimal.NewFromInt(-5), supervisor(), "oversell allowed", "")
	if err != nil {
		t.Fatalf("AdjustStock on overselling branch failed: %v", err)
	}

	qty, err := ledger.SectionBalance(ctx, 3, 3)
	if err != nil {
		t.Fatalf("SectionBalance failed: %v", err)
	}
	if !qty.Equal(decimal.NewFromInt(-5)) {
		t.Errorf("Expected balance -5, got %s", qty)
	}
}

func TestLedger_BranchLevelMovement(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	ledger := core.NewStockLedger(pool)
	ctx := context.Background()

	_, err := ledger.AdjustStock(ctx, 1, 1, nil, decimal.NewFromInt(25), supervisor(), "delivery", "")
	if err != nil {
		t.Fatalf("Branch-level AdjustStock failed: %v", err)
	}

	qty, err := ledger.BranchBalance(ctx, 1, 1)
	if err != nil {
		t.Fatalf("BranchBalance failed: %v", err)
	}
	if !qty.Equal(decimal.NewFromInt(25)) {
		t.Errorf("Expected branch balance 25, got %s", qty)
	}

	// Section balance is untouched by branch-level movements.
	sqty, err := ledger.SectionBalance(ctx, 1, 1)
	if err != nil {
		t.Fatalf("SectionBalance failed: %v", err)
	}
	if !sqty.IsZero() {
		t.Errorf("Expected section balance 0, got %s", sqty)
	}
}

func TestLedger_ZeroDeltaRejected(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	ledger := core.NewStockLedger(pool)
	ctx := context.Background()

	_, err := ledger.AdjustStock(ctx, 1, 1, intPtr(1), decimal.Zero, supervisor(), "noop", "")
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("Expected ErrValidation for zero delta, got %v", err)
	}
}
