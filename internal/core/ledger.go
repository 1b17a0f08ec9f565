package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, enabling shared
// query helpers across transaction boundaries.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// MovementInput describes one signed stock change. TRANSFER movements set
// exactly one of SectionFrom/SectionTo (one row per leg); other reasons set at
// most one, or neither for a branch-level movement.
type MovementInput struct {
	ProductID   int
	BranchID    int
	SectionFrom *int
	SectionTo   *int
	Quantity    decimal.Decimal // signed delta
	Reason      MovementReason
	Tag         MovementTag
}

// location returns the section whose balance this movement affects, or nil
// for a branch-level movement.
func (in MovementInput) location() *int {
	if in.SectionFrom != nil {
		return in.SectionFrom
	}
	return in.SectionTo
}

// StockLedger is the only component allowed to mutate stock balances. Every
// movement updates the affected balance row with a single atomic SQL increment
// and appends an immutable movement row, inside one transaction.
type StockLedger struct {
	pool *pgxpool.Pool
}

func NewStockLedger(pool *pgxpool.Pool) *StockLedger {
	return &StockLedger{pool: pool}
}

// RecordMovement records a movement in its own transaction.
func (l *StockLedger) RecordMovement(ctx context.Context, in MovementInput) (int, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := l.RecordMovementTx(ctx, tx, in)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit movement: %w", err)
	}
	return id, nil
}

// RecordMovementTx records a movement inside the caller's transaction. The
// caller commits or rolls back; on error all balance changes roll back with it.
func (l *StockLedger) RecordMovementTx(ctx context.Context, tx pgx.Tx, in MovementInput) (int, error) {
	if err := in.validate(); err != nil {
		return 0, err
	}

	var allowOverselling bool
	err := tx.QueryRow(ctx, "SELECT allow_overselling FROM branches WHERE id = $1", in.BranchID).Scan(&allowOverselling)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("branch %d: %w", in.BranchID, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to resolve branch %d: %w", in.BranchID, err)
	}

	// Atomic increment via upsert. The new quantity comes back from the same
	// statement; application code never computes new = old + delta.
	var after decimal.Decimal
	if section := in.location(); section != nil {
		err = tx.QueryRow(ctx, `
			INSERT INTO section_stocks (product_id, section_id, quantity)
			VALUES ($1, $2, $3)
			ON CONFLICT (product_id, section_id)
			DO UPDATE SET quantity = section_stocks.quantity + EXCLUDED.quantity, updated_at = NOW()
			RETURNING quantity
		`, in.ProductID, *section, in.Quantity).Scan(&after)
	} else {
		err = tx.QueryRow(ctx, `
			INSERT INTO branch_stocks (product_id, branch_id, quantity)
			VALUES ($1, $2, $3)
			ON CONFLICT (product_id, branch_id)
			DO UPDATE SET quantity = branch_stocks.quantity + EXCLUDED.quantity, updated_at = NOW()
			RETURNING quantity
		`, in.ProductID, in.BranchID, in.Quantity).Scan(&after)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update balance for product %d: %w", in.ProductID, err)
	}

	if !allowOverselling && after.IsNegative() && in.Quantity.IsNegative() {
		return 0, fmt.Errorf("insufficient stock for product %d: balance would fall to %s: %w",
			in.ProductID, after.String(), ErrConflict)
	}

	before := after.Sub(in.Quantity)
	in.Tag.BalanceBefore = before
	in.Tag.BalanceAfter = after

	var movementID int
	err = tx.QueryRow(ctx, `
		INSERT INTO stock_movements
			(product_id, branch_id, section_from, section_to, quantity, reason,
			 tag_kind, tag_balance_before, tag_balance_after, tag_actor_id, tag_actor_name, tag_reason, tag_reservation_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`, in.ProductID, in.BranchID, in.SectionFrom, in.SectionTo, in.Quantity, string(in.Reason),
		in.Tag.Kind, in.Tag.BalanceBefore, in.Tag.BalanceAfter,
		nullInt(in.Tag.ActorID), in.Tag.ActorName, in.Tag.Reason, nullString(in.Tag.ReservationKey),
	).Scan(&movementID)
	if err != nil {
		return 0, fmt.Errorf("failed to append stock movement: %w", err)
	}
	return movementID, nil
}

func (in MovementInput) validate() error {
	if in.ProductID == 0 || in.BranchID == 0 {
		return fmt.Errorf("movement requires product and branch: %w", ErrValidation)
	}
	if in.Quantity.IsZero() {
		return fmt.Errorf("movement quantity must be non-zero: %w", ErrValidation)
	}
	switch in.Reason {
	case ReasonAdjust, ReasonRefund:
		if in.SectionFrom != nil && in.SectionTo != nil {
			return fmt.Errorf("%s movement affects a single location: %w", in.Reason, ErrValidation)
		}
	case ReasonTransfer:
		if (in.SectionFrom == nil) == (in.SectionTo == nil) {
			return fmt.Errorf("transfer leg requires exactly one of source or destination section: %w", ErrValidation)
		}
	default:
		return fmt.Errorf("unknown movement reason %q: %w", in.Reason, ErrValidation)
	}
	return nil
}

// AdjustStock is the public adjustment entry point used for manual stock
// corrections and for the tentative holds placed while a cart is being edited.
// A negative delta with a reservationKey is a hold the reservation engine can
// later restore.
func (l *StockLedger) AdjustStock(ctx context.Context, productID, branchID int, sectionID *int,
	delta decimal.Decimal, actor Actor, reason, reservationKey string) (int, error) {

	in := MovementInput{
		ProductID: productID,
		BranchID:  branchID,
		Quantity:  delta,
		Reason:    ReasonAdjust,
		Tag:       AdjustTag(actor, reason, reservationKey),
	}
	// Decrements record the section as source, increments as destination, so
	// reservation scans can group both holds and releases by one location.
	if sectionID != nil {
		if delta.IsNegative() {
			in.SectionFrom = sectionID
		} else {
			in.SectionTo = sectionID
		}
	}
	return l.RecordMovement(ctx, in)
}

// BranchBalance returns the materialized quantity-on-hand for a product at
// branch level. A missing row reads as zero.
func (l *StockLedger) BranchBalance(ctx context.Context, productID, branchID int) (decimal.Decimal, error) {
	return scanBalance(ctx, l.pool,
		"SELECT quantity FROM branch_stocks WHERE product_id = $1 AND branch_id = $2", productID, branchID)
}

// SectionBalance returns the materialized quantity-on-hand for a product in a
// section. A missing row reads as zero.
func (l *StockLedger) SectionBalance(ctx context.Context, productID, sectionID int) (decimal.Decimal, error) {
	return scanBalance(ctx, l.pool,
		"SELECT quantity FROM section_stocks WHERE product_id = $1 AND section_id = $2", productID, sectionID)
}

func scanBalance(ctx context.Context, q pgxQuerier, sql string, args ...any) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := q.QueryRow(ctx, sql, args...).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return qty, nil
}

// Movements returns the most recent ledger rows for a branch, newest first.
func (l *StockLedger) Movements(ctx context.Context, branchID, limit int) ([]StockMovement, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, product_id, branch_id, section_from, section_to, quantity, reason,
		       tag_kind, tag_balance_before, tag_balance_after, tag_actor_id, tag_actor_name, tag_reason, tag_reservation_key,
		       created_at
		FROM stock_movements
		WHERE branch_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, branchID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var movements []StockMovement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func scanMovement(row pgx.Row) (StockMovement, error) {
	var m StockMovement
	var reason string
	var actorID *int
	var reservationKey *string
	err := row.Scan(
		&m.ID, &m.ProductID, &m.BranchID, &m.SectionFrom, &m.SectionTo, &m.Quantity, &reason,
		&m.Tag.Kind, &m.Tag.BalanceBefore, &m.Tag.BalanceAfter, &actorID, &m.Tag.ActorName, &m.Tag.Reason, &reservationKey,
		&m.CreatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}
	m.Reason = MovementReason(reason)
	if actorID != nil {
		m.Tag.ActorID = *actorID
	}
	if reservationKey != nil {
		m.Tag.ReservationKey = *reservationKey
	}
	return m, nil
}

func nullInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
