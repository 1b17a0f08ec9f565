package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// TransferEngine moves stock between two sections of a branch as an atomic
// pair of ledger legs: an OUT movement debiting the source and an IN movement
// crediting the destination, both tagged with the transfer's actor.
type TransferEngine struct {
	pool   *pgxpool.Pool
	ledger *StockLedger
}

func NewTransferEngine(pool *pgxpool.Pool, ledger *StockLedger) *TransferEngine {
	return &TransferEngine{pool: pool, ledger: ledger}
}

type TransferItem struct {
	ProductID int
	Quantity  decimal.Decimal
}

// Transfer runs as one transaction: an availability pass locks every source
// balance row and verifies it covers the requested quantity (any shortfall
// rejects the whole transfer), then both legs are recorded per item. On any
// error nothing is written.
func (t *TransferEngine) Transfer(ctx context.Context, fromSectionID, toSectionID int, items []TransferItem, actor Actor) error {
	if len(items) == 0 {
		return fmt.Errorf("transfer requires at least one item: %w", ErrValidation)
	}
	if fromSectionID == toSectionID {
		return fmt.Errorf("transfer source and destination must differ: %w", ErrValidation)
	}
	for _, item := range items {
		if !item.Quantity.IsPositive() {
			return fmt.Errorf("transfer quantity for product %d must be positive: %w", item.ProductID, ErrValidation)
		}
	}

	fromBranch, err := t.resolveSectionBranch(ctx, fromSectionID)
	if err != nil {
		return err
	}
	toBranch, err := t.resolveSectionBranch(ctx, toSectionID)
	if err != nil {
		return err
	}
	if fromBranch != toBranch {
		return fmt.Errorf("sections %d and %d belong to different branches: %w", fromSectionID, toSectionID, ErrValidation)
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Availability pass. Locking the source rows here keeps a concurrent
	// adjustment from draining the section between check and debit.
	for _, item := range items {
		var available decimal.Decimal
		err := tx.QueryRow(ctx,
			"SELECT quantity FROM section_stocks WHERE product_id = $1 AND section_id = $2 FOR UPDATE",
			item.ProductID, fromSectionID,
		).Scan(&available)
		if errors.Is(err, pgx.ErrNoRows) {
			available = decimal.Zero
		} else if err != nil {
			return fmt.Errorf("failed to lock source balance for product %d: %w", item.ProductID, err)
		}

		if available.LessThan(item.Quantity) {
			return fmt.Errorf("insufficient quantity of product %d in section %d: have %s, need %s: %w",
				item.ProductID, fromSectionID, available.String(), item.Quantity.String(), ErrConflict)
		}
	}

	tag := TransferTag(actor)
	for _, item := range items {
		from := fromSectionID
		if _, err := t.ledger.RecordMovementTx(ctx, tx, MovementInput{
			ProductID:   item.ProductID,
			BranchID:    fromBranch,
			SectionFrom: &from,
			Quantity:    item.Quantity.Neg(),
			Reason:      ReasonTransfer,
			Tag:         tag,
		}); err != nil {
			return fmt.Errorf("failed to record outgoing leg for product %d: %w", item.ProductID, err)
		}

		to := toSectionID
		if _, err := t.ledger.RecordMovementTx(ctx, tx, MovementInput{
			ProductID: item.ProductID,
			BranchID:  toBranch,
			SectionTo: &to,
			Quantity:  item.Quantity,
			Reason:    ReasonTransfer,
			Tag:       tag,
		}); err != nil {
			return fmt.Errorf("failed to record incoming leg for product %d: %w", item.ProductID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}
	return nil
}

func (t *TransferEngine) resolveSectionBranch(ctx context.Context, sectionID int) (int, error) {
	var branchID int
	err := t.pool.QueryRow(ctx, "SELECT branch_id FROM sections WHERE id = $1", sectionID).Scan(&branchID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("section %d: %w", sectionID, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to resolve section %d: %w", sectionID, err)
	}
	return branchID, nil
}

// TransferRecord is a display-oriented reconstruction of one transfer: the
// ledger stores only the two independent legs, which are paired here by
// product, actor tag and second-truncated timestamp.
type TransferRecord struct {
	ProductID     int
	FromSectionID *int
	ToSectionID   *int
	Quantity      decimal.Decimal
	ActorID       int
	ActorName     string
	CreatedAt     time.Time
}

// TransferHistory lists recent transfers for a branch, newest first.
func (t *TransferEngine) TransferHistory(ctx context.Context, branchID, limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	// Both legs of a transfer are written in one transaction, OUT first, so
	// each OUT leg pairs with the next IN leg by id for the same branch,
	// product and actor.
	rows, err := t.pool.Query(ctx, `
		SELECT o.product_id, o.section_from, i.section_to, i.quantity,
		       COALESCE(o.tag_actor_id, 0), o.tag_actor_name, o.created_at
		FROM stock_movements o
		JOIN LATERAL (
			SELECT section_to, quantity
			FROM stock_movements
			WHERE reason = 'TRANSFER'
			  AND section_to IS NOT NULL
			  AND branch_id = o.branch_id
			  AND product_id = o.product_id
			  AND COALESCE(tag_actor_id, 0) = COALESCE(o.tag_actor_id, 0)
			  AND id > o.id
			ORDER BY id
			LIMIT 1
		) i ON true
		WHERE o.reason = 'TRANSFER'
		  AND o.section_from IS NOT NULL
		  AND o.branch_id = $1
		ORDER BY o.id DESC
		LIMIT $2
	`, branchID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer history: %w", err)
	}
	defer rows.Close()

	var records []TransferRecord
	for rows.Next() {
		var r TransferRecord
		if err := rows.Scan(&r.ProductID, &r.FromSectionID, &r.ToSectionID, &r.Quantity,
			&r.ActorID, &r.ActorName, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transfer record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
