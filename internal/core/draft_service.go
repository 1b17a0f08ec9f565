package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DraftService manages in-progress carts. Every draft is backed by an order
// row in DRAFT status, so the table lock and the per-branch invoice sequence
// apply from the moment a sale starts, not at finalization.
type DraftService interface {
	CreateDraft(ctx context.Context, in CreateDraftInput) (*Draft, error)
	// UpdateDraft replaces the cart and totals. Only the draft's waiter or an
	// actor with the draft-management permission may edit it at all, and
	// without that permission every edit must be non-destructive: no line
	// removed, no quantity reduced.
	UpdateDraft(ctx context.Context, draftID int, in UpdateDraftInput, actor Actor) (*Draft, error)
	// DeleteDraft releases the draft's stock holds and frees its table. Only
	// the draft's waiter or a draft manager may delete it; a SUSPENDED draft
	// additionally requires a supervisor PIN. A backing order still in a
	// locking status is voided, not deleted.
	DeleteDraft(ctx context.Context, draftID int, supervisorPIN string, actor Actor) error

	GetDraft(ctx context.Context, draftID int) (*Draft, error)
	Drafts(ctx context.Context, branchID int, sectionID *int) ([]Draft, error)
}

type CreateDraftInput struct {
	BranchID       int
	SectionID      *int
	TableID        *int
	WaiterID       *int
	Status         DraftStatus
	ReservationKey string
	Cart           []CartLine
	Subtotal       decimal.Decimal
	Discount       decimal.Decimal
	Tax            decimal.Decimal
	TaxRate        decimal.Decimal
	Total          decimal.Decimal
	Actor          Actor
}

type UpdateDraftInput struct {
	TableID  *int
	Status   *DraftStatus
	Cart     []CartLine
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	TaxRate  decimal.Decimal
	Total    decimal.Decimal
}

type draftService struct {
	pool         *pgxpool.Pool
	reservations *ReservationEngine
	audit        *AuditLog
	notifier     Notifier
}

func NewDraftService(pool *pgxpool.Pool, reservations *ReservationEngine, audit *AuditLog, notifier Notifier) DraftService {
	return &draftService{pool: pool, reservations: reservations, audit: audit, notifier: notifier}
}

func (s *draftService) CreateDraft(ctx context.Context, in CreateDraftInput) (*Draft, error) {
	if in.BranchID == 0 {
		return nil, fmt.Errorf("draft requires a branch: %w", ErrValidation)
	}
	if len(in.Cart) == 0 {
		return nil, fmt.Errorf("draft cart must not be empty: %w", ErrValidation)
	}
	if in.Status == "" {
		in.Status = DraftActive
	}
	if in.Status != DraftActive && in.Status != DraftSuspended {
		return nil, fmt.Errorf("unknown draft status %q: %w", in.Status, ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if in.TableID != nil {
		if err := ensureTableFree(ctx, tx, *in.TableID, 0); err != nil {
			return nil, err
		}
	}

	seq, err := nextOrderNumber(ctx, tx, in.BranchID)
	if err != nil {
		return nil, err
	}

	var orderID int
	err = tx.QueryRow(ctx, `
		INSERT INTO orders (branch_id, section_id, table_id, waiter_id, status, order_number,
		                    subtotal, discount, tax, tax_rate, total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, in.BranchID, in.SectionID, in.TableID, in.WaiterID, string(OrderDraft), seq,
		in.Subtotal, in.Discount, in.Tax, in.TaxRate, in.Total).Scan(&orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to create backing order: %w", err)
	}
	if err := insertOrderItems(ctx, tx, orderID, cartLines(in.Cart)); err != nil {
		return nil, err
	}

	cart, err := json.Marshal(in.Cart)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cart: %w", err)
	}
	var draftID int
	err = tx.QueryRow(ctx, `
		INSERT INTO drafts (branch_id, section_id, table_id, waiter_id, order_id, status,
		                    reservation_key, cart, subtotal, discount, tax, tax_rate, total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`, in.BranchID, in.SectionID, in.TableID, in.WaiterID, orderID, string(in.Status),
		nullString(in.ReservationKey), cart, in.Subtotal, in.Discount, in.Tax, in.TaxRate, in.Total).Scan(&draftID)
	if err != nil {
		return nil, fmt.Errorf("failed to create draft: %w", err)
	}

	if err := appendSaleEvent(ctx, tx, orderID, "created", "", OrderDraft, in.Actor, map[string]any{
		"draft_id": draftID,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit draft creation: %w", err)
	}

	s.audit.Record(ctx, "draft.created", in.Actor.ID, in.BranchID, map[string]any{"draft_id": draftID})
	if s.notifier != nil {
		s.notifier.Emit("draft.created", in.BranchID, draftID, nil, in.Actor.ID)
	}
	return s.GetDraft(ctx, draftID)
}

func (s *draftService) UpdateDraft(ctx context.Context, draftID int, in UpdateDraftInput, actor Actor) (*Draft, error) {
	if len(in.Cart) == 0 {
		return nil, fmt.Errorf("draft cart must not be empty: %w", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := lockDraft(ctx, tx, draftID)
	if err != nil {
		return nil, err
	}

	if d.WaiterID != nil && *d.WaiterID != actor.ID && !actor.Can(PermManageDrafts) {
		return nil, fmt.Errorf("actor %d may not edit another waiter's draft: %w", actor.ID, ErrForbidden)
	}
	// Waiters can grow their own cart but not shrink it; shrinking takes the
	// draft-management permission.
	if !actor.Can(PermManageDrafts) && !isNonDestructiveEdit(d.Cart, in.Cart) {
		return nil, fmt.Errorf("actor %d may only add to the draft, not remove or reduce: %w", actor.ID, ErrForbidden)
	}

	newTable := d.TableID
	if in.TableID != nil {
		newTable = in.TableID
		excludeID := 0
		if d.OrderID != nil {
			excludeID = *d.OrderID
		}
		if err := ensureTableFree(ctx, tx, *in.TableID, excludeID); err != nil {
			return nil, err
		}
	}

	status := d.Status
	if in.Status != nil {
		if *in.Status != DraftActive && *in.Status != DraftSuspended {
			return nil, fmt.Errorf("unknown draft status %q: %w", *in.Status, ErrValidation)
		}
		status = *in.Status
	}

	cart, err := json.Marshal(in.Cart)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cart: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE drafts
		SET table_id = $1, status = $2, cart = $3,
		    subtotal = $4, discount = $5, tax = $6, tax_rate = $7, total = $8,
		    updated_at = NOW()
		WHERE id = $9
	`, newTable, string(status), cart, in.Subtotal, in.Discount, in.Tax, in.TaxRate, in.Total, draftID)
	if err != nil {
		return nil, fmt.Errorf("failed to update draft %d: %w", draftID, err)
	}

	// Mirror the cart onto the backing order so finalization and reporting see
	// the same lines. Skipped when nothing changed to keep item ids stable.
	if d.OrderID != nil && cartChanged(d.Cart, in.Cart) {
		if _, err := tx.Exec(ctx, "DELETE FROM order_items WHERE order_id = $1", *d.OrderID); err != nil {
			return nil, fmt.Errorf("failed to clear backing order items: %w", err)
		}
		if err := insertOrderItems(ctx, tx, *d.OrderID, cartLines(in.Cart)); err != nil {
			return nil, err
		}
	}
	if d.OrderID != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE orders
			SET table_id = $1, subtotal = $2, discount = $3, tax = $4, tax_rate = $5, total = $6, updated_at = NOW()
			WHERE id = $7
		`, newTable, in.Subtotal, in.Discount, in.Tax, in.TaxRate, in.Total, *d.OrderID); err != nil {
			return nil, fmt.Errorf("failed to update backing order: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit draft update: %w", err)
	}

	s.audit.Record(ctx, "draft.updated", actor.ID, d.BranchID, map[string]any{"draft_id": draftID})
	if s.notifier != nil {
		s.notifier.Emit("draft.updated", d.BranchID, draftID, nil, actor.ID)
	}
	return s.GetDraft(ctx, draftID)
}

func (s *draftService) DeleteDraft(ctx context.Context, draftID int, supervisorPIN string, actor Actor) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := lockDraft(ctx, tx, draftID)
	if err != nil {
		return err
	}

	if d.WaiterID != nil && *d.WaiterID != actor.ID && !actor.Can(PermManageDrafts) {
		return fmt.Errorf("actor %d may not delete another waiter's draft: %w", actor.ID, ErrForbidden)
	}

	// A suspended draft is held customer credit; only a supervisor may discard
	// it, confirmed by PIN rather than by the session actor alone.
	if d.Status == DraftSuspended && !actor.BypassRestrictions {
		if supervisorPIN == "" {
			return fmt.Errorf("deleting a suspended draft requires a supervisor PIN: %w", ErrForbidden)
		}
		var ok bool
		err := tx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM staff WHERE pin = $1 AND is_supervisor)", supervisorPIN,
		).Scan(&ok)
		if err != nil {
			return fmt.Errorf("failed to verify supervisor PIN: %w", err)
		}
		if !ok {
			return fmt.Errorf("supervisor PIN rejected: %w", ErrForbidden)
		}
	}

	if d.ReservationKey != nil {
		if _, err := s.reservations.releaseKeyTx(ctx, tx, d.BranchID, *d.ReservationKey, actor); err != nil {
			return err
		}
	}

	// The backing order stays for the audit trail. Voiding it releases its
	// table through the non-locking status rule.
	if d.OrderID != nil {
		var status string
		err := tx.QueryRow(ctx, "SELECT status FROM orders WHERE id = $1 FOR UPDATE", *d.OrderID).Scan(&status)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to lock backing order %d: %w", *d.OrderID, err)
		}
		if err == nil && OrderStatus(status).Locking() {
			if _, err := tx.Exec(ctx,
				"UPDATE orders SET status = $1, table_id = NULL, updated_at = NOW() WHERE id = $2",
				string(OrderVoided), *d.OrderID); err != nil {
				return fmt.Errorf("failed to void backing order %d: %w", *d.OrderID, err)
			}
			if err := appendSaleEvent(ctx, tx, *d.OrderID, "status_changed",
				OrderStatus(status), OrderVoided, actor, map[string]any{"draft_id": draftID}); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(ctx, "DELETE FROM drafts WHERE id = $1", draftID); err != nil {
		return fmt.Errorf("failed to delete draft %d: %w", draftID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit draft deletion: %w", err)
	}

	s.audit.Record(ctx, "draft.deleted", actor.ID, d.BranchID, map[string]any{"draft_id": draftID})
	if s.notifier != nil {
		s.notifier.Emit("draft.deleted", d.BranchID, draftID, nil, actor.ID)
	}
	return nil
}

const draftColumns = `
	id, branch_id, section_id, table_id, waiter_id, order_id, status, reservation_key,
	cart, subtotal, discount, tax, tax_rate, total, created_at, updated_at`

func (s *draftService) GetDraft(ctx context.Context, draftID int) (*Draft, error) {
	d, err := scanDraft(s.pool.QueryRow(ctx, "SELECT"+draftColumns+" FROM drafts WHERE id = $1", draftID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("draft %d: %w", draftID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch draft %d: %w", draftID, err)
	}
	return d, nil
}

func (s *draftService) Drafts(ctx context.Context, branchID int, sectionID *int) ([]Draft, error) {
	query := "SELECT" + draftColumns + " FROM drafts WHERE branch_id = $1"
	args := []any{branchID}
	if sectionID != nil {
		query += " AND section_id = $2"
		args = append(args, *sectionID)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query drafts: %w", err)
	}
	defer rows.Close()

	var drafts []Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		drafts = append(drafts, *d)
	}
	return drafts, rows.Err()
}

func lockDraft(ctx context.Context, tx pgx.Tx, draftID int) (*Draft, error) {
	d, err := scanDraft(tx.QueryRow(ctx, "SELECT"+draftColumns+" FROM drafts WHERE id = $1 FOR UPDATE", draftID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("draft %d: %w", draftID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock draft %d: %w", draftID, err)
	}
	return d, nil
}

func scanDraft(row pgx.Row) (*Draft, error) {
	var d Draft
	var status string
	var cart []byte
	err := row.Scan(
		&d.ID, &d.BranchID, &d.SectionID, &d.TableID, &d.WaiterID, &d.OrderID, &status, &d.ReservationKey,
		&cart, &d.Subtotal, &d.Discount, &d.Tax, &d.TaxRate, &d.Total, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = DraftStatus(status)
	if len(cart) > 0 {
		if err := json.Unmarshal(cart, &d.Cart); err != nil {
			return nil, fmt.Errorf("failed to decode cart of draft %d: %w", d.ID, err)
		}
	}
	return &d, nil
}

func cartLines(cart []CartLine) []OrderLineInput {
	lines := make([]OrderLineInput, 0, len(cart))
	for _, c := range cart {
		lines = append(lines, OrderLineInput{ProductID: c.ProductID, Quantity: c.Quantity, UnitPrice: c.UnitPrice})
	}
	return lines
}

func cartQuantities(cart []CartLine) map[int]decimal.Decimal {
	qty := make(map[int]decimal.Decimal, len(cart))
	for _, c := range cart {
		qty[c.ProductID] = qty[c.ProductID].Add(c.Quantity)
	}
	return qty
}

// isNonDestructiveEdit reports whether the new cart only grows: every product
// of the old cart is still present with at least its old quantity.
func isNonDestructiveEdit(oldCart, newCart []CartLine) bool {
	oldQty := cartQuantities(oldCart)
	newQty := cartQuantities(newCart)
	for productID, q := range oldQty {
		if newQty[productID].LessThan(q) {
			return false
		}
	}
	return true
}

func cartChanged(oldCart, newCart []CartLine) bool {
	oldQty := cartQuantities(oldCart)
	newQty := cartQuantities(newCart)
	if len(oldQty) != len(newQty) {
		return true
	}
	for productID, q := range oldQty {
		if !newQty[productID].Equal(q) {
			return true
		}
	}
	for _, c := range newCart {
		for _, o := range oldCart {
			if c.ProductID == o.ProductID && !c.UnitPrice.Equal(o.UnitPrice) {
				return true
			}
		}
	}
	return false
}
