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

// OrderService owns the sale lifecycle: creation, status transitions with
// table locking, payments, and refunds. Every mutation runs in one
// transaction; audit and notification fan-out happen after commit and never
// affect the outcome.
type OrderService interface {
	CreateOrder(ctx context.Context, in CreateOrderInput) (*Order, error)
	// UpdateStatus re-validates the table-lock invariant, frees the table on
	// transition into a non-locking status, and backfills totals from the
	// linked draft when transitioning into PAID. A no-op transition appends
	// no lifecycle event.
	UpdateStatus(ctx context.Context, orderID int, status OrderStatus, actor Actor) (*Order, error)
	AddPayment(ctx context.Context, orderID int, in PaymentInput, actor Actor) (*Order, error)
	// Refund restocks every line, records a sales return for the full total
	// and transitions the order to REFUNDED.
	Refund(ctx context.Context, orderID int, idempotencyKey string, actor Actor) (*Order, error)
	// RefundItems creates a negative return order for the given quantities
	// (capped at what was sold) and restocks them. The original order's
	// status is left untouched; it is returned alongside the new return
	// order's id through the result.
	RefundItems(ctx context.Context, orderID int, items []RefundItemInput, actor Actor) (*Order, error)

	GetOrder(ctx context.Context, orderID int) (*Order, error)
	GetOrders(ctx context.Context, branchID int, status *OrderStatus) ([]Order, error)
	Events(ctx context.Context, orderID int) ([]SaleEvent, error)
}

type OrderLineInput struct {
	ProductID int
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

type PaymentInput struct {
	Method         string
	Amount         decimal.Decimal
	IdempotencyKey string
}

type RefundItemInput struct {
	ProductID int
	Quantity  decimal.Decimal
}

type CreateOrderInput struct {
	BranchID  int
	SectionID *int
	TableID   *int
	WaiterID  *int
	// Status is the nominal initial status (default ACTIVE). An attached
	// payment covering the total overrides it to PAID.
	Status OrderStatus
	Items  []OrderLineInput

	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	TaxRate  decimal.Decimal
	// Total, when set, wins over subtotal + tax - discount.
	Total *decimal.Decimal

	Payment *PaymentInput

	// ReuseOrderID binds the creation to an existing backing order; its items
	// are replaced wholesale. ReservationKey is the fallback reuse path: it
	// resolves to the most recent draft's backing order.
	ReuseOrderID   *int
	ReservationKey string

	IdempotencyKey string
	Actor          Actor
}

type orderService struct {
	pool     *pgxpool.Pool
	ledger   *StockLedger
	audit    *AuditLog
	notifier Notifier
}

func NewOrderService(pool *pgxpool.Pool, ledger *StockLedger, audit *AuditLog, notifier Notifier) OrderService {
	return &orderService{pool: pool, ledger: ledger, audit: audit, notifier: notifier}
}

// ── Creation ─────────────────────────────────────────────────────────────────

func (s *orderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*Order, error) {
	if in.BranchID == 0 {
		return nil, fmt.Errorf("order requires a branch: %w", ErrValidation)
	}
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("order must have at least one line: %w", ErrValidation)
	}
	for i, item := range in.Items {
		if item.ProductID == 0 || item.Quantity.IsZero() {
			return nil, fmt.Errorf("line %d: product and non-zero quantity required: %w", i+1, ErrValidation)
		}
	}
	if in.Status == "" {
		in.Status = OrderActive
	}
	if !in.Status.Valid() {
		return nil, fmt.Errorf("unknown order status %q: %w", in.Status, ErrValidation)
	}

	// Idempotent replay: return the previously created order untouched.
	if in.IdempotencyKey != "" {
		if id, err := findOrderIDByKey(ctx, s.pool, in.IdempotencyKey); err != nil {
			return nil, err
		} else if id != nil {
			return s.GetOrder(ctx, *id)
		}
	}

	total := in.Subtotal.Add(in.Tax).Sub(in.Discount)
	if in.Total != nil {
		total = *in.Total
	}
	status := in.Status
	if in.Payment != nil && in.Payment.Amount.GreaterThanOrEqual(total) {
		status = OrderPaid
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	reuseID := in.ReuseOrderID
	if reuseID == nil && in.ReservationKey != "" {
		var id int
		err := tx.QueryRow(ctx, `
			SELECT order_id FROM drafts
			WHERE reservation_key = $1 AND order_id IS NOT NULL
			ORDER BY updated_at DESC, id DESC
			LIMIT 1
		`, in.ReservationKey).Scan(&id)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to resolve reservation key %q: %w", in.ReservationKey, err)
		}
		if err == nil {
			reuseID = &id
		}
	}

	var orderID int
	var statusBefore OrderStatus
	if reuseID != nil {
		orderID = *reuseID
		statusBefore, err = s.rebindOrder(ctx, tx, orderID, in, status, total)
		if err != nil {
			return nil, err
		}
	} else {
		if status.Locking() && in.TableID != nil {
			if err := ensureTableFree(ctx, tx, *in.TableID, 0); err != nil {
				return nil, err
			}
		}

		seq, err := nextOrderNumber(ctx, tx, in.BranchID)
		if err != nil {
			return nil, err
		}

		tableID := in.TableID
		if !status.Locking() {
			tableID = nil
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO orders (branch_id, section_id, table_id, waiter_id, status, order_number,
			                    subtotal, discount, tax, tax_rate, total, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
			RETURNING id
		`, in.BranchID, in.SectionID, tableID, in.WaiterID, string(status), seq,
			in.Subtotal, in.Discount, in.Tax, in.TaxRate, total, nullString(in.IdempotencyKey),
		).Scan(&orderID)
		if errors.Is(err, pgx.ErrNoRows) {
			// A concurrent retry with the same key won the race.
			if id, lerr := findOrderIDByKey(ctx, s.pool, in.IdempotencyKey); lerr == nil && id != nil {
				return s.GetOrder(ctx, *id)
			}
			return nil, fmt.Errorf("order creation lost idempotency race and no order was found: %w", err)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert order: %w", err)
		}

		if err := insertOrderItems(ctx, tx, orderID, in.Items); err != nil {
			return nil, err
		}
	}

	if in.Payment != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_payments (order_id, method, amount, idempotency_key)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		`, orderID, paymentMethod(in.Payment.Method), in.Payment.Amount, nullString(in.Payment.IdempotencyKey))
		if err != nil {
			return nil, fmt.Errorf("failed to insert payment: %w", err)
		}
	}

	if reuseID == nil {
		if err := appendSaleEvent(ctx, tx, orderID, "created", "", status, in.Actor, map[string]any{
			"branch_id": in.BranchID,
		}); err != nil {
			return nil, err
		}
	} else if statusBefore != status {
		if err := appendSaleEvent(ctx, tx, orderID, "status_changed", statusBefore, status, in.Actor, nil); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit order creation: %w", err)
	}

	s.audit.Record(ctx, "order.created", in.Actor.ID, in.BranchID, map[string]any{"order_id": orderID})
	if s.notifier != nil {
		s.notifier.Emit("order.created", in.BranchID, orderID, map[string]any{"status": string(status)}, in.Actor.ID)
	}
	return s.GetOrder(ctx, orderID)
}

// rebindOrder replaces the items and totals of an existing backing order.
// Items are deleted and recreated rather than appended, so a retried finalize
// cannot duplicate lines.
func (s *orderService) rebindOrder(ctx context.Context, tx pgx.Tx, orderID int, in CreateOrderInput,
	status OrderStatus, total decimal.Decimal) (OrderStatus, error) {

	var statusBefore string
	var tableID *int
	err := tx.QueryRow(ctx,
		"SELECT status, table_id FROM orders WHERE id = $1 FOR UPDATE", orderID,
	).Scan(&statusBefore, &tableID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("backing order %d: %w", orderID, ErrNotFound)
		}
		return "", fmt.Errorf("failed to lock backing order %d: %w", orderID, err)
	}

	newTable := in.TableID
	if newTable == nil {
		newTable = tableID
	}
	if status.Locking() && newTable != nil {
		if err := ensureTableFree(ctx, tx, *newTable, orderID); err != nil {
			return "", err
		}
	}
	if !status.Locking() {
		newTable = nil
	}

	if _, err := tx.Exec(ctx, "DELETE FROM order_items WHERE order_id = $1", orderID); err != nil {
		return "", fmt.Errorf("failed to clear items of order %d: %w", orderID, err)
	}
	if err := insertOrderItems(ctx, tx, orderID, in.Items); err != nil {
		return "", err
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET section_id = COALESCE($1, section_id), table_id = $2, waiter_id = COALESCE($3, waiter_id),
		    status = $4, subtotal = $5, discount = $6, tax = $7, tax_rate = $8, total = $9,
		    idempotency_key = COALESCE($10, idempotency_key), updated_at = NOW()
		WHERE id = $11
	`, in.SectionID, newTable, in.WaiterID, string(status),
		in.Subtotal, in.Discount, in.Tax, in.TaxRate, total, nullString(in.IdempotencyKey), orderID)
	if err != nil {
		return "", fmt.Errorf("failed to rebind order %d: %w", orderID, err)
	}
	return OrderStatus(statusBefore), nil
}

// ── Status transitions ───────────────────────────────────────────────────────

func (s *orderService) UpdateStatus(ctx context.Context, orderID int, status OrderStatus, actor Actor) (*Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown order status %q: %w", status, ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var branchID int
	var current string
	var tableID *int
	err = tx.QueryRow(ctx,
		"SELECT branch_id, status, table_id FROM orders WHERE id = $1 FOR UPDATE", orderID,
	).Scan(&branchID, &current, &tableID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock order %d: %w", orderID, err)
	}

	statusBefore := OrderStatus(current)
	if statusBefore == status {
		// No-op transition: no event, no write.
		return s.GetOrder(ctx, orderID)
	}
	if statusBefore.Terminal() {
		return nil, fmt.Errorf("order %d is %s and cannot transition to %s: %w", orderID, statusBefore, status, ErrConflict)
	}

	if status.Locking() && tableID != nil {
		if err := ensureTableFree(ctx, tx, *tableID, orderID); err != nil {
			return nil, err
		}
	}

	meta := map[string]any{}
	if !status.Locking() && tableID != nil {
		if _, err := tx.Exec(ctx, "UPDATE orders SET table_id = NULL WHERE id = $1", orderID); err != nil {
			return nil, fmt.Errorf("failed to release table of order %d: %w", orderID, err)
		}
		meta["released_table_id"] = *tableID
	}

	if status == OrderPaid {
		if err := backfillFromDraft(ctx, tx, orderID); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, "UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		string(status), orderID); err != nil {
		return nil, fmt.Errorf("failed to update status of order %d: %w", orderID, err)
	}

	if err := appendSaleEvent(ctx, tx, orderID, "status_changed", statusBefore, status, actor, meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}

	s.audit.Record(ctx, "order.status_changed", actor.ID, branchID, map[string]any{
		"order_id": orderID, "from": string(statusBefore), "to": string(status),
	})
	if s.notifier != nil {
		s.notifier.Emit("order.status_changed", branchID, orderID, map[string]any{
			"from": string(statusBefore), "to": string(status),
		}, actor.ID)
	}
	return s.GetOrder(ctx, orderID)
}

// ── Payments ─────────────────────────────────────────────────────────────────

func (s *orderService) AddPayment(ctx context.Context, orderID int, in PaymentInput, actor Actor) (*Order, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("payment amount must be positive: %w", ErrValidation)
	}

	if in.IdempotencyKey != "" {
		if id, err := findPaymentOrderIDByKey(ctx, s.pool, in.IdempotencyKey); err != nil {
			return nil, err
		} else if id != nil {
			return s.GetOrder(ctx, *id)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var branchID int
	var current string
	var tableID *int
	var total decimal.Decimal
	err = tx.QueryRow(ctx,
		"SELECT branch_id, status, table_id, total FROM orders WHERE id = $1 FOR UPDATE", orderID,
	).Scan(&branchID, &current, &tableID, &total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock order %d: %w", orderID, err)
	}

	statusBefore := OrderStatus(current)
	if statusBefore.Terminal() && statusBefore != OrderPaid {
		return nil, fmt.Errorf("cannot add payment to %s order %d: %w", statusBefore, orderID, ErrConflict)
	}

	var paymentID int
	err = tx.QueryRow(ctx, `
		INSERT INTO order_payments (order_id, method, amount, idempotency_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id
	`, orderID, paymentMethod(in.Method), in.Amount, nullString(in.IdempotencyKey)).Scan(&paymentID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Concurrent retry already recorded this payment.
		return s.GetOrder(ctx, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment: %w", err)
	}

	var paid decimal.Decimal
	err = tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM order_payments WHERE order_id = $1", orderID,
	).Scan(&paid)
	if err != nil {
		return nil, fmt.Errorf("failed to sum payments for order %d: %w", orderID, err)
	}

	// Drafts may carry a more current total than the order during editing.
	effectiveTotal := total
	if total.IsZero() {
		if draftTotal, ok, err := draftTotalFor(ctx, tx, orderID); err != nil {
			return nil, err
		} else if ok {
			effectiveTotal = draftTotal
		}
	}

	becamePaid := false
	if paid.GreaterThanOrEqual(effectiveTotal) && statusBefore != OrderPaid {
		if err := backfillFromDraft(ctx, tx, orderID); err != nil {
			return nil, err
		}
		if tableID != nil {
			if _, err := tx.Exec(ctx, "UPDATE orders SET table_id = NULL WHERE id = $1", orderID); err != nil {
				return nil, fmt.Errorf("failed to release table of order %d: %w", orderID, err)
			}
		}
		if _, err := tx.Exec(ctx, "UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
			string(OrderPaid), orderID); err != nil {
			return nil, fmt.Errorf("failed to mark order %d paid: %w", orderID, err)
		}
		// One event per transition into PAID, not one per payment call.
		if err := appendSaleEvent(ctx, tx, orderID, "paid", statusBefore, OrderPaid, actor, map[string]any{
			"paid": paid.StringFixed(2),
		}); err != nil {
			return nil, err
		}
		becamePaid = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit payment: %w", err)
	}

	s.audit.Record(ctx, "order.payment_added", actor.ID, branchID, map[string]any{
		"order_id": orderID, "amount": in.Amount.StringFixed(2),
	})
	if s.notifier != nil {
		s.notifier.Emit("order.payment_added", branchID, orderID, map[string]any{
			"amount": in.Amount.StringFixed(2), "paid_in_full": becamePaid,
		}, actor.ID)
	}
	return s.GetOrder(ctx, orderID)
}

// ── Refunds ──────────────────────────────────────────────────────────────────

func (s *orderService) Refund(ctx context.Context, orderID int, idempotencyKey string, actor Actor) (*Order, error) {
	if !actor.Can(PermRefund) {
		return nil, fmt.Errorf("actor %d may not refund orders: %w", actor.ID, ErrForbidden)
	}

	if idempotencyKey != "" {
		if id, err := findReturnOrderIDByKey(ctx, s.pool, idempotencyKey); err != nil {
			return nil, err
		} else if id != nil {
			return s.GetOrder(ctx, *id)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var branchID int
	var current string
	var sectionID, tableID *int
	var orderNumber int64
	var total decimal.Decimal
	err = tx.QueryRow(ctx, `
		SELECT branch_id, status, section_id, table_id, order_number, total
		FROM orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&branchID, &current, &sectionID, &tableID, &orderNumber, &total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock order %d: %w", orderID, err)
	}
	if OrderStatus(current) != OrderPaid {
		return nil, fmt.Errorf("order %d cannot be refunded: status is %s (must be PAID): %w", orderID, current, ErrConflict)
	}

	items, err := fetchOrderItems(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if !item.Quantity.IsPositive() {
			continue
		}
		if err := s.restock(ctx, tx, branchID, sectionID, item.ProductID, item.Quantity, actor, orderNumber); err != nil {
			return nil, err
		}
	}

	var returnID int
	err = tx.QueryRow(ctx, `
		INSERT INTO sales_returns (order_id, amount, idempotency_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id
	`, orderID, total, nullString(idempotencyKey)).Scan(&returnID)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetOrder(ctx, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record sales return: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE orders SET status = $1, table_id = NULL, updated_at = NOW() WHERE id = $2",
		string(OrderRefunded), orderID); err != nil {
		return nil, fmt.Errorf("failed to mark order %d refunded: %w", orderID, err)
	}

	if err := appendSaleEvent(ctx, tx, orderID, "refunded", OrderPaid, OrderRefunded, actor, map[string]any{
		"amount": total.StringFixed(2), "sales_return_id": returnID,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit refund: %w", err)
	}

	s.audit.Record(ctx, "order.refunded", actor.ID, branchID, map[string]any{
		"order_id": orderID, "amount": total.StringFixed(2),
	})
	if s.notifier != nil {
		s.notifier.Emit("order.refunded", branchID, orderID, map[string]any{"amount": total.StringFixed(2)}, actor.ID)
	}
	return s.GetOrder(ctx, orderID)
}

func (s *orderService) RefundItems(ctx context.Context, orderID int, items []RefundItemInput, actor Actor) (*Order, error) {
	if !actor.Can(PermRefund) {
		return nil, fmt.Errorf("actor %d may not refund orders: %w", actor.ID, ErrForbidden)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("partial refund requires at least one item: %w", ErrValidation)
	}
	for _, item := range items {
		if !item.Quantity.IsPositive() {
			return nil, fmt.Errorf("refund quantity for product %d must be positive: %w", item.ProductID, ErrValidation)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var branchID int
	var current string
	var sectionID, waiterID *int
	var orderNumber int64
	err = tx.QueryRow(ctx, `
		SELECT branch_id, status, section_id, waiter_id, order_number
		FROM orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&branchID, &current, &sectionID, &waiterID, &orderNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock order %d: %w", orderID, err)
	}

	sold, err := fetchOrderItems(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	soldQty := make(map[int]decimal.Decimal)
	soldPrice := make(map[int]decimal.Decimal)
	for _, item := range sold {
		if item.Quantity.IsPositive() {
			soldQty[item.ProductID] = soldQty[item.ProductID].Add(item.Quantity)
			soldPrice[item.ProductID] = item.UnitPrice
		}
	}

	var returnTotal decimal.Decimal
	var returnLines []OrderLineInput
	for _, item := range items {
		available, ok := soldQty[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %d was not sold on order %d: %w", item.ProductID, orderID, ErrValidation)
		}
		qty := item.Quantity
		if qty.GreaterThan(available) {
			qty = available // cap at originally sold quantity
		}
		// Consume the sold quantity so repeated lines for the same product
		// cannot stack past the cap.
		soldQty[item.ProductID] = available.Sub(qty)
		if !qty.IsPositive() {
			continue
		}
		price := soldPrice[item.ProductID]
		returnTotal = returnTotal.Add(qty.Mul(price))
		returnLines = append(returnLines, OrderLineInput{
			ProductID: item.ProductID,
			Quantity:  qty.Neg(),
			UnitPrice: price,
		})

		if err := s.restock(ctx, tx, branchID, sectionID, item.ProductID, qty, actor, orderNumber); err != nil {
			return nil, err
		}
	}
	if len(returnLines) == 0 {
		return nil, fmt.Errorf("nothing left to refund on order %d: %w", orderID, ErrValidation)
	}

	seq, err := nextOrderNumber(ctx, tx, branchID)
	if err != nil {
		return nil, err
	}

	var returnOrderID int
	err = tx.QueryRow(ctx, `
		INSERT INTO orders (branch_id, section_id, waiter_id, status, order_number, subtotal, total)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id
	`, branchID, sectionID, waiterID, string(OrderRefunded), seq, returnTotal.Neg()).Scan(&returnOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to create return order: %w", err)
	}
	if err := insertOrderItems(ctx, tx, returnOrderID, returnLines); err != nil {
		return nil, err
	}

	if err := appendSaleEvent(ctx, tx, returnOrderID, "created", "", OrderRefunded, actor, map[string]any{
		"returns_order_id": orderID,
	}); err != nil {
		return nil, err
	}
	// The original order keeps its status; downstream reporting derives the
	// outstanding amount from the linked return order.
	if err := appendSaleEvent(ctx, tx, orderID, "items_refunded",
		OrderStatus(current), OrderStatus(current), actor, map[string]any{
			"return_order_id": returnOrderID, "amount": returnTotal.StringFixed(2),
		}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit partial refund: %w", err)
	}

	s.audit.Record(ctx, "order.items_refunded", actor.ID, branchID, map[string]any{
		"order_id": orderID, "return_order_id": returnOrderID, "amount": returnTotal.StringFixed(2),
	})
	if s.notifier != nil {
		s.notifier.Emit("order.items_refunded", branchID, orderID, map[string]any{
			"return_order_id": returnOrderID,
		}, actor.ID)
	}
	return s.GetOrder(ctx, returnOrderID)
}

// restock returns quantity to the order's section when it has one, else to the
// branch-level balance.
func (s *orderService) restock(ctx context.Context, tx pgx.Tx, branchID int, sectionID *int,
	productID int, qty decimal.Decimal, actor Actor, orderNumber int64) error {

	in := MovementInput{
		ProductID: productID,
		BranchID:  branchID,
		SectionTo: sectionID,
		Quantity:  qty,
		Reason:    ReasonRefund,
		Tag:       AdjustTag(actor, fmt.Sprintf("refund of order #%d", orderNumber), ""),
	}
	if _, err := s.ledger.RecordMovementTx(ctx, tx, in); err != nil {
		return fmt.Errorf("failed to restock product %d: %w", productID, err)
	}
	return nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

const orderColumns = `
	id, branch_id, section_id, table_id, waiter_id, status, order_number,
	subtotal, discount, tax, tax_rate, total, idempotency_key, created_at, updated_at`

func (s *orderService) GetOrder(ctx context.Context, orderID int) (*Order, error) {
	var o Order
	var status string
	err := s.pool.QueryRow(ctx,
		"SELECT"+orderColumns+" FROM orders WHERE id = $1", orderID,
	).Scan(
		&o.ID, &o.BranchID, &o.SectionID, &o.TableID, &o.WaiterID, &status, &o.OrderNumber,
		&o.Subtotal, &o.Discount, &o.Tax, &o.TaxRate, &o.Total, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch order %d: %w", orderID, err)
	}
	o.Status = OrderStatus(status)

	if o.Items, err = fetchOrderItems(ctx, s.pool, orderID); err != nil {
		return nil, err
	}
	if o.Payments, err = fetchOrderPayments(ctx, s.pool, orderID); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *orderService) GetOrders(ctx context.Context, branchID int, status *OrderStatus) ([]Order, error) {
	query := "SELECT" + orderColumns + " FROM orders WHERE branch_id = $1"
	args := []any{branchID}
	if status != nil {
		query += " AND status = $2"
		args = append(args, string(*status))
	}
	query += " ORDER BY id DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		var st string
		if err := rows.Scan(
			&o.ID, &o.BranchID, &o.SectionID, &o.TableID, &o.WaiterID, &st, &o.OrderNumber,
			&o.Subtotal, &o.Discount, &o.Tax, &o.TaxRate, &o.Total, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Status = OrderStatus(st)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *orderService) Events(ctx context.Context, orderID int) ([]SaleEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, action, status_before, status_after, actor_id, metadata, created_at
		FROM sale_events
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sale events: %w", err)
	}
	defer rows.Close()

	var events []SaleEvent
	for rows.Next() {
		var e SaleEvent
		var meta []byte
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Action, &e.StatusBefore, &e.StatusAfter,
			&e.ActorID, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sale event: %w", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ── Shared helpers ───────────────────────────────────────────────────────────

// ensureTableFree enforces the occupancy invariant inside the caller's
// transaction: at most one order in a locking status per table. The table row
// is locked first so two transactions claiming the same table serialize
// instead of both passing the occupancy check.
func ensureTableFree(ctx context.Context, q pgxQuerier, tableID, excludeOrderID int) error {
	var id int
	err := q.QueryRow(ctx,
		"SELECT id FROM restaurant_tables WHERE id = $1 FOR UPDATE", tableID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("table %d: %w", tableID, ErrNotFound)
		}
		return fmt.Errorf("failed to lock table %d: %w", tableID, err)
	}

	var occupied bool
	err = q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE table_id = $1 AND status = ANY($2) AND id <> $3
		)
	`, tableID, lockingStatuses(), excludeOrderID).Scan(&occupied)
	if err != nil {
		return fmt.Errorf("failed to check table %d occupancy: %w", tableID, err)
	}
	if occupied {
		return fmt.Errorf("table %d is already occupied by another order: %w", tableID, ErrConflict)
	}
	return nil
}

// nextOrderNumber allocates the branch's next invoice number atomically.
func nextOrderNumber(ctx context.Context, q pgxQuerier, branchID int) (int64, error) {
	var seq int64
	err := q.QueryRow(ctx,
		"UPDATE branches SET order_seq = order_seq + 1 WHERE id = $1 RETURNING order_seq", branchID,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("branch %d: %w", branchID, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to allocate order number for branch %d: %w", branchID, err)
	}
	return seq, nil
}

func insertOrderItems(ctx context.Context, q pgxQuerier, orderID int, items []OrderLineInput) error {
	for i, item := range items {
		if _, err := q.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
		`, orderID, item.ProductID, item.Quantity, item.UnitPrice); err != nil {
			return fmt.Errorf("failed to insert order line %d: %w", i+1, err)
		}
	}
	return nil
}

func fetchOrderItems(ctx context.Context, q pgxQuerier, orderID int) ([]OrderItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func fetchOrderPayments(ctx context.Context, q pgxQuerier, orderID int) ([]OrderPayment, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, method, amount, idempotency_key, created_at
		FROM order_payments
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order payments: %w", err)
	}
	defer rows.Close()

	var payments []OrderPayment
	for rows.Next() {
		var p OrderPayment
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Method, &p.Amount, &p.IdempotencyKey, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func appendSaleEvent(ctx context.Context, q pgxQuerier, orderID int, action string,
	before, after OrderStatus, actor Actor, metadata map[string]any) error {

	meta, err := json.Marshal(metadata)
	if err != nil || metadata == nil {
		meta = []byte("{}")
	}
	_, err = q.Exec(ctx, `
		INSERT INTO sale_events (order_id, action, status_before, status_after, actor_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, orderID, action, string(before), string(after), nullInt(actor.ID), meta)
	if err != nil {
		return fmt.Errorf("failed to append sale event: %w", err)
	}
	return nil
}

// backfillFromDraft copies totals the order is still missing from the most
// recently saved draft bound to it. Drafts are allowed to carry more current
// figures than the order while a sale is being edited.
func backfillFromDraft(ctx context.Context, q pgxQuerier, orderID int) error {
	var subtotal, discount, tax, taxRate, total decimal.Decimal
	var waiterID *int
	err := q.QueryRow(ctx, `
		SELECT subtotal, discount, tax, tax_rate, total, waiter_id
		FROM drafts
		WHERE order_id = $1
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`, orderID).Scan(&subtotal, &discount, &tax, &taxRate, &total, &waiterID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fetch draft for order %d: %w", orderID, err)
	}

	_, err = q.Exec(ctx, `
		UPDATE orders SET
			subtotal  = CASE WHEN subtotal = 0 THEN $1 ELSE subtotal END,
			discount  = CASE WHEN discount = 0 THEN $2 ELSE discount END,
			tax       = CASE WHEN tax = 0 THEN $3 ELSE tax END,
			tax_rate  = CASE WHEN tax_rate = 0 THEN $4 ELSE tax_rate END,
			total     = CASE WHEN total = 0 THEN $5 ELSE total END,
			waiter_id = COALESCE(waiter_id, $6),
			updated_at = NOW()
		WHERE id = $7
	`, subtotal, discount, tax, taxRate, total, waiterID, orderID)
	if err != nil {
		return fmt.Errorf("failed to backfill order %d from draft: %w", orderID, err)
	}
	return nil
}

// draftTotalFor reads the latest bound draft's total without writing anything.
func draftTotalFor(ctx context.Context, q pgxQuerier, orderID int) (decimal.Decimal, bool, error) {
	var total decimal.Decimal
	err := q.QueryRow(ctx, `
		SELECT total FROM drafts
		WHERE order_id = $1
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`, orderID).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to fetch draft total for order %d: %w", orderID, err)
	}
	return total, true, nil
}

func paymentMethod(m string) string {
	if m == "" {
		return "CASH"
	}
	return m
}
