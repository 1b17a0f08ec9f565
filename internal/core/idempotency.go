package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Idempotency keys are scoped per operation kind: an order-creation key, a
// payment key and a refund key live in independent namespaces, each backed by
// a unique index on the table that stores the protected entity. The lookups
// below short-circuit replays before any side effect; the unique index is the
// backstop for concurrent retries.

// findOrderIDByKey returns the id of the order previously created under the
// key, or nil when the key is unused.
func findOrderIDByKey(ctx context.Context, q pgxQuerier, key string) (*int, error) {
	var id int
	err := q.QueryRow(ctx, "SELECT id FROM orders WHERE idempotency_key = $1", key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up order idempotency key: %w", err)
	}
	return &id, nil
}

// findPaymentOrderIDByKey returns the order a payment under the key was
// applied to, or nil when the key is unused.
func findPaymentOrderIDByKey(ctx context.Context, q pgxQuerier, key string) (*int, error) {
	var orderID int
	err := q.QueryRow(ctx, "SELECT order_id FROM order_payments WHERE idempotency_key = $1", key).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up payment idempotency key: %w", err)
	}
	return &orderID, nil
}

// findReturnOrderIDByKey returns the order a sales return under the key was
// recorded against, or nil when the key is unused.
func findReturnOrderIDByKey(ctx context.Context, q pgxQuerier, key string) (*int, error) {
	var orderID int
	err := q.QueryRow(ctx, "SELECT order_id FROM sales_returns WHERE idempotency_key = $1", key).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up refund idempotency key: %w", err)
	}
	return &orderID, nil
}
