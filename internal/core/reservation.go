package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ReservationEngine derives outstanding stock holds from the ledger and
// reverses them on demand. A reservation is not a first-class row: it is any
// ADJUST movement tagged with a reservation key or an actor identity whose
// per-(section, product) net sum is still negative.
type ReservationEngine struct {
	pool   *pgxpool.Pool
	ledger *StockLedger
}

func NewReservationEngine(pool *pgxpool.Pool, ledger *StockLedger) *ReservationEngine {
	return &ReservationEngine{pool: pool, ledger: ledger}
}

// RestoredItem reports one compensated hold. SectionID is nil for a
// branch-level restore.
type RestoredItem struct {
	ProductID int
	SectionID *int
	Quantity  decimal.Decimal
}

// holdGroup is the net position of one (location, product, key, owner) slice
// of the ledger. The compensating movement re-tags the same key and owner so
// that both key-based and actor-based scans net to zero afterwards.
type holdGroup struct {
	sectionID *int
	productID int
	key       *string
	ownerID   *int
	sum       decimal.Decimal
}

// ReleaseReservations restores every outstanding hold in a section matching
// the reservation key, or the actor when no key is given. A key that matches
// nothing yields an empty list, not an error. Restores are bounded by the
// negative net sum, so a second call restores nothing.
func (e *ReservationEngine) ReleaseReservations(ctx context.Context, sectionID int, reservationKey string, actor Actor) ([]RestoredItem, error) {
	if reservationKey == "" && actor.ID == 0 {
		return nil, fmt.Errorf("release requires a reservation key or an actor: %w", ErrValidation)
	}

	var branchID int
	err := e.pool.QueryRow(ctx, "SELECT branch_id FROM sections WHERE id = $1", sectionID).Scan(&branchID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("section %d: %w", sectionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve section %d: %w", sectionID, err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var groups []holdGroup
	if reservationKey != "" {
		groups, err = scanHoldGroups(ctx, tx, `
			SELECT $1::bigint, product_id, tag_reservation_key, MIN(tag_actor_id), SUM(quantity)
			FROM stock_movements
			WHERE reason = 'ADJUST'
			  AND (section_from = $1 OR section_to = $1)
			  AND tag_reservation_key = $2
			GROUP BY product_id, tag_reservation_key
			ORDER BY product_id
		`, sectionID, reservationKey)
	} else {
		groups, err = scanHoldGroups(ctx, tx, `
			SELECT $1::bigint, product_id, tag_reservation_key, tag_actor_id, SUM(quantity)
			FROM stock_movements
			WHERE reason = 'ADJUST'
			  AND (section_from = $1 OR section_to = $1)
			  AND tag_actor_id = $2
			GROUP BY product_id, tag_reservation_key, tag_actor_id
			ORDER BY product_id
		`, sectionID, actor.ID)
	}
	if err != nil {
		return nil, err
	}

	restored, err := e.restoreGroups(ctx, tx, branchID, groups, actor)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reservation release: %w", err)
	}
	return restored, nil
}

// ReleaseReservationsAll is the branch-wide safety net: it restores every
// outstanding hold of one actor across all of the branch's sections (and the
// branch level itself), independent of any reservation key. Used on client
// disconnect.
func (e *ReservationEngine) ReleaseReservationsAll(ctx context.Context, branchID int, actor Actor) ([]RestoredItem, error) {
	if actor.ID == 0 {
		return nil, fmt.Errorf("branch-wide release requires an actor: %w", ErrValidation)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	groups, err := scanHoldGroups(ctx, tx, `
		SELECT COALESCE(section_from, section_to), product_id, tag_reservation_key, tag_actor_id, SUM(quantity)
		FROM stock_movements
		WHERE reason = 'ADJUST'
		  AND branch_id = $1
		  AND tag_actor_id = $2
		GROUP BY COALESCE(section_from, section_to), product_id, tag_reservation_key, tag_actor_id
		ORDER BY COALESCE(section_from, section_to) NULLS FIRST, product_id
	`, branchID, actor.ID)
	if err != nil {
		return nil, err
	}

	restored, err := e.restoreGroups(ctx, tx, branchID, groups, actor)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit branch-wide release: %w", err)
	}
	return restored, nil
}

// releaseKeyTx restores every hold under one reservation key, branch-wide,
// inside the caller's transaction. Used when a draft is deleted so the
// release commits or rolls back together with the draft removal.
func (e *ReservationEngine) releaseKeyTx(ctx context.Context, tx pgx.Tx, branchID int, reservationKey string, actor Actor) ([]RestoredItem, error) {
	groups, err := scanHoldGroups(ctx, tx, `
		SELECT COALESCE(section_from, section_to), product_id, tag_reservation_key, MIN(tag_actor_id), SUM(quantity)
		FROM stock_movements
		WHERE reason = 'ADJUST'
		  AND branch_id = $1
		  AND tag_reservation_key = $2
		GROUP BY COALESCE(section_from, section_to), product_id, tag_reservation_key
		ORDER BY COALESCE(section_from, section_to) NULLS FIRST, product_id
	`, branchID, reservationKey)
	if err != nil {
		return nil, err
	}
	return e.restoreGroups(ctx, tx, branchID, groups, actor)
}

func scanHoldGroups(ctx context.Context, q pgxQuerier, query string, args ...any) ([]holdGroup, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan reservations: %w", err)
	}
	defer rows.Close()

	var groups []holdGroup
	for rows.Next() {
		var g holdGroup
		if err := rows.Scan(&g.sectionID, &g.productID, &g.key, &g.ownerID, &g.sum); err != nil {
			return nil, fmt.Errorf("failed to scan hold group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// restoreGroups records a compensating positive movement for every group whose
// net sum is negative. Groups at or above zero were already confirmed or
// released and are left untouched.
func (e *ReservationEngine) restoreGroups(ctx context.Context, tx pgx.Tx, branchID int, groups []holdGroup, actor Actor) ([]RestoredItem, error) {
	restored := []RestoredItem{}
	for _, g := range groups {
		if !g.sum.IsNegative() {
			continue
		}
		outstanding := g.sum.Neg()

		tag := MovementTag{
			Kind:      TagKindAdjust,
			ActorID:   actor.ID,
			ActorName: actor.Name,
			Reason:    "reservation release",
		}
		// Re-tag the original owner and key so repeated releases, by either
		// dimension, find the net sum already at zero.
		if g.ownerID != nil {
			tag.ActorID = *g.ownerID
		}
		if g.key != nil {
			tag.ReservationKey = *g.key
		}

		_, err := e.ledger.RecordMovementTx(ctx, tx, MovementInput{
			ProductID: g.productID,
			BranchID:  branchID,
			SectionTo: g.sectionID,
			Quantity:  outstanding,
			Reason:    ReasonAdjust,
			Tag:       tag,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to restore hold for product %d: %w", g.productID, err)
		}

		restored = append(restored, RestoredItem{ProductID: g.productID, SectionID: g.sectionID, Quantity: outstanding})
	}
	return restored, nil
}
