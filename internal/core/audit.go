package core

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Notifier fans events out to connected POS clients. Implementations must be
// fire-and-forget: Emit never blocks the caller and never reports failure.
// A nil Notifier is valid and drops everything.
type Notifier interface {
	Emit(event string, branchID, entityID int, payload map[string]any, actorID int)
}

// AuditLog records successful mutations after commit. Failures are logged and
// swallowed: the audit trail must never fail or delay the primary operation.
type AuditLog struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewAuditLog(pool *pgxpool.Pool, log *zap.Logger) *AuditLog {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditLog{pool: pool, log: log}
}

// Record inserts one audit row. Safe to call on a nil receiver.
func (a *AuditLog) Record(ctx context.Context, action string, actorID, branchID int, metadata map[string]any) {
	if a == nil {
		return
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		meta = []byte("{}")
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO audit_logs (action, actor_id, branch_id, metadata)
		VALUES ($1, $2, $3, $4)
	`, action, nullInt(actorID), nullInt(branchID), meta)
	if err != nil {
		a.log.Warn("audit log write failed",
			zap.String("action", action),
			zap.Int("actor_id", actorID),
			zap.Error(err))
	}
}
