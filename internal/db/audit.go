// Package db holds the Postgres persistence layer. The only table the
// service owns is the ingest audit log; everything else lives in Redis or
// the vector store.
package db

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// AuditAction names what happened to a document.
type AuditAction string

const (
	ActionPublish   AuditAction = "publish"
	ActionTombstone AuditAction = "tombstone"
)

// AuditEvent is one row of the audit_events table.
type AuditEvent struct {
	Tenant        string      `db:"tenant"`
	DocID         string      `db:"doc_id"`
	Action        AuditAction `db:"action"`
	ChunksWritten int         `db:"chunks_written"`
	ChunksDeleted int         `db:"chunks_deleted"`
	DurationMs    int64       `db:"duration_ms"`
	CreatedAt     time.Time   `db:"created_at"`
}

// AuditLog writes ingest audit events. Write failures are logged and
// swallowed so a flaky audit store never aborts a publish.
type AuditLog struct {
	db  *sqlx.DB
	log *zap.Logger
}

func NewAuditLog(db *sqlx.DB, log *zap.Logger) *AuditLog {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditLog{db: db, log: log}
}

const insertAuditEvent = `
INSERT INTO audit_events (tenant, doc_id, action, chunks_written, chunks_deleted, duration_ms, created_at)
VALUES (:tenant, :doc_id, :action, :chunks_written, :chunks_deleted, :duration_ms, :created_at)`

// Record persists one audit event. A nil receiver or nil handle is a no-op
// so callers can run without Postgres in development.
func (a *AuditLog) Record(ctx context.Context, ev AuditEvent) {
	if a == nil || a.db == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if _, err := a.db.NamedExecContext(ctx, insertAuditEvent, ev); err != nil {
		a.log.Error("audit event write failed",
			zap.String("tenant", ev.Tenant),
			zap.String("doc_id", ev.DocID),
			zap.String("action", string(ev.Action)),
			zap.Error(err))
	}
}

// EnsureSchema creates the audit table when it is missing.
func (a *AuditLog) EnsureSchema(ctx context.Context) error {
	if a == nil || a.db == nil {
		return nil
	}
	_, err := a.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS audit_events (
	id BIGSERIAL PRIMARY KEY,
	tenant TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	action TEXT NOT NULL,
	chunks_written INT NOT NULL DEFAULT 0,
	chunks_deleted INT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}
