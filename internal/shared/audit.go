package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEvent represents a record stored in audit_events.
type AuditEvent struct {
	EventID   uuid.UUID
	CompanyID int64
	ActorID   int64
	Action    string
	Entity    string
	EntityID  string
	Message   string
	Meta      map[string]any
	At        time.Time
}

// AuditLogger writes records into audit_events. Engines call Record after
// their unit of work commits; failures are logged by the caller, never
// folded into the operation's result.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the event.
func (l *AuditLogger) Record(ctx context.Context, ev AuditEvent) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if ev.Action == "" || ev.Entity == "" || ev.EntityID == "" {
		return errors.New("audit event requires action/entity/entity_id")
	}
	if ev.EventID == uuid.Nil {
		ev.EventID = uuid.New()
	}
	metaJSON, err := json.Marshal(ev.Meta)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_events (event_id, company_id, actor_id, action, entity, entity_id, message, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))`,
		ev.EventID, ev.CompanyID, ev.ActorID, ev.Action, ev.Entity, ev.EntityID, ev.Message, metaJSON, ev.At)
	return err
}

// AuditPort is implemented by AuditLogger and by test fakes.
type AuditPort interface {
	Record(ctx context.Context, ev AuditEvent) error
}
