package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSessionPurge is the task type for deleting expired session rows.
	TaskTypeSessionPurge = "sessions:purge"
)

// SessionPurgePayload bounds how many rows one purge run may delete.
type SessionPurgePayload struct {
	BatchSize int `json:"batch_size"`
}

// NewSessionPurgeTask constructs an Asynq task.
func NewSessionPurgeTask(payload SessionPurgePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSessionPurge, data), nil
}

// SessionPurger deletes expired rows from the sessions table. The cookie
// side of a session already expires in Redis; this keeps the audit table
// from growing without bound.
type SessionPurger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewSessionPurger constructs a SessionPurger.
func NewSessionPurger(pool *pgxpool.Pool, logger *slog.Logger) *SessionPurger {
	return &SessionPurger{pool: pool, logger: logger}
}

// Handle processes TaskTypeSessionPurge tasks.
func (p *SessionPurger) Handle(ctx context.Context, t *asynq.Task) error {
	var payload SessionPurgePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = 1000
	}
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM sessions WHERE id IN (SELECT id FROM sessions WHERE expires_at < now() LIMIT $1)`,
		payload.BatchSize)
	if err != nil {
		return err
	}
	if p.logger != nil && tag.RowsAffected() > 0 {
		p.logger.Info("purged expired sessions", slog.Int64("count", tag.RowsAffected()))
	}
	return nil
}
