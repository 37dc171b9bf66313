// File: internal/store/store.go
// Description: PostgreSQL persistence for task runs and their steps. Entirely
// optional: when no database is configured the loop runs with a nil recorder.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/nullpath/webpilot/api/schemas"
)

// DBPool abstracts the pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides a PostgreSQL implementation of schemas.RunRecorder.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.RunRecorder = (*Store)(nil)

// New creates a store instance, verifies the connection, and ensures the
// schema exists.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		pool: pool,
		log:  logger.Named("store"),
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS task_runs (
	id          TEXT PRIMARY KEY,
	task        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	fail_reason TEXT,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS task_steps (
	run_id      TEXT NOT NULL REFERENCES task_runs(id),
	seq         INT NOT NULL,
	op          TEXT NOT NULL,
	status      TEXT NOT NULL,
	detail      TEXT,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, seq)
);`

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// CreateRun records the start of a task run.
func (s *Store) CreateRun(ctx context.Context, runID, task string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_runs (id, task, started_at) VALUES ($1, $2, $3)`,
		runID, task, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert task run: %w", err)
	}
	return nil
}

// RecordStep records one loop iteration's operation and outcome.
func (s *Store) RecordStep(ctx context.Context, runID string, seq int, op string, status schemas.ResultStatus, detail string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_steps (run_id, seq, op, status, detail, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, seq) DO UPDATE SET op = $3, status = $4, detail = $5`,
		runID, seq, op, string(status), detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert task step: %w", err)
	}
	return nil
}

// FinishRun records the terminal state of a task run.
func (s *Store) FinishRun(ctx context.Context, runID string, status schemas.TaskStatus, reason schemas.FailReason) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_runs SET status = $2, fail_reason = NULLIF($3, ''), finished_at = $4 WHERE id = $1`,
		runID, string(status), string(reason), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finish task run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Warn("Finish recorded for unknown run", zap.String("run_id", runID))
	}
	return nil
}
