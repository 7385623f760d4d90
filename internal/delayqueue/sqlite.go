package delayqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/logger"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS delay_jobs (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	due_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delay_jobs_due ON delay_jobs(due_at_ms);
`

// sqliteQueue is the embedded default backend.
type sqliteQueue struct {
	db     *sqlx.DB
	logger *logger.Logger
}

func openSQLiteQueue(path string, log *logger.Logger) (Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create delay queue dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open delay queue at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(queueSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply delay queue schema: %w", err)
	}

	log.Info("Delay queue opened", zap.String("backend", "sqlite"), zap.String("path", path))
	return &sqliteQueue{db: db, logger: log}, nil
}

func (q *sqliteQueue) Enqueue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal delay job: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO delay_jobs (id, payload, due_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, due_at_ms = excluded.due_at_ms`,
		job.ID, string(data), job.DueAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to enqueue delay job: %w", err)
	}
	return nil
}

func (q *sqliteQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	var rows []struct {
		ID      string `db:"id"`
		Payload string `db:"payload"`
	}
	err := q.db.SelectContext(ctx, &rows,
		`SELECT id, payload FROM delay_jobs WHERE due_at_ms <= ? ORDER BY due_at_ms ASC LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read due jobs: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	jobs := make([]*Job, 0, len(rows))
	for _, row := range rows {
		if _, err := q.db.ExecContext(ctx, `DELETE FROM delay_jobs WHERE id = ?`, row.ID); err != nil {
			return nil, fmt.Errorf("failed to claim delay job: %w", err)
		}
		var job Job
		if err := json.Unmarshal([]byte(row.Payload), &job); err != nil {
			q.logger.Warn("Dropping undecodable delay job",
				zap.String("job_id", row.ID), zap.Error(err))
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (q *sqliteQueue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM delay_jobs`); err != nil {
		return 0, fmt.Errorf("failed to read delay queue size: %w", err)
	}
	return n, nil
}

func (q *sqliteQueue) Close() error {
	return q.db.Close()
}
