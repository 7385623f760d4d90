// Package delayqueue schedules follow-up and proactive jobs for later
// dispatch through the normal turn pipeline.
package delayqueue

import (
	"context"
	"errors"
	"time"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
)

// ErrBusy is returned by a dispatch function when the job's conversation
// has an active task; the worker defers the job instead of dropping it.
var ErrBusy = errors.New("conversation busy, job deferred")

// Job is one scheduled follow-up. Kind and the IDs identify the target
// conversation; Text is what the synthesized message will say.
type Job struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // "group" or "private"
	UserID    string    `json:"userId"`
	GroupID   string    `json:"groupId,omitempty"`
	Text      string    `json:"text"`
	Directive string    `json:"directive,omitempty"` // optional root-directive XML
	DueAt     time.Time `json:"dueAt"`
	CreatedAt time.Time `json:"createdAt"`
	Attempts  int       `json:"attempts"`
}

// Store is the durable queue backend. ClaimDue removes and returns due
// jobs; a deferred job is re-enqueued by the worker.
type Store interface {
	Enqueue(ctx context.Context, job *Job) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	Size(ctx context.Context) (int, error)
	Close() error
}

// Open selects the backend from configuration: REDIS_URL means Redis,
// otherwise the embedded sqlite queue.
func Open(ctx context.Context, cfg config.DelayQueueConfig, log *logger.Logger) (Store, error) {
	if cfg.RedisURL != "" {
		return openRedis(ctx, cfg.RedisURL, log)
	}
	return openSQLiteQueue(cfg.SQLitePath, log)
}
