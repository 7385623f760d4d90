package delayqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/events"
	"github.com/sentra-ai/sentra/internal/events/bus"
)

// DispatchFunc runs one due job through the turn pipeline. Returning
// ErrBusy defers the job; any other error drops it with a log.
type DispatchFunc func(ctx context.Context, job *Job) error

// Worker polls the store and dispatches due jobs. Jobs that stay deferred
// past the configured max lag are dropped.
type Worker struct {
	cfg      func() *config.Config
	store    Store
	dispatch DispatchFunc
	bus      bus.EventBus
	logger   *logger.Logger

	claimLimit int

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWorker creates a delay-queue worker. The event bus may be nil.
func NewWorker(cfg func() *config.Config, store Store, dispatch DispatchFunc, eventBus bus.EventBus, log *logger.Logger) *Worker {
	return &Worker{
		cfg:        cfg,
		store:      store,
		dispatch:   dispatch,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "delay-worker")),
		claimLimit: 16,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.pollLoop(ctx)
	w.logger.Info("Delay-queue worker started",
		zap.Duration("poll_interval", w.cfg().DelayQueue.PollInterval()))
}

// Stop halts polling and waits for the in-flight tick to finish.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg().DelayQueue.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	now := time.Now()
	jobs, err := w.store.ClaimDue(ctx, now, w.claimLimit)
	if err != nil {
		w.logger.Error("Delay queue poll failed", zap.Error(err))
		return
	}

	for _, job := range jobs {
		w.runJob(ctx, job, now)
	}
}

func (w *Worker) runJob(ctx context.Context, job *Job, now time.Time) {
	maxLag := w.cfg().DelayQueue.MaxLag()
	lag := now.Sub(job.DueAt)

	if maxLag > 0 && lag > maxLag {
		w.logger.Warn("Dropping delay job past max lag",
			zap.String("job_id", job.ID),
			zap.Duration("lag", lag))
		w.publish(ctx, events.DelayJobDropped, job)
		return
	}

	job.Attempts++
	err := w.dispatch(ctx, job)
	switch {
	case err == nil:
		w.logger.Info("Delay job dispatched",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts))
		w.publish(ctx, events.DelayJobDispatched, job)
	case errors.Is(err, ErrBusy):
		// Put it back untouched; the original due time keeps lag growing
		// so a permanently busy conversation cannot pin the job forever.
		if reErr := w.store.Enqueue(ctx, job); reErr != nil {
			w.logger.Error("Failed to defer delay job",
				zap.String("job_id", job.ID), zap.Error(reErr))
			return
		}
		w.logger.Debug("Delay job deferred, conversation busy",
			zap.String("job_id", job.ID))
	default:
		w.logger.Error("Delay job failed",
			zap.String("job_id", job.ID), zap.Error(err))
		w.publish(ctx, events.DelayJobDropped, job)
	}
}

func (w *Worker) publish(ctx context.Context, subject string, job *Job) {
	if w.bus == nil {
		return
	}
	ev := bus.NewEvent(subject, events.Source, events.MessageEventData{
		SenderID:        job.UserID,
		ConversationKey: conversationKey(job),
	})
	if err := w.bus.Publish(ctx, subject, ev); err != nil {
		w.logger.Debug("Event publish failed", zap.Error(err))
	}
}

func conversationKey(job *Job) string {
	if job.Kind == "group" && job.GroupID != "" {
		return "G:" + job.GroupID
	}
	return "U:" + job.UserID
}
