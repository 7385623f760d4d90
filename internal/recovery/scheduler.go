// Package recovery resurrects interrupted tasks from their on-disk
// journals by replaying them as synthetic proactive messages.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/events"
	"github.com/sentra-ai/sentra/internal/events/bus"
	"github.com/sentra-ai/sentra/internal/message"
	"github.com/sentra-ai/sentra/internal/tasks"
)

// Record is one task journal under the recovery root. The executor writes
// these while a task runs; a journal left behind means the task died
// before finishing.
type Record struct {
	TaskID             string            `json:"taskId"`
	Summary            string            `json:"summary,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	UserID             string            `json:"userId"`
	GroupID            string            `json:"groupId,omitempty"`
	IsComplete         bool              `json:"isComplete"`
	RecoveryCount      int               `json:"recoveryCount"`
	CreatedAt          time.Time         `json:"createdAt"`
	ExpiresAt          *time.Time        `json:"expiresAt,omitempty"`
	LastRecoveryAt     *time.Time        `json:"lastRecoveryAt,omitempty"`
	LastRecoveryStatus string            `json:"lastRecoveryStatus,omitempty"`
	Promises           []string          `json:"promises,omitempty"`
	ToolCalls          []json.RawMessage `json:"toolCalls,omitempty"`
}

// ActiveCounter reports how many tasks a sender is currently running.
// Satisfied by the active-task registry.
type ActiveCounter interface {
	ActiveCount(senderID string) int
}

// Dispatcher replays one synthetic message through the turn pipeline.
// tasks.ErrConversationBusy defers the journal to the next scan.
type Dispatcher func(ctx context.Context, msg *message.IncomingMessage) error

// Scheduler scans the recovery root on an interval and replays journals.
// Scans are single-flight: a slow replay skips ticks instead of stacking.
type Scheduler struct {
	cfg      func() *config.Config
	active   ActiveCounter
	dispatch Dispatcher
	bus      bus.EventBus
	logger   *logger.Logger

	inflight *semaphore.Weighted
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewScheduler creates a recovery scheduler. The event bus may be nil.
func NewScheduler(cfg func() *config.Config, active ActiveCounter, dispatch Dispatcher, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		active:   active,
		dispatch: dispatch,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "recovery")),
		inflight: semaphore.NewWeighted(1),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scan loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.scanLoop(ctx)
	s.logger.Info("Recovery scheduler started",
		zap.String("root", s.cfg().Recovery.Root),
		zap.Duration("scan_interval", s.cfg().Recovery.ScanInterval()))
}

// Stop halts scanning and waits for an in-flight scan to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) scanLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg().Recovery.ScanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce walks the recovery root and processes every journal. Returns
// immediately when a previous scan is still running.
func (s *Scheduler) ScanOnce(ctx context.Context) {
	if !s.inflight.TryAcquire(1) {
		s.logger.Debug("Recovery scan already in flight, skipping")
		return
	}
	defer s.inflight.Release(1)

	root := s.cfg().Recovery.Root
	// Journals may sit in per-task subdirectories, so the whole tree is
	// walked, not just the root.
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root && os.IsNotExist(walkErr) {
				return filepath.SkipAll
			}
			s.logger.Warn("Recovery path unreadable",
				zap.String("path", path), zap.Error(walkErr))
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		select {
		case <-s.stopCh:
			return filepath.SkipAll
		case <-ctx.Done():
			return filepath.SkipAll
		default:
		}
		s.processJournal(ctx, path)
		return nil
	})
	if err != nil {
		s.logger.Warn("Recovery scan aborted", zap.Error(err))
	}
}

func (s *Scheduler) processJournal(ctx context.Context, path string) {
	log := s.logger.WithFields(zap.String("journal", filepath.Base(path)))

	rec, err := s.loadRecord(path)
	if err != nil {
		log.Warn("Dropping unreadable journal", zap.Error(err))
		s.removeArtifacts(path)
		return
	}

	if rec.IsComplete {
		log.Debug("Journal already complete, cleaning up")
		s.removeArtifacts(path)
		return
	}
	if s.expired(rec, path) {
		log.Info("Journal expired, giving up", zap.String("task_id", rec.TaskID))
		s.removeArtifacts(path)
		s.publish(ctx, events.RecoveryGivenUp, rec)
		return
	}
	if s.active.ActiveCount(rec.UserID) > 0 {
		log.Debug("Sender busy, deferring recovery", zap.String("user_id", rec.UserID))
		return
	}

	msg := s.syntheticMessage(rec)
	err = s.dispatch(ctx, msg)
	switch {
	case err == nil:
		log.Info("Task recovered", zap.String("task_id", rec.TaskID),
			zap.Int("attempt", rec.RecoveryCount+1))
		s.removeArtifacts(path)
		s.publish(ctx, events.RecoverySucceeded, rec)
	case errors.Is(err, tasks.ErrConversationBusy):
		log.Debug("Conversation busy, deferring recovery")
	default:
		s.recordFailure(ctx, path, rec, err, log)
	}
}

// recordFailure journals the failed attempt, giving up once the retry cap
// is hit or the journal itself cannot be updated.
func (s *Scheduler) recordFailure(ctx context.Context, path string, rec *Record, cause error, log *logger.Logger) {
	rec.RecoveryCount++
	now := s.now()
	rec.LastRecoveryAt = &now
	rec.LastRecoveryStatus = cause.Error()

	if rec.RecoveryCount >= s.cfg().Recovery.MaxFailureAttempts {
		log.Warn("Recovery retries exhausted, giving up",
			zap.String("task_id", rec.TaskID),
			zap.Int("attempts", rec.RecoveryCount),
			zap.Error(cause))
		s.removeArtifacts(path)
		s.publish(ctx, events.RecoveryGivenUp, rec)
		return
	}

	if err := s.saveRecord(path, rec); err != nil {
		// An unwritable journal would retry forever; drop it instead.
		log.Error("Journal update failed, giving up", zap.Error(err))
		s.removeArtifacts(path)
		s.publish(ctx, events.RecoveryGivenUp, rec)
		return
	}

	log.Info("Recovery attempt failed, will retry",
		zap.String("task_id", rec.TaskID),
		zap.Int("attempts", rec.RecoveryCount),
		zap.Error(cause))
	s.publish(ctx, events.RecoveryFailed, rec)
}

func (s *Scheduler) expired(rec *Record, path string) bool {
	now := s.now()
	if rec.ExpiresAt != nil && now.After(*rec.ExpiresAt) {
		return true
	}
	ttl := s.cfg().Recovery.FileTTL()
	if ttl <= 0 {
		return false
	}
	created := rec.CreatedAt
	if created.IsZero() {
		if info, err := os.Stat(path); err == nil {
			created = info.ModTime()
		}
	}
	return !created.IsZero() && now.Sub(created) > ttl
}

// syntheticMessage builds the proactive replay message. The directive
// carries everything the model needs to resume where the task died.
func (s *Scheduler) syntheticMessage(rec *Record) *message.IncomingMessage {
	kind := message.KindPrivate
	if rec.GroupID != "" {
		kind = message.KindGroup
	}
	return &message.IncomingMessage{
		Kind:             kind,
		SenderID:         rec.UserID,
		GroupID:          rec.GroupID,
		Text:             "continue the interrupted task",
		Proactive:        true,
		RecoveryAttempt:  rec.RecoveryCount + 1,
		DisablePreReply:  true,
		RootDirectiveXML: directiveXML(rec),
	}
}

func directiveXML(rec *Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<sentra-task-recovery taskId=%q attempt=\"%d\">\n",
		html.EscapeString(rec.TaskID), rec.RecoveryCount+1)
	if rec.Summary != "" {
		fmt.Fprintf(&sb, "<summary>%s</summary>\n", html.EscapeString(rec.Summary))
	}
	if rec.Reason != "" {
		fmt.Fprintf(&sb, "<interruption>%s</interruption>\n", html.EscapeString(rec.Reason))
	}
	for _, p := range rec.Promises {
		fmt.Fprintf(&sb, "<promise>%s</promise>\n", html.EscapeString(p))
	}
	sb.WriteString("</sentra-task-recovery>")
	return sb.String()
}

func (s *Scheduler) loadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode journal: %w", err)
	}
	if rec.UserID == "" {
		return nil, fmt.Errorf("journal missing userId")
	}
	return &rec, nil
}

func (s *Scheduler) saveRecord(path string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode journal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	return nil
}

// removeArtifacts deletes the journal and its sibling notes file.
func (s *Scheduler) removeArtifacts(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove journal", zap.String("path", path), zap.Error(err))
	}
	md := strings.TrimSuffix(path, ".json") + ".md"
	if err := os.Remove(md); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove journal notes", zap.String("path", md), zap.Error(err))
	}
}

func (s *Scheduler) publish(ctx context.Context, subject string, rec *Record) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(subject, events.Source, events.RecoveryEventData{
		TaskID:        rec.TaskID,
		UserID:        rec.UserID,
		RecoveryCount: rec.RecoveryCount,
	})
	if err := s.bus.Publish(ctx, subject, ev); err != nil {
		s.logger.Debug("Event publish failed", zap.Error(err))
	}
}
