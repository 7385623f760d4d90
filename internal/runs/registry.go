// Package runs tracks in-flight executor runs so interventions can cancel
// them per sender and conversation.
package runs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/logger"
)

// Canceler aborts a single executor run by ID.
type Canceler interface {
	CancelRun(ctx context.Context, runID string) error
}

// CancelScope selects which of a sender's runs a cancellation applies to.
type CancelScope struct {
	// ConversationKey limits the cancel to one conversation. Empty means
	// the sender's private conversation.
	ConversationKey string
	// Cutoff, when non-zero, cancels runs started at or before it. A run
	// belonging to a newer turn than the intervention must survive.
	Cutoff time.Time
}

// Registry tracks active runs keyed by sender and conversation.
type Registry struct {
	mu sync.RWMutex
	// senderID -> conversationKey -> runID -> startedAt
	active map[string]map[string]map[string]time.Time

	canceler Canceler
	logger   *logger.Logger
}

// NewRegistry creates a run registry.
func NewRegistry(canceler Canceler, log *logger.Logger) *Registry {
	return &Registry{
		active:   make(map[string]map[string]map[string]time.Time),
		canceler: canceler,
		logger:   log.WithFields(zap.String("component", "run-registry")),
	}
}

// Track records a newly started run.
func (r *Registry) Track(senderID, conversationKey, runID string) {
	if runID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	convs, ok := r.active[senderID]
	if !ok {
		convs = make(map[string]map[string]time.Time)
		r.active[senderID] = convs
	}
	ids, ok := convs[conversationKey]
	if !ok {
		ids = make(map[string]time.Time)
		convs[conversationKey] = ids
	}
	ids[runID] = time.Now()

	r.logger.Debug("Run tracked",
		zap.String("sender_id", senderID),
		zap.String("conversation_key", conversationKey),
		zap.String("run_id", runID))
}

// Untrack removes a finished run and prunes empty maps.
func (r *Registry) Untrack(senderID, conversationKey, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	convs, ok := r.active[senderID]
	if !ok {
		return
	}
	ids, ok := convs[conversationKey]
	if !ok {
		return
	}
	delete(ids, runID)
	if len(ids) == 0 {
		delete(convs, conversationKey)
	}
	if len(convs) == 0 {
		delete(r.active, senderID)
	}
}

// ActiveCount returns the number of tracked runs for a sender across all
// conversations.
func (r *Registry) ActiveCount(senderID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, ids := range r.active[senderID] {
		n += len(ids)
	}
	return n
}

// Cancel aborts the sender's runs within scope. Runs started after
// scope.Cutoff are left alone. Returns the number of runs cancelled.
func (r *Registry) Cancel(ctx context.Context, senderID string, scope CancelScope) int {
	key := scope.ConversationKey
	if key == "" {
		key = "U:" + senderID
	}

	r.mu.Lock()
	var victims []string
	if ids, ok := r.active[senderID][key]; ok {
		for runID, startedAt := range ids {
			if !scope.Cutoff.IsZero() && startedAt.After(scope.Cutoff) {
				continue
			}
			victims = append(victims, runID)
			delete(ids, runID)
		}
		if len(ids) == 0 {
			delete(r.active[senderID], key)
			if len(r.active[senderID]) == 0 {
				delete(r.active, senderID)
			}
		}
	}
	r.mu.Unlock()

	for _, runID := range victims {
		if r.canceler == nil {
			continue
		}
		if err := r.canceler.CancelRun(ctx, runID); err != nil {
			r.logger.Warn("Run cancel request failed",
				zap.String("run_id", runID),
				zap.Error(err))
		}
	}

	if len(victims) > 0 {
		r.logger.Info("Cancelled runs",
			zap.String("sender_id", senderID),
			zap.String("conversation_key", key),
			zap.Int("count", len(victims)))
	}
	return len(victims)
}
