package runs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentra-ai/sentra/internal/common/logger"
)

type fakeCanceler struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeCanceler) CancelRun(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeCanceler) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	fc := &fakeCanceler{}
	return NewRegistry(fc, log), fc
}

func TestTrackUntrack(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Track("alice", "G:42", "run-1")
	r.Track("alice", "G:42", "run-2")
	r.Track("alice", "U:alice", "run-3")
	assert.Equal(t, 3, r.ActiveCount("alice"))

	r.Untrack("alice", "G:42", "run-1")
	assert.Equal(t, 2, r.ActiveCount("alice"))

	// Untrack of unknown entries is a no-op.
	r.Untrack("alice", "G:42", "nope")
	r.Untrack("bob", "G:42", "run-2")
	assert.Equal(t, 2, r.ActiveCount("alice"))
}

func TestCancelConversationScopeIsolated(t *testing.T) {
	r, fc := newTestRegistry(t)

	r.Track("alice", "G:42", "run-a")
	r.Track("alice", "G:77", "run-b")

	n := r.Cancel(context.Background(), "alice", CancelScope{ConversationKey: "G:42"})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"run-a"}, fc.cancelled)

	// The other conversation's run survives.
	assert.Equal(t, 1, r.ActiveCount("alice"))
}

func TestCancelDefaultsToPrivateConversation(t *testing.T) {
	r, fc := newTestRegistry(t)

	r.Track("alice", "U:alice", "run-p")
	r.Track("alice", "G:42", "run-g")

	n := r.Cancel(context.Background(), "alice", CancelScope{})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"run-p"}, fc.cancelled)
}

func TestCancelRespectsCutoff(t *testing.T) {
	r, fc := newTestRegistry(t)

	r.Track("alice", "G:42", "old-run")
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	r.Track("alice", "G:42", "new-run")

	n := r.Cancel(context.Background(), "alice", CancelScope{
		ConversationKey: "G:42",
		Cutoff:          cutoff,
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"old-run"}, fc.cancelled)

	// The run started after the cutoff is still tracked.
	assert.Equal(t, 1, r.ActiveCount("alice"))
}

func TestCancelIncludesRunStartedAtCutoff(t *testing.T) {
	r, fc := newTestRegistry(t)

	r.Track("alice", "G:42", "run-a")
	cutoff := time.Now()
	r.mu.Lock()
	r.active["alice"]["G:42"]["run-a"] = cutoff
	r.mu.Unlock()

	// A run started in the same instant as the intervention is part of
	// the work being corrected.
	n := r.Cancel(context.Background(), "alice", CancelScope{
		ConversationKey: "G:42",
		Cutoff:          cutoff,
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"run-a"}, fc.cancelled)
}

func TestCancelUnknownSender(t *testing.T) {
	r, fc := newTestRegistry(t)
	n := r.Cancel(context.Background(), "ghost", CancelScope{ConversationKey: "G:1"})
	assert.Equal(t, 0, n)
	assert.Empty(t, fc.cancelled)
}
