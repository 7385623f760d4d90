package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/message"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewRegistry(log)
}

func groupMsg(id, sender, group, text string) *message.IncomingMessage {
	return &message.IncomingMessage{
		Kind:      message.KindGroup,
		SenderID:  sender,
		GroupID:   group,
		MessageID: id,
		Text:      text,
	}
}

func TestSingleSlotPerConversation(t *testing.T) {
	r := newTestRegistry(t)

	task, err := r.Begin("group_42_sender_alice", "alice")
	require.NoError(t, err)
	require.NotNil(t, task)

	// Second claim on the same conversation fails.
	_, err = r.Begin("group_42_sender_alice", "alice")
	assert.ErrorIs(t, err, ErrConversationBusy)

	// A different conversation of the same sender is independent.
	_, err = r.Begin("private_alice", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, r.ActiveCount("alice"))
}

func TestCompleteReturnsMergedPending(t *testing.T) {
	r := newTestRegistry(t)

	task, err := r.Begin("group_42_sender_alice", "alice")
	require.NoError(t, err)

	r.Enqueue(groupMsg("m1", "alice", "42", "A"))
	r.Enqueue(groupMsg("m2", "alice", "42", "B"))
	assert.Equal(t, 2, r.PendingCount("group_42_sender_alice"))

	next := r.Complete("group_42_sender_alice", task.ID)
	require.NotNil(t, next)
	assert.Equal(t, "A\nB", next.Text)
	assert.Equal(t, "alice", next.SenderID)

	// Slot is free again.
	_, err = r.Begin("group_42_sender_alice", "alice")
	require.NoError(t, err)
}

func TestEnqueueDeduplicatesByMessageID(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Begin("group_42_sender_alice", "alice")
	require.NoError(t, err)

	r.Enqueue(groupMsg("m1", "alice", "42", "hello"))
	r.Enqueue(groupMsg("m1", "alice", "42", "hello"))
	assert.Equal(t, 1, r.PendingCount("group_42_sender_alice"))
}

func TestCompleteWithStaleTaskID(t *testing.T) {
	r := newTestRegistry(t)

	task, err := r.Begin("private_alice", "alice")
	require.NoError(t, err)

	// A stale or foreign task ID must not free the slot.
	assert.Nil(t, r.Complete("private_alice", "not-the-task"))
	_, err = r.Begin("private_alice", "alice")
	assert.ErrorIs(t, err, ErrConversationBusy)

	assert.Nil(t, r.Complete("private_alice", task.ID))
	_, err = r.Begin("private_alice", "alice")
	require.NoError(t, err)
}

func TestMarkCancelledForSender(t *testing.T) {
	r := newTestRegistry(t)

	ta, err := r.Begin("group_42_sender_alice", "alice")
	require.NoError(t, err)
	tb, err := r.Begin("private_alice", "alice")
	require.NoError(t, err)
	tc, err := r.Begin("private_bob", "bob")
	require.NoError(t, err)

	ids := r.MarkCancelledForSender("alice")
	assert.Len(t, ids, 2)
	assert.True(t, r.IsCancelled(ta.ID))
	assert.True(t, r.IsCancelled(tb.ID))
	assert.False(t, r.IsCancelled(tc.ID))

	r.ClearCancelled(ta.ID)
	assert.False(t, r.IsCancelled(ta.ID))

	// Completing clears any remaining cancel mark.
	r.Complete("private_alice", tb.ID)
	assert.False(t, r.IsCancelled(tb.ID))
}

func TestDropPending(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Begin("group_42_sender_alice", "alice")
	require.NoError(t, err)

	r.Enqueue(groupMsg("m1", "alice", "42", "stale one"))
	r.Enqueue(groupMsg("m2", "alice", "42", "stale two"))
	assert.Equal(t, 2, r.DropPending("group_42_sender_alice"))
	assert.Equal(t, 0, r.PendingCount("group_42_sender_alice"))
}

func TestPendingTextsSnapshot(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Begin("group_42_sender_alice", "alice")
	require.NoError(t, err)

	r.Enqueue(groupMsg("m1", "alice", "42", "first"))
	texts := r.PendingTexts("group_42_sender_alice")
	assert.Equal(t, []string{"first"}, texts)

	// The snapshot does not consume the queue.
	assert.Equal(t, 1, r.PendingCount("group_42_sender_alice"))
}
