// Package tasks tracks the single active reply task per conversation and
// queues messages that arrive while a task is running.
package tasks

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/message"
)

// ErrConversationBusy is returned when a conversation already has an
// active task.
var ErrConversationBusy = errors.New("conversation already has an active task")

// Task is an issued reply task occupying a conversation slot.
type Task struct {
	ID             string
	ConversationID string
	SenderID       string
	StartedAt      time.Time
}

// pendingBundle accumulates messages that arrived while the conversation
// was busy. They are merged into one message when the slot frees up.
type pendingBundle struct {
	first *message.IncomingMessage
	texts []string
	seen  map[string]bool
}

// Registry enforces one active task per conversation.
type Registry struct {
	mu        sync.Mutex
	active    map[string]*Task          // conversationID -> task
	bySender  map[string]map[string]*Task // senderID -> taskID -> task
	pending   map[string]*pendingBundle // conversationID -> queued messages
	cancelled map[string]bool           // taskID -> cancelled mark

	logger *logger.Logger
}

// NewRegistry creates a task registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		active:    make(map[string]*Task),
		bySender:  make(map[string]map[string]*Task),
		pending:   make(map[string]*pendingBundle),
		cancelled: make(map[string]bool),
		logger:    log.WithFields(zap.String("component", "task-registry")),
	}
}

// Begin claims the conversation's task slot. It fails with
// ErrConversationBusy when a task is already active there.
func (r *Registry) Begin(conversationID, senderID string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.active[conversationID]; busy {
		return nil, ErrConversationBusy
	}

	task := &Task{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		StartedAt:      time.Now(),
	}
	r.active[conversationID] = task

	if _, ok := r.bySender[senderID]; !ok {
		r.bySender[senderID] = make(map[string]*Task)
	}
	r.bySender[senderID][task.ID] = task

	r.logger.Debug("Task issued",
		zap.String("task_id", task.ID),
		zap.String("conversation_id", conversationID),
		zap.String("sender_id", senderID))
	return task, nil
}

// Enqueue buffers a message that arrived while the conversation's slot was
// occupied. Messages for the same conversation merge into one bundle,
// deduplicated by message ID.
func (r *Registry) Enqueue(msg *message.IncomingMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	convID := msg.ConversationID()
	pb, ok := r.pending[convID]
	if !ok {
		pb = &pendingBundle{seen: make(map[string]bool)}
		r.pending[convID] = pb
	}
	if msg.MessageID != "" && pb.seen[msg.MessageID] {
		return
	}
	if msg.MessageID != "" {
		pb.seen[msg.MessageID] = true
	}
	if pb.first == nil {
		cp := *msg
		pb.first = &cp
	}
	if text := msg.ContentText(); text != "" {
		pb.texts = append(pb.texts, text)
	}

	r.logger.Debug("Message queued behind active task",
		zap.String("conversation_id", convID),
		zap.Int("pending_texts", len(pb.texts)))
}

// PendingCount returns how many texts are queued for a conversation.
func (r *Registry) PendingCount(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pb, ok := r.pending[conversationID]; ok {
		return len(pb.texts)
	}
	return 0
}

// PendingTexts returns a snapshot of the queued texts for a conversation
// without consuming them. Used to surface mid-task arrivals to the model.
func (r *Registry) PendingTexts(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	pb, ok := r.pending[conversationID]
	if !ok {
		return nil
	}
	out := make([]string, len(pb.texts))
	copy(out, pb.texts)
	return out
}

// Complete releases the conversation slot if taskID is still the active
// task there, and returns the merged pending message to process next, or
// nil when nothing is queued. A stale taskID releases nothing.
func (r *Registry) Complete(conversationID, taskID string) *message.IncomingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.active[conversationID]
	if !ok || task.ID != taskID {
		return nil
	}
	delete(r.active, conversationID)
	delete(r.cancelled, taskID)

	if senderTasks, ok := r.bySender[task.SenderID]; ok {
		delete(senderTasks, taskID)
		if len(senderTasks) == 0 {
			delete(r.bySender, task.SenderID)
		}
	}

	pb, ok := r.pending[conversationID]
	if !ok || pb.first == nil || len(pb.texts) == 0 {
		delete(r.pending, conversationID)
		return nil
	}
	delete(r.pending, conversationID)

	next := *pb.first
	next.Text = strings.Join(pb.texts, "\n")
	next.Summary = ""

	r.logger.Debug("Draining pending messages into new task",
		zap.String("conversation_id", conversationID),
		zap.Int("merged_texts", len(pb.texts)))
	return &next
}

// ActiveCount returns the number of active tasks for a sender.
func (r *Registry) ActiveCount(senderID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySender[senderID])
}

// ActiveTask returns the active task for a conversation, or nil.
func (r *Registry) ActiveTask(conversationID string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[conversationID]
}

// MarkCancelledForSender flags every active task of a sender as cancelled.
// The task pipeline checks IsCancelled at its send boundaries and stops.
// Returns the affected task IDs.
func (r *Registry) MarkCancelledForSender(senderID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for taskID := range r.bySender[senderID] {
		r.cancelled[taskID] = true
		ids = append(ids, taskID)
	}
	if len(ids) > 0 {
		r.logger.Info("Marked tasks cancelled",
			zap.String("sender_id", senderID),
			zap.Int("count", len(ids)))
	}
	return ids
}

// IsCancelled reports whether a task has been flagged for cancellation.
func (r *Registry) IsCancelled(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[taskID]
}

// ClearCancelled removes a task's cancellation flag.
func (r *Registry) ClearCancelled(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, taskID)
}

// DropPending discards queued messages for a conversation. Used when an
// intervention supersedes what the user said before it.
func (r *Registry) DropPending(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pb, ok := r.pending[conversationID]
	if !ok {
		return 0
	}
	delete(r.pending, conversationID)
	return len(pb.texts)
}
