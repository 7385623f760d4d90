// Package events defines the runtime event subjects published on the bus.
package events

// Message lifecycle events.
const (
	MessageReceived = "sentra.message.received"
	BundleSealed    = "sentra.message.bundle_sealed"
	MessagePending  = "sentra.message.pending"
)

// Turn lifecycle events.
const (
	TurnStarted   = "sentra.turn.started"
	TurnCompleted = "sentra.turn.completed"
	TurnCancelled = "sentra.turn.cancelled"
	TurnFailed    = "sentra.turn.failed"
)

// Run events.
const (
	RunStarted   = "sentra.run.started"
	RunCancelled = "sentra.run.cancelled"
)

// Recovery events.
const (
	RecoverySucceeded = "sentra.recovery.succeeded"
	RecoveryFailed    = "sentra.recovery.failed"
	RecoveryGivenUp   = "sentra.recovery.given_up"
)

// Delayed-job events.
const (
	DelayJobDispatched = "sentra.delayjob.dispatched"
	DelayJobDropped    = "sentra.delayjob.dropped"
)

// Source is the event source tag for this process.
const Source = "sentra-agent"

// TurnEventData is the payload for turn lifecycle events.
type TurnEventData struct {
	TaskID          string `json:"task_id"`
	SenderID        string `json:"sender_id"`
	ConversationKey string `json:"conversation_key"`
	RunID           string `json:"run_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// MessageEventData is the payload for message lifecycle events.
type MessageEventData struct {
	SenderID        string `json:"sender_id"`
	ConversationKey string `json:"conversation_key"`
	MessageID       string `json:"message_id,omitempty"`
	Size            int    `json:"size,omitempty"` // bundle size for bundle_sealed
}

// RecoveryEventData is the payload for recovery events.
type RecoveryEventData struct {
	TaskID        string `json:"task_id"`
	UserID        string `json:"user_id"`
	RecoveryCount int    `json:"recovery_count"`
}
