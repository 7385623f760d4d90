// Package message defines the inbound message model shared by the bundler,
// gate, and turn pipeline.
package message

import "fmt"

// Kind distinguishes group chats from private chats.
type Kind string

const (
	KindGroup   Kind = "group"
	KindPrivate Kind = "private"
)

// IncomingMessage is a chat message delivered by the IM adapter. It is
// immutable after receipt; bundling synthesizes new instances instead of
// mutating components.
type IncomingMessage struct {
	Kind       Kind     `json:"type"`
	SenderID   string   `json:"senderId"`
	SenderName string   `json:"senderName,omitempty"`
	GroupID    string   `json:"groupId,omitempty"`
	MessageID  string   `json:"messageId"`
	Text       string   `json:"text"`
	Summary    string   `json:"summary,omitempty"`
	AtUsers    []string `json:"atUsers,omitempty"`
	ReplyToBot bool     `json:"replyToBot,omitempty"`
	TimeStr    string   `json:"timeStr,omitempty"`

	// Synthetic-message markers used by the recovery scheduler and the
	// delayed-job worker.
	Proactive        bool   `json:"_proactive,omitempty"`
	RecoveryAttempt  int    `json:"_taskRecoveryAttempt,omitempty"`
	DisablePreReply  bool   `json:"_disablePreReply,omitempty"`
	RootDirectiveXML string `json:"_sentraRootDirectiveXml,omitempty"`
}

// ConversationKey returns the history/memory sharding key:
// "G:<groupId>" for group messages, "U:<senderId>" for private ones.
func (m *IncomingMessage) ConversationKey() string {
	if m.Kind == KindGroup && m.GroupID != "" {
		return "G:" + m.GroupID
	}
	return "U:" + m.SenderID
}

// ConversationID returns the active-task admission scope:
// "group_<gid>_sender_<uid>" or "private_<uid>".
func (m *IncomingMessage) ConversationID() string {
	if m.Kind == KindGroup && m.GroupID != "" {
		return fmt.Sprintf("group_%s_sender_%s", m.GroupID, m.SenderID)
	}
	return "private_" + m.SenderID
}

// ContentText returns the message text, falling back to the adapter-provided
// summary for non-text payloads (images, forwards).
func (m *IncomingMessage) ContentText() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Summary
}

// PrivateConversationKey returns the conversation key for a sender's private
// chat. Used when a cancel event carries no explicit conversation.
func PrivateConversationKey(senderID string) string {
	return "U:" + senderID
}
