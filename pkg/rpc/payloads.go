package rpc

// SendTextPayload asks the adapter to deliver a plain message.
type SendTextPayload struct {
	Kind    string `json:"type"` // "group" or "private"
	GroupID string `json:"groupId,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Text    string `json:"text"`
}

// QuoteReplyPayload asks the adapter to deliver a reply quoting an
// earlier message.
type QuoteReplyPayload struct {
	Kind      string `json:"type"`
	GroupID   string `json:"groupId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

// SocialContext is the adapter's snapshot of who the bot is: its own
// account and the groups and friends it can see.
type SocialContext struct {
	SelfID   string   `json:"selfId"`
	SelfName string   `json:"selfName,omitempty"`
	GroupIDs []string `json:"groupIds,omitempty"`
	FriendIDs []string `json:"friendIds,omitempty"`
}
