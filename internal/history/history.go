// Package history persists conversation pairs and the raw message log.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
)

// ErrPairNotFound is returned when a pair ID does not exist or was cancelled.
var ErrPairNotFound = errors.New("conversation pair not found")

// Pair statuses. Only saved pairs are replayed into model context.
const (
	StatusOpen  = "open"
	StatusSaved = "saved"
)

// Pair is one saved (user, assistant) exchange.
type Pair struct {
	ID              int64      `db:"id"`
	ConversationKey string     `db:"conversation_key"`
	UserXML         string     `db:"user_xml"`
	AssistantXML    string     `db:"assistant_xml"`
	Status          string     `db:"status"`
	CreatedAt       time.Time  `db:"created_at"`
	SavedAt         *time.Time `db:"saved_at"`
}

// LoggedMessage is one raw inbound message, kept for persona sampling and
// gate warmth signals.
type LoggedMessage struct {
	ID              int64     `db:"id"`
	ConversationKey string    `db:"conversation_key"`
	SenderID        string    `db:"sender_id"`
	SenderName      string    `db:"sender_name"`
	FromBot         bool      `db:"from_bot"`
	Content         string    `db:"content"`
	CreatedAt       time.Time `db:"created_at"`
}

// Store is the conversation history backend. Pairs follow an open ->
// saved lifecycle; cancelled pairs are deleted so an aborted turn leaves
// no trace in replayed context.
type Store interface {
	// StartPair opens a pair for a turn. It stays invisible to
	// RecentPairs until finalized.
	StartPair(ctx context.Context, conversationKey, userXML string) (int64, error)

	// AppendAssistant appends assistant content to an open pair.
	AppendAssistant(ctx context.Context, pairID int64, content string) error

	// FinalizePair marks the pair saved.
	FinalizePair(ctx context.Context, pairID int64) error

	// CancelPair deletes an unsaved pair. Cancelling a finalized or
	// unknown pair is a no-op.
	CancelPair(ctx context.Context, pairID int64) error

	// RecentPairs returns the last n saved pairs, oldest first.
	RecentPairs(ctx context.Context, conversationKey string, n int) ([]Pair, error)

	// LogMessage records a raw message in the conversation log.
	LogMessage(ctx context.Context, msg *LoggedMessage) error

	// RecentMessages returns the last n logged messages, oldest first.
	RecentMessages(ctx context.Context, conversationKey string, n int) ([]LoggedMessage, error)

	// LastBotReply returns the timestamp of the bot's most recent logged
	// message in the conversation; zero time when there is none.
	LastBotReply(ctx context.Context, conversationKey string) (time.Time, error)

	// TrimPairs deletes the oldest saved pairs beyond max and returns how
	// many were discarded.
	TrimPairs(ctx context.Context, conversationKey string, max int) (int, error)

	// CacheRunMessage stores the inciting message for a live run so a
	// crash can be recovered from the journal.
	CacheRunMessage(ctx context.Context, runID string, payload []byte) error

	// TakeRunMessage returns and deletes a cached run message; nil when
	// absent.
	TakeRunMessage(ctx context.Context, runID string) ([]byte, error)

	Close() error
}

// Open selects the backend from configuration: DATABASE_URL means
// postgres, otherwise the embedded sqlite file.
func Open(ctx context.Context, cfg config.HistoryConfig, log *logger.Logger) (Store, error) {
	if cfg.DatabaseURL != "" {
		return openPostgres(ctx, cfg.DatabaseURL, log)
	}
	return openSQLite(cfg.SQLitePath, log)
}
