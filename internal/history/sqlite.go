package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pairs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_key TEXT NOT NULL,
	user_xml TEXT NOT NULL,
	assistant_xml TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'open',
	created_at TIMESTAMP NOT NULL,
	saved_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_pairs_conv ON pairs(conversation_key, status, id);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_key TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	sender_name TEXT NOT NULL DEFAULT '',
	from_bot INTEGER NOT NULL DEFAULT 0,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_key, id);

CREATE TABLE IF NOT EXISTS run_cache (
	run_id TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// sqliteStore is the embedded default backend.
type sqliteStore struct {
	db     *sqlx.DB
	logger *logger.Logger
}

func openSQLite(path string, log *logger.Logger) (Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite history at %s: %w", path, err)
	}
	// sqlite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}

	log.Info("History store opened", zap.String("backend", "sqlite"), zap.String("path", path))
	return &sqliteStore{db: db, logger: log}, nil
}

func (s *sqliteStore) StartPair(ctx context.Context, conversationKey, userXML string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pairs (conversation_key, user_xml, status, created_at) VALUES (?, ?, ?, ?)`,
		conversationKey, userXML, StatusOpen, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to start pair: %w", err)
	}
	return res.LastInsertId()
}

func (s *sqliteStore) AppendAssistant(ctx context.Context, pairID int64, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pairs SET assistant_xml = CASE WHEN assistant_xml = '' THEN ? ELSE assistant_xml || char(10) || ? END
		 WHERE id = ? AND status = ?`,
		content, content, pairID, StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to append assistant content: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPairNotFound
	}
	return nil
}

func (s *sqliteStore) FinalizePair(ctx context.Context, pairID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pairs SET status = ?, saved_at = ? WHERE id = ? AND status = ?`,
		StatusSaved, time.Now().UTC(), pairID, StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to finalize pair: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPairNotFound
	}
	return nil
}

func (s *sqliteStore) CancelPair(ctx context.Context, pairID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pairs WHERE id = ? AND status = ?`, pairID, StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to cancel pair: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentPairs(ctx context.Context, conversationKey string, n int) ([]Pair, error) {
	var pairs []Pair
	err := s.db.SelectContext(ctx, &pairs,
		`SELECT * FROM (
			SELECT id, conversation_key, user_xml, assistant_xml, status, created_at, saved_at
			FROM pairs WHERE conversation_key = ? AND status = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		conversationKey, StatusSaved, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent pairs: %w", err)
	}
	return pairs, nil
}

func (s *sqliteStore) LogMessage(ctx context.Context, msg *LoggedMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_key, sender_id, sender_name, from_bot, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationKey, msg.SenderID, msg.SenderName, msg.FromBot, msg.Content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to log message: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentMessages(ctx context.Context, conversationKey string, n int) ([]LoggedMessage, error) {
	var msgs []LoggedMessage
	err := s.db.SelectContext(ctx, &msgs,
		`SELECT * FROM (
			SELECT id, conversation_key, sender_id, sender_name, from_bot, content, created_at
			FROM messages WHERE conversation_key = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		conversationKey, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	return msgs, nil
}

func (s *sqliteStore) LastBotReply(ctx context.Context, conversationKey string) (time.Time, error) {
	var ts time.Time
	err := s.db.GetContext(ctx, &ts,
		`SELECT created_at FROM messages WHERE conversation_key = ? AND from_bot = 1 ORDER BY id DESC LIMIT 1`,
		conversationKey)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load last bot reply: %w", err)
	}
	return ts, nil
}

func (s *sqliteStore) TrimPairs(ctx context.Context, conversationKey string, max int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pairs WHERE conversation_key = ? AND status = ? AND id NOT IN (
			SELECT id FROM pairs WHERE conversation_key = ? AND status = ? ORDER BY id DESC LIMIT ?
		)`,
		conversationKey, StatusSaved, conversationKey, StatusSaved, max)
	if err != nil {
		return 0, fmt.Errorf("failed to trim pairs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) CacheRunMessage(ctx context.Context, runID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_cache (run_id, payload, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET payload = excluded.payload`,
		runID, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cache run message: %w", err)
	}
	return nil
}

func (s *sqliteStore) TakeRunMessage(ctx context.Context, runID string) ([]byte, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload,
		`SELECT payload FROM run_cache WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run cache: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_cache WHERE run_id = ?`, runID); err != nil {
		return nil, fmt.Errorf("failed to clear run cache: %w", err)
	}
	return payload, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
