package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/logger"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pairs (
	id BIGSERIAL PRIMARY KEY,
	conversation_key TEXT NOT NULL,
	user_xml TEXT NOT NULL,
	assistant_xml TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'open',
	created_at TIMESTAMPTZ NOT NULL,
	saved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_pairs_conv ON pairs(conversation_key, status, id);

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	conversation_key TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	sender_name TEXT NOT NULL DEFAULT '',
	from_bot BOOLEAN NOT NULL DEFAULT FALSE,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_key, id);

CREATE TABLE IF NOT EXISTS run_cache (
	run_id TEXT PRIMARY KEY,
	payload BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// postgresStore is the shared-database backend, selected by DATABASE_URL.
type postgresStore struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

func openPostgres(ctx context.Context, databaseURL string, log *logger.Logger) (Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}

	log.Info("History store opened", zap.String("backend", "postgres"))
	return &postgresStore{pool: pool, logger: log}, nil
}

func (s *postgresStore) StartPair(ctx context.Context, conversationKey, userXML string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pairs (conversation_key, user_xml, status, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		conversationKey, userXML, StatusOpen, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to start pair: %w", err)
	}
	return id, nil
}

func (s *postgresStore) AppendAssistant(ctx context.Context, pairID int64, content string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pairs SET assistant_xml = CASE WHEN assistant_xml = '' THEN $1 ELSE assistant_xml || E'\n' || $1 END
		 WHERE id = $2 AND status = $3`,
		content, pairID, StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to append assistant content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPairNotFound
	}
	return nil
}

func (s *postgresStore) FinalizePair(ctx context.Context, pairID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pairs SET status = $1, saved_at = $2 WHERE id = $3 AND status = $4`,
		StatusSaved, time.Now().UTC(), pairID, StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to finalize pair: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPairNotFound
	}
	return nil
}

func (s *postgresStore) CancelPair(ctx context.Context, pairID int64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM pairs WHERE id = $1 AND status = $2`, pairID, StatusOpen)
	if err != nil {
		return fmt.Errorf("failed to cancel pair: %w", err)
	}
	return nil
}

func (s *postgresStore) RecentPairs(ctx context.Context, conversationKey string, n int) ([]Pair, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_key, user_xml, assistant_xml, status, created_at, saved_at FROM (
			SELECT * FROM pairs WHERE conversation_key = $1 AND status = $2 ORDER BY id DESC LIMIT $3
		) recent ORDER BY id ASC`,
		conversationKey, StatusSaved, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent pairs: %w", err)
	}
	defer rows.Close()

	var pairs []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.ID, &p.ConversationKey, &p.UserXML, &p.AssistantXML, &p.Status, &p.CreatedAt, &p.SavedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func (s *postgresStore) LogMessage(ctx context.Context, msg *LoggedMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (conversation_key, sender_id, sender_name, from_bot, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ConversationKey, msg.SenderID, msg.SenderName, msg.FromBot, msg.Content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to log message: %w", err)
	}
	return nil
}

func (s *postgresStore) RecentMessages(ctx context.Context, conversationKey string, n int) ([]LoggedMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_key, sender_id, sender_name, from_bot, content, created_at FROM (
			SELECT * FROM messages WHERE conversation_key = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`,
		conversationKey, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []LoggedMessage
	for rows.Next() {
		var m LoggedMessage
		if err := rows.Scan(&m.ID, &m.ConversationKey, &m.SenderID, &m.SenderName, &m.FromBot, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *postgresStore) LastBotReply(ctx context.Context, conversationKey string) (time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT created_at FROM messages WHERE conversation_key = $1 AND from_bot ORDER BY id DESC LIMIT 1`,
		conversationKey).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load last bot reply: %w", err)
	}
	return ts, nil
}

func (s *postgresStore) TrimPairs(ctx context.Context, conversationKey string, max int) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pairs WHERE conversation_key = $1 AND status = $2 AND id NOT IN (
			SELECT id FROM pairs WHERE conversation_key = $1 AND status = $2 ORDER BY id DESC LIMIT $3
		)`,
		conversationKey, StatusSaved, max)
	if err != nil {
		return 0, fmt.Errorf("failed to trim pairs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) CacheRunMessage(ctx context.Context, runID string, payload []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_cache (run_id, payload, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id) DO UPDATE SET payload = EXCLUDED.payload`,
		runID, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cache run message: %w", err)
	}
	return nil
}

func (s *postgresStore) TakeRunMessage(ctx context.Context, runID string) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`DELETE FROM run_cache WHERE run_id = $1 RETURNING payload`, runID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take run cache: %w", err)
	}
	return payload, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
