// Package memory keeps daily context-memory notes per conversation. Notes
// are model-written digests of history that fell out of the replay window.
package memory

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
)

// Store appends and reads daily memory notes. One file per conversation
// per day; stale days stay on disk for operators but are never loaded.
type Store struct {
	cfg    func() *config.Config
	mu     sync.Mutex
	logger *logger.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates a context-memory store.
func NewStore(cfg func() *config.Config, log *logger.Logger) *Store {
	return &Store{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "context-memory")),
		now:    time.Now,
	}
}

// Enabled reports whether context memory is switched on.
func (s *Store) Enabled() bool {
	return s.cfg().Memory.Enabled
}

func (s *Store) path(conversationKey string, day time.Time) string {
	name := fmt.Sprintf("%s_%s.md", sanitize(conversationKey), day.Format("2006-01-02"))
	return filepath.Join(s.cfg().Memory.Dir, name)
}

// Append adds a digest note to today's memory for the conversation.
func (s *Store) Append(conversationKey, note string) error {
	if !s.Enabled() || strings.TrimSpace(note) == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.cfg().Memory.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create memory dir: %w", err)
	}

	target := s.path(conversationKey, s.now())
	existing, err := os.ReadFile(target)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read memory file: %w", err)
	}

	entry := fmt.Sprintf("- [%s] %s\n", s.now().Format("15:04"), strings.TrimSpace(note))
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, append(existing, entry...), 0o644); err != nil {
		return fmt.Errorf("failed to write memory temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to replace memory file: %w", err)
	}

	s.logger.Debug("Memory note appended",
		zap.String("conversation_key", conversationKey))
	return nil
}

// XML renders today's memory for the conversation as a prompt block;
// empty when disabled or when today has no notes.
func (s *Store) XML(conversationKey string) string {
	if !s.Enabled() {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(conversationKey, s.now()))
	if os.IsNotExist(err) {
		return ""
	}
	if err != nil {
		s.logger.Warn("Memory read failed, omitting from context",
			zap.String("conversation_key", conversationKey), zap.Error(err))
		return ""
	}

	body := strings.TrimSpace(string(data))
	if body == "" {
		return ""
	}
	return fmt.Sprintf("<sentra-memory scope=%q date=%q>\n%s\n</sentra-memory>",
		html.EscapeString(conversationKey), s.now().Format("2006-01-02"), body)
}

func sanitize(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
