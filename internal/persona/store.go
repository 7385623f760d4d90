// Package persona maintains per-user persona profiles as JSON files.
package persona

import (
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
)

// Profile is what the bot knows about one user. Summary is model-written;
// the counters drive the refresh cadence.
type Profile struct {
	UserID       string    `json:"userId"`
	Name         string    `json:"name,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	MessageCount int       `json:"messageCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store reads and writes persona profiles under a directory, one JSON file
// per user. Writes go through a temp file and rename so a crash never
// leaves a half-written profile.
type Store struct {
	cfg    func() *config.Config
	mu     sync.Mutex
	logger *logger.Logger
}

// NewStore creates a persona store rooted at the configured directory.
func NewStore(cfg func() *config.Config, log *logger.Logger) *Store {
	return &Store{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "persona-store")),
	}
}

func (s *Store) path(userID string) string {
	return filepath.Join(s.cfg().Persona.Dir, sanitize(userID)+".json")
}

// Get loads a user's profile. A missing file yields an empty profile, not
// an error.
func (s *Store) Get(userID string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(userID)
}

func (s *Store) loadLocked(userID string) (*Profile, error) {
	data, err := os.ReadFile(s.path(userID))
	if os.IsNotExist(err) {
		return &Profile{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read persona for %s: %w", userID, err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		// A corrupt profile is rebuilt from scratch rather than wedging
		// every turn for this user.
		s.logger.Warn("Corrupt persona file, resetting",
			zap.String("user_id", userID), zap.Error(err))
		return &Profile{UserID: userID}, nil
	}
	p.UserID = userID
	return &p, nil
}

// Observe records one inbound message against the user's profile and
// reports whether the persona summary is due for a refresh.
func (s *Store) Observe(userID, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.loadLocked(userID)
	if err != nil {
		return false, err
	}
	p.MessageCount++
	if name != "" {
		p.Name = name
	}
	if err := s.saveLocked(p); err != nil {
		return false, err
	}

	every := s.cfg().Persona.UpdateEveryMsgs
	return every > 0 && p.MessageCount%every == 0, nil
}

// UpdateSummary replaces the model-written persona summary.
func (s *Store) UpdateSummary(userID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.loadLocked(userID)
	if err != nil {
		return err
	}
	p.Summary = summary
	return s.saveLocked(p)
}

func (s *Store) saveLocked(p *Profile) error {
	p.UpdatedAt = time.Now().UTC()

	dir := s.cfg().Persona.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create persona dir: %w", err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal persona: %w", err)
	}

	target := s.path(p.UserID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write persona temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to replace persona file: %w", err)
	}
	return nil
}

// XML renders the persona block for the system prompt; empty when the
// user has no summary yet.
func (s *Store) XML(userID string) string {
	p, err := s.Get(userID)
	if err != nil {
		s.logger.Warn("Persona read failed, omitting from context",
			zap.String("user_id", userID), zap.Error(err))
		return ""
	}
	if p.Summary == "" {
		return ""
	}
	name := p.Name
	if name == "" {
		name = userID
	}
	return fmt.Sprintf("<sentra-persona user=%q>\n%s\n</sentra-persona>",
		html.EscapeString(name), p.Summary)
}

// sanitize keeps user IDs filesystem-safe.
func sanitize(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
