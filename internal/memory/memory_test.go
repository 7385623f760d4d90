package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
)

func newTestStore(t *testing.T, enabled bool) *Store {
	t.Helper()
	cfg, err := config.LoadWithPath(t.TempDir())
	require.NoError(t, err)
	cfg.Memory.Enabled = enabled
	cfg.Memory.Dir = t.TempDir()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewStore(func() *config.Config { return cfg }, log)
}

func TestDisabledStoreIsInert(t *testing.T) {
	s := newTestStore(t, false)
	require.NoError(t, s.Append("G:42", "should vanish"))
	assert.Empty(t, s.XML("G:42"))
}

func TestAppendAndRender(t *testing.T) {
	s := newTestStore(t, true)

	assert.Empty(t, s.XML("G:42"))

	require.NoError(t, s.Append("G:42", "talked about the eclipse"))
	require.NoError(t, s.Append("G:42", "alice prefers short answers"))

	xml := s.XML("G:42")
	assert.Contains(t, xml, `scope="G:42"`)
	assert.Contains(t, xml, "talked about the eclipse")
	assert.Contains(t, xml, "alice prefers short answers")

	// Other conversations see nothing.
	assert.Empty(t, s.XML("U:alice"))
}

func TestBlankNotesIgnored(t *testing.T) {
	s := newTestStore(t, true)
	require.NoError(t, s.Append("G:42", "   \n"))
	assert.Empty(t, s.XML("G:42"))
}

func TestDayRollover(t *testing.T) {
	s := newTestStore(t, true)

	day1 := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return day1 }
	require.NoError(t, s.Append("G:42", "yesterday's note"))
	assert.Contains(t, s.XML("G:42"), "yesterday's note")

	s.now = func() time.Time { return day1.Add(24 * time.Hour) }
	assert.Empty(t, s.XML("G:42"))
}
