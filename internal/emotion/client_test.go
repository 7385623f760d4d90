package emotion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg, err := config.LoadWithPath(t.TempDir())
	require.NoError(t, err)
	cfg.Emotion.URL = url
	cfg.Emotion.TimeoutSeconds = 2

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewClient(func() *config.Config { return cfg }, log)
}

func TestDisabledClientIsSilent(t *testing.T) {
	c := newTestClient(t, "")
	assert.False(t, c.Enabled())
	assert.Empty(t, c.XML(context.Background(), "alice"))
	c.Record(context.Background(), "alice", "hello") // must not panic
}

func TestXMLRendersServiceVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/state", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alice", req["userId"])
		json.NewEncoder(w).Encode(map[string]any{
			"mood": "upbeat", "intensity": 0.7, "advice": "match the energy",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	xml := c.XML(context.Background(), "alice")
	assert.Contains(t, xml, `<sentra-emo mood="upbeat" intensity="0.70">`)
	assert.Contains(t, xml, "match the energy")
	assert.Contains(t, xml, "</sentra-emo>")
}

func TestFailuresDegradeToOmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	assert.Empty(t, c.XML(context.Background(), "alice"))
}

func TestRecordPostsAnalyze(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/analyze", r.URL.Path)
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.Record(context.Background(), "alice", "今天有点累")
	assert.Equal(t, int32(1), calls.Load())
}
