package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
)

// fakeExecutor serves scripted event frames over a real WebSocket.
type fakeExecutor struct {
	frames []string

	mu       sync.Mutex
	requests [][]byte
}

func (f *fakeExecutor) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, req, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		for _, frame := range f.frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}
}

func newStreamClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg, err := config.LoadWithPath(t.TempDir())
	require.NoError(t, err)
	cfg.MCP.URL = strings.Replace(url, "http://", "ws://", 1)
	cfg.MCP.TimeoutSeconds = 5

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewClient(func() *config.Config { return cfg }, log)
}

func collect(t *testing.T, events <-chan *Event) []*Event {
	t.Helper()
	var out []*Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("timed out draining event stream")
		}
	}
}

func TestStreamDeliversRunEvents(t *testing.T) {
	exec := &fakeExecutor{frames: []string{
		`{"event":"start","runId":"run-1"}`,
		`{"event":"judge","need":true}`,
		`{"event":"plan","steps":["step"]}`,
		`{"event":"tool_result","tool":"clock","result":"10:00"}`,
		`{"event":"summary","summary":"done"}`,
	}}
	srv := httptest.NewServer(exec.handler(t))
	defer srv.Close()

	c := newStreamClient(t, srv.URL)
	events, err := c.Stream(context.Background(), StreamInput{
		Objective:    "tell the time",
		Conversation: []ContextMessage{{Role: "user", Content: "几点了"}},
	})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 5)
	assert.Equal(t, EventStart, got[0].Type)
	assert.Equal(t, "run-1", got[0].RunID)
	assert.Equal(t, EventSummary, got[4].Type)

	// The stream request carried the objective.
	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.Len(t, exec.requests, 1)
	req, err := decodeStreamRequest(exec.requests[0])
	require.NoError(t, err)
	assert.Equal(t, "tell the time", req.Objective)
}

func TestStreamEndsOnExecutorError(t *testing.T) {
	exec := &fakeExecutor{frames: []string{
		`{"event":"start","runId":"run-2"}`,
		`{"event":"error","message":"tool sandbox died"}`,
	}}
	srv := httptest.NewServer(exec.handler(t))
	defer srv.Close()

	c := newStreamClient(t, srv.URL)
	events, err := c.Stream(context.Background(), StreamInput{Objective: "x"})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, EventError, got[1].Type)
	assert.ErrorContains(t, got[1].Err, "tool sandbox died")
}

func TestStreamSurfacesDisconnect(t *testing.T) {
	// Server drops the connection after start; the stream must not hang.
	exec := &fakeExecutor{frames: []string{`{"event":"start","runId":"run-3"}`}}
	srv := httptest.NewServer(exec.handler(t))
	defer srv.Close()

	c := newStreamClient(t, srv.URL)
	events, err := c.Stream(context.Background(), StreamInput{Objective: "x"})
	require.NoError(t, err)

	got := collect(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, EventError, got[len(got)-1].Type)
}

func TestAbandonedStreamStopsOnCancel(t *testing.T) {
	// Enough frames to fill the event buffer with nothing consuming it,
	// then the executor drops the connection.
	frames := make([]string, 8)
	for i := range frames {
		frames[i] = `{"event":"judge","need":true}`
	}
	exec := &fakeExecutor{frames: frames}
	srv := httptest.NewServer(exec.handler(t))
	defer srv.Close()

	c := newStreamClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	events, err := c.Stream(ctx, StreamInput{Objective: "x"})
	require.NoError(t, err)

	// The consumer walks away without reading; the reader goroutine hits
	// the disconnect with a full buffer and has to give up on cancel
	// instead of parking on the error send.
	time.Sleep(100 * time.Millisecond)
	cancel()
	time.Sleep(100 * time.Millisecond)

	got := collect(t, events)
	assert.Len(t, got, 8)
	for _, ev := range got {
		assert.NotEqual(t, EventError, ev.Type)
	}
}

func TestStreamDialFailure(t *testing.T) {
	c := newStreamClient(t, "http://127.0.0.1:1")
	_, err := c.Stream(context.Background(), StreamInput{Objective: "x"})
	assert.Error(t, err)
}
