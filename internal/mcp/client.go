package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
)

// ContextMessage is one prompt entry shipped to the executor.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamInput is the run request: the objective, the assembled prompt
// context, and named overlay blocks (persona, emotion, worldbook, ...).
type StreamInput struct {
	Objective    string            `json:"objective"`
	Conversation []ContextMessage  `json:"conversation"`
	Overlays     map[string]string `json:"overlays,omitempty"`
}

// Executor runs tool-using agent loops. The pipeline consumes events
// until summary or error; CancelRun aborts a live run by ID.
type Executor interface {
	Stream(ctx context.Context, in StreamInput) (<-chan *Event, error)
	CancelRun(ctx context.Context, runID string) error
}

// streamRequest and cancelRequest are the executor's control frames.
type streamRequest struct {
	Action string `json:"action"`
	StreamInput
}

type cancelRequest struct {
	Action string `json:"action"`
	RunID  string `json:"runId"`
}

// Client is the WebSocket executor transport. Each Stream call opens its
// own connection; runs are independent and independently cancellable.
type Client struct {
	cfg    func() *config.Config
	dialer *websocket.Dialer
	logger *logger.Logger
}

// NewClient creates an executor client.
func NewClient(cfg func() *config.Config, log *logger.Logger) *Client {
	return &Client{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: log.WithFields(zap.String("component", "mcp-client")),
	}
}

// Stream opens a run and returns its event channel. The channel closes
// after summary, error, executor disconnect, or context cancellation.
func (c *Client) Stream(ctx context.Context, in StreamInput) (<-chan *Event, error) {
	cfg := c.cfg().MCP

	conn, _, err := c.dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial executor at %s: %w", cfg.URL, err)
	}

	if err := conn.WriteJSON(streamRequest{Action: "stream", StreamInput: in}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send stream request: %w", err)
	}

	events := make(chan *Event, 8)
	deadline := time.Now().Add(time.Duration(cfg.TimeoutSeconds) * time.Second)

	go func() {
		defer close(events)
		defer conn.Close()

		// Unblock reads when the turn is cancelled.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		for {
			_ = conn.SetReadDeadline(deadline)
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("Executor stream closed unexpectedly", zap.Error(err))
					select {
					case events <- &Event{Type: EventError, Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}

			ev, err := DecodeEvent(data)
			if err != nil {
				c.logger.Warn("Bad executor event", zap.Error(err))
				select {
				case events <- &Event{Type: EventError, Err: err}:
				case <-ctx.Done():
				}
				return
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}

			if ev.Type == EventSummary || ev.Type == EventError {
				return
			}
		}
	}()

	return events, nil
}

// CancelRun tells the executor to abort a run. Best effort: the run may
// already have finished.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	cfg := c.cfg().MCP

	conn, _, err := c.dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial executor for cancel: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(cancelRequest{Action: "cancel", RunID: runID}); err != nil {
		return fmt.Errorf("failed to send cancel for run %s: %w", runID, err)
	}

	c.logger.Info("Run cancel requested", zap.String("run_id", runID))
	return nil
}

// decodeStreamRequest is used by tests and the embedded mock executor.
func decodeStreamRequest(data []byte) (*streamRequest, error) {
	var req streamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
