// Package adapter maintains the persistent WebSocket link to the IM
// adapter: outbound RPC with result correlation, inbound frame dispatch,
// and bounded reconnection.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/message"
	"github.com/sentra-ai/sentra/pkg/rpc"
)

// ErrNotConnected is returned when a send is attempted with no live link.
var ErrNotConnected = errors.New("adapter not connected")

// Client is the transport port. One writer goroutine owns the socket for
// writes; results are correlated to waiters by requestId.
type Client struct {
	cfg        func() *config.Config
	dispatcher *rpc.Dispatcher
	logger     *logger.Logger

	// onOpen runs after each successful (re)connect, before frames flow.
	onOpen func(ctx context.Context)

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *rpc.Result

	social   rpc.SocialContext
	socialMu sync.RWMutex

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewClient creates an adapter client. Inbound non-result frames route
// through the dispatcher.
func NewClient(cfg func() *config.Config, dispatcher *rpc.Dispatcher, log *logger.Logger) *Client {
	return &Client{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "adapter")),
		pending:    make(map[string]chan *rpc.Result),
		stopCh:     make(chan struct{}),
	}
}

// OnOpen registers a hook that runs after every successful connect.
func (c *Client) OnOpen(fn func(ctx context.Context)) {
	c.onOpen = fn
}

// Start runs the connect/read/reconnect loop until Stop or until the
// configured reconnect attempts are exhausted. It blocks for the life of
// the link; callers run it on its own goroutine.
func (c *Client) Start(ctx context.Context) error {
	cfg := c.cfg().Adapter
	attempts := 0

	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.connect(ctx); err != nil {
			attempts++
			if cfg.MaxReconnectAttempts > 0 && attempts > cfg.MaxReconnectAttempts {
				return fmt.Errorf("adapter unreachable after %d attempts: %w", attempts-1, err)
			}
			c.logger.Warn("Adapter connect failed, retrying",
				zap.Int("attempt", attempts), zap.Error(err))
			select {
			case <-time.After(cfg.ReconnectInterval()):
			case <-c.stopCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		attempts = 0
		c.readLoop(ctx)

		// In-flight turns keep running across the gap; only the link drops.
		select {
		case <-c.stopCh:
			return nil
		default:
			c.logger.Warn("Adapter connection lost, reconnecting")
		}
	}
}

// Stop closes the link and releases all waiters.
func (c *Client) Stop() {
	c.stopped.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		c.wg.Wait()
	})
}

// IsConnected reports whether a live socket exists.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) endpoint() string {
	cfg := c.cfg().Adapter
	u := url.URL{
		Scheme: "ws",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.Path,
	}
	return u.String()
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint(), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("Adapter connected", zap.String("endpoint", c.endpoint()))
	if c.onOpen != nil {
		c.onOpen(ctx)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		var frame rpc.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		c.handleFrame(ctx, &frame)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	conn.Close()
	c.mu.Unlock()
}

func (c *Client) handleFrame(ctx context.Context, frame *rpc.Frame) {
	if frame.Type == rpc.FrameResult {
		c.resolve(frame.AsResult())
		return
	}

	// Inbound frames are handled off the read loop so a slow turn never
	// stalls result correlation.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		resp, err := c.dispatcher.Dispatch(ctx, frame)
		if err != nil {
			c.logger.Error("Frame handler failed",
				zap.String("frame_type", string(frame.Type)), zap.Error(err))
			return
		}
		if resp != nil {
			if err := c.writeFrame(resp); err != nil {
				c.logger.Warn("Failed to answer frame", zap.Error(err))
			}
		}
	}()
}

func (c *Client) resolve(result *rpc.Result) {
	c.mu.Lock()
	ch, ok := c.pending[result.RequestID]
	if ok {
		delete(c.pending, result.RequestID)
	}
	c.mu.Unlock()

	if ok {
		ch <- result
		close(ch)
	}
}

// writeFrame serializes all socket writes through one mutex.
func (c *Client) writeFrame(frame *rpc.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(frame)
}

// Send fires a request without waiting for its result.
func (c *Client) Send(requestType string, payload any) error {
	frame, err := rpc.NewRequest(requestType, payload)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", requestType, err)
	}
	return c.writeFrame(frame)
}

// SendAndWaitResult sends a request and waits for the correlated result.
// Each attempt has its own timeout; after the configured retries the call
// returns (nil, nil) and the caller proceeds without confirmation.
func (c *Client) SendAndWaitResult(ctx context.Context, requestType string, payload any) (*rpc.Result, error) {
	cfg := c.cfg().Adapter
	attempts := cfg.SendRPCMaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.sendOnce(ctx, requestType, payload)
		if err == nil && result != nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil && !errors.Is(err, ErrNotConnected) {
			return nil, err
		}
		c.logger.Warn("RPC attempt got no result",
			zap.String("request_type", requestType),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	c.logger.Warn("RPC gave up waiting for result",
		zap.String("request_type", requestType),
		zap.Int("attempts", attempts))
	return nil, nil
}

func (c *Client) sendOnce(ctx context.Context, requestType string, payload any) (*rpc.Result, error) {
	frame, err := rpc.NewRequest(requestType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", requestType, err)
	}

	ch := make(chan *rpc.Result, 1)
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[frame.RequestID] = ch
	err = c.conn.WriteJSON(frame)
	c.mu.Unlock()

	if err != nil {
		c.dropPending(frame.RequestID)
		return nil, err
	}

	timer := time.NewTimer(c.cfg().Adapter.SendRPCTimeout())
	defer timer.Stop()

	select {
	case result, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return result, nil
	case <-timer.C:
		c.dropPending(frame.RequestID)
		return nil, nil
	case <-ctx.Done():
		c.dropPending(frame.RequestID)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// SendText delivers a reply to the message's conversation. The result is
// best effort; nil means the adapter never confirmed.
func (c *Client) SendText(ctx context.Context, msg *message.IncomingMessage, text string) (*rpc.Result, error) {
	return c.SendAndWaitResult(ctx, rpc.RequestSendText, rpc.SendTextPayload{
		Kind:    string(msg.Kind),
		GroupID: msg.GroupID,
		UserID:  msg.SenderID,
		Text:    text,
	})
}

// SendQuoteReply delivers a reply quoting the inciting message.
func (c *Client) SendQuoteReply(ctx context.Context, msg *message.IncomingMessage, text string) (*rpc.Result, error) {
	return c.SendAndWaitResult(ctx, rpc.RequestSendQuoteReply, rpc.QuoteReplyPayload{
		Kind:      string(msg.Kind),
		GroupID:   msg.GroupID,
		UserID:    msg.SenderID,
		MessageID: msg.MessageID,
		Text:      text,
	})
}

// RefreshSocialContext asks the adapter who the bot is and caches the
// answer. Called on every connect so the self ID stays current.
func (c *Client) RefreshSocialContext(ctx context.Context) error {
	result, err := c.SendAndWaitResult(ctx, rpc.RequestGetSocialContext, struct{}{})
	if err != nil {
		return err
	}
	if result == nil || !result.OK {
		return errors.New("adapter did not return social context")
	}

	var social rpc.SocialContext
	if err := json.Unmarshal(result.Data, &social); err != nil {
		return fmt.Errorf("failed to decode social context: %w", err)
	}

	c.socialMu.Lock()
	c.social = social
	c.socialMu.Unlock()

	c.logger.Info("Social context refreshed",
		zap.String("self_id", social.SelfID),
		zap.Int("groups", len(social.GroupIDs)))
	return nil
}

// SocialContext returns the last cached social context.
func (c *Client) SocialContext() rpc.SocialContext {
	c.socialMu.RLock()
	defer c.socialMu.RUnlock()
	return c.social
}
