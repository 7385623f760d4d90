// Package emotion calls the Sentra-Emo analytics service and renders its
// verdict as an XML block for the system prompt.
package emotion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
)

// analyzeRequest is the service's ingestion payload.
type analyzeRequest struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

// analyzeResponse is the service's verdict for one user.
type analyzeResponse struct {
	Mood      string  `json:"mood"`
	Intensity float64 `json:"intensity"`
	Advice    string  `json:"advice,omitempty"`
}

// Client talks to the Sentra-Emo service. With no URL configured every
// call degrades to an empty block.
type Client struct {
	cfg    func() *config.Config
	http   *http.Client
	logger *logger.Logger
}

// NewClient creates an emotion analytics client.
func NewClient(cfg func() *config.Config, log *logger.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: log.WithFields(zap.String("component", "emotion-client")),
	}
}

// Enabled reports whether an analytics endpoint is configured.
func (c *Client) Enabled() bool {
	return c.cfg().Emotion.URL != ""
}

// Record feeds one message into the analytics service. Failures are logged
// and swallowed; emotion tracking never blocks a reply.
func (c *Client) Record(ctx context.Context, userID, text string) {
	if !c.Enabled() {
		return
	}
	if _, err := c.post(ctx, "/analyze", analyzeRequest{UserID: userID, Text: text}); err != nil {
		c.logger.Warn("Emotion record failed",
			zap.String("user_id", userID), zap.Error(err))
	}
}

// XML fetches the user's current emotional state as a <sentra-emo> block.
// Any failure returns an empty string so the context assembler omits it.
func (c *Client) XML(ctx context.Context, userID string) string {
	if !c.Enabled() {
		return ""
	}

	body, err := c.post(ctx, "/state", analyzeRequest{UserID: userID})
	if err != nil {
		c.logger.Warn("Emotion state fetch failed",
			zap.String("user_id", userID), zap.Error(err))
		return ""
	}

	var resp analyzeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Warn("Emotion state unmarshal failed", zap.Error(err))
		return ""
	}
	if resp.Mood == "" {
		return ""
	}

	xml := fmt.Sprintf("<sentra-emo mood=%q intensity=\"%.2f\">", resp.Mood, resp.Intensity)
	if resp.Advice != "" {
		xml += "\n" + resp.Advice + "\n"
	}
	return xml + "</sentra-emo>"
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	cfg := c.cfg().Emotion

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal emotion request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build emotion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("emotion service returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
