// Package llm wraps the chat-completions client and enforces the reply
// format contract on everything the bot would send to a user.
package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
)

// Validation failure kinds. All are retryable.
var (
	ErrMissingResponseTag = errors.New("response missing <sentra-response> tag")
	ErrForbiddenTag       = errors.New("response contains a read-only tag")
	ErrTokenBudget        = errors.New("response exceeds token budget")
	ErrRetriesExhausted   = errors.New("chat retries exhausted")
)

// responseTagRe extracts the reply body the adapter is allowed to send.
var responseTagRe = regexp.MustCompile(`(?s)<sentra-response>(.*?)</sentra-response>`)

// forbiddenTags are input-side blocks the model must never echo back.
var forbiddenTags = []string{
	"<sentra-user-question>",
	"<sentra-result>",
	"<sentra-persona",
	"<sentra-emo",
	"<sentra-memory",
	"<sentra-preset>",
	"<sentra-pending",
}

// retryDelay is the gap between chat attempts.
const retryDelay = 1 * time.Second

// Message is one prompt entry. Roles follow the chat-completions wire
// values.
type Message struct {
	Role    string
	Content string
}

// Prompt role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatClient is the subset of the go-openai client the runtime uses.
// Narrowed for test fakes.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Client drives chat completions with retry and reply-format enforcement.
type Client struct {
	cfg    func() *config.Config
	chat   ChatClient
	logger *logger.Logger

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

// NewClient builds a client from configuration, honoring a custom API base
// URL for OpenAI-compatible gateways.
func NewClient(cfg func() *config.Config, log *logger.Logger) *Client {
	llmCfg := cfg().LLM
	oaCfg := openai.DefaultConfig(llmCfg.APIKey)
	if llmCfg.APIBaseURL != "" {
		oaCfg.BaseURL = llmCfg.APIBaseURL
	}
	return NewClientWithChat(cfg, openai.NewClientWithConfig(oaCfg), log)
}

// NewClientWithChat builds a client around an existing chat transport.
func NewClientWithChat(cfg func() *config.Config, chat ChatClient, log *logger.Logger) *Client {
	return &Client{
		cfg:    cfg,
		chat:   chat,
		logger: log.WithFields(zap.String("component", "llm-client")),
		sleep:  time.Sleep,
	}
}

// Chat performs a single chat completion without reply-format checks.
// Used for internal calls (persona digests, memory notes, classifiers).
func (c *Client) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	cfg := c.cfg().LLM
	if model == "" {
		model = cfg.Model
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	resp, err := c.chat.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAI(messages),
		Temperature: float32(cfg.Temperature),
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatWithRetry performs a user-facing chat completion: the raw response
// must contain a <sentra-response> block, must not echo read-only tags,
// and the extracted reply must fit the response token budget. Failures of
// any kind retry after a fixed gap, up to maxResponseRetries extra
// attempts. Returns the extracted reply text.
func (c *Client) ChatWithRetry(ctx context.Context, messages []Message) (string, error) {
	cfg := c.cfg().LLM
	attempts := cfg.MaxResponseRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			c.sleep(retryDelay)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		raw, err := c.Chat(ctx, "", messages)
		if err != nil {
			lastErr = err
			c.logger.Warn("Chat attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		reply, err := c.validate(raw)
		if err != nil {
			lastErr = err
			c.logger.Warn("Chat response rejected",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return reply, nil
	}

	return "", fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

func (c *Client) validate(raw string) (string, error) {
	cfg := c.cfg().LLM

	m := responseTagRe.FindStringSubmatch(raw)
	if m == nil {
		if cfg.EnableStrictFormatCheck {
			return "", ErrMissingResponseTag
		}
		// Lenient mode accepts the raw text as the reply.
		m = []string{raw, raw}
	}
	reply := strings.TrimSpace(m[1])

	for _, tag := range forbiddenTags {
		if strings.Contains(reply, tag) {
			return "", fmt.Errorf("%w: %s", ErrForbiddenTag, tag)
		}
	}

	if budget := cfg.MaxResponseTokens; budget > 0 {
		if n := EstimateTokens(reply); n > budget {
			return "", fmt.Errorf("%w: %d > %d", ErrTokenBudget, n, budget)
		}
	}
	return reply, nil
}

func toOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// EstimateTokens approximates the token count of mixed CJK/Latin text:
// each CJK rune is one token, runs of other characters count one token
// per four characters.
func EstimateTokens(text string) int {
	tokens := 0
	other := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			tokens++
			continue
		}
		if unicode.IsSpace(r) {
			continue
		}
		other++
	}
	tokens += (other + 3) / 4
	return tokens
}
