package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
)

// fakeChat returns scripted responses in order and records call counts.
type fakeChat struct {
	responses []string
	errs      []error
	calls     int
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return openai.ChatCompletionResponse{}, f.errs[i]
	}
	content := ""
	if i < len(f.responses) {
		content = f.responses[i]
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}, nil
}

func newTestClient(t *testing.T, chat ChatClient, mutate func(*config.Config)) *Client {
	t.Helper()
	cfg, err := config.LoadWithPath(t.TempDir())
	require.NoError(t, err)
	cfg.LLM.MaxResponseRetries = 2
	cfg.LLM.MaxResponseTokens = 50
	if mutate != nil {
		mutate(cfg)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	c := NewClientWithChat(func() *config.Config { return cfg }, chat, log)
	c.sleep = func(time.Duration) {}
	return c
}

func TestChatWithRetryAcceptsWellFormed(t *testing.T) {
	chat := &fakeChat{responses: []string{"<sentra-response>你好！</sentra-response>"}}
	c := newTestClient(t, chat, nil)

	reply, err := c.ChatWithRetry(context.Background(), []Message{{Role: RoleUser, Content: "你好"}})
	require.NoError(t, err)
	assert.Equal(t, "你好！", reply)
	assert.Equal(t, 1, chat.calls)
}

func TestChatWithRetryRecoversFromFormatViolations(t *testing.T) {
	// Two malformed responses, then a good one: three calls, one reply.
	chat := &fakeChat{responses: []string{
		"no tags at all",
		"<sentra-response>leaks <sentra-result>x</sentra-result></sentra-response>",
		"<sentra-response>ok</sentra-response>",
	}}
	c := newTestClient(t, chat, nil)

	reply, err := c.ChatWithRetry(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, 3, chat.calls)
}

func TestChatWithRetryExhausts(t *testing.T) {
	chat := &fakeChat{responses: []string{"bad", "bad", "bad"}}
	c := newTestClient(t, chat, nil)

	_, err := c.ChatWithRetry(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrMissingResponseTag)
	assert.Equal(t, 3, chat.calls)
}

func TestChatWithRetryNetworkErrorsRetry(t *testing.T) {
	chat := &fakeChat{
		errs:      []error{errors.New("connection reset"), nil},
		responses: []string{"", "<sentra-response>recovered</sentra-response>"},
	}
	c := newTestClient(t, chat, nil)

	reply, err := c.ChatWithRetry(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)
}

func TestTokenBudgetEnforced(t *testing.T) {
	long := "<sentra-response>" + strings.Repeat("超", 80) + "</sentra-response>"
	chat := &fakeChat{responses: []string{long, long, long}}
	c := newTestClient(t, chat, nil)

	_, err := c.ChatWithRetry(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenBudget)
}

func TestLenientModeAcceptsBareText(t *testing.T) {
	chat := &fakeChat{responses: []string{"plain answer"}}
	c := newTestClient(t, chat, func(cfg *config.Config) {
		cfg.LLM.EnableStrictFormatCheck = false
	})

	reply, err := c.ChatWithRetry(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	require.NoError(t, err)
	assert.Equal(t, "plain answer", reply)
}

func TestCancelledContextStopsRetries(t *testing.T) {
	chat := &fakeChat{responses: []string{"bad", "bad", "bad"}}
	c := newTestClient(t, chat, nil)

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(time.Duration) { cancel() }

	_, err := c.ChatWithRetry(ctx, []Message{{Role: RoleUser, Content: "q"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, chat.calls)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 3, EstimateTokens("你好啊"))
	// 8 latin chars -> 2 tokens.
	assert.Equal(t, 2, EstimateTokens("abcd efgh"))
	// Mixed text adds both components.
	assert.Equal(t, 3, EstimateTokens("你好 ok"))
}
