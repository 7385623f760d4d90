package bundler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/message"
)

type collector struct {
	mu      sync.Mutex
	sealed  []*message.IncomingMessage
	pending []*message.IncomingMessage
}

func (c *collector) sink(msg *message.IncomingMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = append(c.sealed, msg)
}

func (c *collector) pend(msg *message.IncomingMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, msg)
}

func (c *collector) sealedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sealed)
}

func newTestBundler(t *testing.T, windowMs, maxMs int, busy BusyFunc) (*Bundler, *collector) {
	t.Helper()
	cfg, err := config.LoadWithPath(t.TempDir())
	require.NoError(t, err)
	cfg.Bundle.WindowMs = windowMs
	cfg.Bundle.MaxMs = maxMs

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	c := &collector{}
	b := New(func() *config.Config { return cfg }, busy, c.sink, c.pend, log)
	return b, c
}

func groupMsg(id, sender, group, text string) *message.IncomingMessage {
	return &message.IncomingMessage{
		Kind:      message.KindGroup,
		SenderID:  sender,
		GroupID:   group,
		MessageID: id,
		Text:      text,
	}
}

func waitSealed(t *testing.T, c *collector, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.sealedCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d sealed bundles, got %d", n, c.sealedCount())
}

func TestBurstCoalescesIntoOneBundle(t *testing.T) {
	b, c := newTestBundler(t, 60, 1000, nil)
	defer b.Close()

	b.Admit(groupMsg("m1", "alice", "42", "你"))
	time.Sleep(15 * time.Millisecond)
	b.Admit(groupMsg("m2", "alice", "42", "好"))
	time.Sleep(15 * time.Millisecond)
	b.Admit(groupMsg("m3", "alice", "42", "啊"))

	waitSealed(t, c, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.sealed, 1)
	assert.Equal(t, "你\n好\n啊", c.sealed[0].Text)
	assert.Equal(t, "alice", c.sealed[0].SenderID)
	assert.Equal(t, 0, b.OpenCount())
}

func TestHardDeadlineSealsSteadyStream(t *testing.T) {
	b, c := newTestBundler(t, 80, 200, nil)
	defer b.Close()

	// Keep appending faster than the window: only maxMs can seal this.
	stop := time.Now().Add(350 * time.Millisecond)
	i := 0
	for time.Now().Before(stop) {
		b.Admit(groupMsg("", "alice", "42", "tick"))
		i++
		time.Sleep(25 * time.Millisecond)
	}

	waitSealed(t, c, 1)
	assert.GreaterOrEqual(t, c.sealedCount(), 1)
}

func TestBusyConversationGoesPending(t *testing.T) {
	b, c := newTestBundler(t, 30, 200, func(_ *message.IncomingMessage) bool { return true })
	defer b.Close()

	b.Admit(groupMsg("m1", "alice", "42", "A"))
	b.Admit(groupMsg("m2", "alice", "42", "B"))

	time.Sleep(80 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.sealed)
	require.Len(t, c.pending, 2)
	assert.Equal(t, "A", c.pending[0].Text)
	assert.Equal(t, "B", c.pending[1].Text)
}

func TestOpenBundleAbsorbsEvenWhenBusyFlips(t *testing.T) {
	// Once a bundle is collecting, later messages append to it even if the
	// conversation becomes busy meanwhile.
	busy := false
	var mu sync.Mutex
	b, c := newTestBundler(t, 80, 1000, func(_ *message.IncomingMessage) bool {
		mu.Lock()
		defer mu.Unlock()
		return busy
	})
	defer b.Close()

	b.Admit(groupMsg("m1", "alice", "42", "first"))
	mu.Lock()
	busy = true
	mu.Unlock()
	b.Admit(groupMsg("m2", "alice", "42", "second"))

	waitSealed(t, c, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "first\nsecond", c.sealed[0].Text)
	assert.Empty(t, c.pending)
}

func TestDuplicateMessageIDsIgnored(t *testing.T) {
	b, c := newTestBundler(t, 40, 500, nil)
	defer b.Close()

	b.Admit(groupMsg("m1", "alice", "42", "hello"))
	b.Admit(groupMsg("m1", "alice", "42", "hello"))

	waitSealed(t, c, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "hello", c.sealed[0].Text)
}

func TestConversationSwitchSealsImmediately(t *testing.T) {
	b, c := newTestBundler(t, 200, 2000, nil)
	defer b.Close()

	b.Admit(groupMsg("m1", "alice", "42", "in group"))
	b.Admit(&message.IncomingMessage{
		Kind:      message.KindPrivate,
		SenderID:  "alice",
		MessageID: "m2",
		Text:      "in private",
	})

	// The group bundle seals at the switch, well before its window.
	waitSealed(t, c, 1)
	c.mu.Lock()
	assert.Equal(t, "in group", c.sealed[0].Text)
	c.mu.Unlock()

	waitSealed(t, c, 2)
}

func TestSendersBundleIndependently(t *testing.T) {
	b, c := newTestBundler(t, 50, 500, nil)
	defer b.Close()

	b.Admit(groupMsg("a1", "alice", "42", "from alice"))
	b.Admit(groupMsg("b1", "bob", "42", "from bob"))
	assert.Equal(t, 2, b.OpenCount())

	waitSealed(t, c, 2)
}

func TestCloseFlushesOpenBundles(t *testing.T) {
	b, c := newTestBundler(t, 5000, 10000, nil)

	b.Admit(groupMsg("m1", "alice", "42", "pending text"))
	b.Close()

	require.Equal(t, 1, c.sealedCount())
	c.mu.Lock()
	assert.Equal(t, "pending text", c.sealed[0].Text)
	c.mu.Unlock()

	// Closed bundler drops new admissions.
	b.Admit(groupMsg("m2", "alice", "42", "late"))
	assert.Equal(t, 1, c.sealedCount())
}
