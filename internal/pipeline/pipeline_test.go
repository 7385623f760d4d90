package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/contextbuilder"
	"github.com/sentra-ai/sentra/internal/emotion"
	"github.com/sentra-ai/sentra/internal/gate"
	"github.com/sentra-ai/sentra/internal/history"
	"github.com/sentra-ai/sentra/internal/llm"
	"github.com/sentra-ai/sentra/internal/mcp"
	"github.com/sentra-ai/sentra/internal/memory"
	"github.com/sentra-ai/sentra/internal/message"
	"github.com/sentra-ai/sentra/internal/persona"
	"github.com/sentra-ai/sentra/internal/preset"
	"github.com/sentra-ai/sentra/internal/runs"
	"github.com/sentra-ai/sentra/internal/tasks"
	"github.com/sentra-ai/sentra/pkg/rpc"
)

// fakeChat returns scripted replies in order.
type fakeChat struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (f *fakeChat) ChatWithRetry(_ context.Context, _ []llm.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.replies) == 0 {
		return "ok", nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeExecutor replays a scripted event sequence per Stream call.
type fakeExecutor struct {
	mu        sync.Mutex
	scripts   [][]*mcp.Event
	streams   int
	cancelled []string
	// onEvent, when set, runs before each event is delivered.
	onEvent func(ev *mcp.Event)
}

func (f *fakeExecutor) Stream(_ context.Context, _ mcp.StreamInput) (<-chan *mcp.Event, error) {
	f.mu.Lock()
	var script []*mcp.Event
	if len(f.scripts) > 0 {
		script = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	f.streams++
	f.mu.Unlock()

	ch := make(chan *mcp.Event)
	go func() {
		defer close(ch)
		for _, ev := range script {
			if f.onEvent != nil {
				f.onEvent(ev)
			}
			ch <- ev
		}
	}()
	return ch, nil
}

func (f *fakeExecutor) CancelRun(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeExecutor) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams
}

type sentReply struct {
	text  string
	quote bool
}

// fakeSender records delivered replies.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentReply
}

func (f *fakeSender) SendText(_ context.Context, _ *message.IncomingMessage, text string) (*rpc.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentReply{text: text})
	return &rpc.Result{OK: true}, nil
}

func (f *fakeSender) SendQuoteReply(_ context.Context, _ *message.IncomingMessage, text string) (*rpc.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentReply{text: text, quote: true})
	return &rpc.Result{OK: true}, nil
}

func (f *fakeSender) replies() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentReply, len(f.sent))
	copy(out, f.sent)
	return out
}

type pipelineFixture struct {
	pipeline *Pipeline
	tasks    *tasks.Registry
	runs     *runs.Registry
	history  history.Store
	chat     *fakeChat
	executor *fakeExecutor
	sender   *fakeSender
	cfg      *config.Config
}

func newPipelineFixture(t *testing.T, executor *fakeExecutor, chat *fakeChat) *pipelineFixture {
	t.Helper()
	cfg, err := config.LoadWithPath(t.TempDir())
	require.NoError(t, err)
	cfg.Persona.Dir = t.TempDir()
	cfg.Memory.Dir = t.TempDir()
	cfg.History.SQLitePath = filepath.Join(t.TempDir(), "history.db")
	cfg.Preset.PresetPath = ""
	cfg.Preset.WorldbookPath = ""
	cfg.Emotion.URL = ""
	getCfg := func() *config.Config { return cfg }

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	hist, err := history.Open(context.Background(), cfg.History, log)
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	builder := contextbuilder.New(getCfg,
		preset.NewLoader(getCfg, log),
		persona.NewStore(getCfg, log),
		emotion.NewClient(getCfg, log),
		memory.NewStore(getCfg, log),
		hist, log)

	taskReg := tasks.NewRegistry(log)
	runReg := runs.NewRegistry(executor, log)
	sender := &fakeSender{}
	mem := memory.NewStore(getCfg, log)

	p := New(getCfg, gate.New(getCfg, nil, log), taskReg, runReg, hist, builder,
		chat, executor, sender, mem, nil, log)

	return &pipelineFixture{
		pipeline: p,
		tasks:    taskReg,
		runs:     runReg,
		history:  hist,
		chat:     chat,
		executor: executor,
		sender:   sender,
		cfg:      cfg,
	}
}

func privateMsg(text string) *message.IncomingMessage {
	return &message.IncomingMessage{
		Kind:      message.KindPrivate,
		SenderID:  "alice",
		MessageID: "m1",
		Text:      text,
	}
}

func judgeFalse() []*mcp.Event {
	return []*mcp.Event{
		{Type: mcp.EventStart, RunID: "run-1"},
		{Type: mcp.EventJudge, Need: false},
	}
}

func TestDirectReplyQuotesFirstMessage(t *testing.T) {
	chat := &fakeChat{replies: []string{"hello"}}
	f := newPipelineFixture(t, &fakeExecutor{scripts: [][]*mcp.Event{judgeFalse()}}, chat)
	ctx := context.Background()

	f.pipeline.Dispatch(ctx, privateMsg("hi"))

	sent := f.sender.replies()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].text)
	assert.True(t, sent[0].quote, "first reply quotes the inciting message")

	// The pair is finalized and visible to context replay.
	pairs, err := f.history.RecentPairs(ctx, "U:alice", 10)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Contains(t, pairs[0].UserXML, "<sentra-user-question")
	assert.Equal(t, "hello", pairs[0].AssistantXML)

	// The slot is released.
	assert.Nil(t, f.tasks.ActiveTask("private_alice"))
	assert.Zero(t, f.runs.ActiveCount("alice"))
}

func TestToolRunSendsPartialsThenFinalizes(t *testing.T) {
	need := true
	chat := &fakeChat{replies: []string{"checking the weather", "it is sunny"}}
	script := []*mcp.Event{
		{Type: mcp.EventStart, RunID: "run-1"},
		{Type: mcp.EventJudge, Need: need},
		{Type: mcp.EventPlan, Steps: []string{"query weather"}},
		{Type: mcp.EventToolResult, ToolName: "weather", ToolResult: `{"sky":"sunny"}`},
		{Type: mcp.EventToolResult, ToolName: "weather", ToolResult: `{"temp":25}`},
		{Type: mcp.EventSummary, Summary: "answered a weather question"},
	}
	f := newPipelineFixture(t, &fakeExecutor{scripts: [][]*mcp.Event{script}}, chat)
	ctx := context.Background()

	f.pipeline.Dispatch(ctx, privateMsg("天气怎么样"))

	sent := f.sender.replies()
	require.Len(t, sent, 2)
	assert.True(t, sent[0].quote)
	assert.False(t, sent[1].quote, "only the first reply quotes")

	pairs, err := f.history.RecentPairs(ctx, "U:alice", 10)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Contains(t, pairs[0].UserXML, "<sentra-result")
	assert.Equal(t, "checking the weather\nit is sunny", pairs[0].AssistantXML)
}

func TestCancelledTurnLeavesNoTrace(t *testing.T) {
	chat := &fakeChat{replies: []string{"first"}}
	f := newPipelineFixture(t, &fakeExecutor{}, chat)

	// Cancel between the first send and the next tool result.
	exec := &fakeExecutor{}
	exec.scripts = [][]*mcp.Event{{
		{Type: mcp.EventStart, RunID: "run-1"},
		{Type: mcp.EventJudge, Need: true},
		{Type: mcp.EventToolResult, ToolName: "search", ToolResult: "r1"},
		{Type: mcp.EventToolResult, ToolName: "search", ToolResult: "r2"},
		{Type: mcp.EventSummary, Summary: "done"},
	}}
	exec.onEvent = func(ev *mcp.Event) {
		if ev.Type == mcp.EventToolResult && ev.ToolResult == "r2" {
			f.tasks.MarkCancelledForSender("alice")
		}
	}
	f.executor = exec
	f.pipeline.executor = exec

	ctx := context.Background()
	f.pipeline.Dispatch(ctx, privateMsg("do a thing"))

	// One partial went out before the cancel, then the turn stopped.
	require.Len(t, f.sender.replies(), 1)

	// The open pair was deleted, not saved.
	pairs, err := f.history.RecentPairs(ctx, "U:alice", 10)
	require.NoError(t, err)
	assert.Empty(t, pairs)

	// Slot released.
	assert.Nil(t, f.tasks.ActiveTask("private_alice"))
}

func TestCompletionDrainsPendingIntoNewTurn(t *testing.T) {
	chat := &fakeChat{}
	exec := &fakeExecutor{scripts: [][]*mcp.Event{judgeFalse(), {
		{Type: mcp.EventStart, RunID: "run-2"},
		{Type: mcp.EventJudge, Need: false},
	}}}
	f := newPipelineFixture(t, exec, chat)
	ctx := context.Background()

	task, err := f.tasks.Begin("private_alice", "alice")
	require.NoError(t, err)

	// Arrives while busy: queued, merged, and replayed after completion.
	f.tasks.Enqueue(&message.IncomingMessage{
		Kind: message.KindPrivate, SenderID: "alice", MessageID: "p1", Text: "A",
	})
	f.tasks.Enqueue(&message.IncomingMessage{
		Kind: message.KindPrivate, SenderID: "alice", MessageID: "p2", Text: "B",
	})

	f.pipeline.RunTurn(ctx, privateMsg("hi"), task)

	// The drained follow-up turn runs asynchronously.
	require.Eventually(t, func() bool {
		return exec.streamCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.sender.replies()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	pairs, err := f.history.RecentPairs(ctx, "U:alice", 10)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Contains(t, pairs[1].UserXML, "A\nB", "queued texts merge into one question")
}

func TestExecutorErrorCancelsPairAndReleasesSlot(t *testing.T) {
	chat := &fakeChat{replies: []string{"partial"}}
	exec := &fakeExecutor{scripts: [][]*mcp.Event{{
		{Type: mcp.EventStart, RunID: "run-1"},
		{Type: mcp.EventJudge, Need: true},
		{Type: mcp.EventToolResult, ToolName: "search", ToolResult: "r1"},
		{Type: mcp.EventError, Err: assert.AnError},
	}}}
	f := newPipelineFixture(t, exec, chat)
	ctx := context.Background()

	f.pipeline.Dispatch(ctx, privateMsg("hi"))

	pairs, err := f.history.RecentPairs(ctx, "U:alice", 10)
	require.NoError(t, err)
	assert.Empty(t, pairs, "failed run persists nothing")
	assert.Nil(t, f.tasks.ActiveTask("private_alice"))
}

func TestBusyDispatchQueuesInsteadOfRunning(t *testing.T) {
	chat := &fakeChat{}
	exec := &fakeExecutor{}
	f := newPipelineFixture(t, exec, chat)

	_, err := f.tasks.Begin("private_alice", "alice")
	require.NoError(t, err)

	f.pipeline.Dispatch(context.Background(), privateMsg("hi"))

	assert.Zero(t, exec.streamCount(), "busy conversation must not start a run")
	assert.Equal(t, 1, f.tasks.PendingCount("private_alice"))
}

func TestRunCacheHeldDuringRunAndDrainedAfter(t *testing.T) {
	chat := &fakeChat{replies: []string{"hello"}}
	exec := &fakeExecutor{scripts: [][]*mcp.Event{{
		{Type: mcp.EventStart, RunID: "run-9"},
		{Type: mcp.EventPlan, Steps: []string{"noop"}},
		{Type: mcp.EventJudge, Need: false},
	}}}
	f := newPipelineFixture(t, exec, chat)
	ctx := context.Background()

	// By the time the judge event is produced, the start event has been
	// fully handled, so the cache entry must exist. Peek by take-and-put.
	var midRun []byte
	exec.onEvent = func(ev *mcp.Event) {
		if ev.Type == mcp.EventJudge {
			midRun, _ = f.history.TakeRunMessage(ctx, "run-9")
			if midRun != nil {
				_ = f.history.CacheRunMessage(ctx, "run-9", midRun)
			}
		}
	}

	f.pipeline.Dispatch(ctx, privateMsg("hi"))

	require.NotNil(t, midRun, "inciting message is cached while the run is live")
	assert.Contains(t, string(midRun), "hi")

	drained, err := f.history.TakeRunMessage(ctx, "run-9")
	require.NoError(t, err)
	assert.Nil(t, drained, "finished turns leave no cache entry behind")
}

func TestSummaryFeedsContextMemory(t *testing.T) {
	chat := &fakeChat{replies: []string{"done"}}
	exec := &fakeExecutor{scripts: [][]*mcp.Event{{
		{Type: mcp.EventStart, RunID: "run-1"},
		{Type: mcp.EventJudge, Need: true},
		{Type: mcp.EventToolResult, ToolName: "search", ToolResult: "r1"},
		{Type: mcp.EventSummary, Summary: "helped alice search"},
	}}}
	f := newPipelineFixture(t, exec, chat)
	f.cfg.Memory.Enabled = true

	f.pipeline.Dispatch(context.Background(), privateMsg("hi"))

	mem := memory.NewStore(func() *config.Config { return f.cfg }, newTestLogger(t))
	assert.Contains(t, mem.XML("U:alice"), "helped alice search")
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}
