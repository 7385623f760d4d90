package intervention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/llm"
	"github.com/sentra-ai/sentra/internal/message"
	"github.com/sentra-ai/sentra/internal/runs"
	"github.com/sentra-ai/sentra/internal/tasks"
)

type scriptedChat struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (s *scriptedChat) Chat(_ context.Context, _ string, _ []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.reply, s.err
}

type recordingCanceler struct {
	mu        sync.Mutex
	cancelled []string
}

func (r *recordingCanceler) CancelRun(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, runID)
	return nil
}

type detectorFixture struct {
	detector *Detector
	chat     *scriptedChat
	tasks    *tasks.Registry
	runs     *runs.Registry
	canceler *recordingCanceler
}

func newDetectorFixture(t *testing.T) *detectorFixture {
	t.Helper()
	cfg, err := config.LoadWithPath(t.TempDir())
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	chat := &scriptedChat{reply: `{"override": true}`}
	canceler := &recordingCanceler{}
	taskReg := tasks.NewRegistry(log)
	runReg := runs.NewRegistry(canceler, log)

	return &detectorFixture{
		detector: NewDetector(func() *config.Config { return cfg }, chat, taskReg, runReg, log),
		chat:     chat,
		tasks:    taskReg,
		runs:     runReg,
		canceler: canceler,
	}
}

func cancelMsg(text string) *message.IncomingMessage {
	return &message.IncomingMessage{
		Kind:      message.KindPrivate,
		SenderID:  "alice",
		MessageID: "m9",
		Text:      text,
	}
}

func TestInterventionCancelsActiveWork(t *testing.T) {
	f := newDetectorFixture(t)
	ctx := context.Background()

	task, err := f.tasks.Begin("private_alice", "alice")
	require.NoError(t, err)
	f.runs.Track("alice", "U:alice", "run-1")

	v := f.detector.Inspect(ctx, cancelMsg("等等，改主意了，先别发"))

	assert.True(t, v.Fired)
	assert.Equal(t, []string{task.ID}, v.CancelledTasks)
	assert.Equal(t, 1, v.CancelledRuns)
	assert.True(t, f.tasks.IsCancelled(task.ID))
	assert.Equal(t, []string{"run-1"}, f.canceler.cancelled)
}

func TestInterventionIgnoresIdleSender(t *testing.T) {
	f := newDetectorFixture(t)

	v := f.detector.Inspect(context.Background(), cancelMsg("算了，取消吧"))

	assert.False(t, v.Fired)
	assert.Zero(t, f.chat.calls, "no classifier call without in-flight work")
}

func TestInterventionIgnoresOrdinaryChatter(t *testing.T) {
	f := newDetectorFixture(t)
	_, err := f.tasks.Begin("private_alice", "alice")
	require.NoError(t, err)

	v := f.detector.Inspect(context.Background(), cancelMsg("今天天气真好"))

	assert.False(t, v.Fired)
	assert.Zero(t, f.chat.calls, "no cancel hint means no classifier call")
}

func TestClassifierCanVeto(t *testing.T) {
	f := newDetectorFixture(t)
	f.chat.reply = `{"override": false}`

	task, err := f.tasks.Begin("private_alice", "alice")
	require.NoError(t, err)

	v := f.detector.Inspect(context.Background(), cancelMsg("wait, is it done yet?"))

	assert.False(t, v.Fired)
	assert.False(t, f.tasks.IsCancelled(task.ID))
	assert.Equal(t, 1, f.chat.calls)
}

func TestClassifierFailureFallsBackToHint(t *testing.T) {
	f := newDetectorFixture(t)
	f.chat.err = errors.New("endpoint down")

	task, err := f.tasks.Begin("private_alice", "alice")
	require.NoError(t, err)

	v := f.detector.Inspect(context.Background(), cancelMsg("算了别弄了"))

	assert.True(t, v.Fired)
	assert.True(t, f.tasks.IsCancelled(task.ID))
}

func TestCutoffSparesNewerRuns(t *testing.T) {
	f := newDetectorFixture(t)

	_, err := f.tasks.Begin("private_alice", "alice")
	require.NoError(t, err)
	f.runs.Track("alice", "U:alice", "run-new")

	// Freeze the cutoff before the run started: the run must survive.
	past := time.Now().Add(-time.Minute)
	f.detector.now = func() time.Time { return past }

	v := f.detector.Inspect(context.Background(), cancelMsg("cancel that"))

	assert.True(t, v.Fired)
	assert.Zero(t, v.CancelledRuns)
	assert.Empty(t, f.canceler.cancelled)
	assert.Equal(t, 1, f.runs.ActiveCount("alice"))
}

func TestProactiveMessagesAreExempt(t *testing.T) {
	f := newDetectorFixture(t)
	_, err := f.tasks.Begin("private_alice", "alice")
	require.NoError(t, err)

	msg := cancelMsg("算了")
	msg.Proactive = true

	v := f.detector.Inspect(context.Background(), msg)
	assert.False(t, v.Fired)
}
