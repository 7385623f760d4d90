// Package intervention detects mid-task corrections ("wait, cancel that")
// and aborts the sender's in-flight work before the new message is handled.
package intervention

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/llm"
	"github.com/sentra-ai/sentra/internal/message"
	"github.com/sentra-ai/sentra/internal/runs"
	"github.com/sentra-ai/sentra/internal/tasks"
)

// cancelHints gate the LLM classifier: only messages carrying one of these
// are worth a model call.
var cancelHints = []string{
	"算了", "取消", "别弄了", "不用了", "停下", "停止", "改主意", "等等", "换成", "先别",
	"cancel", "stop", "never mind", "nevermind", "wait", "forget it", "hold on",
}

const classifierSystemPrompt = `You decide whether a chat message is the user interrupting or changing an in-progress task, as opposed to ordinary conversation.
Answer with a single JSON object: {"override": true|false}. No other text.`

// Chatter is the single-call LLM slice the classifier uses.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []llm.Message) (string, error)
}

// Verdict is the outcome of inspecting one message.
type Verdict struct {
	Fired          bool
	CancelledTasks []string
	CancelledRuns  int
}

// Detector inspects inbound messages from senders with in-flight work.
// When an intervention fires it marks the sender's tasks cancelled and
// cancels runs in the message's conversation started before the message.
type Detector struct {
	cfg    func() *config.Config
	chat   Chatter
	tasks  *tasks.Registry
	runs   *runs.Registry
	logger *logger.Logger
	now    func() time.Time
}

// NewDetector creates an intervention detector.
func NewDetector(cfg func() *config.Config, chat Chatter, taskReg *tasks.Registry, runReg *runs.Registry, log *logger.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		chat:   chat,
		tasks:  taskReg,
		runs:   runReg,
		logger: log.WithFields(zap.String("component", "intervention")),
		now:    time.Now,
	}
}

// Inspect runs intervention detection for one inbound message. The message
// is processed normally afterwards regardless of the verdict; firing only
// clears the ground it lands on.
func (d *Detector) Inspect(ctx context.Context, msg *message.IncomingMessage) Verdict {
	if !d.cfg().Intervention.Enabled || msg.Proactive {
		return Verdict{}
	}
	// Nothing in flight means nothing to interrupt.
	if d.tasks.ActiveCount(msg.SenderID) == 0 {
		return Verdict{}
	}
	if !hasCancelHint(msg.ContentText()) {
		return Verdict{}
	}
	if !d.classify(ctx, msg) {
		return Verdict{}
	}

	cutoff := d.now()
	cancelled := d.tasks.MarkCancelledForSender(msg.SenderID)
	n := d.runs.Cancel(ctx, msg.SenderID, runs.CancelScope{
		ConversationKey: msg.ConversationKey(),
		Cutoff:          cutoff,
	})

	d.logger.Info("Intervention fired",
		zap.String("sender_id", msg.SenderID),
		zap.Int("cancelled_tasks", len(cancelled)),
		zap.Int("cancelled_runs", n))

	return Verdict{Fired: true, CancelledTasks: cancelled, CancelledRuns: n}
}

// classify asks the model whether the message overrides the running task.
// A classifier failure falls back to the hint match so a dead LLM endpoint
// cannot strand an obviously cancelled task.
func (d *Detector) classify(ctx context.Context, msg *message.IncomingMessage) bool {
	model := d.cfg().Intervention.Model
	raw, err := d.chat.Chat(ctx, model, []llm.Message{
		{Role: llm.RoleSystem, Content: classifierSystemPrompt},
		{Role: llm.RoleUser, Content: msg.ContentText()},
	})
	if err != nil {
		d.logger.Warn("Intervention classifier unavailable, trusting hint match",
			zap.Error(err))
		return true
	}

	var out struct {
		Override bool `json:"override"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &out); err != nil {
		d.logger.Warn("Intervention classifier returned garbage",
			zap.String("raw", raw), zap.Error(err))
		return true
	}
	return out.Override
}

func hasCancelHint(text string) bool {
	lower := strings.ToLower(text)
	for _, hint := range cancelHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// extractJSON trims whatever prose the model wrapped around the object.
func extractJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}
