// Package pipeline drives one reply turn: admission through the gate,
// the executor run state machine, reply delivery, and cleanup.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/contextbuilder"
	"github.com/sentra-ai/sentra/internal/events"
	"github.com/sentra-ai/sentra/internal/events/bus"
	"github.com/sentra-ai/sentra/internal/gate"
	"github.com/sentra-ai/sentra/internal/history"
	"github.com/sentra-ai/sentra/internal/llm"
	"github.com/sentra-ai/sentra/internal/mcp"
	"github.com/sentra-ai/sentra/internal/memory"
	"github.com/sentra-ai/sentra/internal/message"
	"github.com/sentra-ai/sentra/internal/runs"
	"github.com/sentra-ai/sentra/internal/tasks"
	"github.com/sentra-ai/sentra/pkg/rpc"
)

// Turn outcome errors, reported to callers that care (the recovery
// scheduler, the delay-queue worker).
var (
	ErrTurnCancelled = errors.New("turn cancelled")
	ErrTurnFailed    = errors.New("turn failed")
)

// Sender delivers replies to the adapter. Satisfied by the adapter client.
type Sender interface {
	SendText(ctx context.Context, msg *message.IncomingMessage, text string) (*rpc.Result, error)
	SendQuoteReply(ctx context.Context, msg *message.IncomingMessage, text string) (*rpc.Result, error)
}

// Chatter is the slice of the LLM client the pipeline uses.
type Chatter interface {
	ChatWithRetry(ctx context.Context, messages []llm.Message) (string, error)
}

// Pipeline owns turn execution. Dispatch is the single admission point:
// the bundler's sink, pending-drain restarts, delay jobs, and recovery all
// feed it.
type Pipeline struct {
	cfg      func() *config.Config
	gate     *gate.Gate
	tasks    *tasks.Registry
	runs     *runs.Registry
	history  history.Store
	builder  *contextbuilder.Builder
	chat     Chatter
	executor mcp.Executor
	sender   Sender
	memory   *memory.Store
	bus      bus.EventBus
	logger   *logger.Logger
}

// New creates a pipeline. The event bus may be nil.
func New(
	cfg func() *config.Config,
	replyGate *gate.Gate,
	taskReg *tasks.Registry,
	runReg *runs.Registry,
	historyStore history.Store,
	builder *contextbuilder.Builder,
	chat Chatter,
	executor mcp.Executor,
	sender Sender,
	memoryStore *memory.Store,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		gate:     replyGate,
		tasks:    taskReg,
		runs:     runReg,
		history:  historyStore,
		builder:  builder,
		chat:     chat,
		executor: executor,
		sender:   sender,
		memory:   memoryStore,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "pipeline")),
	}
}

// Dispatch gates a synthesized message and, when admitted, claims the
// conversation slot and runs the turn. Busy conversations queue the
// message; it resurfaces when the active task completes.
func (p *Pipeline) Dispatch(ctx context.Context, msg *message.IncomingMessage) {
	state := p.gateState(ctx, msg.ConversationKey())
	decision := p.gate.ShouldReply(msg, state)
	if !decision.NeedReply {
		return
	}

	task, err := p.tasks.Begin(msg.ConversationID(), msg.SenderID)
	if err != nil {
		// Admitted but busy: queue behind the active task.
		p.tasks.Enqueue(msg)
		return
	}

	p.RunTurn(ctx, msg, task)
}

// DispatchAsync runs Dispatch on its own goroutine so callers (the read
// loop, the bundler) never block on a turn.
func (p *Pipeline) DispatchAsync(ctx context.Context, msg *message.IncomingMessage) {
	go p.Dispatch(ctx, msg)
}

func (p *Pipeline) gateState(ctx context.Context, convKey string) gate.ConversationState {
	last, err := p.history.LastBotReply(ctx, convKey)
	if err != nil {
		p.logger.Warn("Gate state read failed", zap.Error(err))
	}
	return gate.ConversationState{LastBotReply: last}
}

// RunDirective claims the conversation slot for a synthetic message and
// runs the turn, bypassing the gate. tasks.ErrConversationBusy means the
// caller should retry later.
func (p *Pipeline) RunDirective(ctx context.Context, msg *message.IncomingMessage) error {
	task, err := p.tasks.Begin(msg.ConversationID(), msg.SenderID)
	if err != nil {
		return err
	}
	return p.RunTurn(ctx, msg, task)
}

// RunTurn executes one turn synchronously. The task slot must already be
// claimed; cleanup always releases it and restarts queued work.
func (p *Pipeline) RunTurn(ctx context.Context, msg *message.IncomingMessage, task *tasks.Task) error {
	t := &turn{
		p:       p,
		msg:     msg,
		task:    task,
		convKey: msg.ConversationKey(),
		convID:  msg.ConversationID(),
		logger: p.logger.WithFields(
			zap.String("task_id", task.ID),
			zap.String("sender_id", msg.SenderID),
			zap.String("conversation_key", msg.ConversationKey())),
	}

	p.publish(ctx, events.TurnStarted, t, "")
	defer t.finish(ctx)

	t.run(ctx)

	switch t.outcome {
	case "completed":
		return nil
	case "cancelled":
		return ErrTurnCancelled
	default:
		return ErrTurnFailed
	}
}

func (p *Pipeline) publish(ctx context.Context, subject string, t *turn, reason string) {
	if p.bus == nil {
		return
	}
	ev := bus.NewEvent(subject, events.Source, events.TurnEventData{
		TaskID:          t.task.ID,
		SenderID:        t.msg.SenderID,
		ConversationKey: t.convKey,
		RunID:           t.runID,
		Reason:          reason,
	})
	if err := p.bus.Publish(ctx, subject, ev); err != nil {
		p.logger.Debug("Event publish failed", zap.Error(err))
	}
}

// turn is the mutable state of one executing turn.
type turn struct {
	p      *Pipeline
	msg    *message.IncomingMessage
	task   *tasks.Task
	logger *logger.Logger

	convKey string
	convID  string

	messages       []llm.Message
	overlays       map[string]string
	userXML        string
	initialPending int

	pairID      int64
	pairStarted bool
	hasReplied  bool

	runID   string
	tracked bool

	outcome string // "", "completed", "cancelled", "failed"
	summary string
}

func (t *turn) run(ctx context.Context) {
	pending := t.p.tasks.PendingTexts(t.convID)
	t.initialPending = len(pending)

	res := t.p.builder.Build(ctx, t.msg, pending)
	t.messages = res.Messages
	t.overlays = res.Overlays
	t.userXML = res.UserXML

	stream, err := t.p.executor.Stream(ctx, mcp.StreamInput{
		Objective:    t.msg.ContentText(),
		Conversation: toContextMessages(t.messages),
		Overlays:     t.overlays,
	})
	if err != nil {
		t.logger.Error("Executor stream failed to open", zap.Error(err))
		t.fail(ctx, err)
		return
	}

	for ev := range stream {
		if t.p.tasks.IsCancelled(t.task.ID) {
			t.cancel(ctx, "cancelled by intervention")
			return
		}

		switch ev.Type {
		case mcp.EventStart:
			t.onStart(ctx, ev)
		case mcp.EventJudge:
			if !ev.Need {
				t.directReply(ctx)
				return
			}
		case mcp.EventPlan:
			t.logger.Debug("Executor plan", zap.Strings("steps", ev.Steps))
		case mcp.EventToolResult:
			if !t.onToolResult(ctx, ev) {
				return
			}
		case mcp.EventSummary:
			t.summary = ev.Summary
			t.finalizePair(ctx)
			t.outcome = "completed"
			return
		case mcp.EventError:
			t.logger.Error("Executor stream error", zap.Error(ev.Err))
			t.fail(ctx, ev.Err)
			return
		}
	}

	// Stream closed without summary or error: treat as failure.
	if t.outcome == "" {
		t.fail(ctx, fmt.Errorf("executor stream ended without summary"))
	}
}

func (t *turn) onStart(ctx context.Context, ev *mcp.Event) {
	t.runID = ev.RunID
	t.p.runs.Track(t.msg.SenderID, t.convKey, ev.RunID)
	t.tracked = true

	// Cache the inciting message so a crash mid-run can be replayed.
	if payload, err := json.Marshal(t.msg); err == nil {
		if err := t.p.history.CacheRunMessage(ctx, ev.RunID, payload); err != nil {
			t.logger.Warn("Run message cache failed", zap.Error(err))
		}
	}

	t.logger.Info("Run started", zap.String("run_id", ev.RunID))
}

// directReply handles judge{need=false}: one plain reply, no tools.
func (t *turn) directReply(ctx context.Context) {
	reply, err := t.p.chat.ChatWithRetry(ctx, t.messages)
	if err != nil {
		t.logger.Warn("Direct reply generation failed", zap.Error(err))
		t.fail(ctx, err)
		return
	}

	if !t.send(ctx, reply) {
		return
	}
	t.appendAssistant(ctx, reply)
	t.finalizePair(ctx)
	t.outcome = "completed"
}

// onToolResult folds a tool result into the user-side content, produces a
// partial reply, and sends it. Returns false when the turn must stop.
func (t *turn) onToolResult(ctx context.Context, ev *mcp.Event) bool {
	block := fmt.Sprintf("<sentra-result tool=%q>\n%s\n</sentra-result>", ev.ToolName, ev.ToolResult)

	// Mid-task arrivals surface in the next model call, so the bot can
	// notice corrections while a long run is still working.
	if latest := t.p.tasks.PendingTexts(t.convID); len(latest) > t.initialPending {
		t.logger.Info("Dynamic perception: new messages mid-task",
			zap.Int("pending", len(latest)))
		res := t.p.builder.Build(ctx, t.msg, latest)
		t.messages = res.Messages
		t.userXML = res.UserXML
		t.initialPending = len(latest)
	}

	last := len(t.messages) - 1
	t.messages[last].Content += "\n" + block
	t.userXML += "\n" + block

	reply, err := t.p.chat.ChatWithRetry(ctx, t.messages)
	if err != nil {
		t.logger.Warn("Partial reply generation failed", zap.Error(err))
		t.fail(ctx, err)
		return false
	}

	if reply == "" {
		// A stage may legitimately produce nothing once a reply exists.
		return true
	}
	if !t.send(ctx, reply) {
		return false
	}
	t.appendAssistant(ctx, reply)
	return true
}

// send delivers one reply, enforcing the cancellation check at the send
// boundary and the first-reply quoting rule. Returns false when the turn
// was cancelled instead.
func (t *turn) send(ctx context.Context, text string) bool {
	if text == "" {
		return true
	}
	if t.p.tasks.IsCancelled(t.task.ID) {
		t.cancel(ctx, "cancelled before send")
		return false
	}

	var err error
	if !t.hasReplied && t.msg.MessageID != "" && !t.msg.Proactive {
		_, err = t.p.sender.SendQuoteReply(ctx, t.msg, text)
	} else {
		_, err = t.p.sender.SendText(ctx, t.msg, text)
	}
	if err != nil {
		// Unconfirmed sends proceed; only hard transport errors log.
		t.logger.Warn("Reply send failed", zap.Error(err))
	}
	t.hasReplied = true

	if logErr := t.p.history.LogMessage(ctx, &history.LoggedMessage{
		ConversationKey: t.convKey,
		SenderID:        "bot",
		FromBot:         true,
		Content:         text,
	}); logErr != nil {
		t.logger.Warn("Bot reply log failed", zap.Error(logErr))
	}
	return true
}

// appendAssistant lazily opens the pair on the first assistant emission,
// so an aborted turn that never produced anything persists nothing.
func (t *turn) appendAssistant(ctx context.Context, content string) {
	if !t.pairStarted {
		pairID, err := t.p.history.StartPair(ctx, t.convKey, t.userXML)
		if err != nil {
			t.logger.Error("Pair start failed", zap.Error(err))
			return
		}
		t.pairID = pairID
		t.pairStarted = true
	}
	if err := t.p.history.AppendAssistant(ctx, t.pairID, content); err != nil {
		t.logger.Warn("Pair append failed", zap.Error(err))
	}
}

func (t *turn) finalizePair(ctx context.Context) {
	if !t.pairStarted {
		return
	}
	if err := t.p.history.FinalizePair(ctx, t.pairID); err != nil {
		t.logger.Warn("Pair finalize failed", zap.Error(err))
	}
}

func (t *turn) cancelPair(ctx context.Context) {
	if !t.pairStarted {
		return
	}
	if err := t.p.history.CancelPair(ctx, t.pairID); err != nil {
		t.logger.Warn("Pair cancel failed", zap.Error(err))
	}
	t.pairStarted = false
}

func (t *turn) cancel(ctx context.Context, reason string) {
	t.cancelPair(ctx)
	t.outcome = "cancelled"
	t.logger.Info("Turn cancelled", zap.String("reason", reason))
	t.p.publish(ctx, events.TurnCancelled, t, reason)
}

func (t *turn) fail(ctx context.Context, err error) {
	t.cancelPair(ctx)
	t.outcome = "failed"
	t.p.publish(ctx, events.TurnFailed, t, err.Error())
}

// finish is the turn's cleanup path: untrack the run, release the slot,
// restart queued work, and fold the summary into context memory.
func (t *turn) finish(ctx context.Context) {
	if t.tracked {
		t.p.runs.Untrack(t.msg.SenderID, t.convKey, t.runID)
		// The crash cache is only for runs that die with the process; a
		// turn that reached cleanup no longer needs its entry.
		if _, err := t.p.history.TakeRunMessage(ctx, t.runID); err != nil {
			t.logger.Warn("Run cache cleanup failed", zap.Error(err))
		}
	}

	if t.outcome == "completed" {
		t.p.publish(ctx, events.TurnCompleted, t, "")
		t.afterCompletion(ctx)
	}

	next := t.p.tasks.Complete(t.convID, t.task.ID)
	t.p.tasks.ClearCancelled(t.task.ID)

	if next != nil {
		t.logger.Info("Draining queued messages into a new turn")
		t.p.DispatchAsync(ctx, next)
	}
}

func (t *turn) afterCompletion(ctx context.Context) {
	cfg := t.p.cfg()

	discarded, err := t.p.history.TrimPairs(ctx, t.convKey, cfg.History.MaxConversationPairs)
	if err != nil {
		t.logger.Warn("History trim failed", zap.Error(err))
	} else if discarded > 0 {
		t.logger.Debug("Trimmed old pairs", zap.Int("discarded", discarded))
	}

	if t.summary != "" && t.p.memory.Enabled() {
		if err := t.p.memory.Append(t.convKey, t.summary); err != nil {
			t.logger.Warn("Memory append failed", zap.Error(err))
		}
	}
}

func toContextMessages(in []llm.Message) []mcp.ContextMessage {
	out := make([]mcp.ContextMessage, 0, len(in))
	for _, m := range in {
		out = append(out, mcp.ContextMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
