// Package handlers registers the adapter frame handlers: the message
// intake path plus the control frames.
package handlers

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/bundler"
	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/emotion"
	"github.com/sentra-ai/sentra/internal/events"
	"github.com/sentra-ai/sentra/internal/events/bus"
	"github.com/sentra-ai/sentra/internal/history"
	"github.com/sentra-ai/sentra/internal/intervention"
	"github.com/sentra-ai/sentra/internal/llm"
	"github.com/sentra-ai/sentra/internal/message"
	"github.com/sentra-ai/sentra/internal/persona"
	"github.com/sentra-ai/sentra/pkg/rpc"
)

const personaSummaryPrompt = `Summarize what the recent messages reveal about this user: tone, interests, how they like to be spoken to. Two or three sentences, plain text.`

// Chatter is the LLM slice used for persona summaries.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []llm.Message) (string, error)
}

// Handlers owns the inbound frame processing for one adapter connection.
type Handlers struct {
	cfg          func() *config.Config
	bundler      *bundler.Bundler
	history      history.Store
	persona      *persona.Store
	emotion      *emotion.Client
	intervention *intervention.Detector
	chat         Chatter
	bus          bus.EventBus
	logger       *logger.Logger
}

// New creates the frame handlers. The event bus may be nil.
func New(
	cfg func() *config.Config,
	msgBundler *bundler.Bundler,
	historyStore history.Store,
	personaStore *persona.Store,
	emotionClient *emotion.Client,
	detector *intervention.Detector,
	chat Chatter,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Handlers {
	return &Handlers{
		cfg:          cfg,
		bundler:      msgBundler,
		history:      historyStore,
		persona:      personaStore,
		emotion:      emotionClient,
		intervention: detector,
		chat:         chat,
		bus:          eventBus,
		logger:       log.WithFields(zap.String("component", "handlers")),
	}
}

// Register wires the handlers onto the frame dispatcher.
func (h *Handlers) Register(d *rpc.Dispatcher) {
	d.RegisterFunc(rpc.FrameWelcome, h.handleWelcome)
	d.RegisterFunc(rpc.FramePong, h.handlePong)
	d.RegisterFunc(rpc.FrameShutdown, h.handleShutdown)
	d.RegisterFunc(rpc.FrameMessage, h.handleMessage)
}

func (h *Handlers) handleWelcome(_ context.Context, frame *rpc.Frame) (*rpc.Frame, error) {
	var data struct {
		AdapterVersion string `json:"adapterVersion,omitempty"`
	}
	if err := frame.ParseData(&data); err != nil {
		h.logger.Warn("Malformed welcome frame", zap.Error(err))
		return nil, nil
	}
	h.logger.Info("Adapter connected", zap.String("adapter_version", data.AdapterVersion))
	return nil, nil
}

func (h *Handlers) handlePong(_ context.Context, _ *rpc.Frame) (*rpc.Frame, error) {
	h.logger.Debug("Pong received")
	return nil, nil
}

func (h *Handlers) handleShutdown(_ context.Context, _ *rpc.Frame) (*rpc.Frame, error) {
	h.logger.Warn("Adapter announced shutdown, expecting reconnect churn")
	return nil, nil
}

// handleMessage is the intake path for one inbound chat message: log it,
// feed the side channels, check for intervention, then hand it to the
// bundler. Replying is decided later, on the sealed bundle.
func (h *Handlers) handleMessage(ctx context.Context, frame *rpc.Frame) (*rpc.Frame, error) {
	var msg message.IncomingMessage
	if err := frame.ParseData(&msg); err != nil {
		h.logger.Warn("Malformed message frame", zap.Error(err))
		return nil, nil
	}
	if msg.SenderID == "" || strings.TrimSpace(msg.ContentText()) == "" {
		return nil, nil
	}

	log := h.logger.WithFields(
		zap.String("sender_id", msg.SenderID),
		zap.String("message_id", msg.MessageID))

	if err := h.history.LogMessage(ctx, &history.LoggedMessage{
		ConversationKey: msg.ConversationKey(),
		SenderID:        msg.SenderID,
		SenderName:      msg.SenderName,
		Content:         msg.ContentText(),
	}); err != nil {
		log.Warn("Message log failed", zap.Error(err))
	}

	h.observePersona(ctx, &msg, log)
	h.emotion.Record(ctx, msg.SenderID, msg.ContentText())

	if v := h.intervention.Inspect(ctx, &msg); v.Fired {
		log.Info("In-flight work cancelled before intake",
			zap.Int("tasks", len(v.CancelledTasks)),
			zap.Int("runs", v.CancelledRuns))
	}

	h.publishReceived(ctx, &msg)
	h.bundler.Admit(&msg)
	return nil, nil
}

// observePersona counts the message and refreshes the sender's summary on
// cadence. The summary call runs detached so intake never waits on the LLM.
func (h *Handlers) observePersona(ctx context.Context, msg *message.IncomingMessage, log *logger.Logger) {
	due, err := h.persona.Observe(msg.SenderID, msg.SenderName)
	if err != nil {
		log.Warn("Persona observe failed", zap.Error(err))
		return
	}
	if !due {
		return
	}

	go func() {
		sample, err := h.history.RecentMessages(context.WithoutCancel(ctx),
			msg.ConversationKey(), h.cfg().Persona.HistorySampleSize)
		if err != nil || len(sample) == 0 {
			return
		}

		var sb strings.Builder
		for _, m := range sample {
			if m.FromBot {
				continue
			}
			fmt.Fprintf(&sb, "%s: %s\n", m.SenderID, m.Content)
		}

		summary, err := h.chat.Chat(context.WithoutCancel(ctx), "", []llm.Message{
			{Role: llm.RoleSystem, Content: personaSummaryPrompt},
			{Role: llm.RoleUser, Content: sb.String()},
		})
		if err != nil {
			log.Warn("Persona summary failed", zap.Error(err))
			return
		}
		if err := h.persona.UpdateSummary(msg.SenderID, strings.TrimSpace(summary)); err != nil {
			log.Warn("Persona summary save failed", zap.Error(err))
		}
	}()
}

func (h *Handlers) publishReceived(ctx context.Context, msg *message.IncomingMessage) {
	if h.bus == nil {
		return
	}
	ev := bus.NewEvent(events.MessageReceived, events.Source, events.MessageEventData{
		SenderID:        msg.SenderID,
		ConversationKey: msg.ConversationKey(),
		MessageID:       msg.MessageID,
	})
	if err := h.bus.Publish(ctx, events.MessageReceived, ev); err != nil {
		h.logger.Debug("Event publish failed", zap.Error(err))
	}
}
