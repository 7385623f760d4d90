// Package contextbuilder assembles the prompt context for a turn: system
// overlays, replayed history pairs, and the wrapped user question.
package contextbuilder

import (
	"context"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/emotion"
	"github.com/sentra-ai/sentra/internal/history"
	"github.com/sentra-ai/sentra/internal/llm"
	"github.com/sentra-ai/sentra/internal/memory"
	"github.com/sentra-ai/sentra/internal/message"
	"github.com/sentra-ai/sentra/internal/persona"
	"github.com/sentra-ai/sentra/internal/preset"
)

// Builder gathers context from every collaborator. A collaborator that
// fails or has nothing contributes nothing; assembly itself never fails.
type Builder struct {
	cfg     func() *config.Config
	preset  *preset.Loader
	persona *persona.Store
	emotion *emotion.Client
	memory  *memory.Store
	history history.Store
	logger  *logger.Logger
}

// New creates a context builder.
func New(
	cfg func() *config.Config,
	presetLoader *preset.Loader,
	personaStore *persona.Store,
	emotionClient *emotion.Client,
	memoryStore *memory.Store,
	historyStore history.Store,
	log *logger.Logger,
) *Builder {
	return &Builder{
		cfg:     cfg,
		preset:  presetLoader,
		persona: personaStore,
		emotion: emotionClient,
		memory:  memoryStore,
		history: historyStore,
		logger:  log.WithFields(zap.String("component", "context-builder")),
	}
}

// Result is the assembled context: the prompt messages plus the named
// overlay blocks shipped alongside the executor run.
type Result struct {
	Messages []llm.Message
	Overlays map[string]string
	// UserXML is the wrapped question, kept for the history pair.
	UserXML string
}

// Build produces [system, ...history, user] for one turn. pendingTexts are
// messages that arrived while the sender's previous task ran; they precede
// the question so the model sees what it has not answered yet.
func (b *Builder) Build(ctx context.Context, msg *message.IncomingMessage, pendingTexts []string) *Result {
	convKey := msg.ConversationKey()
	snap := b.preset.Current()

	overlays := map[string]string{}
	if x := b.persona.XML(msg.SenderID); x != "" {
		overlays["persona"] = x
	}
	if x := b.emotion.XML(ctx, msg.SenderID); x != "" {
		overlays["emotion"] = x
	}
	if snap.WorldbookXML != "" {
		overlays["worldbook"] = snap.WorldbookXML
	}
	if snap.PresetXML != "" {
		overlays["preset"] = snap.PresetXML
	}
	if x := b.memory.XML(convKey); x != "" {
		overlays["memory"] = x
	}

	system := b.systemMessage(snap, overlays)
	userXML := b.userMessage(msg, pendingTexts, overlays["emotion"])

	messages := make([]llm.Message, 0, 2+2*b.cfg().History.MCPMaxContextPairs)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	messages = append(messages, b.historyMessages(ctx, convKey)...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userXML})

	return &Result{Messages: messages, Overlays: overlays, UserXML: userXML}
}

func (b *Builder) systemMessage(snap *preset.Snapshot, overlays map[string]string) string {
	parts := []string{snap.SystemBase()}
	// Stable overlay order keeps prompts reproducible.
	for _, key := range []string{"persona", "emotion", "worldbook", "preset", "memory"} {
		if x := overlays[key]; x != "" {
			parts = append(parts, x)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (b *Builder) historyMessages(ctx context.Context, convKey string) []llm.Message {
	pairs, err := b.history.RecentPairs(ctx, convKey, b.cfg().History.MCPMaxContextPairs)
	if err != nil {
		b.logger.Warn("History read failed, building context without it",
			zap.String("conversation_key", convKey), zap.Error(err))
		return nil
	}

	out := make([]llm.Message, 0, 2*len(pairs))
	for _, p := range pairs {
		out = append(out, llm.Message{Role: llm.RoleUser, Content: p.UserXML})
		if p.AssistantXML != "" {
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: p.AssistantXML})
		}
	}
	return out
}

func (b *Builder) userMessage(msg *message.IncomingMessage, pendingTexts []string, emoXML string) string {
	var sb strings.Builder

	if msg.RootDirectiveXML != "" {
		sb.WriteString(msg.RootDirectiveXML)
		sb.WriteString("\n")
	}
	if len(pendingTexts) > 0 {
		sb.WriteString("<sentra-pending-context>\n")
		for _, t := range pendingTexts {
			sb.WriteString(t)
			sb.WriteString("\n")
		}
		sb.WriteString("</sentra-pending-context>\n")
	}
	if emoXML != "" {
		sb.WriteString(emoXML)
		sb.WriteString("\n")
	}

	attrs := fmt.Sprintf(" sender=%q", html.EscapeString(senderLabel(msg)))
	if msg.TimeStr != "" {
		attrs += fmt.Sprintf(" time=%q", html.EscapeString(msg.TimeStr))
	}
	fmt.Fprintf(&sb, "<sentra-user-question%s>\n%s\n</sentra-user-question>", attrs, msg.ContentText())

	return sb.String()
}

func senderLabel(msg *message.IncomingMessage) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return msg.SenderID
}
