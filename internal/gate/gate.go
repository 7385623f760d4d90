// Package gate decides whether an incoming bundle deserves a reply.
package gate

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/message"
)

// Decision is the gate's verdict on a synthesized bundle.
type Decision struct {
	NeedReply   bool
	Mandatory   bool
	Probability float64
	Threshold   float64
}

// ConversationState is the slice of conversation state the gate reads. The
// gate itself holds no state, so decisions are reproducible from inputs.
type ConversationState struct {
	// LastBotReply is the time of the bot's most recent reply in this
	// conversation; zero when the bot has never replied there.
	LastBotReply time.Time
}

// Policy scores non-mandatory messages. Probability and Threshold are both
// in [0,1]; the message is admitted when Probability >= Threshold.
type Policy interface {
	Score(msg *message.IncomingMessage, state ConversationState) (probability, threshold float64)
}

// Gate applies mandatory-signal detection and a pluggable scoring policy.
type Gate struct {
	cfg    func() *config.Config
	policy Policy
	logger *logger.Logger
}

// New creates a gate. cfg is a snapshot getter so hot reloads take effect
// without restarting. policy may be nil to use the default scorer.
func New(cfg func() *config.Config, policy Policy, log *logger.Logger) *Gate {
	g := &Gate{
		cfg:    cfg,
		policy: policy,
		logger: log.WithFields(zap.String("component", "reply-gate")),
	}
	if g.policy == nil {
		g.policy = &defaultPolicy{cfg: cfg}
	}
	return g
}

// ShouldReply evaluates a synthesized bundle. Private messages and direct
// signals (at-mention, address-by-name, reply-to-bot) are mandatory; group
// chatter goes through the scoring policy.
func (g *Gate) ShouldReply(msg *message.IncomingMessage, state ConversationState) Decision {
	if g.isMandatory(msg) {
		return Decision{NeedReply: true, Mandatory: true, Probability: 1, Threshold: 0}
	}

	prob, threshold := g.policy.Score(msg, state)
	d := Decision{
		NeedReply:   prob >= threshold,
		Probability: prob,
		Threshold:   threshold,
	}
	g.logger.Debug("Gate decision",
		zap.String("sender_id", msg.SenderID),
		zap.Bool("need_reply", d.NeedReply),
		zap.Float64("probability", prob),
		zap.Float64("threshold", threshold))
	return d
}

func (g *Gate) isMandatory(msg *message.IncomingMessage) bool {
	if msg.Kind == message.KindPrivate {
		return true
	}
	if msg.ReplyToBot || msg.Proactive {
		return true
	}

	cfg := g.cfg()
	if cfg.Gate.SelfID != "" {
		for _, at := range msg.AtUsers {
			if at == cfg.Gate.SelfID {
				return true
			}
		}
	}
	if name := cfg.Preset.BotName; name != "" {
		if strings.Contains(strings.ToLower(msg.ContentText()), strings.ToLower(name)) {
			return true
		}
	}
	return false
}

// defaultPolicy admits group chatter when the accumulated desire clears a
// fixed threshold. Questions and active conversations raise the desire.
type defaultPolicy struct {
	cfg func() *config.Config
}

const (
	defaultThreshold = 0.5
	questionBoost    = 0.25
	warmthBoost      = 0.25
	warmthWindow     = 2 * time.Minute
)

func (p *defaultPolicy) Score(msg *message.IncomingMessage, state ConversationState) (float64, float64) {
	prob := p.cfg().Gate.BaseProbability

	text := msg.ContentText()
	if strings.ContainsAny(text, "?？") {
		prob += questionBoost
	}
	if !state.LastBotReply.IsZero() && time.Since(state.LastBotReply) < warmthWindow {
		prob += warmthBoost
	}

	if prob > 1 {
		prob = 1
	}
	return prob, defaultThreshold
}
