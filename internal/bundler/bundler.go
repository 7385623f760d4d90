// Package bundler coalesces bursts of messages from one sender into a
// single synthesized message before gating and reply planning.
package bundler

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/config"
	"github.com/sentra-ai/sentra/internal/common/logger"
	"github.com/sentra-ai/sentra/internal/message"
)

// BusyFunc reports whether the message's conversation already has an
// active task. Busy messages bypass bundling and go to the pending queue.
type BusyFunc func(msg *message.IncomingMessage) bool

// SinkFunc receives sealed bundles as synthesized messages.
type SinkFunc func(msg *message.IncomingMessage)

// PendingFunc receives messages that arrived while their conversation was
// busy.
type PendingFunc func(msg *message.IncomingMessage)

type bundle struct {
	conversationID string
	first          *message.IncomingMessage
	texts          []string
	atUsers        []string
	replyToBot     bool
	seen           map[string]bool
	openedAt       time.Time
	lastUpdatedAt  time.Time
}

// Bundler holds at most one collecting bundle per sender. A bundle seals
// when no new message arrives within the window, or when it has been open
// for the hard maximum.
type Bundler struct {
	cfg     func() *config.Config
	busy    BusyFunc
	sink    SinkFunc
	pending PendingFunc

	mu     sync.Mutex
	open   map[string]*bundle // senderID -> collecting bundle
	closed bool
	wg     sync.WaitGroup

	logger *logger.Logger
}

// New creates a bundler. cfg is a snapshot getter so window changes apply
// to newly opened bundles.
func New(cfg func() *config.Config, busy BusyFunc, sink SinkFunc, pending PendingFunc, log *logger.Logger) *Bundler {
	return &Bundler{
		cfg:     cfg,
		busy:    busy,
		sink:    sink,
		pending: pending,
		open:    make(map[string]*bundle),
		logger:  log.WithFields(zap.String("component", "bundler")),
	}
}

// Admit routes an incoming message: append to the sender's open bundle,
// divert to the pending queue when the conversation is busy, or open a new
// bundle.
func (b *Bundler) Admit(msg *message.IncomingMessage) {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return
	}

	if bd, ok := b.open[msg.SenderID]; ok {
		// A sender switching conversations mid-burst seals the old
		// bundle immediately; texts from different chats never merge.
		if bd.conversationID == msg.ConversationID() {
			b.appendLocked(bd, msg)
			b.mu.Unlock()
			return
		}
		delete(b.open, msg.SenderID)
		b.mu.Unlock()
		b.seal(bd)
		b.mu.Lock()
	}

	if b.busy != nil && b.busy(msg) {
		b.mu.Unlock()
		b.logger.Debug("Conversation busy, queueing message",
			zap.String("sender_id", msg.SenderID),
			zap.String("conversation_id", msg.ConversationID()))
		if b.pending != nil {
			b.pending(msg)
		}
		return
	}

	bd := &bundle{
		conversationID: msg.ConversationID(),
		seen:           make(map[string]bool),
		openedAt:       time.Now(),
	}
	b.appendLocked(bd, msg)
	b.open[msg.SenderID] = bd
	b.mu.Unlock()

	b.wg.Add(1)
	go b.watch(msg.SenderID, bd)
}

// OpenCount returns the number of collecting bundles.
func (b *Bundler) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

// Close seals every open bundle and waits for their watchers to finish.
func (b *Bundler) Close() {
	b.mu.Lock()
	b.closed = true
	remaining := make(map[string]*bundle, len(b.open))
	for sender, bd := range b.open {
		remaining[sender] = bd
	}
	b.open = make(map[string]*bundle)
	b.mu.Unlock()

	for _, bd := range remaining {
		b.seal(bd)
	}
	b.wg.Wait()
}

func (b *Bundler) appendLocked(bd *bundle, msg *message.IncomingMessage) {
	if msg.MessageID != "" {
		if bd.seen[msg.MessageID] {
			return
		}
		bd.seen[msg.MessageID] = true
	}
	if bd.first == nil {
		cp := *msg
		bd.first = &cp
	}
	if text := msg.ContentText(); text != "" {
		bd.texts = append(bd.texts, text)
	}
	bd.atUsers = append(bd.atUsers, msg.AtUsers...)
	bd.replyToBot = bd.replyToBot || msg.ReplyToBot
	bd.lastUpdatedAt = time.Now()
}

// watch polls the bundle's timestamps instead of rescheduling a timer per
// message: appends only touch lastUpdatedAt, and the single watcher decides
// when the window or the hard deadline has expired.
func (b *Bundler) watch(senderID string, bd *bundle) {
	defer b.wg.Done()

	cfg := b.cfg()
	window := cfg.Bundle.Window()
	max := cfg.Bundle.Max()

	for {
		b.mu.Lock()
		if b.open[senderID] != bd {
			// Sealed elsewhere (conversation switch or Close).
			b.mu.Unlock()
			return
		}
		now := time.Now()
		windowExpired := now.Sub(bd.lastUpdatedAt) >= window
		deadlineHit := now.Sub(bd.openedAt) >= max
		if windowExpired || deadlineHit {
			delete(b.open, senderID)
			b.mu.Unlock()
			b.seal(bd)
			return
		}
		next := bd.lastUpdatedAt.Add(window).Sub(now)
		if until := bd.openedAt.Add(max).Sub(now); until < next {
			next = until
		}
		b.mu.Unlock()

		if next < time.Millisecond {
			next = time.Millisecond
		}
		time.Sleep(next)
	}
}

func (b *Bundler) seal(bd *bundle) {
	if bd.first == nil {
		return
	}

	out := *bd.first
	out.Text = strings.Join(bd.texts, "\n")
	out.Summary = ""
	out.AtUsers = dedupe(bd.atUsers)
	out.ReplyToBot = bd.replyToBot

	b.logger.Debug("Bundle sealed",
		zap.String("sender_id", out.SenderID),
		zap.String("conversation_id", bd.conversationID),
		zap.Int("size", len(bd.texts)))

	if b.sink != nil {
		b.sink(&out)
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
