// Package bot is a small scaffold for chat bots: it watches the
// session's event stream and answers mentions (and optionally direct
// messages) with LLM completions.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	teamchat "github.com/teamchat/teamchat-go"
	"github.com/teamchat/teamchat-go/internal/llm"
	"github.com/teamchat/teamchat-go/pkg/logger"
	"github.com/teamchat/teamchat-go/pkg/metrics"
)

const defaultHistoryLimit = 20

// Config configures a Bot.
type Config struct {
	LLM   llm.Client
	Model string
	// System is the system prompt; a sensible default is derived from
	// the bot's identity when empty.
	System string
	// RespondToDirects answers pair-room messages in addition to
	// mentions.
	RespondToDirects bool
	// HistoryLimit bounds the per-room transcript fed to the LLM.
	HistoryLimit int
	// ReplyTimeout bounds a single completion.
	ReplyTimeout time.Duration

	Logger *logger.Logger
}

// Bot answers messages on a connected session.
type Bot struct {
	session *teamchat.Session
	cfg     Config
	log     *logger.Logger

	mu      sync.Mutex
	history map[int64][]llm.ChatMessage

	offs []func()
}

// New creates a bot on the session. Call Start to begin answering.
func New(session *teamchat.Session, cfg Config) (*Bot, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("bot: an LLM client is required")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Bot{
		session: session,
		cfg:     cfg,
		log:     cfg.Logger,
		history: make(map[int64][]llm.ChatMessage),
	}, nil
}

// Start subscribes to the session's events.
func (b *Bot) Start() {
	b.offs = append(b.offs,
		b.session.On(teamchat.EventMessage, b.record),
		b.session.On(teamchat.EventMessageMention, b.answer),
	)
	if b.cfg.RespondToDirects {
		b.offs = append(b.offs, b.session.On(teamchat.EventMessageDirect, b.answer))
	}
	b.log.Info("bot started", zap.String("provider", b.cfg.LLM.Name()))
}

// Stop removes the subscriptions.
func (b *Bot) Stop() {
	for _, off := range b.offs {
		off()
	}
	b.offs = nil
}

// record keeps a bounded per-room transcript.
func (b *Bot) record(ev teamchat.Event) {
	if ev.Room == nil || ev.Message == nil || ev.Message.Content == "" {
		return
	}
	role := "user"
	if me := b.session.Me(); me != nil && ev.Message.AuthorID == me.ID {
		role = "assistant"
	}
	b.mu.Lock()
	h := append(b.history[ev.Room.ID], llm.ChatMessage{Role: role, Content: ev.Message.Content})
	if len(h) > b.cfg.HistoryLimit {
		h = h[len(h)-b.cfg.HistoryLimit:]
	}
	b.history[ev.Room.ID] = h
	b.mu.Unlock()
}

// answer replies in the message's room. It runs on its own goroutine
// so a slow completion never stalls event delivery.
func (b *Bot) answer(ev teamchat.Event) {
	if ev.Room == nil || ev.Message == nil {
		return
	}
	me := b.session.Me()
	if me != nil && ev.Message.AuthorID == me.ID {
		return
	}
	go b.reply(ev.Room, ev.Message)
}

func (b *Bot) reply(room *teamchat.Room, msg *teamchat.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ReplyTimeout)
	defer cancel()

	b.mu.Lock()
	transcript := append([]llm.ChatMessage(nil), b.history[room.ID]...)
	b.mu.Unlock()
	if len(transcript) == 0 || transcript[len(transcript)-1].Content != msg.Content {
		transcript = append(transcript, llm.ChatMessage{Role: "user", Content: msg.Content})
	}

	resp, err := b.cfg.LLM.Complete(ctx, &llm.CompletionRequest{
		Model:    b.cfg.Model,
		System:   b.systemPrompt(),
		Messages: transcript,
	})
	if err != nil {
		metrics.BotCompletionsTotal.WithLabelValues(b.cfg.LLM.Name(), "error").Inc()
		b.log.Warn("completion failed", zap.Error(err))
		return
	}
	metrics.BotCompletionsTotal.WithLabelValues(b.cfg.LLM.Name(), "ok").Inc()

	if _, err := room.SendMessage(ctx, resp.Content); err != nil {
		b.log.Warn("could not send reply", zap.Int64("room_id", room.ID), zap.Error(err))
	}
}

func (b *Bot) systemPrompt() string {
	if b.cfg.System != "" {
		return b.cfg.System
	}
	name := "the team bot"
	if me := b.session.Me(); me != nil {
		name = "@" + me.Handle
	}
	return fmt.Sprintf("You are %s, a helpful assistant in a team chat. Answer briefly and plainly.", name)
}
