// Package discord connects the chat service to a Discord gateway session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"geminicord/internal/chat"
	"geminicord/pkg/logging/logging"
)

// FailureMessage is sent when the upstream call behind a reply fails.
const FailureMessage = "Sorry, something went wrong while thinking about that. Please try again."

// Asker answers chat requests.
type Asker interface {
	Ask(ctx context.Context, req chat.Request) (*chat.Reply, error)
}

// Sender is the part of a discordgo session used to answer.
type Sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

type Bot struct {
	session *discordgo.Session
	chat    Asker
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	removeH func()
}

type Option func(*Bot)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bot) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithReplyTimeout bounds the time spent answering one message.
func WithReplyTimeout(d time.Duration) Option {
	return func(b *Bot) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// New creates a bot for token. Nothing connects until Open.
func New(token string, asker Asker, opts ...Option) (*Bot, error) {
	if token == "" {
		return nil, errors.New("discord: token is required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	b := &Bot{
		session: s,
		chat:    asker,
		logger:  zap.NewNop(),
		timeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("discord")
	return b, nil
}

// Open connects to the gateway. Message handling stops when ctx is cancelled or
// Close is called.
func (b *Bot) Open(ctx context.Context) error {
	b.mu.Lock()
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.removeH = b.session.AddHandler(b.onMessageCreate)
	b.mu.Unlock()

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	if u := b.session.State.User; u != nil {
		b.logger.Info("discord connected", zap.String("bot_user", u.Username), zap.String("bot_id", u.ID))
	}
	return nil
}

func (b *Bot) Close() error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	if b.removeH != nil {
		b.removeH()
		b.removeH = nil
	}
	b.mu.Unlock()
	return b.session.Close()
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State == nil || s.State.User == nil {
		return
	}
	b.mu.Lock()
	base := b.ctx
	b.mu.Unlock()
	if base == nil || base.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(base, b.timeout)
	defer cancel()
	b.handle(ctx, s, s.State.User.ID, m.Message)
}

// handle answers msg when it is a DM or mentions the bot.
func (b *Bot) handle(ctx context.Context, out Sender, selfID string, msg *discordgo.Message) {
	if msg == nil || msg.Author == nil || msg.Author.Bot || msg.Author.ID == selfID {
		return
	}

	isDM := msg.GuildID == ""
	if !isDM && !mentions(msg, selfID) {
		return
	}

	intent, text := parseIntent(stripMention(msg.Content, selfID))
	if text == "" {
		return
	}

	logger := b.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("channel_id", msg.ChannelID),
		zap.String("guild_id", msg.GuildID),
	)
	ctx = logging.WithLogger(ctx, logger)

	_ = out.ChannelTyping(msg.ChannelID)

	reply, err := b.chat.Ask(ctx, chat.Request{
		UserID:    msg.Author.ID,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
		Message:   text,
		Intent:    intent,
	})
	if err != nil {
		logger.Warn("chat failed", zap.Error(err))
		b.send(out, msg, FailureMessage, logger)
		return
	}
	if reply.Text == "" {
		// silent denial
		return
	}
	b.send(out, msg, reply.Text, logger)
}

// send answers msg, splitting text at Discord's length limit. Only the first chunk
// is threaded as a reply.
func (b *Bot) send(out Sender, msg *discordgo.Message, text string, logger *zap.Logger) {
	for i, chunk := range splitMessage(text, MaxMessageLength) {
		var err error
		if i == 0 {
			_, err = out.ChannelMessageSendReply(msg.ChannelID, chunk, msg.Reference())
		} else {
			_, err = out.ChannelMessageSend(msg.ChannelID, chunk)
		}
		if err != nil {
			logger.Error("send reply failed", zap.Int("chunk", i), zap.Error(err))
			return
		}
	}
}

func mentions(msg *discordgo.Message, userID string) bool {
	for _, u := range msg.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

func stripMention(content, userID string) string {
	content = strings.ReplaceAll(content, "<@"+userID+">", "")
	content = strings.ReplaceAll(content, "<@!"+userID+">", "")
	return strings.TrimSpace(content)
}

// parseIntent splits a leading "!word" off content.
func parseIntent(content string) (intent, text string) {
	if !strings.HasPrefix(content, "!") {
		return "", content
	}
	word, rest, _ := strings.Cut(content[1:], " ")
	return strings.ToLower(word), strings.TrimSpace(rest)
}
