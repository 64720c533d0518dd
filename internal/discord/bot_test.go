package discord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap/zaptest"

	"geminicord/internal/chat"
)

const selfID = "999"

type sent struct {
	channel string
	content string
	reply   bool
}

type fakeSender struct {
	sent   []sent
	typing int
}

func (f *fakeSender) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sent = append(f.sent, sent{channel: channelID, content: content})
	return &discordgo.Message{}, nil
}

func (f *fakeSender) ChannelMessageSendReply(channelID, content string, _ *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sent = append(f.sent, sent{channel: channelID, content: content, reply: true})
	return &discordgo.Message{}, nil
}

func (f *fakeSender) ChannelTyping(string, ...discordgo.RequestOption) error {
	f.typing++
	return nil
}

type fakeAsker struct {
	reply *chat.Reply
	err   error
	reqs  []chat.Request
}

func (f *fakeAsker) Ask(_ context.Context, req chat.Request) (*chat.Reply, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func newTestBot(t *testing.T, asker Asker) *Bot {
	t.Helper()
	b, err := New("test-token", asker, WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func guildMessage(content string, mention bool) *discordgo.Message {
	m := &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   content,
		Author:    &discordgo.User{ID: "u1", Username: "someone"},
	}
	if mention {
		m.Mentions = []*discordgo.User{{ID: selfID}}
	}
	return m
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New("", &fakeAsker{}); err == nil {
		t.Fatal("empty token accepted")
	}
}

func TestHandleMentionInGuild(t *testing.T) {
	asker := &fakeAsker{reply: &chat.Reply{Text: "Hi there, friend!", Outcome: chat.OutcomeGenerated}}
	b := newTestBot(t, asker)
	out := &fakeSender{}

	b.handle(context.Background(), out, selfID, guildMessage("<@999> what's up?", true))

	if len(asker.reqs) != 1 {
		t.Fatalf("asks = %d", len(asker.reqs))
	}
	req := asker.reqs[0]
	if req.Message != "what's up?" || req.UserID != "u1" || req.ChannelID != "c1" || req.GuildID != "g1" {
		t.Fatalf("request = %+v", req)
	}
	if len(out.sent) != 1 || !out.sent[0].reply || out.sent[0].content != "Hi there, friend!" {
		t.Fatalf("sent = %+v", out.sent)
	}
	if out.typing != 1 {
		t.Fatalf("typing = %d", out.typing)
	}
}

func TestHandleIgnoresUnaddressedMessages(t *testing.T) {
	asker := &fakeAsker{reply: &chat.Reply{Text: "should not be sent"}}
	b := newTestBot(t, asker)
	out := &fakeSender{}

	b.handle(context.Background(), out, selfID, guildMessage("just chatting", false))

	fromBot := guildMessage("<@999> hello", true)
	fromBot.Author.Bot = true
	b.handle(context.Background(), out, selfID, fromBot)

	fromSelf := guildMessage("<@999> hello", true)
	fromSelf.Author.ID = selfID
	b.handle(context.Background(), out, selfID, fromSelf)

	b.handle(context.Background(), out, selfID, guildMessage("<@999>   ", true))

	if len(asker.reqs) != 0 || len(out.sent) != 0 {
		t.Fatalf("asks %d, sent %d", len(asker.reqs), len(out.sent))
	}
}

func TestHandleDirectMessageWithIntent(t *testing.T) {
	asker := &fakeAsker{reply: &chat.Reply{Text: "A short joke for you.", Outcome: chat.OutcomeCached}}
	b := newTestBot(t, asker)
	out := &fakeSender{}

	dm := guildMessage("!Joke about cats", false)
	dm.GuildID = ""
	b.handle(context.Background(), out, selfID, dm)

	if len(asker.reqs) != 1 || asker.reqs[0].Intent != "joke" || asker.reqs[0].Message != "about cats" {
		t.Fatalf("requests = %+v", asker.reqs)
	}
}

func TestHandleSilentDenialSendsNothing(t *testing.T) {
	asker := &fakeAsker{reply: &chat.Reply{Outcome: chat.OutcomeRateLimited}}
	b := newTestBot(t, asker)
	out := &fakeSender{}

	b.handle(context.Background(), out, selfID, guildMessage("<@!999> again", true))
	if len(out.sent) != 0 {
		t.Fatalf("sent = %+v", out.sent)
	}
	if asker.reqs[0].Message != "again" {
		t.Fatalf("nickname mention not stripped: %q", asker.reqs[0].Message)
	}
}

func TestHandleUpstreamFailure(t *testing.T) {
	asker := &fakeAsker{err: errors.New("gemini down")}
	b := newTestBot(t, asker)
	out := &fakeSender{}

	b.handle(context.Background(), out, selfID, guildMessage("<@999> hello", true))
	if len(out.sent) != 1 || out.sent[0].content != FailureMessage {
		t.Fatalf("sent = %+v", out.sent)
	}
}

func TestHandleSplitsLongReplies(t *testing.T) {
	long := strings.Repeat("word ", 900) // 4500 chars
	asker := &fakeAsker{reply: &chat.Reply{Text: long, Outcome: chat.OutcomeGenerated}}
	b := newTestBot(t, asker)
	out := &fakeSender{}

	b.handle(context.Background(), out, selfID, guildMessage("<@999> talk a lot", true))

	if len(out.sent) != 3 {
		t.Fatalf("chunks = %d", len(out.sent))
	}
	if !out.sent[0].reply || out.sent[1].reply {
		t.Fatal("only the first chunk should be a reply")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("   ", 10); got != nil {
		t.Fatalf("blank = %v", got)
	}
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %v", got)
	}

	got := splitMessage("line one\nline two\nline three", 18)
	if len(got) != 2 || got[0] != "line one\nline two" || got[1] != "line three" {
		t.Fatalf("newline split = %q", got)
	}

	got = splitMessage("aaaa bbbb cccc", 10)
	if len(got) != 2 || got[0] != "aaaa bbbb" || got[1] != "cccc" {
		t.Fatalf("space split = %q", got)
	}

	got = splitMessage(strings.Repeat("é", 25), 10)
	if len(got) != 3 {
		t.Fatalf("hard split = %q", got)
	}
	for _, c := range got {
		if utf8.RuneCountInString(c) > 10 || !utf8.ValidString(c) {
			t.Fatalf("bad chunk %q", c)
		}
	}
}

func TestParseIntent(t *testing.T) {
	cases := []struct{ in, intent, text string }{
		{"hello", "", "hello"},
		{"!help me", "help", "me"},
		{"!HELP", "help", ""},
	}
	for _, tc := range cases {
		intent, text := parseIntent(tc.in)
		if intent != tc.intent || text != tc.text {
			t.Errorf("parseIntent(%q) = %q, %q", tc.in, intent, text)
		}
	}
}
