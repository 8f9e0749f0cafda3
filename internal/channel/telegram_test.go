package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/heartflow/internal/bus"
	"github.com/stellarlinkco/heartflow/internal/config"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// mockTelegramBot implements TelegramBot for testing
type mockTelegramBot struct {
	updatesChan chan tgbotapi.Update
	stopped     bool
	sentMsgs    []tgbotapi.MessageConfig
	sendErr     error
	failHTML    bool
	getFileErr  error
	files       map[string]tgbotapi.File
	self        tgbotapi.User
}

func newMockBot() *mockTelegramBot {
	return &mockTelegramBot{
		updatesChan: make(chan tgbotapi.Update, 10),
		files:       make(map[string]tgbotapi.File),
		self:        tgbotapi.User{ID: 999, UserName: "testbot", IsBot: true},
	}
}

func (m *mockTelegramBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updatesChan
}

func (m *mockTelegramBot) StopReceivingUpdates() {
	m.stopped = true
}

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if mc, ok := c.(tgbotapi.MessageConfig); ok {
		m.sentMsgs = append(m.sentMsgs, mc)
		if m.failHTML && mc.ParseMode == tgbotapi.ModeHTML {
			return tgbotapi.Message{}, fmt.Errorf("can't parse entities")
		}
	}
	if m.sendErr != nil {
		return tgbotapi.Message{}, m.sendErr
	}
	return tgbotapi.Message{MessageID: 1}, nil
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User {
	return m.self
}

func (m *mockTelegramBot) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	if m.getFileErr != nil {
		return tgbotapi.File{}, m.getFileErr
	}
	file, ok := m.files[config.FileID]
	if !ok {
		return tgbotapi.File{}, fmt.Errorf("file %q not found", config.FileID)
	}
	return file, nil
}

func newTestTelegram(t *testing.T, allowFrom ...string) (*TelegramChannel, *mockTelegramBot, *bus.MessageBus) {
	t.Helper()
	b := bus.NewMessageBus(10)
	ch, err := NewTelegramChannel(config.TelegramConfig{Token: "fake-token", AllowFrom: allowFrom}, b)
	if err != nil {
		t.Fatalf("NewTelegramChannel: %v", err)
	}
	bot := newMockBot()
	ch.SetBot(bot)
	return ch, bot, b
}

func groupMessage(text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 42,
		From:      &tgbotapi.User{ID: 123, FirstName: "Ada", LastName: "Lovelace", UserName: "ada"},
		Chat:      &tgbotapi.Chat{ID: -100, Type: "supergroup"},
		Text:      text,
		Date:      1700000000,
	}
}

func receive(t *testing.T, b *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	select {
	case m := <-b.Inbound:
		return m
	default:
		t.Fatal("expected inbound message")
	}
	return bus.InboundMessage{}
}

func expectNone(t *testing.T, b *bus.MessageBus) {
	t.Helper()
	select {
	case m := <-b.Inbound:
		t.Fatalf("unexpected inbound message %+v", m)
	default:
	}
}

func TestNewTelegramChannel(t *testing.T) {
	b := bus.NewMessageBus(10)
	if _, err := NewTelegramChannel(config.TelegramConfig{}, b); err == nil {
		t.Error("expected error for empty token")
	}
	ch, err := NewTelegramChannel(config.TelegramConfig{Token: "fake-token", Proxy: "http://proxy.local:8080"}, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.Name() != "telegram" {
		t.Errorf("Name = %q, want telegram", ch.Name())
	}
	if ch.proxy != "http://proxy.local:8080" {
		t.Errorf("proxy = %q", ch.proxy)
	}
}

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello", "hello"},
		{"bold", "**bold**", "<b>bold</b>"},
		{"code", "`code`", "<code>code</code>"},
		{"amp", "a & b", "a &amp; b"},
		{"tag", "<tag>", "&lt;tag&gt;"},
		{"code block with language", "```go\nfunc main() {}\n```", "<pre>func main() {}\n</pre>"},
		{"code block without language", "```\ncode here\n```", "<pre>\ncode here\n</pre>"},
		{"italic", "*italic*", "<i>italic</i>"},
		{"mixed", "**bold** and *italic*", "<b>bold</b> and <i>italic</i>"},
		{"unclosed inline code", "`code", "`code"},
		{"unclosed italic", "*italic", "*italic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toTelegramHTML(tt.input); got != tt.want {
				t.Errorf("toTelegramHTML(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTelegramChannel_HandleMessage_Group(t *testing.T) {
	ch, _, b := newTestTelegram(t)
	ch.handleMessage(context.Background(), groupMessage("hello all"))

	in := receive(t, b)
	if in.Channel != "telegram" || in.ChatID != "-100" || in.SenderID != "123" {
		t.Errorf("routing = %s/%s/%s", in.Channel, in.ChatID, in.SenderID)
	}
	if in.SenderName != "Ada Lovelace" {
		t.Errorf("SenderName = %q", in.SenderName)
	}
	if in.SelfID != "999" || in.MessageID != "42" {
		t.Errorf("SelfID = %q, MessageID = %q", in.SelfID, in.MessageID)
	}
	if in.Addressed || in.IsCommand {
		t.Errorf("plain group message should not be addressed: %+v", in)
	}
	if !in.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("Timestamp = %v", in.Timestamp)
	}
	if in.SessionKey() != "telegram:-100" {
		t.Errorf("SessionKey = %q", in.SessionKey())
	}
}

func TestTelegramChannel_HandleMessage_Addressed(t *testing.T) {
	tests := []struct {
		name string
		msg  func() *tgbotapi.Message
	}{
		{"private chat", func() *tgbotapi.Message {
			m := groupMessage("hi")
			m.Chat.Type = "private"
			return m
		}},
		{"mention", func() *tgbotapi.Message { return groupMessage("hey @TestBot what's up") }},
		{"reply to bot", func() *tgbotapi.Message {
			m := groupMessage("agreed")
			m.ReplyToMessage = &tgbotapi.Message{From: &tgbotapi.User{ID: 999}}
			return m
		}},
		{"text mention", func() *tgbotapi.Message {
			m := groupMessage("Bot look")
			m.Entities = []tgbotapi.MessageEntity{{Type: "text_mention", Offset: 0, Length: 3, User: &tgbotapi.User{ID: 999}}}
			return m
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, _, b := newTestTelegram(t)
			ch.handleMessage(context.Background(), tt.msg())
			if in := receive(t, b); !in.Addressed {
				t.Error("expected Addressed")
			}
		})
	}

	ch, _, b := newTestTelegram(t)
	m := groupMessage("agreed")
	m.ReplyToMessage = &tgbotapi.Message{From: &tgbotapi.User{ID: 5}}
	ch.handleMessage(context.Background(), m)
	if in := receive(t, b); in.Addressed {
		t.Error("reply to another user should not be addressed")
	}
}

func TestTelegramChannel_HandleMessage_Command(t *testing.T) {
	ch, _, b := newTestTelegram(t)
	m := groupMessage("/heartflow_affinity@testbot 123")
	m.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 27}}
	ch.handleMessage(context.Background(), m)

	in := receive(t, b)
	if !in.IsCommand || !in.Addressed {
		t.Errorf("IsCommand = %v, Addressed = %v", in.IsCommand, in.Addressed)
	}
	if in.Content != "/heartflow_affinity 123" {
		t.Errorf("Content = %q", in.Content)
	}
}

func TestTelegramChannel_HandleMessage_OtherBotCommand(t *testing.T) {
	ch, _, b := newTestTelegram(t)
	m := groupMessage("/roll@dicebot 2d6")
	m.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 13}}
	ch.handleMessage(context.Background(), m)

	in := receive(t, b)
	if in.IsCommand || in.Addressed {
		t.Errorf("IsCommand = %v, Addressed = %v", in.IsCommand, in.Addressed)
	}
	if in.Content != "/roll@dicebot 2d6" {
		t.Errorf("Content = %q", in.Content)
	}

	m = groupMessage("/status")
	m.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 7}}
	ch.handleMessage(context.Background(), m)
	if in := receive(t, b); !in.IsCommand || !in.Addressed {
		t.Errorf("bare command: IsCommand = %v, Addressed = %v", in.IsCommand, in.Addressed)
	}
}

func TestTelegramChannel_HandleMessage_Rejected(t *testing.T) {
	ch, _, b := newTestTelegram(t, "777")
	ch.handleMessage(context.Background(), groupMessage("hello"))
	expectNone(t, b)
}

func TestTelegramChannel_HandleMessage_Skipped(t *testing.T) {
	ch, _, b := newTestTelegram(t)
	ch.handleMessage(context.Background(), groupMessage(""))
	ch.handleMessage(context.Background(), &tgbotapi.Message{Text: "no sender"})
	expectNone(t, b)
}

func TestTelegramChannel_HandleMessage_CaptionFallback(t *testing.T) {
	ch, _, b := newTestTelegram(t)
	m := groupMessage("")
	m.From.FirstName, m.From.LastName = "", ""
	m.Caption = "look at this"
	ch.handleMessage(context.Background(), m)

	in := receive(t, b)
	if in.Content != "look at this" {
		t.Errorf("Content = %q", in.Content)
	}
	if in.SenderName != "ada" {
		t.Errorf("SenderName = %q, want username fallback", in.SenderName)
	}
}

func TestTelegramChannel_HandleMessage_Photo(t *testing.T) {
	ch, bot, b := newTestTelegram(t)
	bot.files["photo-large"] = tgbotapi.File{FileID: "photo-large", FilePath: "photos/large.jpg"}

	photoData := []byte{0xff, 0xd8, 0xff, 0xd9}
	var requested string
	ch.httpClient = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		requested = req.URL.String()
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(photoData)),
			Header:     make(http.Header),
		}, nil
	})}

	m := groupMessage("")
	m.Caption = "photo caption"
	m.Photo = []tgbotapi.PhotoSize{{FileID: "photo-small"}, {FileID: "photo-large"}}
	ch.handleMessage(context.Background(), m)

	in := receive(t, b)
	if in.Content != "photo caption" {
		t.Errorf("content = %q", in.Content)
	}
	if !strings.HasSuffix(requested, "photos/large.jpg") {
		t.Errorf("downloaded %q, want the largest size", requested)
	}
	if len(in.ContentBlocks) != 1 {
		t.Fatalf("content blocks len = %d, want 1", len(in.ContentBlocks))
	}
	block := in.ContentBlocks[0]
	if block.Type != model.ContentBlockImage || block.MediaType != "image/jpeg" {
		t.Errorf("block = %s %s", block.Type, block.MediaType)
	}
	if block.Data != base64.StdEncoding.EncodeToString(photoData) {
		t.Error("content block data mismatch")
	}
}

func TestTelegramChannel_HandleMessage_PhotoDownloadFails(t *testing.T) {
	ch, bot, b := newTestTelegram(t)
	bot.getFileErr = fmt.Errorf("gone")

	m := groupMessage("")
	m.Photo = []tgbotapi.PhotoSize{{FileID: "p"}}
	ch.handleMessage(context.Background(), m)
	// no text and no media left
	expectNone(t, b)
}

func TestTelegramChannel_HandleMessage_ImageDocument(t *testing.T) {
	ch, bot, b := newTestTelegram(t)
	bot.files["doc"] = tgbotapi.File{FileID: "doc", FilePath: "docs/a.png"}
	ch.httpClient = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("png")), Header: make(http.Header)}, nil
	})}

	m := groupMessage("")
	m.Caption = "diagram"
	m.Document = &tgbotapi.Document{FileID: "doc", MimeType: "image/png"}
	ch.handleMessage(context.Background(), m)

	in := receive(t, b)
	if len(in.ContentBlocks) != 1 || in.ContentBlocks[0].MediaType != "image/png" {
		t.Errorf("blocks = %+v", in.ContentBlocks)
	}
}

func TestTelegramChannel_InitBot(t *testing.T) {
	b := bus.NewMessageBus(10)
	bot := newMockBot()
	ok := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) { return bot, nil }
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, b, ok)
	if err := ch.initBot(); err != nil {
		t.Fatalf("initBot error: %v", err)
	}
	if ch.bot == nil || ch.self.ID != 999 {
		t.Error("bot identity should be cached")
	}

	fail := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return nil, fmt.Errorf("auth failed")
	}
	ch, _ = NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, b, fail)
	if err := ch.initBot(); err == nil {
		t.Error("expected error from initBot")
	}
	if err := ch.Start(context.Background()); err == nil {
		t.Error("expected error from Start")
	}

	ch, _ = NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token", Proxy: "://invalid-url"}, b, ok)
	if err := ch.initBot(); err == nil {
		t.Error("expected error for invalid proxy URL")
	}
}

func TestTelegramChannel_StartStop(t *testing.T) {
	b := bus.NewMessageBus(10)
	bot := newMockBot()
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) { return bot, nil }
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, b, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	bot.updatesChan <- tgbotapi.Update{Message: nil}
	bot.updatesChan <- tgbotapi.Update{Message: groupMessage("test message")}

	select {
	case in := <-b.Inbound:
		if in.Content != "test message" {
			t.Errorf("content = %q", in.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("expected inbound message")
	}

	ch.Stop()
	if !bot.stopped {
		t.Error("bot should be stopped")
	}
}

func TestTelegramChannel_Stop_NotStarted(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, b)
	if err := ch.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}

func TestTelegramChannel_Send(t *testing.T) {
	ch, bot, _ := newTestTelegram(t)
	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "**hi**", ReplyTo: "42"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(bot.sentMsgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(bot.sentMsgs))
	}
	sent := bot.sentMsgs[0]
	if sent.ChatID != 123 || sent.Text != "<b>hi</b>" || sent.ParseMode != tgbotapi.ModeHTML {
		t.Errorf("sent = %+v", sent)
	}
	if sent.ReplyToMessageID != 42 {
		t.Errorf("ReplyToMessageID = %d, want 42", sent.ReplyToMessageID)
	}
}

func TestTelegramChannel_Send_Errors(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch, _ := NewTelegramChannel(config.TelegramConfig{Token: "fake-token"}, b)
	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "test"}); err == nil {
		t.Error("expected error when bot is nil")
	}

	ch, bot, _ := newTestTelegram(t)
	if err := ch.Send(bus.OutboundMessage{ChatID: "not-a-number", Content: "test"}); err == nil {
		t.Error("expected error for invalid chat ID")
	}

	bot.sendErr = fmt.Errorf("send failed")
	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "test"}); err == nil {
		t.Error("expected error when both sends fail")
	}
}

func TestTelegramChannel_Send_PlainFallback(t *testing.T) {
	ch, bot, _ := newTestTelegram(t)
	bot.failHTML = true

	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "a < b"}); err != nil {
		t.Fatalf("Send should succeed after fallback: %v", err)
	}
	if len(bot.sentMsgs) != 2 {
		t.Fatalf("sent %d, want 2", len(bot.sentMsgs))
	}
	plain := bot.sentMsgs[1]
	if plain.ParseMode != "" || plain.Text != "a < b" {
		t.Errorf("fallback = %+v", plain)
	}
}

func TestTelegramChannel_Send_LongMessage(t *testing.T) {
	ch, bot, _ := newTestTelegram(t)
	long := strings.Repeat("This is a long line of text that will be repeated.\n", 100)
	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: long, ReplyTo: "7"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(bot.sentMsgs) < 2 {
		t.Fatalf("expected multiple messages, got %d", len(bot.sentMsgs))
	}
	if bot.sentMsgs[0].ReplyToMessageID != 7 || bot.sentMsgs[1].ReplyToMessageID != 0 {
		t.Error("only the first chunk should reply to the source message")
	}

	bot.sentMsgs = nil
	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: strings.Repeat("x", 5000)}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(bot.sentMsgs) != 2 {
		t.Errorf("expected 2 messages, got %d", len(bot.sentMsgs))
	}
}
