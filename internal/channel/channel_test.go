package channel

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stellarlinkco/heartflow/internal/bus"
	"github.com/stellarlinkco/heartflow/internal/config"
)

func TestBaseChannel_Name(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, nil)
	if ch.Name() != "test" {
		t.Errorf("Name = %q, want test", ch.Name())
	}
}

func TestBaseChannel_IsAllowed(t *testing.T) {
	b := bus.NewMessageBus(10)
	open := NewBaseChannel("test", b, nil)
	if !open.IsAllowed("anyone") {
		t.Error("should allow anyone when allowFrom is empty")
	}

	ch := NewBaseChannel("test", b, []string{"user1", "user2"})
	if !ch.IsAllowed("user1") || !ch.IsAllowed("user2") {
		t.Error("should allow listed users")
	}
	if ch.IsAllowed("user3") {
		t.Error("should reject user3")
	}
}

func TestBaseChannel_PublishCanceled(t *testing.T) {
	b := bus.NewMessageBus(0)
	ch := NewBaseChannel("test", b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ch.publish(ctx, bus.InboundMessage{Content: "x"}) {
		t.Error("publish should give up on a canceled context")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("", 10); len(got) != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("short = %v", got)
	}

	got := splitMessage("aaaa\nbbbb\ncccc", 10)
	if len(got) != 2 || got[0] != "aaaa\nbbbb" || got[1] != "cccc" {
		t.Errorf("newline split = %q", got)
	}

	long := strings.Repeat("日本語", 10)
	parts := splitMessage(long, 10)
	if strings.Join(parts, "") != long {
		t.Error("rune split lost content")
	}
	for _, p := range parts {
		if len(p) > 10 || !utf8.ValidString(p) {
			t.Errorf("bad part %q", p)
		}
	}
}

func TestChannelManager_Empty(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, err := NewChannelManager(config.ChannelsConfig{}, b)
	if err != nil {
		t.Fatalf("NewChannelManager error: %v", err)
	}
	if len(m.EnabledChannels()) != 0 {
		t.Errorf("expected 0 enabled channels, got %d", len(m.EnabledChannels()))
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("StartAll error: %v", err)
	}
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll error: %v", err)
	}
}

func TestChannelManager_EnabledWithoutToken(t *testing.T) {
	b := bus.NewMessageBus(10)
	if _, err := NewChannelManager(config.ChannelsConfig{Telegram: config.TelegramConfig{Enabled: true}}, b); err == nil {
		t.Error("expected error for telegram without token")
	}
	if _, err := NewChannelManager(config.ChannelsConfig{Discord: config.DiscordConfig{Enabled: true}}, b); err == nil {
		t.Error("expected error for discord without token")
	}
}

func TestChannelManager_Configured(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, err := NewChannelManager(config.ChannelsConfig{
		Telegram: config.TelegramConfig{Enabled: true, Token: "tg"},
		Discord:  config.DiscordConfig{Enabled: true, Token: "dc"},
	}, b)
	if err != nil {
		t.Fatalf("NewChannelManager error: %v", err)
	}
	got := m.EnabledChannels()
	if len(got) != 2 || got[0] != "discord" || got[1] != "telegram" {
		t.Errorf("EnabledChannels = %v", got)
	}
}

// mockChannel implements Channel interface for testing
type mockChannel struct {
	name     string
	started  bool
	stopped  bool
	startErr error
	stopErr  error
	sendErr  error
	sentMsgs []bus.OutboundMessage
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Start(ctx context.Context) error {
	m.started = true
	return m.startErr
}

func (m *mockChannel) Stop() error {
	m.stopped = true
	return m.stopErr
}

func (m *mockChannel) Send(msg bus.OutboundMessage) error {
	m.sentMsgs = append(m.sentMsgs, msg)
	return m.sendErr
}

func TestChannelManager_WithMockChannel(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, _ := NewChannelManager(config.ChannelsConfig{}, b)
	mock := &mockChannel{name: "mock"}
	m.Add(mock)

	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("StartAll error: %v", err)
	}
	if !mock.started {
		t.Error("mock channel should be started")
	}

	channels := m.EnabledChannels()
	if len(channels) != 1 || channels[0] != "mock" {
		t.Errorf("EnabledChannels = %v, want [mock]", channels)
	}

	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll error: %v", err)
	}
	if !mock.stopped {
		t.Error("mock channel should be stopped")
	}
}

func TestChannelManager_RoutesOutbound(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, _ := NewChannelManager(config.ChannelsConfig{}, b)
	mock := &mockChannel{name: "mock", sendErr: fmt.Errorf("boom")}
	other := &mockChannel{name: "other"}
	m.Add(mock)
	m.Add(other)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	tapped := make(chan bus.OutboundMessage, 1)
	b.Tap(func(msg bus.OutboundMessage) { tapped <- msg })
	go func() {
		b.DispatchOutbound(ctx)
		close(done)
	}()

	b.Outbound <- bus.OutboundMessage{Channel: "mock", ChatID: "1", Content: "hi"}
	<-tapped
	cancel()
	<-done

	if len(mock.sentMsgs) != 1 || mock.sentMsgs[0].Content != "hi" {
		t.Errorf("mock sent = %+v", mock.sentMsgs)
	}
	if len(other.sentMsgs) != 0 {
		t.Errorf("other channel received %d messages", len(other.sentMsgs))
	}
}

func TestChannelManager_StartAll_Error(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, _ := NewChannelManager(config.ChannelsConfig{}, b)
	m.Add(&mockChannel{name: "mock", startErr: fmt.Errorf("start failed")})

	if err := m.StartAll(context.Background()); err == nil {
		t.Error("expected error from StartAll")
	}
}

func TestChannelManager_StopAll_Error(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, _ := NewChannelManager(config.ChannelsConfig{}, b)
	m.Add(&mockChannel{name: "mock", stopErr: fmt.Errorf("stop failed")})

	// errors are logged, not returned
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll should not return error: %v", err)
	}
}
