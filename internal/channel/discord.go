package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/heartflow/internal/bus"
	"github.com/stellarlinkco/heartflow/internal/config"
	"github.com/stellarlinkco/heartflow/internal/logging"
)

const (
	discordChannelName = "discord"
	discordMaxLen      = 2000
)

// DiscordSession is the subset of a discordgo session the channel uses.
type DiscordSession interface {
	Open() error
	Close() error
	Self() *discordgo.User
	OnMessage(fn func(*discordgo.MessageCreate))
	Send(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error)
}

type dgSession struct {
	s *discordgo.Session
}

func (d *dgSession) Open() error  { return d.s.Open() }
func (d *dgSession) Close() error { return d.s.Close() }

func (d *dgSession) Self() *discordgo.User {
	if d.s.State == nil {
		return nil
	}
	return d.s.State.User
}

func (d *dgSession) OnMessage(fn func(*discordgo.MessageCreate)) {
	d.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { fn(m) })
}

func (d *dgSession) Send(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	return d.s.ChannelMessageSendComplex(channelID, data)
}

// SessionFactory creates DiscordSession instances.
type SessionFactory func(token string) (DiscordSession, error)

var defaultSessionFactory SessionFactory = func(token string) (DiscordSession, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return &dgSession{s: s}, nil
}

type DiscordChannel struct {
	BaseChannel
	token   string
	factory SessionFactory
	session DiscordSession
	log     zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig, b *bus.MessageBus) (*DiscordChannel, error) {
	return NewDiscordChannelWithFactory(cfg, b, defaultSessionFactory)
}

func NewDiscordChannelWithFactory(cfg config.DiscordConfig, b *bus.MessageBus, factory SessionFactory) (*DiscordChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	return &DiscordChannel{
		BaseChannel: NewBaseChannel(discordChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		factory:     factory,
		log:         logging.WithComponent(discordChannelName),
	}, nil
}

func (d *DiscordChannel) Start(ctx context.Context) error {
	session, err := d.factory(d.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}

	d.mu.Lock()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.session = session
	d.mu.Unlock()

	session.OnMessage(func(m *discordgo.MessageCreate) {
		d.handleMessage(d.runContext(), m)
	})
	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	d.log.Info().Msg("gateway connected")
	return nil
}

func (d *DiscordChannel) runContext() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

func (d *DiscordChannel) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	self := d.self()
	if m.Author.Bot || (self != nil && m.Author.ID == self.ID) {
		return
	}
	if !d.IsAllowed(m.Author.ID) {
		d.log.Debug().Str("sender", m.Author.ID).Msg("rejected message")
		return
	}

	var media []string
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		if strings.HasPrefix(a.ContentType, "image/") {
			media = append(media, a.URL)
		}
	}
	content := strings.TrimSpace(m.Content)
	if content == "" && len(media) == 0 {
		return
	}

	selfID := ""
	if self != nil {
		selfID = self.ID
		// "<@id>" reads as noise to the judge
		content = strings.TrimSpace(strings.NewReplacer("<@"+self.ID+">", "@"+self.Username, "<@!"+self.ID+">", "@"+self.Username).Replace(content))
	}
	isCommand := strings.HasPrefix(content, "/")

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	d.publish(ctx, bus.InboundMessage{
		Channel:    discordChannelName,
		SenderID:   m.Author.ID,
		SenderName: discordName(m.Author),
		SelfID:     selfID,
		ChatID:     m.ChannelID,
		MessageID:  m.ID,
		Content:    content,
		Timestamp:  ts,
		Addressed:  isCommand || d.addressed(m, self),
		IsCommand:  isCommand,
		Media:      media,
		Metadata: map[string]any{
			"username": m.Author.Username,
			"guild_id": m.GuildID,
		},
	})
}

// addressed reports direct messages, mentions of the bot and replies to it.
func (d *DiscordChannel) addressed(m *discordgo.MessageCreate, self *discordgo.User) bool {
	if m.GuildID == "" {
		return true
	}
	if self == nil {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == self.ID {
			return true
		}
	}
	if r := m.ReferencedMessage; r != nil && r.Author != nil && r.Author.ID == self.ID {
		return true
	}
	return false
}

func discordName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func (d *DiscordChannel) self() *discordgo.User {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Self()
}

func (d *DiscordChannel) Stop() error {
	d.mu.Lock()
	cancel, s := d.cancel, d.session
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s != nil {
		if err := s.Close(); err != nil {
			return fmt.Errorf("close discord session: %w", err)
		}
	}
	d.log.Info().Msg("stopped")
	return nil
}

func (d *DiscordChannel) Send(msg bus.OutboundMessage) error {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		return fmt.Errorf("discord session not initialized")
	}
	for i, chunk := range splitMessage(msg.Content, discordMaxLen) {
		data := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyTo != "" {
			data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: msg.ChatID}
		}
		if _, err := s.Send(msg.ChatID, data); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}
