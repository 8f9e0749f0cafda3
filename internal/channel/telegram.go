package channel

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/heartflow/internal/bus"
	"github.com/stellarlinkco/heartflow/internal/config"
	"github.com/stellarlinkco/heartflow/internal/logging"
)

const telegramChannelName = "telegram"

// TelegramBot is the subset of the bot API the channel uses.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() { w.bot.StopReceivingUpdates() }

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) { return w.bot.Send(c) }

func (w *tgBotWrapper) GetSelf() tgbotapi.User { return w.bot.Self }

func (w *tgBotWrapper) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	return w.bot.GetFile(config)
}

// BotFactory creates TelegramBot instances.
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	self       tgbotapi.User
	proxy      string
	httpClient *http.Client
	cancel     context.CancelFunc
	botFactory BotFactory
	log        zerolog.Logger
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		httpClient:  http.DefaultClient,
		botFactory:  factory,
		log:         logging.WithComponent(telegramChannelName),
	}, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	}
	t.httpClient = client

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.SetBot(bot)
	t.log.Info().Str("bot", t.self.UserName).Msg("authorized")
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				t.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.log.Info().Msg("polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.IsAllowed(senderID) {
		t.log.Debug().Str("sender", senderID).Str("username", msg.From.UserName).Msg("rejected message")
		return
	}

	content := msg.Text
	if content == "" && msg.Caption != "" {
		content = msg.Caption
	}
	isCommand := t.ownCommand(msg)
	if isCommand {
		// drop the "@botname" suffix groups add to commands
		content = strings.TrimSpace("/" + msg.Command() + " " + msg.CommandArguments())
	}

	blocks := t.mediaBlocks(msg)
	if content == "" && len(blocks) == 0 {
		return
	}

	t.publish(ctx, bus.InboundMessage{
		Channel:       telegramChannelName,
		SenderID:      senderID,
		SenderName:    displayName(msg.From),
		SelfID:        strconv.FormatInt(t.self.ID, 10),
		ChatID:        strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:     strconv.Itoa(msg.MessageID),
		Content:       content,
		Timestamp:     time.Unix(int64(msg.Date), 0),
		Addressed:     isCommand || t.addressed(msg),
		IsCommand:     isCommand,
		ContentBlocks: blocks,
		Metadata: map[string]any{
			"username":   msg.From.UserName,
			"first_name": msg.From.FirstName,
			"message_id": msg.MessageID,
			"chat_type":  msg.Chat.Type,
		},
	})
}

// ownCommand reports a bot command without an "@bot" suffix or with this
// bot's name. Commands for other bots in the group are plain messages.
func (t *TelegramChannel) ownCommand(msg *tgbotapi.Message) bool {
	if !msg.IsCommand() {
		return false
	}
	_, target, ok := strings.Cut(msg.CommandWithAt(), "@")
	return !ok || strings.EqualFold(target, t.self.UserName)
}

// addressed reports private chats, @mentions of the bot and replies to it.
func (t *TelegramChannel) addressed(msg *tgbotapi.Message) bool {
	if msg.Chat.IsPrivate() {
		return true
	}
	if r := msg.ReplyToMessage; r != nil && r.From != nil && r.From.ID == t.self.ID {
		return true
	}
	if t.self.UserName != "" {
		handle := "@" + strings.ToLower(t.self.UserName)
		if strings.Contains(strings.ToLower(msg.Text), handle) || strings.Contains(strings.ToLower(msg.Caption), handle) {
			return true
		}
	}
	for _, e := range append(msg.Entities, msg.CaptionEntities...) {
		if e.Type == "text_mention" && e.User != nil && e.User.ID == t.self.ID {
			return true
		}
	}
	return false
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

func (t *TelegramChannel) mediaBlocks(msg *tgbotapi.Message) []model.ContentBlock {
	var blocks []model.ContentBlock
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		data, err := t.downloadFileData(photo.FileID)
		if err != nil {
			t.log.Warn().Err(err).Str("file", photo.FileID).Msg("download photo failed")
		} else {
			mediaType := http.DetectContentType(data)
			if mediaType == "application/octet-stream" {
				mediaType = "image/jpeg"
			}
			blocks = append(blocks, model.ContentBlock{
				Type:      model.ContentBlockImage,
				MediaType: mediaType,
				Data:      base64.StdEncoding.EncodeToString(data),
			})
		}
	}
	if msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/") {
		data, err := t.downloadFileData(msg.Document.FileID)
		if err != nil {
			t.log.Warn().Err(err).Str("file", msg.Document.FileID).Msg("download document failed")
		} else {
			blocks = append(blocks, model.ContentBlock{
				Type:      model.ContentBlockImage,
				MediaType: msg.Document.MimeType,
				Data:      base64.StdEncoding.EncodeToString(data),
			})
		}
	}
	return blocks
}

func (t *TelegramChannel) downloadFileData(fileID string) ([]byte, error) {
	if t.bot == nil {
		return nil, fmt.Errorf("telegram bot not initialized")
	}
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get telegram file: %w", err)
	}

	client := t.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(file.Link(t.token))
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download telegram file: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read telegram file body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("telegram file is empty")
	}
	return data, nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.log.Info().Msg("stopped")
	return nil
}

// SetBot installs bot and caches its identity.
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
	t.self = bot.GetSelf()
}

const telegramMaxLen = 4000

func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo)

	for i, chunk := range splitMessage(msg.Content, telegramMaxLen) {
		tgMsg := tgbotapi.NewMessage(chatID, toTelegramHTML(chunk))
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if i == 0 && replyTo > 0 {
			tgMsg.ReplyToMessageID = replyTo
		}
		if _, err := t.bot.Send(tgMsg); err != nil {
			// fall back to plain text for this chunk
			tgMsg.ParseMode = ""
			tgMsg.Text = chunk
			if _, err2 := t.bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
		}
	}
	return nil
}

// splitMessage cuts s into pieces of at most max bytes, preferring newline
// boundaries and never splitting a UTF-8 sequence.
func splitMessage(s string, max int) []string {
	var out []string
	for len(s) > max {
		cut := strings.LastIndex(s[:max], "\n")
		if cut <= 0 {
			cut = max
			for cut > 0 && !utf8RuneStart(s[cut]) {
				cut--
			}
		}
		out = append(out, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	s = replacePairs(s, "```", func(code string) string {
		// strip an optional language tag on the first line
		if nl := strings.Index(code, "\n"); nl >= 0 {
			first := strings.TrimSpace(code[:nl])
			if first != "" && !strings.Contains(first, " ") {
				code = code[nl+1:]
			}
		}
		return "<pre>" + code + "</pre>"
	})
	s = replacePairs(s, "`", func(v string) string { return "<code>" + v + "</code>" })
	s = replacePairs(s, "**", func(v string) string { return "<b>" + v + "</b>" })
	s = replacePairs(s, "*", func(v string) string { return "<i>" + v + "</i>" })
	return s
}

func replacePairs(s, delim string, wrap func(string) string) string {
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			return s
		}
		end += start + len(delim)
		s = s[:start] + wrap(s[start+len(delim):end]) + s[end+len(delim):]
	}
}
