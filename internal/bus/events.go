package bus

import (
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
)

type InboundMessage struct {
	Channel    string
	SenderID   string
	SenderName string
	SelfID     string
	ChatID     string
	MessageID  string
	Content    string
	Timestamp  time.Time
	// Addressed is set when the message mentions the bot, replies to it or
	// arrives in a private chat.
	Addressed bool
	// IsCommand marks slash commands; they are routed to the admin handler.
	IsCommand     bool
	Media         []string // image URLs the judge may look at
	Metadata      map[string]any
	ContentBlocks []model.ContentBlock // multimodal content for the reply runtime
}

// SessionKey identifies the conversation across channels.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Media    []string
	Metadata map[string]any
}

// SessionKey matches InboundMessage.SessionKey for the same chat.
func (m *OutboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}
