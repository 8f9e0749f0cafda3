package bus

import (
	"context"
	"sync"

	"github.com/stellarlinkco/heartflow/internal/logging"
)

// MessageBus connects channels to the gateway. Inbound carries chat traffic
// in, Outbound carries replies out to the channel that owns the chat.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]func(OutboundMessage)
	taps        []func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string][]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers fn for outbound messages of one channel.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

// Tap registers fn to observe every outbound message after delivery.
func (b *MessageBus) Tap(fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, fn)
}

// DispatchOutbound delivers outbound messages until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	log := logging.WithComponent("bus")
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			subs := b.subscribers[msg.Channel]
			taps := b.taps
			b.mu.RUnlock()
			if len(subs) == 0 {
				log.Warn().Str("channel", msg.Channel).Str("chat", msg.ChatID).Msg("no subscriber for outbound message")
				continue
			}
			for _, fn := range subs {
				fn(msg)
			}
			for _, fn := range taps {
				fn(msg)
			}
		case <-ctx.Done():
			return
		}
	}
}
