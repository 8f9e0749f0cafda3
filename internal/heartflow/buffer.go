package heartflow

import (
	"strings"
	"sync"
	"time"
)

const (
	peerLabel  = "[peer message] "
	agentLabel = "[my prior reply] "
)

// FormatUserContent renders an inbound message the way it is stored in the buffer.
func FormatUserContent(userID, nickname, text string) string {
	return "\n[User ID: " + userID + ", Nickname: " + nickname + "]\n" + text
}

// Buffer keeps the most recent messages per conversation, oldest first.
// It only holds what was observed while running.
type Buffer struct {
	mu      sync.RWMutex
	max     int
	now     func() time.Time
	entries map[string][]Message
}

func NewBuffer(max int, now func() time.Time) *Buffer {
	if max <= 0 {
		max = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Buffer{max: max, now: now, entries: make(map[string][]Message)}
}

func (b *Buffer) Cap() int { return b.max }

// Append adds a message and drops the oldest entries beyond capacity.
func (b *Buffer) Append(conv string, role Role, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := append(b.entries[conv], Message{Role: role, Content: content, Timestamp: b.now()})
	if over := len(msgs) - b.max; over > 0 {
		msgs = append(msgs[:0:0], msgs[over:]...)
	}
	b.entries[conv] = msgs
}

// RecentContext returns up to n of the latest messages as model context turns.
// With labels set, each content is prefixed by its provenance.
func (b *Buffer) RecentContext(conv string, n int, labels bool) []ContextMessage {
	if n <= 0 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	msgs := b.entries[conv]
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := ContextMessage{Role: "user", Content: m.Content}
		if m.Role == RoleAgent {
			cm.Role = "assistant"
		}
		if labels {
			if m.Role == RoleAgent {
				cm.Content = agentLabel + m.Content
			} else {
				cm.Content = peerLabel + m.Content
			}
		}
		out = append(out, cm)
	}
	return out
}

// SyncReply records an agent reply that was sent outside the decision path.
// It is skipped when the conversation has no buffer yet or the reply repeats
// the latest agent entry.
func (b *Buffer) SyncReply(conv, content string) bool {
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.entries[conv]
	if len(msgs) == 0 {
		return false
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAgent {
			if msgs[i].Content == content {
				return false
			}
			break
		}
	}
	msgs = append(msgs, Message{Role: RoleAgent, Content: content, Timestamp: b.now()})
	if over := len(msgs) - b.max; over > 0 {
		msgs = append(msgs[:0:0], msgs[over:]...)
	}
	b.entries[conv] = msgs
	return true
}

func (b *Buffer) Len(conv string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries[conv])
}

// Entries returns a copy of the buffered messages for conv.
func (b *Buffer) Entries(conv string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Message(nil), b.entries[conv]...)
}

// Clear drops the buffer of conv, or every buffer when conv is empty.
// It returns how many messages were removed.
func (b *Buffer) Clear(conv string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conv != "" {
		n := len(b.entries[conv])
		delete(b.entries, conv)
		return n
	}
	n := 0
	for _, msgs := range b.entries {
		n += len(msgs)
	}
	b.entries = make(map[string][]Message)
	return n
}

func (b *Buffer) Conversations() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
