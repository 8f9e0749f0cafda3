package heartflow

import (
	"fmt"
	"strings"
)

// Status is a read-only view of one conversation for the admin surface.
type Status struct {
	ConversationID  string
	Enabled         bool
	Eligible        bool
	State           ConversationState
	MinutesSince    int
	BufferLen       int
	BufferCap       int
	CacheEntries    int
	Threshold       float64
	MaxRetries      int
	WhitelistOn     bool
	WhitelistSize   int
	Weights         Weights
	AffinityEnabled bool
	LoadFailed      bool
	Users           []UserAffinity
}

func (e *Engine) Status(conv string) Status {
	st := e.state.Get(conv)
	return Status{
		ConversationID:  conv,
		Enabled:         e.opts.Enabled,
		Eligible:        e.Eligible(conv),
		State:           st,
		MinutesSince:    minutesSince(st.LastReplyTime, e.now()),
		BufferLen:       e.buffer.Len(conv),
		BufferCap:       e.buffer.Cap(),
		CacheEntries:    e.personas.Len(),
		Threshold:       e.opts.Threshold,
		MaxRetries:      e.opts.MaxRetries,
		WhitelistOn:     e.opts.Whitelist.Enabled,
		WhitelistSize:   len(e.whitelist),
		Weights:         e.opts.Weights,
		AffinityEnabled: e.ledger.Enabled(),
		LoadFailed:      e.loadFailed.Load(),
		Users:           e.ledger.Users(conv),
	}
}

// ResetState forgets energy and counters of conv.
func (e *Engine) ResetState(conv string) bool {
	unlock := e.locks.Lock(conv)
	defer unlock()
	return e.state.Reset(conv)
}

// ClearBuffer empties the buffer of conv, or all buffers when conv is empty.
func (e *Engine) ClearBuffer(conv string) int {
	if conv == "" {
		return e.buffer.Clear("")
	}
	unlock := e.locks.Lock(conv)
	defer unlock()
	return e.buffer.Clear(conv)
}

func (e *Engine) BufferEntries(conv string) []Message { return e.buffer.Entries(conv) }

func (e *Engine) BufferCap() int { return e.buffer.Cap() }

func (e *Engine) CacheStats() []PersonaCacheStat { return e.personas.Stats() }

func (e *Engine) ClearCache() int { return e.personas.Clear() }

// ClearAffinity drops the local ledger of conv. With global set the global
// ledger is cleared too.
func (e *Engine) ClearAffinity(conv string, global bool) int {
	unlock := e.locks.Lock(conv)
	n := e.ledger.Clear(conv)
	unlock()
	if global {
		n += e.ledger.ClearGlobal()
	}
	return n
}

func energyBand(v float64) string {
	switch {
	case v > 0.7:
		return "high"
	case v > 0.3:
		return "medium"
	}
	return "low"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func FormatStatus(s Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Heartflow status\n\n")
	fmt.Fprintf(&b, "Conversation: %s\n", s.ConversationID)
	fmt.Fprintf(&b, "- Energy: %.2f/1.0 (%s)\n", s.State.Energy, energyBand(s.State.Energy))
	fmt.Fprintf(&b, "- Last reply: %d minutes ago\n", s.MinutesSince)
	fmt.Fprintf(&b, "- Eligible: %s\n\n", onOff(s.Eligible))
	fmt.Fprintf(&b, "History:\n")
	fmt.Fprintf(&b, "- Messages: %d\n", s.State.TotalMessages)
	fmt.Fprintf(&b, "- Replies: %d\n", s.State.TotalReplies)
	fmt.Fprintf(&b, "- Reply rate: %.1f%%\n\n", s.State.ReplyRate()*100)
	fmt.Fprintf(&b, "Settings:\n")
	fmt.Fprintf(&b, "- Threshold: %.2f\n", s.Threshold)
	fmt.Fprintf(&b, "- Max retries: %d\n", s.MaxRetries)
	fmt.Fprintf(&b, "- Whitelist: %s (%d chats)\n\n", onOff(s.WhitelistOn), s.WhitelistSize)
	fmt.Fprintf(&b, "Caches:\n")
	fmt.Fprintf(&b, "- Persona summaries: %d\n", s.CacheEntries)
	fmt.Fprintf(&b, "- Buffer: %d/%d\n\n", s.BufferLen, s.BufferCap)
	fmt.Fprintf(&b, "Weights:\n")
	fmt.Fprintf(&b, "- relevance %.0f%%, willingness %.0f%%, social %.0f%%, timing %.0f%%, continuity %.0f%%\n",
		s.Weights.Relevance*100, s.Weights.Willingness*100, s.Weights.Social*100, s.Weights.Timing*100, s.Weights.Continuity*100)
	if s.AffinityEnabled {
		fmt.Fprintf(&b, "\nAffinity: %d users tracked\n", len(s.Users))
		if s.LoadFailed {
			fmt.Fprintf(&b, "- stored ledger unreadable, autosave paused until /heartflow_save\n")
		}
		for _, name := range levelNames() {
			if n := countLevel(s.Users, name); n > 0 {
				fmt.Fprintf(&b, "- %s: %d\n", name, n)
			}
		}
	}
	fmt.Fprintf(&b, "\nHeartflow: %s", onOff(s.Enabled))
	return b.String()
}

func levelNames() []string {
	names := make([]string, 0, len(levels))
	for _, lv := range levels {
		names = append(names, lv.Name)
	}
	return names
}

func countLevel(users []UserAffinity, name string) int {
	n := 0
	for _, u := range users {
		if u.Level.Name == name {
			n++
		}
	}
	return n
}

func FormatCache(stats []PersonaCacheStat) string {
	if len(stats) == 0 {
		return "Persona cache is empty."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Persona cache: %d entries\n", len(stats))
	for _, s := range stats {
		fmt.Fprintf(&b, "- %s / %s: %d -> %d chars (%s)\n",
			s.ConversationID, firstNonEmpty(s.PersonaID, "default"), s.OriginalLen, s.SummaryLen, s.CreatedAt.Format("01-02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func FormatBuffer(conv string, msgs []Message, capacity int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Buffer for %s: %d/%d\n", conv, len(msgs), capacity)
	users, agent := 0, 0
	for _, m := range msgs {
		if m.Role == RoleAgent {
			agent++
		} else {
			users++
		}
	}
	fmt.Fprintf(&b, "- peer messages: %d\n- my replies: %d", users, agent)
	start := len(msgs) - 5
	if start < 0 {
		start = 0
	}
	for _, m := range msgs[start:] {
		label := strings.TrimSpace(peerLabel)
		if m.Role == RoleAgent {
			label = strings.TrimSpace(agentLabel)
		}
		fmt.Fprintf(&b, "\n%s %s", label, truncate(strings.Join(strings.Fields(m.Content), " "), 60))
	}
	return b.String()
}

func FormatAffinity(conv string, users []UserAffinity) string {
	if len(users) == 0 {
		return fmt.Sprintf("No affinity records for %s.", conv)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Affinity in %s:", conv)
	for _, u := range users {
		fmt.Fprintf(&b, "\n%s %s %.1f (%s, %d interactions)", u.Level.Emblem, u.UserID, u.Affinity, u.Level.Name, u.Interactions)
	}
	return b.String()
}

func (e *Engine) AffinityUsers(conv string) []UserAffinity { return e.ledger.Users(conv) }
