package heartflow

import (
	"sort"
	"sync"
	"time"
)

const (
	minEnergy        = 0.1
	maxEnergy        = 1.0
	dailyEnergyBonus = 0.2
	neverRepliedMins = 999
	dateLayout       = "2006-01-02"
)

// ConversationState tracks the agent's engagement in one conversation.
type ConversationState struct {
	Energy        float64   `json:"energy"`
	LastReplyTime time.Time `json:"last_reply_time"`
	LastResetDate string    `json:"last_reset_date"`
	TotalMessages int       `json:"total_messages"`
	TotalReplies  int       `json:"total_replies"`
}

// ReplyRate is replies over messages, 0 when nothing was seen.
func (s ConversationState) ReplyRate() float64 {
	if s.TotalMessages == 0 {
		return 0
	}
	return float64(s.TotalReplies) / float64(s.TotalMessages)
}

// StateStore holds ConversationState per conversation and runs the daily tick
// on first access each day.
type StateStore struct {
	mu           sync.Mutex
	states       map[string]*ConversationState
	decayRate    float64
	recoveryRate float64
	now          func() time.Time
	onDailyTick  func(conv, date string)
}

func NewStateStore(decayRate, recoveryRate float64, now func() time.Time, onDailyTick func(conv, date string)) *StateStore {
	if now == nil {
		now = time.Now
	}
	return &StateStore{
		states:       make(map[string]*ConversationState),
		decayRate:    decayRate,
		recoveryRate: recoveryRate,
		now:          now,
		onDailyTick:  onDailyTick,
	}
}

// get returns the live state for conv, creating it and applying the daily tick.
// Caller holds s.mu. The bool reports whether a tick ran.
func (s *StateStore) get(conv string) (*ConversationState, string, bool) {
	st, ok := s.states[conv]
	if !ok {
		st = &ConversationState{Energy: maxEnergy}
		s.states[conv] = st
	}
	today := s.now().Format(dateLayout)
	if st.LastResetDate == today {
		return st, today, false
	}
	st.LastResetDate = today
	st.Energy = clamp(st.Energy+dailyEnergyBonus, minEnergy, maxEnergy)
	return st, today, true
}

func (s *StateStore) access(conv string, fn func(st *ConversationState)) ConversationState {
	s.mu.Lock()
	st, today, ticked := s.get(conv)
	if fn != nil {
		fn(st)
	}
	out := *st
	s.mu.Unlock()
	if ticked && s.onDailyTick != nil {
		s.onDailyTick(conv, today)
	}
	return out
}

// Get returns a copy of the state for conv.
func (s *StateStore) Get(conv string) ConversationState {
	return s.access(conv, nil)
}

// MarkActiveReply records a reply by the agent. Energy drops by the decay rate.
func (s *StateStore) MarkActiveReply(conv string) ConversationState {
	return s.access(conv, func(st *ConversationState) {
		st.LastReplyTime = s.now()
		st.TotalMessages++
		st.TotalReplies++
		st.Energy = clamp(st.Energy-s.decayRate, minEnergy, maxEnergy)
	})
}

// MarkPassive records a turn where the agent stayed silent. Energy recovers slowly.
func (s *StateStore) MarkPassive(conv string) ConversationState {
	return s.access(conv, func(st *ConversationState) {
		st.TotalMessages++
		st.Energy = clamp(st.Energy+s.recoveryRate, minEnergy, maxEnergy)
	})
}

// MinutesSinceLastReply returns whole minutes since the last agent reply, 999 if never.
func (s *StateStore) MinutesSinceLastReply(conv string) int {
	st := s.Get(conv)
	return minutesSince(st.LastReplyTime, s.now())
}

func minutesSince(t, now time.Time) int {
	if t.IsZero() {
		return neverRepliedMins
	}
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

// Reset removes the state of conv. It reports whether one existed.
func (s *StateStore) Reset(conv string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.states[conv]
	delete(s.states, conv)
	return ok
}

// Conversations lists known conversation ids in sorted order.
func (s *StateStore) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
