package heartflow

import (
	"math"
	"sort"
	"sync"
)

const (
	minAffinity     = 0.0
	maxAffinity     = 100.0
	neutralAffinity = 50.0
	maxDelta        = 5.0
)

// Record is one affinity ledger, either a conversation's or the global one.
type Record struct {
	Affinity      map[string]float64 `json:"affinity"`
	Interactions  map[string]int     `json:"interactions"`
	LastDecayDate string             `json:"last_decay_date"`
}

func newRecord() *Record {
	return &Record{Affinity: make(map[string]float64), Interactions: make(map[string]int)}
}

func (r *Record) clone() Record {
	out := Record{
		Affinity:      make(map[string]float64, len(r.Affinity)),
		Interactions:  make(map[string]int, len(r.Interactions)),
		LastDecayDate: r.LastDecayDate,
	}
	for k, v := range r.Affinity {
		out.Affinity[k] = v
	}
	for k, v := range r.Interactions {
		out.Interactions[k] = v
	}
	return out
}

// Snapshot is the persisted form of all ledgers.
type Snapshot struct {
	Local  map[string]Record `json:"local"`
	Global Record            `json:"global"`
}

type GlobalOptions struct {
	Enabled          bool
	WhitelistEnabled bool
	Whitelist        []string
}

type LedgerOptions struct {
	Enabled   bool
	Initial   float64
	DailyRate float64
	Weights   Weights
	Global    GlobalOptions
}

// Ledger tracks per-user affinity toward the agent.
type Ledger struct {
	mu        sync.RWMutex
	opts      LedgerOptions
	whitelist map[string]struct{}
	local     map[string]*Record
	global    *Record
	dirty     bool
}

func NewLedger(opts LedgerOptions) *Ledger {
	wl := make(map[string]struct{}, len(opts.Global.Whitelist))
	for _, id := range opts.Global.Whitelist {
		wl[id] = struct{}{}
	}
	opts.Initial = clamp(opts.Initial, minAffinity, maxAffinity)
	return &Ledger{opts: opts, whitelist: wl, local: make(map[string]*Record), global: newRecord()}
}

func (l *Ledger) Enabled() bool { return l.opts.Enabled }

func (l *Ledger) Weights() Weights { return l.opts.Weights }

func (l *Ledger) globalFor(conv string) bool {
	if !l.opts.Global.Enabled {
		return false
	}
	if !l.opts.Global.WhitelistEnabled {
		return true
	}
	_, ok := l.whitelist[conv]
	return ok
}

func (l *Ledger) localRecord(conv string) *Record {
	r, ok := l.local[conv]
	if !ok {
		r = newRecord()
		l.local[conv] = r
	}
	return r
}

// Get returns the affinity of user as seen from conv. A global record wins when
// conv is admitted to the global ledger, otherwise the local value is used,
// defaulting to the initial value.
func (l *Ledger) Get(conv, user string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.globalFor(conv) {
		if v, ok := l.global.Affinity[user]; ok {
			return v
		}
	}
	if r, ok := l.local[conv]; ok {
		if v, ok := r.Affinity[user]; ok {
			return v
		}
	}
	return l.opts.Initial
}

// GetLocal returns the per-conversation value only.
func (l *Ledger) GetLocal(conv, user string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r, ok := l.local[conv]; ok {
		if v, ok := r.Affinity[user]; ok {
			return v
		}
	}
	return l.opts.Initial
}

// GetGlobal returns the global affinity of user.
func (l *Ledger) GetGlobal(user string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.global.Affinity[user]; ok {
		return v
	}
	return l.opts.Initial
}

// ApplyDelta adds delta to the local ledger and, when conv is admitted, to the
// global one. Each value is clamped on its own. It returns the new local value.
func (l *Ledger) ApplyDelta(conv, user string, delta float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.apply(l.localRecord(conv), user, delta)
	if l.globalFor(conv) {
		l.apply(l.global, user, delta)
	}
	l.dirty = true
	return v
}

func (l *Ledger) apply(r *Record, user string, delta float64) float64 {
	cur, ok := r.Affinity[user]
	if !ok {
		cur = l.opts.Initial
	}
	v := clamp(cur+delta, minAffinity, maxAffinity)
	r.Affinity[user] = v
	return v
}

// RecordInteraction bumps the interaction counters under the same rule as ApplyDelta.
func (l *Ledger) RecordInteraction(conv, user string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.localRecord(conv).Interactions[user]++
	if l.globalFor(conv) {
		l.global.Interactions[user]++
	}
	l.dirty = true
}

// DeltaForQuality maps an overall quality in [0,1] to a raw affinity delta.
func DeltaForQuality(q float64) float64 {
	switch {
	case q > 0.8:
		return 2.0 + (q-0.8)*5
	case q > 0.6:
		return 0.8 + (q-0.6)*6
	case q > 0.4:
		return -1.0 + (q-0.4)*9
	case q > 0.2:
		return -2.5 + (q-0.2)*7.5
	default:
		return -5.0 + q*12.5
	}
}

// ComputeDelta scores a judgment for affinity. Quality uses the affinity weights,
// not the reply weights, and the outcome adjusts it slightly.
func (l *Ledger) ComputeDelta(r JudgeResult, replied bool) float64 {
	q := clamp01(l.opts.Weights.Apply(r) / 10)
	d := DeltaForQuality(q)
	switch {
	case replied:
		d += 0.3
	case q > 0.5:
		d -= 0.2
	}
	return clamp(d, -maxDelta, maxDelta)
}

// decayToward moves v toward neutral. Above neutral it drops by up to 1.5x the
// rate, below it rises by up to 2x. It never crosses neutral.
func decayToward(v, rate float64) float64 {
	switch {
	case v > neutralAffinity:
		return v - math.Min(v-neutralAffinity, 1.5*rate)
	case v < neutralAffinity:
		return v + math.Min(neutralAffinity-v, 2*rate)
	}
	return v
}

func (l *Ledger) decayRecord(r *Record, date string) bool {
	if r.LastDecayDate == date {
		return false
	}
	for user, v := range r.Affinity {
		r.Affinity[user] = decayToward(v, l.opts.DailyRate)
	}
	r.LastDecayDate = date
	return true
}

// Decay applies the daily decay to conv and, when enabled, the global ledger.
// It runs at most once per calendar date per ledger.
func (l *Ledger) Decay(conv, date string) bool {
	if !l.opts.Enabled {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := l.decayRecord(l.localRecord(conv), date)
	if l.opts.Global.Enabled && l.decayRecord(l.global, date) {
		changed = true
	}
	if changed {
		l.dirty = true
	}
	return changed
}

// Clear drops the local ledger of conv. It returns the number of users removed.
func (l *Ledger) Clear(conv string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.local[conv]
	if !ok {
		return 0
	}
	delete(l.local, conv)
	l.dirty = true
	return len(r.Affinity)
}

func (l *Ledger) ClearGlobal() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.global.Affinity)
	l.global = newRecord()
	l.dirty = true
	return n
}

// UserAffinity is one row of a ledger listing.
type UserAffinity struct {
	UserID       string
	Affinity     float64
	Interactions int
	Level        Level
}

// Users lists the local ledger of conv, highest affinity first.
func (l *Ledger) Users(conv string) []UserAffinity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.local[conv]
	if !ok {
		return nil
	}
	out := make([]UserAffinity, 0, len(r.Affinity))
	for user, v := range r.Affinity {
		out = append(out, UserAffinity{UserID: user, Affinity: v, Interactions: r.Interactions[user], Level: LevelOf(v)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Affinity != out[j].Affinity {
			return out[i].Affinity > out[j].Affinity
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Snapshot returns a deep copy of all ledgers and clears the dirty flag.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := Snapshot{Local: make(map[string]Record, len(l.local)), Global: l.global.clone()}
	for conv, r := range l.local {
		snap.Local[conv] = r.clone()
	}
	l.dirty = false
	return snap
}

// Dirty reports whether the ledger changed since the last Snapshot.
func (l *Ledger) Dirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dirty
}

// MarkDirty flags the ledger for the next save, used after a failed save.
func (l *Ledger) MarkDirty() {
	l.mu.Lock()
	l.dirty = true
	l.mu.Unlock()
}

// Restore merges snap into the ledgers. Conversations present in snap replace
// the in-memory ones. Values are clamped to range.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for conv, r := range snap.Local {
		l.local[conv] = sanitize(r)
	}
	if len(snap.Global.Affinity) > 0 || snap.Global.LastDecayDate != "" {
		l.global = sanitize(snap.Global)
	}
}

func sanitize(r Record) *Record {
	out := newRecord()
	out.LastDecayDate = r.LastDecayDate
	for user, v := range r.Affinity {
		out.Affinity[user] = clamp(v, minAffinity, maxAffinity)
	}
	for user, n := range r.Interactions {
		out.Interactions[user] = n
	}
	return out
}

// Level is a display bucket for an affinity value.
type Level struct {
	Name   string
	Emblem string
}

var levels = []struct {
	min float64
	Level
}{
	{85, Level{"devoted", "💖"}},
	{75, Level{"close", "💕"}},
	{60, Level{"friendly", "😊"}},
	{40, Level{"neutral", "😐"}},
	{20, Level{"distant", "😒"}},
	{0, Level{"cold", "🧊"}},
}

func LevelOf(v float64) Level {
	for _, lv := range levels {
		if v >= lv.min {
			return lv.Level
		}
	}
	return levels[len(levels)-1].Level
}

// Conversations lists conversations with a local ledger.
func (l *Ledger) Conversations() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.local))
	for id := range l.local {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
