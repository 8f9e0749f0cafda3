package heartflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/heartflow/internal/logging"
)

type WhitelistOptions struct {
	Enabled bool
	Chats   []string
}

// Options configures an Engine. Zero weights fall back to the defaults.
type Options struct {
	Enabled                 bool
	Threshold               float64
	ContextMessages         int
	MaxBufferSize           int
	PersonaMinLength        int
	EnergyDecayRate         float64
	EnergyRecoveryRate      float64
	Whitelist               WhitelistOptions
	Weights                 Weights
	MaxRetries              int
	IncludeReasoning        bool
	IncludeImages           bool
	JudgePromptTemplate     string
	SummarizePromptTemplate string
	Affinity                LedgerOptions
	ImpactStrength          float64
}

// Deps are the collaborators of an Engine. Only Chat is needed for judging;
// a nil Chat makes every judged turn fail closed.
type Deps struct {
	Chat     ChatModel
	Personas PersonaSource
	Store    LedgerStore
	Observer Observer
	Rand     func() float64
	Now      func() time.Time
}

// Engine decides whether the agent should speak up on a message nobody
// addressed to it.
type Engine struct {
	opts      Options
	whitelist map[string]struct{}

	buffer   *Buffer
	state    *StateStore
	ledger   *Ledger
	personas *PersonaCache
	judge    *Judge
	policy   *Policy

	source   PersonaSource
	store    LedgerStore
	observer Observer
	now      func() time.Time
	locks    *keyedMutex
	log      zerolog.Logger

	// set while the stored ledger could not be read
	loadFailed atomic.Bool
}

func NewEngine(opts Options, deps Deps) (*Engine, error) {
	log := logging.WithComponent("heartflow")
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if opts.ContextMessages < 0 {
		opts.ContextMessages = 0
	}

	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultReplyWeights()
	}
	if w, changed := opts.Weights.Normalize(DefaultReplyWeights()); changed {
		log.Warn().Float64("sum", opts.Weights.Sum()).Msg("reply weights do not sum to 1, normalized")
		opts.Weights = w
	}
	if opts.Affinity.Weights == (Weights{}) {
		opts.Affinity.Weights = DefaultAffinityWeights()
	}
	if w, changed := opts.Affinity.Weights.Normalize(DefaultAffinityWeights()); changed {
		log.Warn().Float64("sum", opts.Affinity.Weights.Sum()).Msg("affinity weights do not sum to 1, normalized")
		opts.Affinity.Weights = w
	}

	judge, err := NewJudge(deps.Chat, JudgeOptions{
		MaxRetries:       opts.MaxRetries,
		IncludeReasoning: opts.IncludeReasoning,
		IncludeImages:    opts.IncludeImages,
		Threshold:        opts.Threshold,
		Weights:          opts.Weights,
		PromptTemplate:   opts.JudgePromptTemplate,
	}, deps.Observer, log)
	if err != nil {
		return nil, err
	}
	personas, err := NewPersonaCache(deps.Chat, opts.PersonaMinLength, opts.SummarizePromptTemplate, deps.Now, log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:      opts,
		whitelist: make(map[string]struct{}, len(opts.Whitelist.Chats)),
		buffer:    NewBuffer(opts.MaxBufferSize, deps.Now),
		ledger:    NewLedger(opts.Affinity),
		personas:  personas,
		judge:     judge,
		policy:    NewPolicy(opts.Affinity.Enabled, opts.ImpactStrength, deps.Rand),
		source:    deps.Personas,
		store:     deps.Store,
		observer:  deps.Observer,
		now:       deps.Now,
		locks:     newKeyedMutex(),
		log:       log,
	}
	for _, id := range opts.Whitelist.Chats {
		e.whitelist[id] = struct{}{}
	}
	e.state = NewStateStore(opts.EnergyDecayRate, opts.EnergyRecoveryRate, deps.Now, e.onDailyTick)
	return e, nil
}

func (e *Engine) onDailyTick(conv, date string) {
	if e.ledger.Decay(conv, date) {
		e.log.Debug().Str("conv", conv).Str("date", date).Msg("affinity decayed")
	}
}

// Eligible reports whether conv takes part in proactive replies.
// An enabled whitelist with no entries admits nothing.
func (e *Engine) Eligible(conv string) bool {
	if !e.opts.Whitelist.Enabled {
		return true
	}
	_, ok := e.whitelist[conv]
	return ok
}

// Decide runs one inbound turn through the pipeline. It never returns an
// error; failures come back as a decision with ShouldReply false.
func (e *Engine) Decide(ctx context.Context, turn Turn) (d Decision) {
	d = Decision{
		ID:             uuid.NewString(),
		ConversationID: turn.ConversationID,
		UserID:         turn.SenderID,
		Outcome:        OutcomeSkipped,
		At:             e.now(),
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("conv", turn.ConversationID).Interface("panic", r).
				Str("stack", string(debug.Stack())).Msg("decide panicked")
			d.Outcome = OutcomeFailed
			d.ShouldReply = false
			d.Err = fmt.Errorf("internal fault: %v", r)
			d.Reason = "internal fault"
		}
		e.observer.ObserveDecision(d)
	}()

	if !e.opts.Enabled {
		d.Reason = "disabled"
		return d
	}
	text := strings.TrimSpace(turn.Text)
	if turn.SelfID != "" && turn.SenderID == turn.SelfID {
		d.Reason = "own message"
		return d
	}
	if text == "" {
		d.Reason = "empty message"
		return d
	}

	conv := turn.ConversationID
	unlock := e.locks.Lock(conv)
	defer unlock()

	e.buffer.Append(conv, RoleUser, FormatUserContent(turn.SenderID, turn.SenderName, text))

	if turn.Addressed {
		d.Outcome = OutcomeHostHandled
		d.Reason = "addressed"
		return d
	}
	if !e.Eligible(conv) {
		d.Reason = "not whitelisted"
		return d
	}

	st := e.state.Get(conv)
	affinity := e.ledger.Get(conv, turn.SenderID)
	in := EvalInput{
		ConversationID: conv,
		UserID:         turn.SenderID,
		SenderName:     turn.SenderName,
		Message:        text,
		Persona:        e.persona(ctx, conv),
		Context:        e.buffer.RecentContext(conv, e.opts.ContextMessages, true),
		State:          st,
		MinutesSince:   minutesSince(st.LastReplyTime, e.now()),
		ImageURLs:      turn.ImageURLs,
		Now:            e.now(),
	}
	if e.ledger.Enabled() {
		lv := LevelOf(affinity)
		in.AffinityHint = fmt.Sprintf("%s %s (%.0f/100)", lv.Emblem, lv.Name, affinity)
	}

	res, err := e.judge.Evaluate(ctx, in)
	d.Result = res
	d.Affinity = affinity
	if err != nil {
		d.Outcome = OutcomeFailed
		d.Err = err
		d.Reason = res.Reasoning
		e.state.MarkPassive(conv)
		e.log.Warn().Err(err).Str("conv", conv).Msg("judge failed, staying silent")
		return d
	}

	v := e.policy.Decide(res.OverallScore, affinity, e.opts.Threshold)
	d.MeetsThreshold = v.MeetsThreshold
	d.Probability = v.Probability
	d.Draw = v.Draw
	d.ShouldReply = v.ShouldReply
	d.Result.ShouldReply = v.ShouldReply

	if v.ShouldReply {
		d.Outcome = OutcomeAccept
		e.state.MarkActiveReply(conv)
	} else {
		d.Outcome = OutcomeReject
		e.state.MarkPassive(conv)
	}
	if e.ledger.Enabled() {
		d.AffinityDelta = e.ledger.ComputeDelta(res, v.ShouldReply)
		e.ledger.ApplyDelta(conv, turn.SenderID, d.AffinityDelta)
		e.ledger.RecordInteraction(conv, turn.SenderID)
		d.Affinity = e.ledger.Get(conv, turn.SenderID)
	}

	e.log.Info().Str("conv", conv).Str("user", turn.SenderID).Str("outcome", string(d.Outcome)).
		Float64("score", res.OverallScore).Float64("p", v.Probability).Float64("affinity", d.Affinity).
		Msg("judged")
	return d
}

func (e *Engine) persona(ctx context.Context, conv string) string {
	if e.source == nil {
		return ""
	}
	id, text, err := e.source.Resolve(conv)
	if err != nil {
		cerr := &CollaboratorError{Op: "persona lookup", Err: err}
		e.log.Warn().Err(cerr).Str("conv", conv).Msg("no persona for judge")
		return ""
	}
	if strings.TrimSpace(text) == "" {
		return ""
	}
	return e.personas.Summarize(ctx, conv, id, text)
}

// RecordReply adds a reply the agent sent in conv to the buffer, after the
// decision that led to it. Duplicates of the last reply are ignored.
// It never waits on a judge call in flight for conv.
func (e *Engine) RecordReply(conv, content string) bool {
	if !e.opts.Enabled {
		return false
	}
	return e.buffer.SyncReply(conv, content)
}

// RecentContext returns the labelled context the judge would see for conv.
func (e *Engine) RecentContext(conv string, n int) []ContextMessage {
	return e.buffer.RecentContext(conv, n, true)
}

// DailyTick applies the day rollover to every known conversation. Each
// conversation ticks at most once per date.
func (e *Engine) DailyTick() {
	for _, conv := range e.state.Conversations() {
		e.state.Get(conv)
	}
	today := e.now().Format(dateLayout)
	for _, conv := range e.ledger.Conversations() {
		e.ledger.Decay(conv, today)
	}
}

// Load restores affinity from the store. Whatever the store could read is
// restored even when it reports an error. After a failed load SaveIfDirty
// refuses to write until a later Load or an explicit Save succeeds.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snap, err := e.store.Load(ctx)
	e.ledger.Restore(snap)
	if err != nil {
		e.loadFailed.Store(true)
		return &PersistenceError{Op: "load", Err: err}
	}
	e.loadFailed.Store(false)
	e.log.Info().Int("conversations", len(snap.Local)).Int("global_users", len(snap.Global.Affinity)).Msg("affinity loaded")
	return nil
}

// Save writes the whole affinity snapshot. In-memory state stays
// authoritative when it fails.
func (e *Engine) Save(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snap := e.ledger.Snapshot()
	err := e.store.Save(ctx, snap)
	e.observer.ObserveSave(err)
	if err != nil {
		e.ledger.MarkDirty()
		return &PersistenceError{Op: "save", Err: err}
	}
	e.loadFailed.Store(false)
	return nil
}

// SaveIfDirty saves only when the ledger changed since the last save and the
// stored ledger was read successfully.
func (e *Engine) SaveIfDirty(ctx context.Context) error {
	if e.store == nil || !e.ledger.Dirty() {
		return nil
	}
	if e.loadFailed.Load() {
		return &PersistenceError{Op: "save", Err: ErrNotLoaded}
	}
	return e.Save(ctx)
}

// LoadFailed reports whether the last load left the stored ledger unread.
func (e *Engine) LoadFailed() bool { return e.loadFailed.Load() }
