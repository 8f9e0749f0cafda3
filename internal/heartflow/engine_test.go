package heartflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		Enabled:            true,
		Threshold:          0.6,
		ContextMessages:    5,
		MaxBufferSize:      50,
		PersonaMinLength:   50,
		EnergyDecayRate:    0.1,
		EnergyRecoveryRate: 0.02,
		MaxRetries:         2,
		Affinity: LedgerOptions{
			Enabled:   true,
			Initial:   40,
			DailyRate: 1.0,
		},
		ImpactStrength: 0.5,
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	decisions []Decision
	saves     []error
}

func (o *recordingObserver) ObserveDecision(d Decision) {
	o.mu.Lock()
	o.decisions = append(o.decisions, d)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveJudge(int, time.Duration, error) {}

func (o *recordingObserver) ObserveSave(err error) {
	o.mu.Lock()
	o.saves = append(o.saves, err)
	o.mu.Unlock()
}

func newTestEngine(t *testing.T, opts Options, deps Deps) *Engine {
	t.Helper()
	if deps.Now == nil {
		deps.Now = newFakeClock(day0).Now
	}
	if deps.Rand == nil {
		deps.Rand = fixedDraw(0.5)
	}
	e, err := NewEngine(opts, deps)
	require.NoError(t, err)
	return e
}

func turn(conv, user, text string) Turn {
	return Turn{ConversationID: conv, SenderID: user, SenderName: "nick-" + user, SelfID: "bot", Text: text}
}

func TestDecideAccept(t *testing.T) {
	chat := &scriptedChat{replies: []string{eights}}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat})

	d := e.Decide(context.Background(), turn("g", "u1", "hello all"))
	assert.Equal(t, OutcomeAccept, d.Outcome)
	assert.True(t, d.ShouldReply)
	assert.True(t, d.MeetsThreshold)
	assert.InDelta(t, 0.7, d.Probability, 1e-9)
	assert.NotEmpty(t, d.ID)
	assert.Greater(t, d.AffinityDelta, 0.0)
	assert.InDelta(t, 40+d.AffinityDelta, d.Affinity, 1e-9)

	st := e.Status("g")
	assert.InDelta(t, 0.9, st.State.Energy, 1e-9)
	assert.Equal(t, 1, st.State.TotalReplies)
	assert.Equal(t, 0, st.MinutesSince)
	assert.Equal(t, 1, st.BufferLen)

	ctxMsgs := chat.call(0).Contexts
	require.Len(t, ctxMsgs, 1)
	assert.Equal(t, "[peer message] \n[User ID: u1, Nickname: nick-u1]\nhello all", ctxMsgs[0].Content)
}

func TestDecideRejectByScore(t *testing.T) {
	chat := &scriptedChat{replies: []string{twos}}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat})

	d := e.Decide(context.Background(), turn("g", "u1", "lol"))
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.False(t, d.ShouldReply)
	assert.False(t, d.MeetsThreshold)
	assert.Less(t, d.AffinityDelta, 0.0)
	assert.Equal(t, 1.0, e.Status("g").State.Energy)
}

func TestDecideRejectByDraw(t *testing.T) {
	chat := &scriptedChat{replies: []string{eights}}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat, Rand: fixedDraw(0.95)})

	d := e.Decide(context.Background(), turn("g", "u1", "hello"))
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.True(t, d.MeetsThreshold)
	assert.False(t, d.ShouldReply)
	assert.False(t, d.Result.ShouldReply)
	assert.Equal(t, 0.95, d.Draw)
}

func TestDecideFailClosed(t *testing.T) {
	chat := &scriptedChat{replies: []string{"not json at all"}}
	obs := &recordingObserver{}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat, Observer: obs})

	d := e.Decide(context.Background(), turn("g", "u1", "hello"))
	assert.Equal(t, OutcomeFailed, d.Outcome)
	assert.False(t, d.ShouldReply)
	var perr *ParseError
	assert.ErrorAs(t, d.Err, &perr)
	assert.Equal(t, 3, chat.count())
	assert.Zero(t, d.AffinityDelta)
	assert.Empty(t, e.AffinityUsers("g"))
	assert.Equal(t, 1, e.Status("g").State.TotalMessages)
	require.Len(t, obs.decisions, 1)
	assert.Equal(t, OutcomeFailed, obs.decisions[0].Outcome)
}

func TestDecideWithoutModel(t *testing.T) {
	e := newTestEngine(t, testOptions(), Deps{})
	d := e.Decide(context.Background(), turn("g", "u1", "hello"))
	assert.Equal(t, OutcomeFailed, d.Outcome)
	var cerr *ConfigError
	assert.ErrorAs(t, d.Err, &cerr)
}

func TestDecideRecoversPanic(t *testing.T) {
	chat := &scriptedChat{panics: true}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat})
	d := e.Decide(context.Background(), turn("g", "u1", "hello"))
	assert.Equal(t, OutcomeFailed, d.Outcome)
	assert.False(t, d.ShouldReply)
	assert.Error(t, d.Err)

	// the conversation lock was released
	done := make(chan struct{})
	go func() {
		e.RecordReply("g", "hi")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("conversation lock still held after panic")
	}
}

func TestDecideSkips(t *testing.T) {
	chat := &scriptedChat{replies: []string{eights}}

	disabled := testOptions()
	disabled.Enabled = false
	e := newTestEngine(t, disabled, Deps{Chat: chat})
	assert.Equal(t, OutcomeSkipped, e.Decide(context.Background(), turn("g", "u1", "hi")).Outcome)
	assert.Zero(t, e.Status("g").BufferLen)

	e = newTestEngine(t, testOptions(), Deps{Chat: chat})
	own := turn("g", "bot", "my own words")
	assert.Equal(t, OutcomeSkipped, e.Decide(context.Background(), own).Outcome)
	assert.Equal(t, OutcomeSkipped, e.Decide(context.Background(), turn("g", "u1", "   ")).Outcome)
	assert.Zero(t, e.Status("g").BufferLen)
	assert.Zero(t, chat.count())
}

func TestDecideAddressedIsHostHandled(t *testing.T) {
	chat := &scriptedChat{replies: []string{eights}}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat})

	tr := turn("g", "u1", "@bot what time is it")
	tr.Addressed = true
	d := e.Decide(context.Background(), tr)
	assert.Equal(t, OutcomeHostHandled, d.Outcome)
	assert.False(t, d.ShouldReply)
	assert.Equal(t, 1, e.Status("g").BufferLen)
	assert.Zero(t, chat.count())
}

func TestDecideWhitelist(t *testing.T) {
	chat := &scriptedChat{replies: []string{eights}}
	opts := testOptions()
	opts.Whitelist = WhitelistOptions{Enabled: true, Chats: []string{"allowed"}}
	e := newTestEngine(t, opts, Deps{Chat: chat})

	d := e.Decide(context.Background(), turn("other", "u1", "hi"))
	assert.Equal(t, OutcomeSkipped, d.Outcome)
	assert.Equal(t, 1, e.Status("other").BufferLen, "still buffered")
	assert.Equal(t, OutcomeAccept, e.Decide(context.Background(), turn("allowed", "u1", "hi")).Outcome)

	opts.Whitelist.Chats = nil
	e = newTestEngine(t, opts, Deps{Chat: chat})
	assert.False(t, e.Eligible("allowed"), "empty whitelist admits nothing")
}

func TestDecideAffinityDisabledIsThresholdOnly(t *testing.T) {
	chat := &scriptedChat{replies: []string{eights}}
	opts := testOptions()
	opts.Affinity.Enabled = false
	e := newTestEngine(t, opts, Deps{Chat: chat, Rand: fixedDraw(0.9999)})

	d := e.Decide(context.Background(), turn("g", "u1", "hello"))
	assert.True(t, d.ShouldReply)
	assert.Equal(t, 1.0, d.Probability)
	assert.Zero(t, d.AffinityDelta)
	assert.NotContains(t, chat.call(0).Prompt, "Relationship with sender")
}

func TestDecideUsesPersonaSummary(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{"summarized_persona": "Sarcastic librarian, quotes novels."}`, eights}}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat, Personas: staticPersona{id: "lib", text: longPersona}})

	e.Decide(context.Background(), turn("g", "u1", "hello"))
	require.Equal(t, 2, chat.count())
	assert.Contains(t, chat.call(1).Prompt, "Sarcastic librarian, quotes novels.")
	assert.NotContains(t, chat.call(1).Prompt, longPersona)
	assert.Len(t, e.CacheStats(), 1)
}

func TestDecidePersonaLookupFailure(t *testing.T) {
	chat := &scriptedChat{replies: []string{eights}}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat, Personas: staticPersona{err: errors.New("store down")}})
	d := e.Decide(context.Background(), turn("g", "u1", "hello"))
	assert.Equal(t, OutcomeAccept, d.Outcome)
	assert.Contains(t, chat.call(0).Prompt, defaultPersona)
}

func TestRecordReplyOrdering(t *testing.T) {
	chat := &scriptedChat{replies: []string{eights}}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat})

	assert.False(t, e.RecordReply("g", "early"), "nothing observed yet")
	e.Decide(context.Background(), turn("g", "u1", "first"))
	assert.True(t, e.RecordReply("g", "reply one"))
	e.Decide(context.Background(), turn("g", "u2", "second"))

	entries := e.BufferEntries("g")
	require.Len(t, entries, 3)
	assert.Equal(t, RoleUser, entries[0].Role)
	assert.Equal(t, RoleAgent, entries[1].Role)
	assert.Equal(t, "reply one", entries[1].Content)

	ctxMsgs := chat.call(1).Contexts
	require.Len(t, ctxMsgs, 3)
	assert.Equal(t, "[my prior reply] reply one", ctxMsgs[1].Content)
}

type gatedChat struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedChat) Chat(context.Context, ChatRequest) (string, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return eights, nil
}

func TestRecordReplyDuringJudge(t *testing.T) {
	chat := &gatedChat{started: make(chan struct{}), release: make(chan struct{})}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat})

	decided := make(chan struct{})
	go func() {
		e.Decide(context.Background(), turn("g", "u1", "first"))
		close(decided)
	}()
	<-chat.started

	recorded := make(chan bool, 1)
	go func() { recorded <- e.RecordReply("g", "earlier reply") }()
	select {
	case ok := <-recorded:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Error("RecordReply blocked behind the judge call")
	}
	close(chat.release)
	<-decided
	assert.Len(t, e.BufferEntries("g"), 2)
}

func TestDailyTickDecaysAffinity(t *testing.T) {
	clock := newFakeClock(day0)
	chat := &scriptedChat{replies: []string{eights}}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat, Now: clock.Now})

	d := e.Decide(context.Background(), turn("g", "u1", "hello"))
	before := d.Affinity
	require.Less(t, before, 50.0)

	e.DailyTick()
	assert.InDelta(t, before, e.AffinityUsers("g")[0].Affinity, 1e-9, "same day is a no-op")

	clock.Advance(24 * time.Hour)
	e.DailyTick()
	assert.InDelta(t, before+2, e.AffinityUsers("g")[0].Affinity, 1e-9)
	assert.InDelta(t, 1.0, e.Status("g").State.Energy, 1e-9)
}

func TestSaveAndLoad(t *testing.T) {
	store := &memStore{}
	obs := &recordingObserver{}
	chat := &scriptedChat{replies: []string{eights}}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat, Store: store, Observer: obs})

	require.NoError(t, e.SaveIfDirty(context.Background()))
	assert.Zero(t, store.saves)

	d := e.Decide(context.Background(), turn("g", "u1", "hello"))
	require.NoError(t, e.SaveIfDirty(context.Background()))
	assert.Equal(t, 1, store.saves)
	require.NoError(t, e.SaveIfDirty(context.Background()))
	assert.Equal(t, 1, store.saves)

	fresh := newTestEngine(t, testOptions(), Deps{Chat: chat, Store: store})
	require.NoError(t, fresh.Load(context.Background()))
	users := fresh.AffinityUsers("g")
	require.Len(t, users, 1)
	assert.InDelta(t, d.Affinity, users[0].Affinity, 1e-9)
	assert.Equal(t, 1, users[0].Interactions)
	assert.Equal(t, []error{nil}, obs.saves)
}

func TestPersistenceErrors(t *testing.T) {
	store := &memStore{loadErr: errors.New("disk gone"), saveErr: errors.New("read-only")}
	chat := &scriptedChat{replies: []string{eights}}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat, Store: store})

	var perr *PersistenceError
	require.ErrorAs(t, e.Load(context.Background()), &perr)
	assert.Equal(t, "load", perr.Op)

	e.Decide(context.Background(), turn("g", "u1", "hello"))
	require.ErrorAs(t, e.Save(context.Background()), &perr)
	assert.Equal(t, "save", perr.Op)
	assert.Len(t, e.AffinityUsers("g"), 1, "memory stays authoritative")

	store.saveErr = nil
	require.NoError(t, e.Save(context.Background()))
	assert.Equal(t, 2, store.saves)
	assert.False(t, e.LoadFailed())

	e.Decide(context.Background(), turn("g", "u1", "again"))
	require.NoError(t, e.SaveIfDirty(context.Background()))
	assert.Equal(t, 3, store.saves)
}

func TestFailedLoadWithholdsAutosave(t *testing.T) {
	stored := Snapshot{Local: map[string]Record{
		"tg:A": {Affinity: map[string]float64{"alice": 90}, Interactions: map[string]int{"alice": 12}},
		"tg:B": {Affinity: map[string]float64{"bob": 85}, Interactions: map[string]int{"bob": 8}},
	}}
	store := &memStore{snap: stored, loadErr: errors.New("parse affinity_global.json: unexpected end of JSON input")}
	chat := &scriptedChat{replies: []string{eights}}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat, Store: store})

	require.Error(t, e.Load(context.Background()))
	assert.True(t, e.LoadFailed())
	users := e.AffinityUsers("tg:A")
	require.Len(t, users, 1, "readable ledgers are restored")
	assert.InDelta(t, 90, users[0].Affinity, 1e-9)
	assert.Contains(t, FormatStatus(e.Status("tg:C")), "autosave paused")

	e.Decide(context.Background(), turn("tg:C", "carol", "hello"))
	require.ErrorIs(t, e.SaveIfDirty(context.Background()), ErrNotLoaded)
	assert.Zero(t, store.saves)
	assert.InDelta(t, 90, store.snap.Local["tg:A"].Affinity["alice"], 1e-9)

	// the file is repaired and reloaded
	store.loadErr = nil
	require.NoError(t, e.Load(context.Background()))
	require.NoError(t, e.SaveIfDirty(context.Background()))
	assert.Equal(t, 1, store.saves)
	assert.Len(t, store.snap.Local, 3)
}

func TestAdminOperations(t *testing.T) {
	chat := &scriptedChat{replies: []string{eights}}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat})
	e.Decide(context.Background(), turn("g", "u1", "hello"))
	e.Decide(context.Background(), turn("g", "u2", "hey"))

	report := FormatStatus(e.Status("g"))
	assert.Contains(t, report, "Conversation: g")
	assert.Contains(t, report, "Replies: 2")
	assert.Contains(t, report, "Buffer: 2/50")

	assert.Contains(t, FormatBuffer("g", e.BufferEntries("g"), e.BufferCap()), "peer messages: 2")
	assert.Contains(t, FormatAffinity("g", e.AffinityUsers("g")), "u1")

	assert.True(t, e.ResetState("g"))
	assert.Equal(t, 0, e.Status("g").State.TotalMessages)
	assert.Equal(t, 2, e.ClearBuffer("g"))
	assert.Equal(t, 2, e.ClearAffinity("g", false))
	assert.Equal(t, "No affinity records for g.", FormatAffinity("g", e.AffinityUsers("g")))
	assert.Equal(t, "Persona cache is empty.", FormatCache(e.CacheStats()))
}

func TestNewEngineNormalizesWeights(t *testing.T) {
	opts := testOptions()
	opts.Weights = Weights{Relevance: 2, Willingness: 2, Social: 2, Timing: 2, Continuity: 2}
	e := newTestEngine(t, opts, Deps{})
	assert.InDelta(t, 1.0, e.Status("g").Weights.Sum(), 1e-9)
	assert.InDelta(t, 0.2, e.Status("g").Weights.Relevance, 1e-9)
}

func TestConcurrentConversations(t *testing.T) {
	chat := &scriptedChat{replies: []string{eights}}
	e := newTestEngine(t, testOptions(), Deps{Chat: chat})

	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		for m := 0; m < 10; m++ {
			wg.Add(1)
			go func(c, m int) {
				defer wg.Done()
				conv := fmt.Sprintf("g%d", c)
				e.Decide(context.Background(), turn(conv, fmt.Sprintf("u%d", m%3), "msg"))
				e.RecordReply(conv, fmt.Sprintf("reply %d", m))
			}(c, m)
		}
	}
	wg.Wait()

	for c := 0; c < 8; c++ {
		st := e.Status(fmt.Sprintf("g%d", c))
		assert.Equal(t, 10, st.State.TotalMessages)
		assert.LessOrEqual(t, st.BufferLen, 50)
		assert.GreaterOrEqual(t, st.State.Energy, minEnergy)
	}
}
