package heartflow

import (
	"context"
	"sync"
	"time"
)

// scriptedChat replays canned replies in order; the last one repeats.
type scriptedChat struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   []ChatRequest
	panics  bool
}

func (s *scriptedChat) Chat(_ context.Context, req ChatRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics {
		panic("boom")
	}
	i := len(s.calls)
	s.calls = append(s.calls, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if len(s.replies) == 0 {
		return "", nil
	}
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return s.replies[i], nil
}

func (s *scriptedChat) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedChat) call(i int) ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu      sync.Mutex
	snap    Snapshot
	saves   int
	loadErr error
	saveErr error
}

func (m *memStore) Load(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, m.loadErr
}

func (m *memStore) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snap = s
	return nil
}

type staticPersona struct {
	id, text string
	err      error
}

func (p staticPersona) Resolve(string) (string, string, error) { return p.id, p.text, p.err }

const eights = `{"relevance": 8, "willingness": 8, "social": 8, "timing": 8, "continuity": 8}`
const twos = `{"relevance": 2, "willingness": 2, "social": 2, "timing": 2, "continuity": 2}`

var day0 = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
