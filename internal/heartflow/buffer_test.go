package heartflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferEvictsOldestFirst(t *testing.T) {
	b := NewBuffer(3, nil)
	for i := 1; i <= 4; i++ {
		b.Append("c", RoleUser, fmt.Sprintf("M%d", i))
	}
	entries := b.Entries("c")
	require.Len(t, entries, 3)
	assert.Equal(t, "M2", entries[0].Content)
	assert.Equal(t, "M3", entries[1].Content)
	assert.Equal(t, "M4", entries[2].Content)
}

func TestBufferNeverExceedsCap(t *testing.T) {
	for _, capacity := range []int{1, 2, 7, 50} {
		b := NewBuffer(capacity, nil)
		for i := 0; i < capacity*3+1; i++ {
			b.Append("c", RoleUser, fmt.Sprint(i))
			assert.LessOrEqual(t, b.Len("c"), capacity)
		}
		entries := b.Entries("c")
		assert.Equal(t, fmt.Sprint(capacity*3), entries[len(entries)-1].Content)
	}
}

func TestRecentContextSingleEntry(t *testing.T) {
	b := NewBuffer(10, nil)
	b.Append("c", RoleUser, "hello")
	got := b.RecentContext("c", 5, false)
	assert.Equal(t, []ContextMessage{{Role: "user", Content: "hello"}}, got)
}

func TestRecentContextLabels(t *testing.T) {
	b := NewBuffer(10, nil)
	b.Append("c", RoleUser, "one")
	b.Append("c", RoleAgent, "two")
	b.Append("c", RoleUser, "three")

	got := b.RecentContext("c", 2, true)
	assert.Equal(t, []ContextMessage{
		{Role: "assistant", Content: "[my prior reply] two"},
		{Role: "user", Content: "[peer message] three"},
	}, got)
}

func TestRecentContextEmpty(t *testing.T) {
	b := NewBuffer(10, nil)
	assert.Empty(t, b.RecentContext("missing", 5, true))
	b.Append("c", RoleUser, "x")
	assert.Empty(t, b.RecentContext("c", 0, true))
}

func TestSyncReply(t *testing.T) {
	b := NewBuffer(10, nil)
	assert.False(t, b.SyncReply("c", "hi"), "no back-fill into an empty buffer")

	b.Append("c", RoleUser, "question")
	assert.True(t, b.SyncReply("c", "answer"))
	assert.False(t, b.SyncReply("c", "answer"), "duplicate of the last reply")
	assert.False(t, b.SyncReply("c", "   "))

	b.Append("c", RoleUser, "again")
	assert.False(t, b.SyncReply("c", "answer"))
	assert.True(t, b.SyncReply("c", "new answer"))
	assert.Equal(t, 4, b.Len("c"))
}

func TestBufferClear(t *testing.T) {
	b := NewBuffer(10, nil)
	b.Append("a", RoleUser, "1")
	b.Append("a", RoleUser, "2")
	b.Append("b", RoleUser, "3")

	assert.Equal(t, 2, b.Clear("a"))
	assert.Equal(t, 0, b.Len("a"))
	assert.Equal(t, 1, b.Conversations())
	assert.Equal(t, 1, b.Clear(""))
	assert.Equal(t, 0, b.Conversations())
}

func TestFormatUserContent(t *testing.T) {
	assert.Equal(t, "\n[User ID: 42, Nickname: ann]\nhi", FormatUserContent("42", "ann", "hi"))
}
