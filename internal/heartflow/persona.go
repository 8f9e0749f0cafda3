package heartflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const minSummaryLength = 10

type personaKey struct {
	conv    string
	persona string
}

type personaEntry struct {
	fingerprint string
	summary     string
	originalLen int
	createdAt   time.Time
}

// PersonaCacheStat describes one cached summary.
type PersonaCacheStat struct {
	ConversationID string
	PersonaID      string
	OriginalLen    int
	SummaryLen     int
	CreatedAt      time.Time
}

// PersonaCache holds condensed personas keyed by conversation and persona id.
// An entry is reused only while the original text is unchanged.
type PersonaCache struct {
	mu      sync.Mutex
	chat    ChatModel
	minLen  int
	tmpl    *template.Template
	format  *ResponseFormat
	now     func() time.Time
	log     zerolog.Logger
	entries map[personaKey]personaEntry
}

func NewPersonaCache(chat ChatModel, minLen int, tmplText string, now func() time.Time, log zerolog.Logger) (*PersonaCache, error) {
	tmpl, err := parseTemplate("summarize", tmplText, defaultSummarizeTemplate)
	if err != nil {
		return nil, err
	}
	format, err := summaryFormat()
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &PersonaCache{
		chat:    chat,
		minLen:  minLen,
		tmpl:    tmpl,
		format:  format,
		now:     now,
		log:     log,
		entries: make(map[personaKey]personaEntry),
	}, nil
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Summarize returns a condensed persona for the judge prompt. Short personas and
// any failure return the original text. Only successful summaries are cached.
func (c *PersonaCache) Summarize(ctx context.Context, conv, personaID, original string) string {
	if utf8.RuneCountInString(strings.TrimSpace(original)) < c.minLen {
		return original
	}
	key := personaKey{conv: conv, persona: personaID}
	fp := fingerprint(original)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.fingerprint == fp {
		c.mu.Unlock()
		return e.summary
	}
	c.mu.Unlock()

	if c.chat == nil {
		return original
	}
	summary, ok := c.summarize(ctx, original)
	if !ok {
		return original
	}

	c.mu.Lock()
	c.entries[key] = personaEntry{
		fingerprint: fp,
		summary:     summary,
		originalLen: utf8.RuneCountInString(original),
		createdAt:   c.now(),
	}
	c.mu.Unlock()
	c.log.Info().Str("conv", conv).Str("persona", personaID).
		Int("from", utf8.RuneCountInString(original)).Int("to", utf8.RuneCountInString(summary)).
		Msg("persona summarized")
	return summary
}

func (c *PersonaCache) summarize(ctx context.Context, original string) (string, bool) {
	prompt, err := render(c.tmpl, SummarizePromptData{Original: original})
	if err != nil {
		c.log.Error().Err(err).Msg("render summary prompt")
		return "", false
	}
	content, err := c.chat.Chat(ctx, ChatRequest{Prompt: prompt, Format: c.format})
	if err != nil {
		c.log.Error().Err(err).Msg("persona summary request failed")
		return "", false
	}
	raw, err := extractObject(content)
	if err != nil {
		c.log.Error().Err(err).Str("content", truncate(content, 200)).Msg("persona summary not JSON")
		return "", false
	}
	summary := strings.TrimSpace(gjson.Get(raw, "summarized_persona").String())
	if utf8.RuneCountInString(summary) <= minSummaryLength {
		c.log.Warn().Msg("persona summary empty or too short")
		return "", false
	}
	return summary, true
}

func (c *PersonaCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear empties the cache and returns how many entries were dropped.
func (c *PersonaCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[personaKey]personaEntry)
	return n
}

func (c *PersonaCache) Stats() []PersonaCacheStat {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PersonaCacheStat, 0, len(c.entries))
	for k, e := range c.entries {
		out = append(out, PersonaCacheStat{
			ConversationID: k.conv,
			PersonaID:      k.persona,
			OriginalLen:    e.originalLen,
			SummaryLen:     utf8.RuneCountInString(e.summary),
			CreatedAt:      e.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConversationID != out[j].ConversationID {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].PersonaID < out[j].PersonaID
	})
	return out
}
