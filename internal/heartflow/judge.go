package heartflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var dimensionKeys = [...]string{"relevance", "willingness", "social", "timing", "continuity"}

type JudgeOptions struct {
	MaxRetries       int
	IncludeReasoning bool
	IncludeImages    bool
	Threshold        float64
	Weights          Weights
	PromptTemplate   string
}

// EvalInput is everything the judge sees for one message.
type EvalInput struct {
	ConversationID string
	UserID         string
	SenderName     string
	Message        string
	Persona        string
	Context        []ContextMessage
	State          ConversationState
	MinutesSince   int
	AffinityHint   string
	ImageURLs      []string
	Now            time.Time
}

// Judge asks the judge model to score a message and turns the answer into a JudgeResult.
type Judge struct {
	chat     ChatModel
	opts     JudgeOptions
	tmpl     *template.Template
	format   *ResponseFormat
	observer Observer
	log      zerolog.Logger
}

func NewJudge(chat ChatModel, opts JudgeOptions, observer Observer, log zerolog.Logger) (*Judge, error) {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	tmpl, err := parseTemplate("judge", opts.PromptTemplate, defaultJudgeTemplate)
	if err != nil {
		return nil, err
	}
	format, err := judgeFormat(opts.IncludeReasoning)
	if err != nil {
		return nil, fmt.Errorf("judge schema: %w", err)
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Judge{chat: chat, opts: opts, tmpl: tmpl, format: format, observer: observer, log: log}, nil
}

// Evaluate scores in. It fails closed: any error comes back with a zero result
// whose ShouldReply is false.
func (j *Judge) Evaluate(ctx context.Context, in EvalInput) (JudgeResult, error) {
	if j == nil || j.chat == nil {
		return failClosed("judge model not configured"), &ConfigError{Reason: "judge model not configured"}
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	body, err := render(j.tmpl, JudgePromptData{
		Persona:           firstNonEmpty(in.Persona, defaultPersona),
		ConversationID:    in.ConversationID,
		Energy:            in.State.Energy,
		MinutesSinceReply: in.MinutesSince,
		AffinityHint:      in.AffinityHint,
		ChatContext:       activitySummary(in.State, in.Now.Format("15:04")),
		ContextCount:      len(in.Context),
		SenderName:        in.SenderName,
		Message:           in.Message,
		CurrentTime:       in.Now.Format(time.TimeOnly),
		Threshold:         j.opts.Threshold,
		IncludeReasoning:  j.opts.IncludeReasoning,
	})
	if err != nil {
		return failClosed("prompt render failed"), &ConfigError{Reason: err.Error()}
	}

	req := ChatRequest{Contexts: in.Context, Format: j.format}
	if j.opts.IncludeImages {
		req.ImageURLs = in.ImageURLs
	}

	start := time.Now()
	attempts := j.opts.MaxRetries + 1
	var content string
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			j.observer.ObserveJudge(attempt-1, time.Since(start), err)
			return failClosed("judge cancelled"), &CollaboratorError{Op: "judge", Err: err}
		}
		req.Prompt = buildJudgePrompt(body, attempt)
		j.log.Debug().Str("conv", in.ConversationID).Int("attempt", attempt).Int("of", attempts).Msg("judge request")

		content, err = j.chat.Chat(ctx, req)
		if err != nil {
			j.observer.ObserveJudge(attempt, time.Since(start), err)
			return failClosed("judge model error: " + err.Error()), &CollaboratorError{Op: "judge", Err: err}
		}
		res, err := ParseJudgment(content)
		if err == nil {
			res.OverallScore = clamp01(j.opts.Weights.Apply(res) / 10)
			res.Confidence = res.OverallScore
			res.ShouldReply = res.OverallScore >= j.opts.Threshold
			if !j.opts.IncludeReasoning {
				res.Reasoning = ""
			}
			j.observer.ObserveJudge(attempt, time.Since(start), nil)
			return res, nil
		}
		lastErr = err
		j.log.Warn().Err(err).Str("conv", in.ConversationID).Int("attempt", attempt).
			Str("content", truncate(content, 200)).Msg("judge output not parseable")
	}

	perr := &ParseError{Attempts: attempts, Content: truncate(content, 500), Err: lastErr}
	j.observer.ObserveJudge(attempts, time.Since(start), perr)
	return failClosed(fmt.Sprintf("judge output unparseable after %d attempt(s)", attempts)), perr
}

var errNoObject = errors.New("no JSON object in judge output")

// ParseJudgment reads the five dimensions and the optional reasoning from model
// output. Code fences and surrounding prose are tolerated. Missing dimensions
// count as 0 and every dimension is clamped to [0,10].
func ParseJudgment(content string) (JudgeResult, error) {
	raw, err := extractObject(content)
	if err != nil {
		return JudgeResult{}, err
	}
	doc := gjson.Parse(raw)
	dims := make([]float64, len(dimensionKeys))
	for i, key := range dimensionKeys {
		v := doc.Get(key)
		switch v.Type {
		case gjson.Number:
			dims[i] = v.Float()
		case gjson.String:
			// "7" and "7/10" both show up in practice.
			s := strings.TrimSpace(strings.SplitN(v.Str, "/", 2)[0])
			r := gjson.Parse(s)
			if r.Type != gjson.Number {
				return JudgeResult{}, fmt.Errorf("dimension %s: not a number: %q", key, v.Str)
			}
			dims[i] = r.Float()
		case gjson.Null:
			// missing or null
		default:
			return JudgeResult{}, fmt.Errorf("dimension %s: unexpected %s", key, v.Type)
		}
		dims[i] = clamp(dims[i], 0, 10)
	}
	return JudgeResult{
		Relevance:   dims[0],
		Willingness: dims[1],
		Social:      dims[2],
		Timing:      dims[3],
		Continuity:  dims[4],
		Reasoning:   strings.TrimSpace(doc.Get("reasoning").String()),
	}, nil
}

func extractObject(content string) (string, error) {
	s := stripCodeFence(content)
	if gjson.Valid(s) && gjson.Parse(s).IsObject() {
		return s, nil
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", errNoObject
	}
	s = s[start : end+1]
	if !gjson.Valid(s) || !gjson.Parse(s).IsObject() {
		return "", fmt.Errorf("invalid JSON object: %q", truncate(s, 80))
	}
	return s, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop a language tag like "json"
		if tag := strings.TrimSpace(s[:nl]); !strings.ContainsAny(tag, "{[") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
