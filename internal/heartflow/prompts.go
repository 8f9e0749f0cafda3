package heartflow

import (
	"bytes"
	"fmt"
	"text/template"
)

const (
	judgePreamble  = "You are a group chat reply decision system. You judge the value of a message and whether now is a good moment to speak."
	judgeReminder  = "IMPORTANT: return only the JSON object described below. Do not chat, do not explain."
	defaultPersona = "Default role: helpful assistant"
)

const defaultJudgeTemplate = `You decide whether the agent should proactively reply to the message below.

The conversation history is provided as context. In that history:
- [peer message] marks messages sent by other participants
- [my prior reply] marks replies the agent itself sent

Agent persona:
{{.Persona}}

Current conversation:
- Conversation ID: {{.ConversationID}}
- My energy: {{printf "%.1f" .Energy}}/1.0
- Last spoke: {{.MinutesSinceReply}} minutes ago
{{- if .AffinityHint}}
- Relationship with sender: {{.AffinityHint}}
{{- end}}

Conversation summary:
{{.ChatContext}}

Message to judge:
Sender: {{.SenderName}}
Content: {{.Message}}
Time: {{.CurrentTime}}

Score each of these five dimensions from 0 to 10, judging against the persona above:

1. relevance: is the message interesting, valuable and worth answering? Use the history to tell whether it is addressed to me or is a side conversation between others. Replies to my last message or mentions of me score high; unrelated chatter between others scores low. Filter spam and noise.
2. willingness: given my energy and how often I have replied today, how much do I want to join in? Does the topic suit my persona?
3. social: does replying fit the mood and activity of the conversation and my role in it?
4. timing: is now a good time, considering the time since my last reply and how urgent the message is?
5. continuity: how closely does the message follow my latest [my prior reply]? A direct response or continuation scores high, an unrelated message scores middling, and with no prior reply use 5.

Reply threshold: {{.Threshold}} (the weighted score must reach this value to reply)

Reply with exactly this JSON object and nothing else:
{
    "relevance": score,
    "willingness": score,
    "social": score,
    "timing": score,
    "continuity": score{{if .IncludeReasoning}},
    "reasoning": "why the agent should or should not reply, in terms of its persona and its last reply"{{end}}
}
`

const defaultSummarizeTemplate = `Summarize the following agent persona into concise core points. Keep the key personality traits, behaviour and role. Stay within 100 to 200 words.

Original persona:
{{.Original}}

Reply as JSON:
{
    "summarized_persona": "the condensed persona"
}

IMPORTANT: the reply must be a complete JSON object and nothing else.`

// JudgePromptData is the data available to a judge prompt template.
type JudgePromptData struct {
	Persona           string
	ConversationID    string
	Energy            float64
	MinutesSinceReply int
	AffinityHint      string
	ChatContext       string
	ContextCount      int
	SenderName        string
	Message           string
	CurrentTime       string
	Threshold         float64
	IncludeReasoning  bool
}

// SummarizePromptData is the data available to a persona summary template.
type SummarizePromptData struct {
	Original string
}

func parseTemplate(name, text, fallback string) (*template.Template, error) {
	if text == "" {
		text = fallback
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("%s template: %v", name, err)}
	}
	return t, nil
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// buildJudgePrompt wraps the rendered body with the fixed preamble and the
// output reminder. The persona lives in the body. attempt is 1-based.
func buildJudgePrompt(body string, attempt int) string {
	var b bytes.Buffer
	b.WriteString(judgePreamble)
	b.WriteString("\n\n")
	b.WriteString(judgeReminder)
	if attempt > 1 {
		fmt.Fprintf(&b, " This is attempt %d, make sure the output is valid JSON!", attempt)
	}
	b.WriteString("\n\n")
	b.WriteString(body)
	return b.String()
}

// activitySummary describes the conversation for the judge prompt.
func activitySummary(st ConversationState, clock string) string {
	level := "low"
	switch {
	case st.TotalMessages > 100:
		level = "high"
	case st.TotalMessages > 20:
		level = "medium"
	}
	return fmt.Sprintf("Recent activity: %s\nHistorical reply rate: %.1f%%\nCurrent time: %s", level, st.ReplyRate()*100, clock)
}
