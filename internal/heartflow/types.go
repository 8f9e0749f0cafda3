package heartflow

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one observed turn kept in the conversation buffer.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ContextMessage is a turn handed to the judge model. Role is "user" or "assistant".
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Outcome is the terminal state of one turn.
type Outcome string

const (
	OutcomeSkipped     Outcome = "skipped"
	OutcomeHostHandled Outcome = "host_handled"
	OutcomeAccept      Outcome = "judged_accept"
	OutcomeReject      Outcome = "judged_reject"
	OutcomeFailed      Outcome = "judged_failed"
)

// JudgeResult is the scored judgment for one message. Dimensions are in [0,10];
// OverallScore and Confidence are in [0,1].
type JudgeResult struct {
	Relevance    float64 `json:"relevance"`
	Willingness  float64 `json:"willingness"`
	Social       float64 `json:"social"`
	Timing       float64 `json:"timing"`
	Continuity   float64 `json:"continuity"`
	Reasoning    string  `json:"reasoning,omitempty"`
	OverallScore float64 `json:"overall_score"`
	Confidence   float64 `json:"confidence"`
	ShouldReply  bool    `json:"should_reply"`
}

func failClosed(reason string) JudgeResult {
	return JudgeResult{Reasoning: reason}
}

// Turn is an inbound chat message as seen by the engine.
type Turn struct {
	ConversationID string
	SenderID       string
	SenderName     string
	SelfID         string
	Text           string
	ImageURLs      []string
	// Addressed marks mentions, replies to the agent and commands. Those are
	// buffered but left to the host.
	Addressed bool
}

// Decision is the engine output for one turn.
type Decision struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	Outcome        Outcome     `json:"outcome"`
	ShouldReply    bool        `json:"should_reply"`
	MeetsThreshold bool        `json:"meets_threshold"`
	Probability    float64     `json:"probability"`
	Draw           float64     `json:"draw"`
	Result         JudgeResult `json:"result"`
	Affinity       float64     `json:"affinity"`
	AffinityDelta  float64     `json:"affinity_delta"`
	Reason         string      `json:"reason,omitempty"`
	Err            error       `json:"-"`
	At             time.Time   `json:"at"`
}

// ChatModel is the judge model collaborator: send a prompt with optional
// context turns and images, get completion text back.
type ChatModel interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
}

type ChatRequest struct {
	Prompt    string
	Contexts  []ContextMessage
	ImageURLs []string
	// Format is a hint for providers that support schema-constrained output.
	Format *ResponseFormat
}

type ResponseFormat struct {
	Name        string
	Description string
	Schema      map[string]any
}

// PersonaSource resolves the persona configured for a conversation.
// An empty text means no persona.
type PersonaSource interface {
	Resolve(conversationID string) (id string, text string, err error)
}

// LedgerStore persists affinity snapshots. Load returns what it could read
// alongside any error.
type LedgerStore interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// Observer receives engine events, typically for metrics.
type Observer interface {
	ObserveDecision(d Decision)
	ObserveJudge(attempts int, elapsed time.Duration, err error)
	ObserveSave(err error)
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(Decision)               {}
func (nopObserver) ObserveJudge(int, time.Duration, error) {}
func (nopObserver) ObserveSave(error)                      {}
