package store

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// DefaultSessionTitle is the placeholder replaced by the first question.
	DefaultSessionTitle = "New Chat"
)

type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Title        string    `json:"title"`
	SourceFilter *string   `json:"sourceFilter,omitempty"` // Nullable
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	UserID    string            `json:"userId"`
	Role      string            `json:"role"` // "user" or "assistant"
	Content   string            `json:"content"`
	Context   *RetrievalContext `json:"retrievalContext,omitempty"` // assistant turns only
	Usage     *TokenUsage       `json:"tokenUsage,omitempty"`       // assistant turns only
	CreatedAt time.Time         `json:"createdAt"`
}

// Source is a scored passage as shown to the caller and persisted with the answer.
type Source struct {
	Source      string  `json:"source"`
	Filename    string  `json:"filename"`
	Score       float64 `json:"score"`
	TextPreview string  `json:"textPreview"`
}

type RetrievalContext struct {
	Sources []Source `json:"sources"`
	Model   string   `json:"model"`
}

type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Exchange is the assistant half of a completed turn plus the question that
// produced it; ApplyExchange persists it atomically.
type Exchange struct {
	SessionID string
	UserID    string
	Question  string
	Answer    string
	Context   RetrievalContext
	Usage     TokenUsage
}

type Passage struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Filename  string    `json:"filename"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
}
