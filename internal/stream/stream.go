package stream

import "github.com/wutangasaf/aml-detection/internal/store"

// Event names written on the wire.
const (
	EventStatus  = "status"
	EventSources = "sources"
	EventDelta   = "delta"
	EventDone    = "done"
	EventError   = "error"
)

type StatusPayload struct {
	Stage string `json:"stage"`
}

type SourcesPayload struct {
	Sources []store.Source `json:"sources"`
}

type DeltaPayload struct {
	Content string `json:"content"`
}

type DonePayload struct {
	TotalTimeMs int64            `json:"totalTimeMs"`
	TokenUsage  store.TokenUsage `json:"tokenUsage"`
	MessageID   string           `json:"messageId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Channel is a one-way ordered event stream bound to one connection.
//
// Once closed, by a terminal event, by Close, or because the peer went away,
// every further send is silently dropped. Done and Error close the channel
// after writing.
type Channel interface {
	Send(event string, payload any)
	Status(stage string)
	Sources(sources []store.Source)
	Delta(content string)
	Done(payload DonePayload)
	Error(message, code string)
	Close()
	Closed() bool
	// Gone is closed when the peer disconnects before the channel closes.
	Gone() <-chan struct{}
}
