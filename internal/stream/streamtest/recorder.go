// Package streamtest provides a recording stream.Channel for tests.
package streamtest

import (
	"sync"

	"github.com/wutangasaf/aml-detection/internal/store"
	"github.com/wutangasaf/aml-detection/internal/stream"
)

// Event is one record captured by a Recorder.
type Event struct {
	Name    string
	Payload any
}

// Recorder is an in-memory Channel that keeps every accepted event in order.
// DisconnectAfter, when positive, simulates the peer leaving once that many
// events have been recorded.
type Recorder struct {
	DisconnectAfter int

	mu     sync.Mutex
	events []Event
	closed bool
	gone   chan struct{}
	once   sync.Once
}

func NewRecorder() *Recorder {
	return &Recorder{gone: make(chan struct{})}
}

func (r *Recorder) Send(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(event, payload)
}

func (r *Recorder) record(event string, payload any) {
	if r.closed {
		return
	}
	r.events = append(r.events, Event{Name: event, Payload: payload})
	if r.DisconnectAfter > 0 && len(r.events) >= r.DisconnectAfter {
		r.disconnectLocked()
	}
}

// Disconnect simulates the peer going away.
func (r *Recorder) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectLocked()
}

func (r *Recorder) disconnectLocked() {
	if r.closed {
		return
	}
	r.closed = true
	r.once.Do(func() { close(r.gone) })
}

func (r *Recorder) Status(stage string) { r.Send(stream.EventStatus, stream.StatusPayload{Stage: stage}) }

func (r *Recorder) Sources(sources []store.Source) {
	r.Send(stream.EventSources, stream.SourcesPayload{Sources: sources})
}

func (r *Recorder) Delta(content string) { r.Send(stream.EventDelta, stream.DeltaPayload{Content: content}) }

func (r *Recorder) Done(payload stream.DonePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(stream.EventDone, payload)
	r.closed = true
}

func (r *Recorder) Error(message, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(stream.EventError, stream.ErrorPayload{Message: message, Code: code})
	r.closed = true
}

func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Recorder) Gone() <-chan struct{} { return r.gone }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	events := r.Events()
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	return names
}

// Deltas concatenates the content of every recorded delta.
func (r *Recorder) Deltas() string {
	var out string
	for _, e := range r.Events() {
		if d, ok := e.Payload.(stream.DeltaPayload); ok {
			out += d.Content
		}
	}
	return out
}

var _ stream.Channel = (*Recorder)(nil)
