package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/wutangasaf/aml-detection/internal/store"
)

var ErrStreamingUnsupported = errors.New("streaming unsupported")

// SSE writes events as text/event-stream records.
type SSE struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
	gone    chan struct{}
	log     *slog.Logger

	stopWatch func() bool
}

// NewSSE writes the stream headers and returns an open channel. The channel
// flips to closed when ctx (the request context) is done.
func NewSSE(ctx context.Context, w http.ResponseWriter, log *slog.Logger) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	if log == nil {
		log = slog.Default()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &SSE{w: w, flusher: flusher, gone: make(chan struct{}), log: log}
	s.stopWatch = context.AfterFunc(ctx, s.peerGone)
	return s, nil
}

func (s *SSE) peerGone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.log.Debug("stream peer disconnected")
	s.closed = true
	close(s.gone)
}

func (s *SSE) Send(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(event, payload)
}

// write must be called with mu held.
func (s *SSE) write(event string, payload any) {
	if s.closed {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("failed to encode stream event", "event", event, "error", err)
		return
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.log.Debug("stream write failed, closing", "event", event, "error", err)
		s.closed = true
		close(s.gone)
		return
	}
	s.flusher.Flush()
}

func (s *SSE) Status(stage string) {
	s.Send(EventStatus, StatusPayload{Stage: stage})
}

func (s *SSE) Sources(sources []store.Source) {
	if sources == nil {
		sources = []store.Source{}
	}
	s.Send(EventSources, SourcesPayload{Sources: sources})
}

func (s *SSE) Delta(content string) {
	s.Send(EventDelta, DeltaPayload{Content: content})
}

func (s *SSE) Done(payload DonePayload) {
	s.terminal(EventDone, payload)
}

func (s *SSE) Error(message, code string) {
	s.terminal(EventError, ErrorPayload{Message: message, Code: code})
}

func (s *SSE) terminal(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(event, payload)
	s.closeLocked()
}

func (s *SSE) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *SSE) closeLocked() {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.closed = true
}

func (s *SSE) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SSE) Gone() <-chan struct{} {
	return s.gone
}

var _ Channel = (*SSE)(nil)
