package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wutangasaf/aml-detection/internal/metrics"
	"github.com/wutangasaf/aml-detection/internal/observability"
	"github.com/wutangasaf/aml-detection/internal/store"
	"github.com/wutangasaf/aml-detection/internal/stream"
)

const (
	DefaultHistoryWindow   = 20
	DefaultPipelineTimeout = 120 * time.Second
	DefaultMessagePageSize = 500
)

// ConversationStore is the persistence the chat service needs.
// *store.SQLiteStore implements it.
type ConversationStore interface {
	CreateSession(ctx context.Context, userID, title string, sourceFilter *string) (*store.Session, error)
	GetSession(ctx context.Context, sessionID, userID string) (*store.Session, error)
	ListSessions(ctx context.Context, userID string) ([]store.Session, error)
	RenameSession(ctx context.Context, sessionID, userID, title string) (*store.Session, error)
	DeleteSession(ctx context.Context, sessionID, userID string) error
	CreateMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]store.Message, error)
	RecentMessages(ctx context.Context, sessionID string, n int) ([]store.Message, error)
	ApplyExchange(ctx context.Context, ex store.Exchange) (*store.Message, *store.Session, error)
}

type ChatOptions struct {
	HistoryWindow   int
	PipelineTimeout time.Duration
	Metrics         *metrics.Metrics
}

type ChatService struct {
	store    ConversationStore
	pipeline *Pipeline
	window   int
	timeout  time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewChatService(st ConversationStore, pipeline *Pipeline, opts ChatOptions) *ChatService {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.PipelineTimeout <= 0 {
		opts.PipelineTimeout = DefaultPipelineTimeout
	}
	return &ChatService{
		store:    st,
		pipeline: pipeline,
		window:   opts.HistoryWindow,
		timeout:  opts.PipelineTimeout,
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

type CreateSessionInput struct {
	Title        string
	SourceFilter *string
}

func (s *ChatService) CreateSession(ctx context.Context, userID string, in CreateSessionInput) (*store.Session, error) {
	session, err := s.store.CreateSession(ctx, userID, in.Title, in.SourceFilter)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session: %w", ErrStorage, err)
	}
	observability.LoggerFromContext(ctx).Info("session created", "session_id", session.ID, "user_id", userID)
	return session, nil
}

func (s *ChatService) ListSessions(ctx context.Context, userID string) ([]store.Session, error) {
	sessions, err := s.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list sessions: %w", ErrStorage, err)
	}
	return sessions, nil
}

// MessagePage selects a window of a session's messages, oldest first.
// A non-positive Limit means DefaultMessagePageSize.
type MessagePage struct {
	Limit  int
	Offset int
}

type SessionPage struct {
	Session  *store.Session
	Messages []store.Message
	Page     MessagePage
	HasMore  bool
}

// GetSession returns the session with one page of its messages.
func (s *ChatService) GetSession(ctx context.Context, userID, sessionID string, page MessagePage) (*SessionPage, error) {
	if page.Limit <= 0 {
		page.Limit = DefaultMessagePageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	session, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	// One extra row tells whether another page follows.
	messages, err := s.store.ListMessages(ctx, sessionID, page.Limit+1, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get messages for session: %w", ErrStorage, err)
	}
	hasMore := len(messages) > page.Limit
	if hasMore {
		messages = messages[:page.Limit]
	}
	return &SessionPage{Session: session, Messages: messages, Page: page, HasMore: hasMore}, nil
}

func (s *ChatService) RenameSession(ctx context.Context, userID, sessionID, title string) (*store.Session, error) {
	session, err := s.store.RenameSession(ctx, sessionID, userID, title)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to rename session: %w", ErrStorage, err)
	}
	return session, nil
}

func (s *ChatService) DeleteSession(ctx context.Context, userID, sessionID string) error {
	err := s.store.DeleteSession(ctx, sessionID, userID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to delete session: %w", ErrStorage, err)
	}
	observability.LoggerFromContext(ctx).Info("session deleted", "session_id", sessionID, "user_id", userID)
	return nil
}

func (s *ChatService) ownedSession(ctx context.Context, userID, sessionID string) (*store.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to verify session: %w", ErrStorage, err)
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return session, nil
}

// PendingExchange is a persisted user turn waiting for its answer.
type PendingExchange struct {
	Session     *store.Session
	UserMessage *store.Message
	History     []store.Message
	StartedAt   time.Time
}

// BeginExchange checks ownership, snapshots the history window and persists
// the user turn. Every failure here happens before any stream is opened.
func (s *ChatService) BeginExchange(ctx context.Context, userID, sessionID, content string) (*PendingExchange, error) {
	started := s.now()
	if strings.TrimSpace(content) == "" {
		return nil, NewValidationError("content", "must not be empty")
	}

	session, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	history, err := s.store.RecentMessages(ctx, sessionID, s.window)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load history: %w", ErrStorage, err)
	}

	userMsg := &store.Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      store.RoleUser,
		Content:   content,
	}
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("%w: failed to store user message: %w", ErrStorage, err)
	}

	return &PendingExchange{
		Session:     session,
		UserMessage: userMsg,
		History:     history,
		StartedAt:   started,
	}, nil
}

// StreamExchange answers a pending exchange over ch. It blocks until the
// pipeline finishes, runs to completion even if the caller goes away, and
// persists the answer whether or not anyone is still listening. The
// returned error is the one reported on the stream, if any.
func (s *ChatService) StreamExchange(ctx context.Context, ex *PendingExchange, ch stream.Channel) error {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	log := observability.LoggerFromContext(ctx).With("session_id", ex.Session.ID, "user_id", ex.UserMessage.UserID)

	var filter string
	if ex.Session.SourceFilter != nil {
		filter = *ex.Session.SourceFilter
	}

	var runErr error
	s.pipeline.Run(runCtx, Query{
		Question:     ex.UserMessage.Content,
		History:      ex.History,
		SourceFilter: filter,
	}, Hooks{
		OnStage:   func(st Stage) { ch.Status(string(st)) },
		OnSources: ch.Sources,
		OnToken:   ch.Delta,
		OnComplete: func(res Result) {
			msg, _, err := s.store.ApplyExchange(runCtx, store.Exchange{
				SessionID: ex.Session.ID,
				UserID:    ex.UserMessage.UserID,
				Question:  ex.UserMessage.Content,
				Answer:    res.Text,
				Context:   store.RetrievalContext{Sources: res.Sources, Model: res.Model},
				Usage:     res.Usage,
			})
			if err != nil {
				runErr = fmt.Errorf("%w: failed to store assistant message: %w", ErrStorage, err)
				log.Error("failed to persist exchange", "error", err)
				s.noteDisconnect(ch, log)
				ch.Error(publicMessage(runErr), CodeStorage)
				return
			}
			log.Info("exchange persisted", "message_id", msg.ID)
			s.noteDisconnect(ch, log)
			ch.Done(stream.DonePayload{
				TotalTimeMs: s.now().Sub(ex.StartedAt).Milliseconds(),
				TokenUsage:  res.Usage,
				MessageID:   msg.ID,
			})
		},
		OnError: func(err error) {
			runErr = err
			s.noteDisconnect(ch, log)
			ch.Error(publicMessage(err), ErrorCode(err))
		},
	})
	ch.Close()
	return runErr
}

func (s *ChatService) noteDisconnect(ch stream.Channel, log *slog.Logger) {
	select {
	case <-ch.Gone():
		s.metrics.StreamDisconnected()
		log.Info("client disconnected before the terminal event")
	default:
	}
}

func publicMessage(err error) string {
	switch ErrorCode(err) {
	case CodeRAG:
		return "Failed to retrieve relevant documents"
	case CodeGeneration:
		return "Failed to generate a response"
	case CodeStorage:
		return "Failed to save the response"
	default:
		return "An unexpected error occurred"
	}
}
