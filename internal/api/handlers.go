package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wutangasaf/aml-detection/internal/auth"
	"github.com/wutangasaf/aml-detection/internal/core"
	"github.com/wutangasaf/aml-detection/internal/observability"
	"github.com/wutangasaf/aml-detection/internal/store"
	"github.com/wutangasaf/aml-detection/internal/stream"
)

const maxBodyBytes = 1 << 20

type ctxKey string

const ctxKeyUserID ctxKey = "userID"

type APIHandler struct {
	chatService *core.ChatService
	retriever   *core.Retriever
	auth        auth.Authenticator
}

func NewAPIHandler(cs *core.ChatService, retriever *core.Retriever, authn auth.Authenticator) *APIHandler {
	return &APIHandler{chatService: cs, retriever: retriever, auth: authn}
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Error(), Code: "VALIDATION_ERROR", Field: verr.Field})
	case errors.Is(err, core.ErrValidation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "VALIDATION_ERROR"})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Session not found", Code: "NOT_FOUND"})
	case errors.Is(err, core.ErrRetrieval):
		observability.LoggerFromContext(r.Context()).Error("retrieval failed", "error", err)
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "Failed to retrieve relevant documents", Code: core.CodeRAG})
	default:
		observability.LoggerFromContext(r.Context()).Error("request failed", "error", err, "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error", Code: core.ErrorCode(err)})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return core.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return nil
}

// RequestLogger copies chi's request id into the context logger.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = observability.WithRequestID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *APIHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.auth.UserID(r)
		if err != nil {
			observability.LoggerFromContext(r.Context()).Debug("authentication failed", "error", err)
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: "UNAUTHORIZED"})
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func currentUserID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := validateCreateSession(req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	session, err := h.chatService.CreateSession(r.Context(), currentUserID(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.chatService.ListSessions(r.Context(), currentUserID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type SessionDetailsResponse struct {
	*store.Session
	Messages []store.Message `json:"messages"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
	HasMore  bool            `json:"hasMore"`
}

func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, err := validateSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	query := r.URL.Query()
	page, err := validatePage(query.Get("limit"), query.Get("offset"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	details, err := h.chatService.GetSession(r.Context(), currentUserID(r), sessionID, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	messages := details.Messages
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, SessionDetailsResponse{
		Session:  details.Session,
		Messages: messages,
		Limit:    details.Page.Limit,
		Offset:   details.Page.Offset,
		HasMore:  details.HasMore,
	})
}

func (h *APIHandler) RenameSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, err := validateSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req RenameSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	title, err := validateRename(req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	session, err := h.chatService.RenameSession(r.Context(), currentUserID(r), sessionID, title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *APIHandler) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, err := validateSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.chatService.DeleteSession(r.Context(), currentUserID(r), sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostMessageHandler persists the question, then streams the answer as
// server-sent events. Input and ownership errors are plain JSON responses.
func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	sessionID, err := validateSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req PostMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	content, err := validateMessage(req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	exchange, err := h.chatService.BeginExchange(r.Context(), userID, sessionID, content)
	if err != nil {
		writeError(w, r, err)
		return
	}

	log := observability.LoggerFromContext(r.Context()).With("session_id", sessionID)
	ch, err := stream.NewSSE(r.Context(), w, log)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.chatService.StreamExchange(r.Context(), exchange, ch); err != nil {
		log.Warn("exchange ended with error", "error", err, "code", core.ErrorCode(err))
	}
}

func (h *APIHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := validateSearch(req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sources, err := h.retriever.Search(r.Context(), in.Query, in.Opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}
