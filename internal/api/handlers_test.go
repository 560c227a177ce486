package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wutangasaf/aml-detection/internal/auth"
	"github.com/wutangasaf/aml-detection/internal/core"
	"github.com/wutangasaf/aml-detection/internal/llm"
	"github.com/wutangasaf/aml-detection/internal/metrics"
	"github.com/wutangasaf/aml-detection/internal/store"
	"github.com/wutangasaf/aml-detection/internal/vectorstore"
)

const testUser = "local-analyst"

type sseEvent struct {
	Name string
	Data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var name string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var data map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data))
			events = append(events, sseEvent{Name: name, Data: data})
		}
	}
	require.NoError(t, sc.Err())
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	return names
}

type failingIndex struct{}

func (failingIndex) NearestNeighbors(context.Context, []float32, int, string) ([]vectorstore.Hit, error) {
	return nil, errors.New("index unavailable")
}

type testServer struct {
	handler http.Handler
	store   *store.SQLiteStore
}

func newTestServer(t *testing.T, authn auth.Authenticator, index vectorstore.Index) *testServer {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	provider := llm.NewMock()
	for _, p := range []store.Passage{
		{Source: "FATF", Filename: "tbml.pdf", Text: "Trade-based money laundering moves value through trade transactions."},
		{Source: "EU", Filename: "amld6.pdf", Text: "Member states shall criminalise money laundering offences."},
	} {
		p.Embedding, err = provider.Embed(ctx, p.Text)
		require.NoError(t, err)
		require.NoError(t, st.AddPassage(ctx, &p))
	}
	if index == nil {
		index = st
	}

	m := metrics.New()
	retriever := core.NewRetriever(provider, index)
	pipeline := core.NewPipeline(retriever, provider, m, 0)
	chat := core.NewChatService(st, pipeline, core.ChatOptions{Metrics: m, PipelineTimeout: 10 * time.Second})

	if authn == nil {
		authn = auth.Static{ID: testUser}
	}
	return &testServer{
		handler: NewRouter(NewAPIHandler(chat, retriever, authn), m.Handler()),
		store:   st,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) createSession(t *testing.T, body string) store.Session {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/sessions", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var session store.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	return session
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	w := srv.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestPostMessageStreamsAnswer(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	session := srv.createSession(t, "")
	assert.Equal(t, store.DefaultSessionTitle, session.Title)

	w := srv.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/messages", `{"content":"What is trade-based money laundering?"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(t, w.Body.String())
	names := eventNames(events)
	require.GreaterOrEqual(t, len(names), 6)
	assert.Equal(t, []string{"status", "status", "sources", "status"}, names[:4])
	assert.Equal(t, "embedding", events[0].Data["stage"])
	assert.Equal(t, "searching", events[1].Data["stage"])
	assert.Equal(t, "generating", events[3].Data["stage"])
	assert.Equal(t, "done", names[len(names)-1])

	var streamed strings.Builder
	for _, e := range events[4 : len(events)-1] {
		require.Equal(t, "delta", e.Name)
		streamed.WriteString(e.Data["content"].(string))
	}
	done := events[len(events)-1].Data
	assert.Contains(t, done, "totalTimeMs")
	assert.Contains(t, done, "tokenUsage")

	sources := events[2].Data["sources"].([]any)
	require.NotEmpty(t, sources)
	first := sources[0].(map[string]any)
	assert.Equal(t, "FATF", first["source"])
	assert.Equal(t, "tbml.pdf", first["filename"])

	w = srv.do(t, http.MethodGet, "/api/sessions/"+session.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var details struct {
		store.Session
		Messages []store.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &details))
	assert.Equal(t, "What is trade-based money laundering?", details.Title)
	assert.Equal(t, 2, details.MessageCount)
	require.Len(t, details.Messages, 2)
	assert.Equal(t, streamed.String(), details.Messages[1].Content)
	assert.Equal(t, done["messageId"], details.Messages[1].ID)
}

func TestPostMessageValidation(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	session := srv.createSession(t, `{"title":"Case 4411"}`)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "empty content", path: "/api/sessions/" + session.ID + "/messages", body: `{"content":""}`, status: http.StatusBadRequest},
		{name: "blank content", path: "/api/sessions/" + session.ID + "/messages", body: `{"content":"   "}`, status: http.StatusBadRequest},
		{name: "oversized content", path: "/api/sessions/" + session.ID + "/messages", body: `{"content":"` + strings.Repeat("a", MaxContentLength+1) + `"}`, status: http.StatusBadRequest},
		{name: "malformed json", path: "/api/sessions/" + session.ID + "/messages", body: `{"content":`, status: http.StatusBadRequest},
		{name: "bad session id", path: "/api/sessions/not-a-uuid/messages", body: `{"content":"hi"}`, status: http.StatusBadRequest},
		{name: "unknown session", path: "/api/sessions/7b1f0c4e-2f8a-4d7e-9a56-3c1d2e4f5a6b/messages", body: `{"content":"hi"}`, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "no stream is opened")
		})
	}

	msgs, err := srv.store.ListMessages(context.Background(), session.ID, 100, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPostMessageRetrievalFailure(t *testing.T) {
	srv := newTestServer(t, nil, failingIndex{})
	session := srv.createSession(t, "")

	w := srv.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/messages", `{"content":"What is layering?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	events := parseSSE(t, w.Body.String())
	assert.Equal(t, []string{"status", "status", "error"}, eventNames(events))
	assert.Equal(t, core.CodeRAG, events[2].Data["code"])

	msgs, err := srv.store.ListMessages(context.Background(), session.ID, 100, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
}

func TestSessionCRUD(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	session := srv.createSession(t, `{"sourceFilter":"FATF"}`)
	require.NotNil(t, session.SourceFilter)
	assert.Equal(t, "FATF", *session.SourceFilter)

	w := srv.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []store.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Sessions, 1)

	w = srv.do(t, http.MethodPatch, "/api/sessions/"+session.ID, `{"title":"Structuring review"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var renamed store.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &renamed))
	assert.Equal(t, "Structuring review", renamed.Title)

	w = srv.do(t, http.MethodPatch, "/api/sessions/"+session.ID, `{"title":"`+strings.Repeat("t", MaxTitleLength+1)+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodDelete, "/api/sessions/"+session.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = srv.do(t, http.MethodGet, "/api/sessions/"+session.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearch(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	w := srv.do(t, http.MethodPost, "/api/search", `{"query":"trade-based money laundering","limit":1}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Sources []store.Source `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "tbml.pdf", resp.Sources[0].Filename)

	w = srv.do(t, http.MethodPost, "/api/search", `{"query":"money","sourceFilter":"EU"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "EU", resp.Sources[0].Source)

	for _, body := range []string{`{"query":""}`, `{"query":"q","limit":0}`, `{"query":"q","limit":51}`} {
		w = srv.do(t, http.MethodPost, "/api/search", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestSearchRetrievalFailure(t *testing.T) {
	srv := newTestServer(t, nil, failingIndex{})
	w := srv.do(t, http.MethodPost, "/api/search", `{"query":"q"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), core.CodeRAG)
}

func TestJWTAuthRequired(t *testing.T) {
	jwtAuth := auth.NewJWT("test-secret")
	srv := newTestServer(t, jwtAuth, nil)

	w := srv.do(t, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := jwtAuth.GenerateJWT("analyst-9", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var session store.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "analyst-9", session.UserID)

	w = srv.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code, "health stays public")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	session := srv.createSession(t, "")
	srv.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/messages", `{"content":"What is smurfing?"}`)

	w := srv.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `rag_pipeline_runs_total{outcome="completed"} 1`)
	assert.Contains(t, w.Body.String(), "rag_stage_duration_seconds")
}

func TestGetSessionPagesMessages(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	session := srv.createSession(t, `{"title":"Case 4411"}`)
	for _, q := range []string{"What is structuring?", "What is smurfing?"} {
		w := srv.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/messages", `{"content":"`+q+`"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	type page struct {
		Messages []store.Message `json:"messages"`
		Limit    int             `json:"limit"`
		Offset   int             `json:"offset"`
		HasMore  bool            `json:"hasMore"`
	}
	get := func(query string) page {
		t.Helper()
		w := srv.do(t, http.MethodGet, "/api/sessions/"+session.ID+query, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var p page
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
		return p
	}

	all := get("")
	assert.Len(t, all.Messages, 4)
	assert.Equal(t, MaxPageLimit, all.Limit)
	assert.False(t, all.HasMore)

	first := get("?limit=3")
	require.Len(t, first.Messages, 3)
	assert.Equal(t, 3, first.Limit)
	assert.True(t, first.HasMore)
	assert.Equal(t, "What is structuring?", first.Messages[0].Content)

	rest := get("?limit=3&offset=3")
	require.Len(t, rest.Messages, 1)
	assert.Equal(t, 3, rest.Offset)
	assert.False(t, rest.HasMore)
	assert.Equal(t, all.Messages[3].ID, rest.Messages[0].ID)

	beyond := get("?offset=10")
	assert.NotNil(t, beyond.Messages)
	assert.Empty(t, beyond.Messages)

	for _, query := range []string{"?limit=0", "?limit=501", "?limit=abc", "?offset=-1"} {
		w := srv.do(t, http.MethodGet, "/api/sessions/"+session.ID+query, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}
