package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"terrawatch.io/assistant/internal/auth"
	"terrawatch.io/assistant/internal/background"
	"terrawatch.io/assistant/internal/core"
	"terrawatch.io/assistant/internal/store"
)

type chunkStream struct {
	chunks []string
	next   int
}

func (s *chunkStream) Next() (string, error) {
	if s.next >= len(s.chunks) {
		return "", io.EOF
	}
	s.next++
	return s.chunks[s.next-1], nil
}

func (s *chunkStream) Close() error { return nil }

type fakeModel struct {
	name   string
	chunks []string
	err    error
}

func (m *fakeModel) Name() string { return m.name }

func (m *fakeModel) Generate(ctx context.Context, prompt core.Prompt) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return strings.Join(m.chunks, ""), nil
}

func (m *fakeModel) GenerateStream(ctx context.Context, prompt core.Prompt) (core.TokenStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &chunkStream{chunks: m.chunks}, nil
}

type testServer struct {
	handler http.Handler
	store   *store.SQLiteStore
	tracker *background.Tracker
	tokens  *auth.Tokens
}

func newTestServer(t *testing.T, streaming bool, primary, fallback core.Model) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	tracker := background.NewTracker(5*time.Second, logger)
	provider := core.NewCompletionProvider(primary, fallback, streaming, logger)
	chatService := core.NewChatService(provider, s, tracker, core.ChatOptions{
		SystemPrompt:      "test prompt",
		GenerationTimeout: time.Minute,
		PersistTimeout:    5 * time.Second,
	}, logger)
	tokens := auth.NewTokens("test-secret", time.Hour)

	return &testServer{
		handler: NewRouter(NewAPIHandler(chatService, s, tokens, logger), logger),
		store:   s,
		tracker: tracker,
		tokens:  tokens,
	}
}

func newStreamingServer(t *testing.T) *testServer {
	return newTestServer(t, true,
		&fakeModel{name: "primary", chunks: []string{"Hi", "! How", " can I help?"}},
		&fakeModel{name: "fallback", chunks: []string{"fallback"}})
}

func (ts *testServer) userToken(t *testing.T, email string) (*store.User, string) {
	t.Helper()
	user, err := ts.store.CreateUser(context.Background(), email, "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, err := ts.tokens.Generate(user.ID)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return user, token
}

func (ts *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) settle(t *testing.T) {
	t.Helper()
	if err := ts.tracker.Wait(context.Background()); err != nil {
		t.Fatalf("tracker.Wait: %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts := newStreamingServer(t)
	rec := ts.do(http.MethodGet, "/api/health", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != `{"status":"ok"}` {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestSignupAndLogin(t *testing.T) {
	ts := newStreamingServer(t)
	creds := `{"email":"farmer@example.com","password":"s3cret"}`

	rec := ts.do(http.MethodPost, "/api/signup", "", creds)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "s3cret") || strings.Contains(rec.Body.String(), "password") {
		t.Errorf("signup response leaks credentials: %s", rec.Body.String())
	}

	if rec := ts.do(http.MethodPost, "/api/signup", "", creds); rec.Code != http.StatusConflict {
		t.Errorf("duplicate signup: expected 409, got %d", rec.Code)
	}

	rec = ts.do(http.MethodPost, "/api/login", "", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rec.Code)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Token == "" {
		t.Fatalf("expected token, got %v", err)
	}

	if rec := ts.do(http.MethodGet, "/api/chat/sessions", body.Token, ""); rec.Code != http.StatusOK {
		t.Errorf("issued token rejected: %d", rec.Code)
	}

	if rec := ts.do(http.MethodPost, "/api/login", "", `{"email":"farmer@example.com","password":"wrong"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password: expected 401, got %d", rec.Code)
	}
}

func TestChatRequiresAuth(t *testing.T) {
	ts := newStreamingServer(t)
	stale, _ := ts.tokens.Generate("deleted-user")

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"garbage token", "garbage"},
		{"unknown user", stale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/chat", tt.token, `{"messages":[{"role":"user","content":"Hello"}]}`)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestChatStreamsAndPersistsNewSession(t *testing.T) {
	ts := newStreamingServer(t)
	user, token := ts.userToken(t, "a@example.com")

	rec := ts.do(http.MethodPost, "/api/chat", token, `{"messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	// Result reports the headers as they were when WriteHeader ran, before any chunk.
	if ct := rec.Result().Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("unexpected content type %q", ct)
	}
	if cc := rec.Result().Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("unexpected cache control %q", cc)
	}
	sessionID := rec.Result().Header.Get("X-Session-Id")
	if sessionID == "" {
		t.Fatal("expected X-Session-Id header")
	}
	if !rec.Flushed {
		t.Error("expected streamed response to be flushed")
	}
	if rec.Body.String() != "Hi! How can I help?" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}

	ts.settle(t)

	sessions, _ := ts.store.ListSessions(context.Background(), user.ID, 20)
	if len(sessions) != 1 || sessions[0].ID != sessionID || sessions[0].Title != "Hello" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	rec = ts.do(http.MethodGet, "/api/chat/"+sessionID+"/messages", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("messages: expected 200, got %d", rec.Code)
	}
	var body struct {
		Messages []store.ChatMessage `json:"messages"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(body.Messages))
	}
	if body.Messages[0].Role != store.RoleUser || body.Messages[0].Content != "Hello" {
		t.Errorf("unexpected user message %+v", body.Messages[0])
	}
	if body.Messages[1].Role != store.RoleAssistant || body.Messages[1].Content != "Hi! How can I help?" {
		t.Errorf("unexpected assistant message %+v", body.Messages[1])
	}
}

func TestChatContinuesExistingSession(t *testing.T) {
	ts := newStreamingServer(t)
	user, token := ts.userToken(t, "b@example.com")

	rec := ts.do(http.MethodPost, "/api/chat", token, `{"messages":[{"role":"user","content":"Hello"}]}`)
	sessionID := rec.Result().Header.Get("X-Session-Id")
	ts.settle(t)

	body := `{"sessionId":"` + sessionID + `","messages":[` +
		`{"role":"user","content":"Hello"},{"role":"assistant","content":"Hi! How can I help?"},` +
		`{"role":"user","content":"Tell me about erosion"}]}`
	rec = ts.do(http.MethodPost, "/api/chat", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Result().Header.Get("X-Session-Id"); got != sessionID {
		t.Errorf("expected the same session id, got %q", got)
	}
	ts.settle(t)

	sessions, _ := ts.store.ListSessions(context.Background(), user.ID, 20)
	if len(sessions) != 1 {
		t.Fatalf("expected no new session, got %d", len(sessions))
	}
	messages, _ := ts.store.ListMessages(context.Background(), sessionID, user.ID)
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	if messages[2].Content != "Tell me about erosion" {
		t.Errorf("expected latest user message to be stored, got %q", messages[2].Content)
	}
}

func TestChatRejectsInvalidInput(t *testing.T) {
	ts := newStreamingServer(t)
	user, token := ts.userToken(t, "c@example.com")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty messages", `{"messages":[]}`, http.StatusBadRequest},
		{"no valid messages", `{"messages":[{"role":"user"}]}`, http.StatusBadRequest},
		{"messages not an array", `{"messages":"Hello"}`, http.StatusBadRequest},
		{"malformed body", `{`, http.StatusBadRequest},
		{"unknown session", `{"sessionId":"missing","messages":[{"role":"user","content":"Hello"}]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/chat", token, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	ts.settle(t)
	if sessions, _ := ts.store.ListSessions(context.Background(), user.ID, 20); len(sessions) != 0 {
		t.Errorf("expected no writes, got %d sessions", len(sessions))
	}
}

func TestChatFallsBackToJSON(t *testing.T) {
	ts := newTestServer(t, false,
		&fakeModel{name: "primary", chunks: []string{"Soil ", "health ", "matters"}},
		&fakeModel{name: "fallback"})
	user, token := ts.userToken(t, "d@example.com")

	rec := ts.do(http.MethodPost, "/api/chat", token, `{"messages":[{"role":"user","content":"Why?"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Result().Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}
	sessionID := rec.Result().Header.Get("X-Session-Id")
	if sessionID == "" {
		t.Fatal("expected X-Session-Id header")
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Text != "Soil health matters" {
		t.Errorf("unexpected text %q", body.Text)
	}

	ts.settle(t)
	messages, _ := ts.store.ListMessages(context.Background(), sessionID, user.ID)
	if len(messages) != 2 || messages[1].Content != body.Text {
		t.Fatalf("expected persisted exchange, got %+v", messages)
	}
}

func TestChatProviderUnavailable(t *testing.T) {
	ts := newTestServer(t, true,
		&fakeModel{name: "primary", err: errors.New("down")},
		&fakeModel{name: "fallback", err: errors.New("also down")})
	_, token := ts.userToken(t, "e@example.com")

	rec := ts.do(http.MethodPost, "/api/chat", token, `{"messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "Chat failed" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestSessionEndpointsAreScopedToCaller(t *testing.T) {
	ts := newStreamingServer(t)
	_, ownerToken := ts.userToken(t, "owner@example.com")
	_, otherToken := ts.userToken(t, "other@example.com")

	rec := ts.do(http.MethodPost, "/api/chat", ownerToken, `{"messages":[{"role":"user","content":"Mine"}]}`)
	sessionID := rec.Result().Header.Get("X-Session-Id")
	ts.settle(t)

	if rec := ts.do(http.MethodGet, "/api/chat/"+sessionID+"/messages", otherToken, ""); rec.Code != http.StatusNotFound {
		t.Errorf("foreign session messages: expected 404, got %d", rec.Code)
	}
	body := `{"sessionId":"` + sessionID + `","messages":[{"role":"user","content":"Let me in"}]}`
	if rec := ts.do(http.MethodPost, "/api/chat", otherToken, body); rec.Code != http.StatusNotFound {
		t.Errorf("foreign session chat: expected 404, got %d", rec.Code)
	}

	rec = ts.do(http.MethodGet, "/api/chat/sessions", otherToken, "")
	var list struct {
		Sessions []store.ChatSession `json:"sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Sessions) != 0 {
		t.Errorf("expected other user to see no sessions, got %d", len(list.Sessions))
	}
}
