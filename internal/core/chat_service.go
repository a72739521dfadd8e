package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"terrawatch.io/assistant/internal/store"
)

const recentSessionsLimit = 20

// LifetimeExtender keeps work scheduled after a response alive until it settles.
type LifetimeExtender interface {
	WaitUntil(name string, task func(ctx context.Context) error)
}

type ChatOptions struct {
	SystemPrompt      string
	GenerationTimeout time.Duration
	PersistTimeout    time.Duration
}

// ChatRequest is the body of POST /api/chat. Messages stay raw until normalized.
type ChatRequest struct {
	Messages  json.RawMessage `json:"messages"`
	SessionID string          `json:"sessionId,omitempty"`
}

// ChatTurn is a started chat exchange. The caller must Close the generation.
type ChatTurn struct {
	SessionID  string
	NewSession bool
	Generation *Generation
}

type ChatService struct {
	provider  *CompletionProvider
	sessions  SessionStore
	persister *SessionPersister
	extender  LifetimeExtender
	opts      ChatOptions
	logger    *zap.Logger
}

// NewChatService wires the chat pipeline. extender may be nil, in which case
// persistence runs on a best-effort goroutine.
func NewChatService(provider *CompletionProvider, sessions SessionStore, extender LifetimeExtender, opts ChatOptions, logger *zap.Logger) *ChatService {
	return &ChatService{
		provider:  provider,
		sessions:  sessions,
		persister: NewSessionPersister(sessions, logger),
		extender:  extender,
		opts:      opts,
		logger:    logger,
	}
}

// StartChat validates the request, resolves the session and starts generation. The
// exchange is persisted once the assistant text is complete.
func (s *ChatService) StartChat(ctx context.Context, userID string, req ChatRequest) (*ChatTurn, error) {
	messages, err := NormalizeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	newSession := sessionID == ""
	if newSession {
		sessionID = uuid.NewString()
	} else {
		session, err := s.sessions.GetSession(ctx, sessionID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load chat session: %w", err)
		}
		if session == nil {
			return nil, ErrSessionNotFound
		}
	}

	exchange := NewExchange(sessionID, newSession, userID, messages)

	// Generation outlives the client connection so the answer can still be recorded.
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.GenerationTimeout)
	gen, err := s.provider.Generate(genCtx, Prompt{System: s.opts.SystemPrompt, Messages: messages}, func(text string) {
		done := exchange
		done.AssistantText = text
		s.schedulePersist(done)
	})
	if err != nil {
		cancel()
		return nil, err
	}

	if gen.Kind == KindStreaming {
		gen.release = cancel
	} else {
		cancel()
	}

	s.logger.Info("chat started",
		zap.String("session_id", sessionID),
		zap.Bool("new_session", newSession),
		zap.String("model", gen.Model),
		zap.Stringer("kind", gen.Kind))

	return &ChatTurn{SessionID: sessionID, NewSession: newSession, Generation: gen}, nil
}

func (s *ChatService) schedulePersist(ex Exchange) {
	task := func(ctx context.Context) error {
		return s.persister.Persist(ctx, ex)
	}

	if s.extender != nil {
		s.extender.WaitUntil("persist_exchange", task)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.PersistTimeout)
		defer cancel()
		_ = task(ctx) // Persist logs its own failures.
	}()
}

// ListSessions returns the caller's most recently updated sessions.
func (s *ChatService) ListSessions(ctx context.Context, userID string) ([]store.ChatSession, error) {
	sessions, err := s.sessions.ListSessions(ctx, userID, recentSessionsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	return sessions, nil
}

func (s *ChatService) SessionMessages(ctx context.Context, userID, sessionID string) ([]store.ChatMessage, error) {
	session, err := s.sessions.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	messages, err := s.sessions.ListMessages(ctx, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for chat: %w", err)
	}
	return messages, nil
}
