package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"terrawatch.io/assistant/internal/store"
)

const (
	defaultSessionTitle = "New Chat"
	maxTitleRunes       = 50
)

// SessionStore is the part of the store the chat pipeline needs. Both store.SQLiteStore
// and store.GormStore satisfy it.
type SessionStore interface {
	CreateSession(ctx context.Context, session *store.ChatSession) error
	GetSession(ctx context.Context, sessionID, userID string) (*store.ChatSession, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]store.ChatSession, error)
	CreateMessage(ctx context.Context, msg *store.ChatMessage) error
	ListMessages(ctx context.Context, sessionID, userID string) ([]store.ChatMessage, error)
}

// Exchange is one completed user/assistant turn waiting to be recorded.
type Exchange struct {
	SessionID     string
	NewSession    bool
	UserID        string
	Title         string
	UserContent   string
	AssistantText string
}

// NewExchange derives the title and stored user content from the normalized request.
func NewExchange(sessionID string, newSession bool, userID string, messages []Message) Exchange {
	return Exchange{
		SessionID:   sessionID,
		NewSession:  newSession,
		UserID:      userID,
		Title:       sessionTitle(messages),
		UserContent: latestUserContent(messages),
	}
}

type SessionPersister struct {
	store  SessionStore
	logger *zap.Logger
	now    func() time.Time
}

func NewSessionPersister(sessions SessionStore, logger *zap.Logger) *SessionPersister {
	return &SessionPersister{store: sessions, logger: logger, now: time.Now}
}

// Persist records the exchange: the session row when it is new, then the user message,
// then the assistant message. The assistant message is always stamped after the user's.
func (p *SessionPersister) Persist(ctx context.Context, ex Exchange) error {
	logger := p.logger.With(zap.String("session_id", ex.SessionID), zap.String("user_id", ex.UserID))

	userAt := p.now().UTC()
	if ex.NewSession {
		session := &store.ChatSession{
			ID:        ex.SessionID,
			UserID:    ex.UserID,
			Title:     ex.Title,
			CreatedAt: userAt,
		}
		if err := p.store.CreateSession(ctx, session); err != nil {
			logger.Error("failed to create chat session", zap.Error(err))
			return fmt.Errorf("%w: create session: %w", ErrPersistenceFailed, err)
		}
	}

	userMsg := &store.ChatMessage{
		SessionID: ex.SessionID,
		UserID:    ex.UserID,
		Role:      store.RoleUser,
		Content:   ex.UserContent,
		CreatedAt: userAt,
	}
	if err := p.store.CreateMessage(ctx, userMsg); err != nil {
		logger.Error("failed to store user message", zap.Error(err))
		return fmt.Errorf("%w: user message: %w", ErrPersistenceFailed, err)
	}

	assistantAt := p.now().UTC()
	if !assistantAt.After(userMsg.CreatedAt) {
		assistantAt = userMsg.CreatedAt.Add(time.Microsecond)
	}
	assistantMsg := &store.ChatMessage{
		SessionID: ex.SessionID,
		UserID:    ex.UserID,
		Role:      store.RoleAssistant,
		Content:   ex.AssistantText,
		CreatedAt: assistantAt,
	}
	if err := p.store.CreateMessage(ctx, assistantMsg); err != nil {
		logger.Error("failed to store assistant message", zap.Error(err))
		return fmt.Errorf("%w: assistant message: %w", ErrPersistenceFailed, err)
	}

	logger.Debug("exchange persisted", zap.Bool("new_session", ex.NewSession))
	return nil
}

// sessionTitle is the first user message truncated to 50 characters, when that message
// was sent as plain text.
func sessionTitle(messages []Message) string {
	for _, msg := range messages {
		if msg.Role != store.RoleUser {
			continue
		}
		text, ok := msg.PlainText()
		if !ok || text == "" {
			return defaultSessionTitle
		}
		runes := []rune(text)
		if len(runes) > maxTitleRunes {
			runes = runes[:maxTitleRunes]
		}
		return string(runes)
	}
	return defaultSessionTitle
}

func latestUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == store.RoleUser {
			return messages[i].Text()
		}
	}
	return ""
}
