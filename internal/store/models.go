package store

import (
	"errors"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrSessionNotFound = errors.New("chat session not found")
	ErrDuplicateUser   = errors.New("user already exists")
	ErrInvalidRole     = errors.New("invalid message role")
)

type User struct {
	ID           string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	Email        string    `json:"email" gorm:"type:varchar(320);not null;uniqueIndex"`
	PasswordHash string    `json:"-" gorm:"type:text;not null"` // Do not expose this in JSON responses
	CreatedAt    time.Time `json:"created_at" gorm:"not null"`
}

func (User) TableName() string { return "users" }

type ChatSession struct {
	ID        string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	UserID    string    `json:"user_id" gorm:"type:varchar(36);not null;index:idx_chat_sessions_user_updated,priority:1"`
	Title     string    `json:"title" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;index:idx_chat_sessions_user_updated,priority:2"`
}

func (ChatSession) TableName() string { return "chat_sessions" }

type ChatMessage struct {
	ID        string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	SessionID string    `json:"session_id" gorm:"type:varchar(36);not null;index:idx_chat_messages_session_created,priority:1"`
	UserID    string    `json:"user_id" gorm:"type:varchar(36);not null"`
	Role      string    `json:"role" gorm:"type:varchar(16);not null"` // "user" or "assistant"
	Content   string    `json:"content" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"not null;index:idx_chat_messages_session_created,priority:2"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

func validRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}
