package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore persists users, sessions and messages through gorm. Production uses the
// PostgreSQL dialector; any gorm dialector works.
type GormStore struct {
	db *gorm.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*GormStore, error) {
	return NewGormStore(ctx, postgres.Open(dsn))
}

func NewGormStore(ctx context.Context, dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.WithContext(ctx).AutoMigrate(
		&User{},
		&ChatSession{},
		&ChatMessage{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to auto-migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) CreateUser(ctx context.Context, email, passwordHash string) (*User, error) {
	user := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateUser
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return &user, nil
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.firstUser(ctx, "email = ?", email)
}

func (s *GormStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.firstUser(ctx, "id = ?", id)
}

func (s *GormStore) firstUser(ctx context.Context, cond string, arg string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where(cond, arg).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *GormStore) CreateSession(ctx context.Context, session *ChatSession) error {
	prepareSession(session)
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to insert chat session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, sessionID, userID string) (*ChatSession, error) {
	var session ChatSession
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", sessionID, userID).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat session: %w", err)
	}
	return &session, nil
}

func (s *GormStore) ListSessions(ctx context.Context, userID string, limit int) ([]ChatSession, error) {
	sessions := []ChatSession{}
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query chat sessions: %w", err)
	}
	return sessions, nil
}

func (s *GormStore) CreateMessage(ctx context.Context, msg *ChatMessage) error {
	if err := prepareMessage(msg); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ChatSession{}).
			Where("id = ? AND user_id = ?", msg.SessionID, msg.UserID).
			Update("updated_at", msg.CreatedAt)
		if res.Error != nil {
			return fmt.Errorf("failed to touch chat session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

func (s *GormStore) ListMessages(ctx context.Context, sessionID, userID string) ([]ChatMessage, error) {
	messages := []ChatMessage{}
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return messages, nil
}
