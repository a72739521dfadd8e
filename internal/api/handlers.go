package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"terrawatch.io/assistant/internal/auth"
	"terrawatch.io/assistant/internal/core"
	"terrawatch.io/assistant/internal/store"
)

type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByID(ctx context.Context, id string) (*store.User, error)
}

type APIHandler struct {
	chatService *core.ChatService
	users       UserStore
	tokens      *auth.Tokens
	logger      *zap.Logger
}

func NewAPIHandler(cs *core.ChatService, users UserStore, tokens *auth.Tokens, logger *zap.Logger) *APIHandler {
	return &APIHandler{
		chatService: cs,
		users:       users,
		tokens:      tokens,
		logger:      logger,
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		userID, err := h.tokens.Validate(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.users.GetUserByID(r.Context(), userID)
		if err != nil {
			h.logger.Error("failed to load user for token", zap.String("user_id", userID), zap.Error(err))
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), user.ID)))
	})
}

type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		http.Error(w, "Email and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("failed to hash password", zap.Error(err))
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.users.CreateUser(r.Context(), req.Email, hashedPassword)
	if errors.Is(err, store.ErrDuplicateUser) {
		http.Error(w, "User already exists", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("failed to create user", zap.Error(err))
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, "Email and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.users.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		h.logger.Error("failed to load user", zap.Error(err))
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.tokens.Generate(user.ID)
	if err != nil {
		h.logger.Error("failed to generate token", zap.String("user_id", user.ID), zap.Error(err))
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// ChatHandler answers with a chunked text stream, or a JSON {text} body when the
// model could not stream.
func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	var req core.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	turn, err := h.chatService.StartChat(r.Context(), userID, req)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, core.ErrSessionNotFound):
		http.Error(w, "Chat session not found", http.StatusNotFound)
		return
	default:
		h.logger.Error("chat failed", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Chat failed", http.StatusInternalServerError)
		return
	}
	defer turn.Generation.Close()

	writeTurn(w, turn, h.logger.With(zap.String("session_id", turn.SessionID)))
}

func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	sessions, err := h.chatService.ListSessions(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Failed to list chat sessions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *APIHandler) SessionMessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	messages, err := h.chatService.SessionMessages(r.Context(), userID, sessionID)
	if errors.Is(err, core.ErrSessionNotFound) {
		http.Error(w, "Chat session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load session messages", zap.String("session_id", sessionID), zap.Error(err))
		http.Error(w, "Failed to get chat messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
