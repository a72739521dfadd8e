package core

import "errors"

var (
	// ErrInvalidRequest marks malformed or empty chat input. Callers should not retry.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrProviderUnavailable means neither the primary nor the fallback model could start.
	ErrProviderUnavailable = errors.New("completion provider unavailable")
	// ErrPersistenceFailed wraps store failures while recording an exchange.
	ErrPersistenceFailed = errors.New("persistence failed")
	ErrSessionNotFound   = errors.New("chat session not found")
)
