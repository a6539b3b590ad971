// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrShutdown      = errors.New("supervisor is shut down")
	ErrSessionActive = errors.New("session is already active")
)

// InitializationError means the backend failed to bring the session up.
type InitializationError struct {
	Attempt int
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialization failed (attempt %d): %v", e.Attempt, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// AuthenticationError means the backend rejected the session credentials.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	if e.Reason == "" {
		return "authentication failed"
	}
	return "authentication failed: " + e.Reason
}

// DisconnectedError records an unexpected disconnect reported by the backend.
type DisconnectedError struct {
	Reason   string
	Conflict bool
}

func (e *DisconnectedError) Error() string {
	if e.Conflict {
		return "session replaced by another instance: " + e.Reason
	}
	return "disconnected: " + e.Reason
}
