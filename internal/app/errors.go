package app

import "errors"

var (
	// ErrIncorrectPassword is shown to the user when the gate rejects a candidate.
	ErrIncorrectPassword = errors.New("Incorrect password. Please try again.")

	// ErrUnauthenticated is returned by every session operation while the gate is closed.
	ErrUnauthenticated = errors.New("authentication required")

	ErrInvalidUser     = errors.New("invalid user")
	ErrInvalidTheme    = errors.New("invalid theme color")
	ErrEmptyText       = errors.New("text required")
	ErrEmptyAudio      = errors.New("audio required")
	ErrNoPendingPrompt = errors.New("no pending self-improvement prompt")
	ErrTaskNotMirrored = errors.New("task not found")
)
