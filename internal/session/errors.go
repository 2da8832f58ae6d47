package session

import "errors"

var (
	// ErrNotFound indicates the requested session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrConflict indicates an external job id is already bound elsewhere.
	ErrConflict = errors.New("external job already linked to another session")

	// ErrInvalidTransition indicates a status change that the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid session status transition")
)
