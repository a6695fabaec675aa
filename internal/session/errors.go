package session

import "errors"

var (
	// ErrSessionNotFound is returned when no session exists for a work item.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionRunning is returned by start while a turn is still being consumed.
	ErrSessionRunning = errors.New("session is running")
	ErrNotBlocked     = errors.New("session is not blocked")
	ErrNotPaused      = errors.New("session is not paused")
	ErrInvalidWorkdir = errors.New("invalid working directory")
	ErrNoPhases       = errors.New("work item has no phases")
	ErrPhaseNotFound  = errors.New("phase not found")
)
