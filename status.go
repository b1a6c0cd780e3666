package command

import (
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// Status is a command lifecycle state. Its JSON form is the upper-case label.
type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusInitialized Status = "INITIALIZED"
	// StatusCompiled is part of the vocabulary but no transition reaches it.
	StatusCompiled  Status = "COMPILED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Statuses lists every known status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusCreated,
		StatusInitialized,
		StatusCompiled,
		StatusExecuting,
		StatusCompleted,
		StatusFailed,
	}
}

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses() {
		if s == known {
			return true
		}
	}
	return false
}

// Processed reports whether s is terminal.
func (s Status) Processed() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether next is a forward edge of the command
// graph starting at s.
func (s Status) CanTransitionTo(next Status) bool {
	switch next {
	case StatusInitialized:
		return s == StatusCreated
	case StatusExecuting:
		return s == StatusCreated || s == StatusInitialized
	case StatusCompleted, StatusFailed:
		return s.Valid() && !s.Processed()
	default:
		return false
	}
}

// ParseStatus normalizes a label into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", apperrors.New("unknown command status", apperrors.CategoryBadInput).
			WithTextCode("COMMAND_STATUS_UNKNOWN").
			WithMetadata(map[string]any{"status": raw})
	}
	return s, nil
}

// Origin tells how a command came to exist.
type Origin string

const (
	OriginInvoked  Origin = "invoked"
	OriginRestored Origin = "restored"
)
