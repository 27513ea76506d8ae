package repository

import (
	"errors"
	"fmt"
)

// Repository errors.
var (
	ErrNotFound               = errors.New("replica not found")
	ErrExists                 = errors.New("replica already exists")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrStateChanged           = errors.New("replica state changed")
	ErrInvalidState           = errors.New("operation not allowed in replica state")
	ErrClosed                 = errors.New("repository closed")
	ErrInUse                  = errors.New("replica in use")
)

// TransitionError describes a rejected transition. It matches
// ErrInvalidStateTransition or ErrStateChanged with errors.Is.
type TransitionError struct {
	ID   string
	From State
	To   State
	// Stale is set when the caller's expected state did not match.
	Stale bool
}

func (e *TransitionError) Error() string {
	if e.Stale {
		return fmt.Sprintf("replica %s: state changed to %s before transition to %s", e.ID, e.From, e.To)
	}
	return fmt.Sprintf("replica %s: invalid state transition %s -> %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	if e.Stale {
		return target == ErrStateChanged
	}
	return target == ErrInvalidStateTransition
}
