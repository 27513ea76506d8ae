package space

import "errors"

// Allocation errors.
var (
	ErrTimedOut        = errors.New("space allocation timed out")
	ErrInterrupted     = errors.New("space allocation interrupted")
	ErrExceedsCapacity = errors.New("requested space exceeds pool capacity")
	ErrInvalidSize     = errors.New("invalid space size")
)
