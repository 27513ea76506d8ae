package migration

import (
	"errors"
	"fmt"
)

// Job errors.
var (
	ErrJobNotFound     = errors.New("migration job not found")
	ErrInvalidJobState = errors.New("operation not allowed in job state")
	ErrJobFailed       = errors.New("migration job failed")
	ErrInvalidJob      = errors.New("invalid migration job definition")
	ErrNoTargets       = errors.New("no valid target pools")
	ErrUnknownPool     = errors.New("unknown pool")
)

// Entry errors.
var (
	ErrEntryFailed   = errors.New("migration of entry failed")
	ErrReplicaBroken = errors.New("replica is broken")
	ErrSourceGone    = errors.New("source replica no longer available")
	ErrFiltered      = errors.New("replica no longer matches job filters")
	ErrReplicaExists = errors.New("destination already holds replica")
	ErrPingFailed    = errors.New("transfer liveness check failed")
	ErrChecksum      = errors.New("transfer checksum mismatch")
	ErrEntryLocked   = errors.New("replica is being migrated by another job")
	errJobCancelled  = errors.New("job cancelled")

	// ErrDestinationUnavailable is returned by Destinations when the chosen
	// pool refuses the transfer although its last snapshot accepted it,
	// e.g. because it was disabled or ran out of space meanwhile.
	ErrDestinationUnavailable = errors.New("destination pool unavailable")
)

// EntryError is a per-entry failure. The job keeps running.
type EntryError struct {
	ID      string
	Pool    string // destination, if one was chosen
	Attempt int
	Err     error
}

func (e *EntryError) Error() string {
	if e.Pool != "" {
		return fmt.Sprintf("replica %s to %s (attempt %d): %v", e.ID, e.Pool, e.Attempt, e.Err)
	}
	return fmt.Sprintf("replica %s (attempt %d): %v", e.ID, e.Attempt, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

func (e *EntryError) Is(target error) bool {
	return target == ErrEntryFailed
}
