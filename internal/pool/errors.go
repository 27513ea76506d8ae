package pool

import (
	"errors"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/pool/mode"
	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/internal/pool/space"
	"github.com/diskpool/diskpool/internal/transport"
)

// Pool errors.
var (
	ErrPoolDisabled     = errors.New("pool is disabled for this operation")
	ErrNotReadable      = errors.New("replica is not readable")
	ErrTransferNotFound = errors.New("transfer not found")
	ErrTransferClosed   = errors.New("transfer already finished")
	ErrOutOfRange       = errors.New("write outside reserved size")
	ErrNoNearline       = errors.New("no backing store configured")
	ErrNotOnNearline    = errors.New("file not found on backing store")
	ErrNoTransport      = errors.New("pool has no transport")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrHandleClosed     = errors.New("handle is closed")
	ErrSizeMismatch     = errors.New("replica size does not match")
)

func init() {
	for _, c := range []struct {
		code string
		err  error
	}{
		{"pool_disabled", ErrPoolDisabled},
		{"not_readable", ErrNotReadable},
		{"transfer_not_found", ErrTransferNotFound},
		{"transfer_closed", ErrTransferClosed},
		{"out_of_range", ErrOutOfRange},
		{"not_on_nearline", ErrNotOnNearline},
		{"pool_dead", mode.ErrPoolDead},
		{"replica_not_found", repository.ErrNotFound},
		{"replica_exists", migration.ErrReplicaExists},
		{"replica_exists_incomplete", repository.ErrExists},
		{"replica_broken", migration.ErrReplicaBroken},
		{"destination_unavailable", migration.ErrDestinationUnavailable},
		{"checksum", migration.ErrChecksum},
		{"unknown_pool", migration.ErrUnknownPool},
		{"invalid_transition", repository.ErrInvalidStateTransition},
		{"space_timed_out", space.ErrTimedOut},
		{"space_interrupted", space.ErrInterrupted},
		{"exceeds_capacity", space.ErrExceedsCapacity},
		{"no_pool_available", cost.ErrNoPoolAvailable},
	} {
		transport.RegisterError(c.code, c.err)
	}
}
