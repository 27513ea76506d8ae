package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/diskpool/diskpool/internal/pool/repository"
)

// transfer copies one replica to a target pool and applies the source
// mode. It returns nil once the target holds a readable copy.
func (j *Job) transfer(ctx context.Context, t *task) (err error) {
	id := t.item.id
	now := j.engine.now()

	e, err := j.engine.repo.Get(id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrSourceGone
	case err != nil:
		return err
	case e.State == repository.Broken:
		return ErrReplicaBroken
	case !e.State.IsReadable():
		return ErrSourceGone
	case !j.def.Filter.Accept(e, now):
		return ErrFiltered
	}

	dest, err := j.engine.selector.SelectForP2PDestination(j.targets.Pools(), e.Size)
	if err != nil {
		return err
	}
	j.mu.Lock()
	t.pool = dest.Name
	j.mu.Unlock()

	log := j.logger.With().Str("id", id).Str("target", dest.Name).Logger()
	log.Debug().Int64("size", e.Size).Msg("Starting replica transfer")

	xfer, err := j.engine.dest.Begin(ctx, dest.Name, BeginRequest{
		ID:           id,
		Source:       j.def.SourcePool,
		Size:         e.Size,
		StorageClass: e.StorageClass,
		State:        j.def.targetState(e.State),
		Sticky:       e.Sticky,
	})
	if errors.Is(err, ErrReplicaExists) {
		log.Debug().Msg("Target already holds replica")
		j.markCommitted(t)
		j.applySourceMode(id)
		return nil
	}
	if err != nil {
		if errors.Is(err, ErrDestinationUnavailable) {
			log.Debug().Err(err).Msg("Target refused transfer, excluding it until next refresh")
			j.excludeTarget(dest.Name)
		}
		return j.entryError(t, dest.Name, causeOf(ctx, err))
	}

	committed := false
	defer func() {
		if err == nil || committed {
			return
		}
		err = causeOf(ctx, err)
		if j.rollback(ctx, xfer, log) {
			log.Debug().Msg("Target committed before abort")
			j.markCommitted(t)
			j.applySourceMode(id)
			err = nil
			return
		}
		err = j.entryError(t, dest.Name, err)
	}()

	wctx, stopWatchdog := context.WithCancelCause(ctx)
	defer stopWatchdog(nil)
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		j.watchdog(wctx, xfer, stopWatchdog)
	}()
	defer func() { <-watchdogDone }()
	defer stopWatchdog(nil)

	sum, err := j.stream(wctx, id, xfer)
	if err != nil {
		return causeOf(wctx, err)
	}
	if err = xfer.Commit(wctx, sum); err != nil {
		return causeOf(wctx, err)
	}
	committed = true
	j.markCommitted(t)

	log.Info().Int64("size", e.Size).Msg("Replica transferred")
	j.applySourceMode(id)
	return nil
}

// causeOf replaces a context error with the cancellation cause of ctx.
func causeOf(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

func (j *Job) markCommitted(t *task) {
	j.mu.Lock()
	t.committed = true
	j.mu.Unlock()
}

func (j *Job) entryError(t *task, pool string, err error) error {
	if errors.Is(err, errJobCancelled) || errors.Is(err, ErrSourceGone) {
		return err
	}
	return &EntryError{ID: t.item.id, Pool: pool, Attempt: t.item.attempts, Err: err}
}

// stream copies the replica in chunks and returns its checksum. The
// replica is held for the duration so it cannot be evicted mid-copy.
func (j *Job) stream(ctx context.Context, id string, xfer Transfer) (uint64, error) {
	e, err := j.engine.repo.Acquire(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidState) {
			return 0, ErrSourceGone
		}
		return 0, err
	}
	defer j.engine.repo.Release(id)

	size := e.Size
	h := xxhash.New()
	buf := make([]byte, j.def.ChunkSize)

	for off := int64(0); off < size; {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n := len(buf)
		if rem := size - off; rem < int64(n) {
			n = int(rem)
		}
		read, err := j.engine.source.ReadAt(id, buf[:n], off)
		if read < n {
			if err == nil || errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("%w: short read at offset %d", ErrReplicaBroken, off+int64(read))
			}
			return 0, err
		}
		_, _ = h.Write(buf[:n])
		if err := xfer.Write(ctx, off, buf[:n]); err != nil {
			return 0, err
		}
		off += int64(n)
		j.bytesTransferred.Add(int64(n))
		j.engine.observeBytes(n)
	}
	return h.Sum64(), nil
}

// watchdog pings the target until ctx ends and cancels the transfer with
// ErrPingFailed when the target stops answering.
func (j *Job) watchdog(ctx context.Context, xfer Transfer, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(j.def.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, done := context.WithTimeout(ctx, j.def.PingTimeout)
			err := xfer.Ping(pctx)
			done()
			if err != nil && ctx.Err() == nil {
				cancel(fmt.Errorf("%w: %w", ErrPingFailed, err))
				return
			}
		}
	}
}

// rollback aborts the transfer on the target and reports whether the
// target had already committed.
func (j *Job) rollback(ctx context.Context, xfer Transfer, log zerolog.Logger) bool {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.def.PingTimeout)
	defer cancel()
	committed, err := xfer.Abort(actx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to abort transfer on target")
	}
	return committed
}

// applySourceMode updates the local replica after a successful copy.
// Failures are recorded but do not fail the entry.
func (j *Job) applySourceMode(id string) {
	repo := j.engine.repo
	now := j.engine.now()

	var err error
	switch j.def.SourceMode {
	case SourceSame:
		return
	case SourceCached:
		_, err = repo.CompareAndTransition(id, repository.Precious, repository.Cached)
	case SourcePrecious:
		_, err = repo.CompareAndTransition(id, repository.Cached, repository.Precious)
	case SourceRemovable:
		var e repository.Entry
		if e, err = repo.Get(id); err != nil {
			break
		}
		for _, rec := range e.Sticky {
			if j.isPinOwner(rec.Owner) {
				continue
			}
			if _, err = repo.RemoveSticky(id, rec.Owner); err != nil {
				break
			}
		}
		if err == nil && e.State == repository.Precious {
			_, err = repo.CompareAndTransition(id, repository.Precious, repository.Cached)
		}
	case SourceDelete:
		var e repository.Entry
		if e, err = repo.Get(id); err != nil {
			break
		}
		if j.def.isPinned(e, now) {
			j.logger.Info().Str("id", id).Msg("Source replica pinned, not removing")
			return
		}
		_, err = repo.Transition(id, repository.Removed)
	}

	if err != nil {
		j.logger.Warn().Str("id", id).Str("source_mode", string(j.def.SourceMode)).Err(err).
			Msg("Failed to update source replica")
		j.mu.Lock()
		j.recordErrorLocked(id, "", fmt.Errorf("source mode %s: %w", j.def.SourceMode, err))
		j.mu.Unlock()
	}
}

func (j *Job) isPinOwner(owner string) bool {
	return slices.Contains(j.def.PinOwners, owner)
}
