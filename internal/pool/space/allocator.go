// Package space implements the pool's admission control over disk
// capacity. Requests are served strictly first come, first served: a
// large request at the head of the queue holds back smaller ones behind
// it until enough space has been freed.
package space

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Ticket records a granted allocation.
type Ticket struct {
	Seq   uint64
	Bytes int64
}

// Usage is a snapshot of the allocator's accounting.
type Usage struct {
	Total   int64 `json:"total"`
	Used    int64 `json:"used"`
	Free    int64 `json:"free"`
	Pending int64 `json:"pending"` // bytes requested by queued waiters
	Waiters int   `json:"waiters"`
}

// Stats holds allocation outcome counters.
type Stats struct {
	Granted     uint64 `json:"granted"`
	Queued      uint64 `json:"queued"`
	TimedOut    uint64 `json:"timed_out"`
	Interrupted uint64 `json:"interrupted"`
	Rejected    uint64 `json:"rejected"`
}

// Config contains configuration for an Allocator.
type Config struct {
	Logger zerolog.Logger
	Total  int64
	Used   int64 // space already occupied at startup

	// OnNeedSpace is called with +bytes when a request has to wait and
	// with -bytes when such a request gives up. It runs with the allocator
	// lock held and must neither block nor call back into the Allocator.
	OnNeedSpace func(bytes int64)
}

type waiter struct {
	seq     uint64
	bytes   int64
	ready   chan struct{}
	granted bool
	err     error
}

// Allocator is a fair FIFO space allocator for one pool.
type Allocator struct {
	mu      sync.Mutex
	total   int64
	used    int64
	queue   []*waiter
	nextSeq uint64

	onNeedSpace func(bytes int64)
	logger      zerolog.Logger

	granted     atomic.Uint64
	queued      atomic.Uint64
	timedOut    atomic.Uint64
	interrupted atomic.Uint64
	rejected    atomic.Uint64
}

// NewAllocator creates an allocator with the given capacity.
func NewAllocator(cfg Config) *Allocator {
	if cfg.OnNeedSpace == nil {
		cfg.OnNeedSpace = func(int64) {}
	}
	return &Allocator{
		total:       cfg.Total,
		used:        cfg.Used,
		onNeedSpace: cfg.OnNeedSpace,
		logger:      cfg.Logger.With().Str("component", "space-allocator").Logger(),
	}
}

// Allocate blocks until bytes can be granted or ctx is done.
func (a *Allocator) Allocate(ctx context.Context, bytes int64) (Ticket, error) {
	return a.allocate(ctx, bytes, nil)
}

// AllocateTimeout is like Allocate but gives up with ErrTimedOut after
// timeout.
func (a *Allocator) AllocateTimeout(ctx context.Context, bytes int64, timeout time.Duration) (Ticket, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return a.allocate(ctx, bytes, timer.C)
}

func (a *Allocator) allocate(ctx context.Context, bytes int64, timeout <-chan time.Time) (Ticket, error) {
	if bytes < 0 {
		a.rejected.Add(1)
		return Ticket{}, fmt.Errorf("%w: %d bytes", ErrInvalidSize, bytes)
	}
	if bytes == 0 {
		return Ticket{}, nil
	}

	a.mu.Lock()
	a.nextSeq++
	w := &waiter{seq: a.nextSeq, bytes: bytes, ready: make(chan struct{})}

	if bytes > a.total {
		a.mu.Unlock()
		a.rejected.Add(1)
		return Ticket{}, fmt.Errorf("%w: %d bytes requested, %d total", ErrExceedsCapacity, bytes, a.total)
	}
	if len(a.queue) == 0 && a.freeLocked() >= bytes {
		a.used += bytes
		a.mu.Unlock()
		a.granted.Add(1)
		return Ticket{Seq: w.seq, Bytes: bytes}, nil
	}

	a.queue = append(a.queue, w)
	a.onNeedSpace(bytes)
	a.mu.Unlock()
	a.queued.Add(1)

	a.logger.Debug().
		Uint64("seq", w.seq).
		Int64("bytes", bytes).
		Msg("Space request queued")

	var cause error
	select {
	case <-w.ready:
	case <-ctx.Done():
		cause = fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case <-timeout:
		cause = ErrTimedOut
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if w.granted {
		// A grant racing with cancellation wins; the caller owns the space.
		return Ticket{Seq: w.seq, Bytes: bytes}, nil
	}
	if w.err != nil {
		a.rejected.Add(1)
		return Ticket{}, w.err
	}

	a.removeLocked(w)
	a.onNeedSpace(-bytes)
	a.grantLocked()

	if cause == ErrTimedOut {
		a.timedOut.Add(1)
	} else {
		a.interrupted.Add(1)
	}
	return Ticket{}, cause
}

// Free returns bytes to the pool. Freeing more than is in use is a
// programming error and panics.
func (a *Allocator) Free(bytes int64) {
	if bytes < 0 {
		panic(fmt.Sprintf("space: free of negative size %d", bytes))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if bytes > a.used {
		panic(fmt.Sprintf("space: free of %d bytes with only %d in use", bytes, a.used))
	}
	a.used -= bytes
	a.grantLocked()
}

// SetTotalSpace changes the pool capacity. Existing allocations stay valid
// even when the new total is below current usage; queued requests that can
// never fit fail with ErrExceedsCapacity.
func (a *Allocator) SetTotalSpace(total int64) error {
	if total < 0 {
		return fmt.Errorf("%w: total %d", ErrInvalidSize, total)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.total
	a.total = total

	kept := a.queue[:0]
	for _, w := range a.queue {
		if w.bytes > total {
			w.err = fmt.Errorf("%w: %d bytes requested, %d total", ErrExceedsCapacity, w.bytes, total)
			close(w.ready)
			a.onNeedSpace(-w.bytes)
			continue
		}
		kept = append(kept, w)
	}
	clear(a.queue[len(kept):])
	a.queue = kept
	a.grantLocked()

	a.logger.Info().Int64("old", old).Int64("new", total).Msg("Total space changed")
	return nil
}

// FreeSpace returns the currently unallocated space.
func (a *Allocator) FreeSpace() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked()
}

// Usage returns a snapshot of the accounting.
func (a *Allocator) Usage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()

	var pending int64
	for _, w := range a.queue {
		pending += w.bytes
	}
	return Usage{
		Total:   a.total,
		Used:    a.used,
		Free:    a.freeLocked(),
		Pending: pending,
		Waiters: len(a.queue),
	}
}

// Stats returns the allocation counters.
func (a *Allocator) Stats() Stats {
	return Stats{
		Granted:     a.granted.Load(),
		Queued:      a.queued.Load(),
		TimedOut:    a.timedOut.Load(),
		Interrupted: a.interrupted.Load(),
		Rejected:    a.rejected.Load(),
	}
}

func (a *Allocator) freeLocked() int64 {
	if a.used >= a.total {
		return 0
	}
	return a.total - a.used
}

// grantLocked serves waiters from the head of the queue for as long as
// the head fits.
func (a *Allocator) grantLocked() {
	for len(a.queue) > 0 {
		w := a.queue[0]
		if a.freeLocked() < w.bytes {
			return
		}
		a.used += w.bytes
		w.granted = true
		close(w.ready)
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.granted.Add(1)
	}
}

func (a *Allocator) removeLocked(w *waiter) {
	for i, q := range a.queue {
		if q == w {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return
		}
	}
}
