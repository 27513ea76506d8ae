package migration

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/internal/pool/store"
	"github.com/diskpool/diskpool/internal/transport"
)

const (
	eventBuffer    = 1024
	lockRetryDelay = time.Second
)

type item struct {
	id        string
	size      int64
	attempts  int
	notBefore time.Time
}

type task struct {
	item   *item
	cancel context.CancelCauseFunc

	// protected by Job.mu
	pool      string
	committed bool
}

// Job is one migration job. All mutable state is guarded by mu; the run
// goroutine is the only one that dispatches transfers.
type Job struct {
	id      string
	def     Definition
	engine  *Engine
	targets *PoolList
	logger  zerolog.Logger

	mu               sync.Mutex
	state            State
	forced           bool
	failure          error
	concurrency      int
	refreshRequested bool
	queue            []*item
	queued           map[string]*item
	running          map[string]*task
	seen             map[string]struct{}
	stats            Stats
	errs             []ErrorRecord
	created          time.Time
	finished         time.Time

	bytesTransferred atomic.Int64

	wake chan struct{}
	done chan struct{}
}

func newJob(id string, def Definition, e *Engine) *Job {
	return &Job{
		id:          id,
		def:         def,
		engine:      e,
		targets:     NewPoolList(e.costs, def.Targets, def.SourcePool, def.RefreshPeriod),
		logger:      e.logger.With().Str("job", id).Logger(),
		state:       Running,
		concurrency: def.Concurrency,
		queued:      make(map[string]*item),
		running:     make(map[string]*task),
		seen:        make(map[string]struct{}),
		created:     e.now(),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (j *Job) signal() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// Info returns a snapshot of the job.
func (j *Job) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()

	stats := j.stats
	stats.Queued = len(j.queue)
	stats.Running = len(j.running)
	stats.BytesTransferred = j.bytesTransferred.Load()
	var targetsErr string
	if err := j.targets.Err(); err != nil {
		targetsErr = err.Error()
	}

	info := JobInfo{
		ID:          j.id,
		State:       j.state,
		SourcePool:  j.def.SourcePool,
		Targets:     j.targets.Names(),
		TargetsErr:  targetsErr,
		Filter:      j.def.Filter.String(),
		SourceMode:  j.def.SourceMode,
		TargetMode:  j.def.TargetMode,
		Concurrency: j.concurrency,
		Permanent:   j.def.Permanent,
		Forced:      j.forced,
		Created:     j.created,
		Finished:    j.finished,
		Stats:       stats,
		Errors:      slices.Clone(j.errs),
	}
	if j.failure != nil {
		info.Failure = j.failure.Error()
	}
	return info
}

func (j *Job) setStateLocked(s State) {
	if j.state == s {
		return
	}
	j.engine.observeJobState(j.state, s)
	j.logger.Info().
		Str("from", j.state.String()).
		Str("to", s.String()).
		Msg("Migration job state changed")
	j.state = s
	if s.IsTerminal() {
		j.finished = j.engine.now()
		details := ""
		if j.failure != nil {
			details = j.failure.Error()
		}
		j.engine.audit.LogMigration("system", j.def.SourcePool, j.id, strings.ToLower(s.String()), details)
	}
}

// accepts reports whether the job wants to migrate e.
func (j *Job) accepts(e repository.Entry, now time.Time) bool {
	return e.State.IsReadable() && e.State != repository.Broken && j.def.Filter.Accept(e, now)
}

// enumerate queues the matching replicas that exist when the job starts.
func (j *Job) enumerate() {
	now := j.engine.now()
	var candidates []repository.Entry

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, e := range j.engine.repo.List() {
		if e.State != repository.Cached && e.State != repository.Precious {
			continue
		}
		j.seen[e.ID] = struct{}{}
		j.stats.Total++
		if !j.def.Filter.Accept(e, now) {
			j.stats.Skipped++
			j.engine.observeEntry("skipped")
			continue
		}
		candidates = append(candidates, e)
	}

	switch j.def.Order {
	case OrderSize:
		sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].Size > candidates[b].Size })
	case OrderLRU:
		sort.SliceStable(candidates, func(a, b int) bool {
			return candidates[a].LastAccessTime.Before(candidates[b].LastAccessTime)
		})
	}
	for _, e := range candidates {
		j.enqueueLocked(e)
	}

	j.logger.Info().
		Int("total", j.stats.Total).
		Int("queued", len(j.queue)).
		Int("skipped", j.stats.Skipped).
		Msg("Migration job enumerated replicas")
}

func (j *Job) enqueueLocked(e repository.Entry) {
	it := &item{id: e.ID, size: e.Size}
	j.queue = append(j.queue, it)
	j.queued[e.ID] = it
	j.stats.BytesTotal += e.Size
}

func (j *Job) dropQueuedLocked(id string) bool {
	it, ok := j.queued[id]
	if !ok {
		return false
	}
	delete(j.queued, id)
	j.queue = slices.DeleteFunc(j.queue, func(q *item) bool { return q == it })
	return true
}

// run is the job's main loop.
func (j *Job) run(ctx context.Context) {
	defer close(j.done)

	sub := j.engine.repo.Subscribe(eventBuffer)
	defer sub.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	j.enumerate()

	stopping := ctx.Done()
	events := sub.C
	var lastDropped uint64

	for {
		if j.refreshDue() {
			j.refreshTargets(ctx)
		}

		wait, finished := j.schedule(ctx, &wg)
		if finished {
			return
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-stopping:
			stopping = nil
			_ = j.cancel(true)
		case <-j.wake:
		case ev, ok := <-events:
			if !ok {
				events = nil
				_ = j.cancel(true)
				break
			}
			j.handleEvent(ev)
			if d := sub.Dropped(); d != lastDropped && j.def.Permanent {
				lastDropped = d
				j.rescan()
			}
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// schedule dispatches transfers and decides when to look again. It
// returns finished once the job reached a terminal state.
func (j *Job) schedule(ctx context.Context, wg *sync.WaitGroup) (time.Duration, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case Suspended:
		return 0, false
	case Cancelling:
		if len(j.running) == 0 {
			j.setStateLocked(Cancelled)
			return 0, true
		}
		return 0, false
	case Running:
	default:
		return 0, true
	}

	if j.failure != nil {
		if len(j.running) == 0 {
			j.setStateLocked(Failed)
			return 0, true
		}
		return 0, false
	}

	now := time.Now()
	for len(j.running) < j.concurrency {
		idx := slices.IndexFunc(j.queue, func(it *item) bool { return !it.notBefore.After(now) })
		if idx < 0 {
			break
		}
		it := j.queue[idx]
		j.queue = slices.Delete(j.queue, idx, idx+1)
		delete(j.queued, it.id)

		if !j.engine.locks.tryLock(it.id, j.id) {
			it.notBefore = now.Add(lockRetryDelay)
			j.queue = append(j.queue, it)
			j.queued[it.id] = it
			continue
		}
		j.startLocked(ctx, wg, it)
	}

	if len(j.queue) == 0 && len(j.running) == 0 && !j.def.Permanent {
		j.setStateLocked(Completed)
		return 0, true
	}

	wait := time.Until(j.targets.NextRefresh())
	if len(j.running) < j.concurrency {
		for _, it := range j.queue {
			if d := it.notBefore.Sub(now); d < wait {
				wait = d
			}
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

func (j *Job) startLocked(ctx context.Context, wg *sync.WaitGroup, it *item) {
	tctx, cancel := context.WithCancelCause(ctx)
	t := &task{item: it, cancel: cancel}
	j.running[it.id] = t
	it.attempts++
	j.stats.Attempts++

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := j.transfer(tctx, t)
		cancel(nil)
		j.engine.locks.unlock(it.id, j.id)
		j.complete(t, err)
	}()
}

// complete accounts for a finished transfer.
func (j *Job) complete(t *task, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	defer j.signal()

	it := t.item
	delete(j.running, it.id)

	switch {
	case err == nil:
		j.stats.Completed++
		j.engine.observeEntry("completed")
		return
	case errors.Is(err, errJobCancelled), j.forced:
		j.engine.observeEntry("cancelled")
		return
	case errors.Is(err, ErrSourceGone), errors.Is(err, ErrFiltered):
		j.stats.Skipped++
		j.engine.observeEntry("skipped")
		j.logger.Debug().Str("id", it.id).Err(err).Msg("Replica skipped")
		return
	}

	j.recordErrorLocked(it.id, t.pool, err)

	active := j.state == Running || j.state == Suspended
	if active && j.failure == nil && isRetryable(err) && it.attempts < j.def.MaxRetries {
		it.notBefore = time.Now().Add(time.Duration(it.attempts) * j.def.RetryDelay)
		j.queue = append(j.queue, it)
		j.queued[it.id] = it
		j.engine.observeEntry("retried")
		j.logger.Debug().Str("id", it.id).Int("attempt", it.attempts).Err(err).Msg("Replica transfer failed, will retry")
		return
	}

	j.stats.Failed++
	j.engine.observeEntry("failed")
	j.logger.Warn().Str("id", it.id).Int("attempts", it.attempts).Err(err).Msg("Replica transfer failed")
}

func (j *Job) recordErrorLocked(id, pool string, err error) {
	rec := ErrorRecord{Time: j.engine.now(), ID: id, Pool: pool, Error: err.Error()}
	if len(j.errs) == maxRecentErrors {
		copy(j.errs, j.errs[1:])
		j.errs[len(j.errs)-1] = rec
		return
	}
	j.errs = append(j.errs, rec)
}

// isRetryable reports whether a failed transfer may succeed when tried
// again.
func isRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrReplicaBroken):
		return false
	case errors.Is(err, ErrDestinationUnavailable),
		errors.Is(err, transport.ErrUnknownOutcome),
		errors.Is(err, transport.ErrUnreachable),
		errors.Is(err, transport.ErrRateLimited),
		errors.Is(err, cost.ErrNoPoolAvailable),
		errors.Is(err, store.ErrIO),
		errors.Is(err, ErrPingFailed),
		errors.Is(err, ErrChecksum),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// handleEvent keeps the queue in line with the repository.
func (j *Job) handleEvent(ev repository.Event) {
	if ev.ID == "" {
		return
	}
	now := j.engine.now()

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.IsTerminal() || j.state == Cancelling {
		return
	}

	gone := ev.New.State == repository.Removed || ev.New.State == repository.Destroyed
	if ev.Type == repository.EventStateChanged && gone {
		if j.dropQueuedLocked(ev.ID) {
			j.stats.Skipped++
			j.engine.observeEntry("skipped")
		}
		if t, ok := j.running[ev.ID]; ok && !t.committed {
			t.cancel(ErrSourceGone)
		}
		return
	}

	switch ev.Type {
	case repository.EventStateChanged, repository.EventStickyChanged, repository.EventTouched:
	default:
		return
	}

	_, isQueued := j.queued[ev.ID]
	accepted := j.accepts(ev.New, now)
	switch {
	case isQueued && !accepted:
		j.dropQueuedLocked(ev.ID)
		j.stats.Skipped++
		j.engine.observeEntry("skipped")
	case !isQueued && accepted && j.def.Permanent:
		if _, done := j.seen[ev.ID]; done {
			return
		}
		if _, running := j.running[ev.ID]; running {
			return
		}
		j.seen[ev.ID] = struct{}{}
		j.stats.Total++
		j.enqueueLocked(ev.New)
		j.signal()
	}
}

// rescan picks up replicas a permanent job missed while its event buffer
// overflowed.
func (j *Job) rescan() {
	now := j.engine.now()
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.engine.repo.List() {
		if _, ok := j.seen[e.ID]; ok {
			continue
		}
		if !j.accepts(e, now) {
			continue
		}
		j.seen[e.ID] = struct{}{}
		j.stats.Total++
		j.enqueueLocked(e)
	}
}

func (j *Job) refreshDue() bool {
	j.mu.Lock()
	requested := j.refreshRequested
	ok := j.state == Running && j.failure == nil
	j.mu.Unlock()
	return ok && (requested || j.targets.IsStale(time.Now()))
}

func (j *Job) refreshTargets(ctx context.Context) {
	err := j.targets.Refresh(ctx)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.refreshRequested = false

	if errors.Is(err, ErrNoTargets) {
		j.failure = fmt.Errorf("%w: %w", ErrJobFailed, err)
		for _, t := range j.running {
			t.cancel(errJobCancelled)
		}
		j.logger.Error().Err(err).Msg("Target pool list invalid, failing job")
		return
	}
	if err != nil {
		j.logger.Debug().Err(err).Msg("Target refresh interrupted")
	}
}

func (j *Job) cancel(forced bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case Running, Suspended:
	case Cancelling:
		if !forced || j.forced {
			return nil
		}
	default:
		return fmt.Errorf("cancel job %s in state %s: %w", j.id, j.state, ErrInvalidJobState)
	}

	j.forced = j.forced || forced
	j.setStateLocked(Cancelling)
	j.queue = nil
	clear(j.queued)
	if forced {
		for _, t := range j.running {
			t.cancel(errJobCancelled)
		}
	}
	j.signal()
	return nil
}

func (j *Job) suspend() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != Running {
		return fmt.Errorf("suspend job %s in state %s: %w", j.id, j.state, ErrInvalidJobState)
	}
	j.setStateLocked(Suspended)
	j.signal()
	return nil
}

func (j *Job) resume() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != Suspended {
		return fmt.Errorf("resume job %s in state %s: %w", j.id, j.state, ErrInvalidJobState)
	}
	j.setStateLocked(Running)
	j.signal()
	return nil
}

func (j *Job) setConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: concurrency %d", ErrInvalidJob, n)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return fmt.Errorf("set concurrency of job %s in state %s: %w", j.id, j.state, ErrInvalidJobState)
	}
	j.concurrency = n
	j.signal()
	return nil
}

// excludeTarget leaves pool out of selection until the next refresh. A
// refresh is requested right away once no target is left.
func (j *Job) excludeTarget(pool string) {
	if j.targets.Exclude(pool) == 0 {
		_ = j.requestRefresh()
	}
}

func (j *Job) requestRefresh() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return fmt.Errorf("refresh job %s in state %s: %w", j.id, j.state, ErrInvalidJobState)
	}
	j.refreshRequested = true
	j.signal()
	return nil
}

func (j *Job) isTerminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.IsTerminal()
}
