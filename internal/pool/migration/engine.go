package migration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/logging/audit"
	"github.com/diskpool/diskpool/internal/metrics"
	"github.com/diskpool/diskpool/internal/pool/repository"
)

// Config configures an Engine.
type Config struct {
	Pool         string
	Logger       zerolog.Logger
	Repository   *repository.Repository
	Source       ReplicaReader
	Destinations Destinations
	Costs        CostSource
	Selector     *cost.Selector
	Metrics      *metrics.PoolMetrics // optional
	Audit        *audit.Logger        // optional
	Clock        func() time.Time     // optional, used for filter evaluation
}

// Engine runs the migration jobs of one pool.
type Engine struct {
	pool     string
	logger   zerolog.Logger
	repo     *repository.Repository
	source   ReplicaReader
	dest     Destinations
	costs    CostSource
	selector *cost.Selector
	metrics  *metrics.PoolMetrics
	audit    *audit.Logger
	clock    func() time.Time
	locks    *lockSet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	jobs    map[string]*Job
	stopped bool
}

// NewEngine creates an engine. Jobs run until they finish or Stop is
// called.
func NewEngine(cfg Config) *Engine {
	if cfg.Selector == nil {
		cfg.Selector = cost.NewSelector(cost.DefaultWeights)
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		pool:     cfg.Pool,
		logger:   cfg.Logger.With().Str("component", "migration").Logger(),
		repo:     cfg.Repository,
		source:   cfg.Source,
		dest:     cfg.Destinations,
		costs:    cfg.Costs,
		selector: cfg.Selector,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		clock:    cfg.Clock,
		locks:    newLockSet(),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*Job),
	}
}

func (e *Engine) now() time.Time {
	return e.clock()
}

// Start validates def and starts a job for it. The source pool is always
// this engine's pool.
func (e *Engine) Start(def Definition) (string, error) {
	def.SourcePool = e.pool
	def.applyDefaults()
	if err := def.Validate(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return "", fmt.Errorf("start migration job: %w", repository.ErrClosed)
	}

	id := uuid.NewString()[:8]
	for e.jobs[id] != nil {
		id = uuid.NewString()[:8]
	}
	job := newJob(id, def, e)
	e.jobs[id] = job
	e.observeJobState(-1, Running)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		job.run(e.ctx)
	}()

	e.logger.Info().
		Str("job", id).
		Strs("targets", job.targets.Names()).
		Str("filter", def.Filter.String()).
		Str("source_mode", string(def.SourceMode)).
		Bool("permanent", def.Permanent).
		Msg("Migration job started")
	e.audit.LogMigration("system", e.pool, id, "start", def.Filter.String())
	return id, nil
}

func (e *Engine) job(id string) (*Job, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// Job returns a snapshot of one job.
func (e *Engine) Job(id string) (JobInfo, error) {
	j, err := e.job(id)
	if err != nil {
		return JobInfo{}, err
	}
	return j.Info(), nil
}

// Jobs returns snapshots of all jobs ordered by creation time.
func (e *Engine) Jobs() []JobInfo {
	e.mu.RLock()
	jobs := make([]*Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.mu.RUnlock()

	infos := make([]JobInfo, len(jobs))
	for i, j := range jobs {
		infos[i] = j.Info()
	}
	sort.Slice(infos, func(a, b int) bool {
		if !infos[a].Created.Equal(infos[b].Created) {
			return infos[a].Created.Before(infos[b].Created)
		}
		return infos[a].ID < infos[b].ID
	})
	return infos
}

// Cancel stops a job. Without forced, running transfers finish first.
func (e *Engine) Cancel(id string, forced bool) error {
	j, err := e.job(id)
	if err != nil {
		return err
	}
	if err := j.cancel(forced); err != nil {
		return err
	}
	e.audit.LogMigration("admin", e.pool, id, "cancel", fmt.Sprintf("forced=%t", forced))
	return nil
}

// Suspend stops a job from starting new transfers.
func (e *Engine) Suspend(id string) error {
	j, err := e.job(id)
	if err != nil {
		return err
	}
	if err := j.suspend(); err != nil {
		return err
	}
	e.audit.LogMigration("admin", e.pool, id, "suspend", "")
	return nil
}

// Resume continues a suspended job.
func (e *Engine) Resume(id string) error {
	j, err := e.job(id)
	if err != nil {
		return err
	}
	if err := j.resume(); err != nil {
		return err
	}
	e.audit.LogMigration("admin", e.pool, id, "resume", "")
	return nil
}

// SetConcurrency changes how many transfers a job runs at once.
func (e *Engine) SetConcurrency(id string, n int) error {
	j, err := e.job(id)
	if err != nil {
		return err
	}
	return j.setConcurrency(n)
}

// RefreshTargets makes a job refresh its target costs now.
func (e *Engine) RefreshTargets(id string) error {
	j, err := e.job(id)
	if err != nil {
		return err
	}
	return j.requestRefresh()
}

// Clear forgets a finished job.
func (e *Engine) Clear(id string) error {
	j, err := e.job(id)
	if err != nil {
		return err
	}

	j.mu.Lock()
	state := j.state
	j.mu.Unlock()
	if !state.IsTerminal() {
		return fmt.Errorf("clear job %s in state %s: %w", id, state, ErrInvalidJobState)
	}

	e.mu.Lock()
	delete(e.jobs, id)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.MigrationJobs.WithLabelValues(state.String()).Dec()
	}
	return nil
}

// Wait blocks until the job has finished or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (JobInfo, error) {
	j, err := e.job(id)
	if err != nil {
		return JobInfo{}, err
	}
	select {
	case <-j.done:
		return j.Info(), nil
	case <-ctx.Done():
		return j.Info(), ctx.Err()
	}
}

// Stop force-cancels all jobs and waits for them.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.logger.Info().Msg("Migration engine stopped")
}

func (e *Engine) observeJobState(from, to State) {
	if e.metrics == nil {
		return
	}
	if from >= 0 {
		e.metrics.MigrationJobs.WithLabelValues(from.String()).Dec()
	}
	e.metrics.MigrationJobs.WithLabelValues(to.String()).Inc()
}

func (e *Engine) observeEntry(outcome string) {
	if e.metrics != nil {
		e.metrics.MigrationEntries.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) observeBytes(n int) {
	if e.metrics != nil {
		e.metrics.MigrationBytes.Add(float64(n))
	}
}
