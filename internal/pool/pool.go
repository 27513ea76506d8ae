// Package pool is a storage pool node. It admits client operations
// through its mode, replica state machine and space allocator, serves
// pool-to-pool transfers, evicts cached replicas when space runs short
// and publishes its cost to the pool managers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/logging/audit"
	"github.com/diskpool/diskpool/internal/metrics"
	"github.com/diskpool/diskpool/internal/namespace"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/pool/mode"
	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/internal/pool/space"
	"github.com/diskpool/diskpool/internal/pool/store"
	"github.com/diskpool/diskpool/internal/transport"
)

// Defaults for Config fields.
const (
	DefaultPublishInterval     = 10 * time.Second
	DefaultSweepInterval       = 30 * time.Second
	DefaultTransferIdleTimeout = 5 * time.Minute
	DefaultMetricsInterval     = 15 * time.Second
)

// Config contains configuration for a Pool.
type Config struct {
	Name       string
	Logger     zerolog.Logger
	Store      store.ReplicaStore
	MetaStore  repository.MetaStore // optional
	TotalSpace int64
	Mode       mode.Mode

	// Transport connects the pool to managers and other pools. Without it
	// the pool serves local operations only.
	Transport transport.Transport
	Managers  []string

	Namespace namespace.Service    // optional
	Nearline  Nearline             // optional
	Metrics   *metrics.PoolMetrics // optional
	Audit     *audit.Logger        // optional
	Weights   cost.Weights
	Movers    map[string]int // per-queue mover limits, see DefaultMovers

	// AllocationTimeout bounds how long a write waits for space. Zero
	// waits until the request's context ends.
	AllocationTimeout   time.Duration
	PublishInterval     time.Duration
	SweepInterval       time.Duration
	TransferIdleTimeout time.Duration
	MetricsInterval     time.Duration

	Clock func() time.Time
}

// Pool is one storage pool node.
type Pool struct {
	name     string
	cfg      Config
	logger   zerolog.Logger
	store    store.ReplicaStore
	repo     *repository.Repository
	space    *space.Allocator
	mode     *mode.Controller
	movers   movers
	selector *cost.Selector
	ns       namespace.Service
	nearline Nearline
	metrics  *metrics.PoolMetrics
	audit    *audit.Logger
	clock    func() time.Time

	transport transport.Transport
	mux       *transport.Mux
	migration *migration.Engine
	incoming  *p2pServer

	publishNow chan struct{}
	reclaimNow chan struct{}
	sweepNow   chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New creates a pool and loads its replica metadata. Replicas that were
// being written when the pool went down come back BROKEN.
func New(cfg Config) (*Pool, error) {
	if cfg.Name == "" {
		return nil, errors.New("pool name is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("replica store is required")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = DefaultPublishInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.TransferIdleTimeout <= 0 {
		cfg.TransferIdleTimeout = DefaultTransferIdleTimeout
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = DefaultMetricsInterval
	}
	if cfg.Weights == (cost.Weights{}) {
		cfg.Weights = cost.DefaultWeights
	}

	logger := cfg.Logger.With().Str("pool", cfg.Name).Logger()
	repo := repository.New(repository.Config{
		Logger:    logger,
		MetaStore: cfg.MetaStore,
		Clock:     cfg.Clock,
	})
	entries, err := repo.Load()
	if err != nil {
		return nil, fmt.Errorf("load replica metadata: %w", err)
	}
	var used int64
	for _, e := range entries {
		if e.State.CountsAgainstSpace() {
			used += e.Size
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       cfg.Name,
		cfg:        cfg,
		logger:     logger.With().Str("component", "pool").Logger(),
		store:      cfg.Store,
		repo:       repo,
		mode:       mode.NewController(cfg.Mode),
		movers:     newMovers(cfg.Movers),
		selector:   cost.NewSelector(cfg.Weights),
		ns:         cfg.Namespace,
		nearline:   cfg.Nearline,
		metrics:    cfg.Metrics,
		audit:      cfg.Audit,
		clock:      cfg.Clock,
		transport:  cfg.Transport,
		publishNow: make(chan struct{}, 1),
		reclaimNow: make(chan struct{}, 1),
		sweepNow:   make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.space = space.NewAllocator(space.Config{
		Logger:      logger,
		Total:       cfg.TotalSpace,
		Used:        used,
		OnNeedSpace: repo.NotifyNeedSpace,
	})
	p.incoming = newP2PServer(p)

	if cfg.Transport != nil {
		p.mux = transport.NewMux()
		p.RegisterHandlers(p.mux)
		cfg.Transport.RegisterHandler(p.mux.Serve)

		p.migration = migration.NewEngine(migration.Config{
			Pool:         cfg.Name,
			Logger:       logger,
			Repository:   repo,
			Source:       cfg.Store,
			Destinations: newP2PClient(cfg.Transport),
			Costs:        NewCostClient(cfg.Transport, cfg.Managers...),
			Selector:     p.selector,
			Metrics:      cfg.Metrics,
			Audit:        cfg.Audit,
			Clock:        cfg.Clock,
		})
	}

	p.logger.Info().
		Int("replicas", len(entries)).
		Int64("used", used).
		Int64("total", cfg.TotalSpace).
		Str("mode", p.mode.Mode().String()).
		Msg("Pool loaded")
	return p, nil
}

// Start starts the background workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	p.started = true

	p.logger.Info().Msg("Starting pool")

	events := p.repo.Subscribe(1024)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer events.Close()
		p.watchEvents(events)
	}()

	p.run(p.reclaimer)
	p.run(p.sweeper)
	p.run(p.housekeeping)
	if p.transport != nil && len(p.cfg.Managers) > 0 {
		p.run(p.publisher)
	}
	if p.metrics != nil {
		collector := metrics.NewCollector(p.metrics, metrics.CollectorConfig{
			Space:    p.space,
			Replicas: p.repo,
			Mode:     p.mode,
		})
		p.run(func(ctx context.Context) { collector.Run(ctx, p.cfg.MetricsInterval) })
	}

	signal(p.reclaimNow)
	return nil
}

func (p *Pool) run(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.ctx)
	}()
}

// Stop cancels migrations, aborts incoming transfers and waits for the
// background workers.
func (p *Pool) Stop() error {
	p.logger.Info().Msg("Stopping pool")
	if p.migration != nil {
		p.migration.Stop()
	}
	p.cancel()
	p.incoming.abortAll()
	p.repo.Close()
	p.wg.Wait()
	return nil
}

// signal does a non-blocking send on a wakeup channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Repository gives access to the replica entries.
func (p *Pool) Repository() *repository.Repository {
	return p.repo
}

// Migration returns the migration engine, or nil without a transport.
func (p *Pool) Migration() *migration.Engine {
	return p.migration
}

// Mux returns the message router, or nil without a transport.
func (p *Pool) Mux() *transport.Mux {
	return p.mux
}

// Mode returns the current pool mode.
func (p *Pool) Mode() mode.Mode {
	return p.mode.Mode()
}

// SetMode changes the pool mode on behalf of actor.
func (p *Pool) SetMode(actor string, m mode.Mode) error {
	old := p.mode.Mode()
	if err := p.mode.SetMode(m); err != nil {
		return err
	}
	cur := p.mode.Mode()
	p.logger.Info().Str("actor", actor).Str("old", old.String()).Str("new", cur.String()).Msg("Pool mode changed")
	p.audit.LogModeChange(actor, p.name, old.String(), cur.String())
	signal(p.publishNow)
	return nil
}

// markDead disables the pool after a fatal error. Only a restart clears
// the state.
func (p *Pool) markDead(reason error) {
	if p.mode.IsDisabled(mode.DisabledDead) {
		return
	}
	p.mode.Disable(mode.DisabledDead)
	p.logger.Error().Err(reason).Msg("Pool disabled after fatal error")
	p.audit.LogPoolDead(p.name, reason.Error())
	signal(p.publishNow)
}

// checkIO marks the pool dead on replica store I/O failures.
func (p *Pool) checkIO(err error) error {
	if errors.Is(err, store.ErrIO) {
		p.markDead(err)
	}
	return err
}

// Usage returns the space accounting.
func (p *Pool) Usage() space.Usage {
	return p.space.Usage()
}

// SetTotalSpace changes the pool capacity on behalf of actor.
func (p *Pool) SetTotalSpace(actor string, total int64) error {
	old := p.space.Usage().Total
	if err := p.space.SetTotalSpace(total); err != nil {
		return err
	}
	p.audit.LogSpaceChange(actor, p.name, old, total)
	signal(p.sweepNow)
	signal(p.publishNow)
	return nil
}

// AddSticky sets a sticky record on behalf of actor.
func (p *Pool) AddSticky(actor, id, owner string, expires time.Time) (repository.Entry, error) {
	e, err := p.repo.AddSticky(id, owner, expires)
	if err != nil {
		return e, err
	}
	details := "never expires"
	if !expires.IsZero() {
		details = "expires " + expires.Format(time.RFC3339)
	}
	p.audit.LogSticky(actor, p.name, id, owner, "add", details)
	return e, nil
}

// RemoveSticky drops a sticky record on behalf of actor.
func (p *Pool) RemoveSticky(actor, id, owner string) (repository.Entry, error) {
	e, err := p.repo.RemoveSticky(id, owner)
	if err != nil {
		return e, err
	}
	p.audit.LogSticky(actor, p.name, id, owner, "remove", "")
	return e, nil
}

// Remove marks a replica REMOVED; its space is reclaimed asynchronously.
func (p *Pool) Remove(actor, id string) error {
	if _, err := p.transition(id, repository.Removed); err != nil {
		return err
	}
	p.logger.Info().Str("actor", actor).Str("id", id).Msg("Replica removed")
	return nil
}

// CostInfo builds the snapshot the pool publishes about itself.
func (p *Pool) CostInfo() cost.PoolCostInfo {
	u := p.space.Usage()
	now := p.clock()
	var removable int64
	for _, e := range p.repo.Evictable(now) {
		removable += e.Size
	}
	return cost.PoolCostInfo{
		Name: p.name,
		Space: cost.SpaceInfo{
			Total:     u.Total,
			Used:      u.Used,
			Removable: removable,
			Pending:   u.Pending,
		},
		Queues: p.movers.info(),
		Mode:   p.mode.Mode(),
		Time:   now,
	}
}

// Info is the pool status shown by the admin interface.
type Info struct {
	Name      string                    `json:"name"`
	Mode      string                    `json:"mode"`
	Space     space.Usage               `json:"space"`
	Replicas  map[string]int            `json:"replicas"`
	Movers    map[string]cost.QueueInfo `json:"movers"`
	Transfers int                       `json:"incoming_transfers"`
}

// Info returns the pool status.
func (p *Pool) Info() Info {
	replicas := make(map[string]int)
	for _, e := range p.repo.List() {
		replicas[e.State.String()]++
	}
	return Info{
		Name:      p.name,
		Mode:      p.mode.Mode().String(),
		Space:     p.space.Usage(),
		Replicas:  replicas,
		Movers:    p.movers.info(),
		Transfers: p.incoming.count(),
	}
}

// transition applies a state change and counts rejected ones.
func (p *Pool) transition(id string, to repository.State) (repository.Entry, error) {
	e, err := p.repo.Transition(id, to)
	if errors.Is(err, repository.ErrInvalidStateTransition) && p.metrics != nil {
		p.metrics.InvalidTransitions.Inc()
	}
	return e, err
}

// destroy deletes the data of a REMOVED replica and frees its space. It
// is safe to call concurrently for the same replica. A replica still held
// by a reader is left alone and destroy returns repository.ErrInUse.
func (p *Pool) destroy(id string) error {
	e, err := p.repo.Get(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if e.State != repository.Removed {
		return nil
	}
	// REMOVED replicas cannot be acquired, so the hold count only drops.
	if p.repo.InUse(id) > 0 {
		return fmt.Errorf("replica %s: %w", id, repository.ErrInUse)
	}
	if err := p.store.Delete(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return p.checkIO(fmt.Errorf("delete replica %s: %w", id, err))
	}
	if _, err := p.repo.CompareAndTransition(id, repository.Removed, repository.Destroyed); err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrStateChanged) {
			return nil
		}
		return err
	}
	p.space.Free(e.Size)
	if p.metrics != nil {
		p.metrics.Reclaimed.Inc()
	}
	if p.ns != nil {
		ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
		defer cancel()
		if err := p.ns.RemoveLocation(ctx, id, p.name); err != nil && !errors.Is(err, namespace.ErrNotFound) {
			p.logger.Warn().Err(err).Str("id", id).Msg("Failed to remove namespace location")
		}
	}
	p.logger.Debug().Str("id", id).Int64("size", e.Size).Msg("Replica destroyed")
	return nil
}

// watchEvents feeds repository changes into metrics and the workers.
func (p *Pool) watchEvents(sub *repository.Subscription) {
	for ev := range sub.C {
		switch ev.Type {
		case repository.EventStateChanged:
			if p.metrics != nil {
				p.metrics.Transitions.WithLabelValues(ev.New.State.String()).Inc()
			}
			if ev.New.State == repository.Removed {
				signal(p.reclaimNow)
			}
		case repository.EventReleased:
			signal(p.reclaimNow)
		case repository.EventNeedSpace:
			if ev.Bytes > 0 {
				signal(p.sweepNow)
			}
		}
	}
}
