// Package poolmgr implements the pool manager: it collects the cost
// snapshots pools publish, answers pool selection requests and hosts the
// namespace.
package poolmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/metrics"
	"github.com/diskpool/diskpool/internal/namespace"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/transport"
)

// Defaults for Config fields.
const (
	DefaultMaxAge      = time.Minute
	DefaultExpireAfter = 10 * time.Minute
)

// Config configures a Manager.
type Config struct {
	Name      string
	Logger    zerolog.Logger
	Transport transport.Transport // optional; without it the manager is local only
	Namespace namespace.Service   // defaults to an in-memory namespace
	Metrics   *metrics.ManagerMetrics
	Weights   cost.Weights

	// MaxAge is how old a snapshot may be and still be offered for
	// selection. Pools silent for ExpireAfter are forgotten.
	MaxAge      time.Duration
	ExpireAfter time.Duration
	Clock       func() time.Time
}

// Manager is a pool manager node.
type Manager struct {
	cfg      Config
	logger   zerolog.Logger
	registry *cost.Registry
	selector *cost.Selector
	ns       namespace.Service
	mux      *transport.Mux

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a manager. Handlers are registered on the transport right
// away; Start only runs the expiry loop.
func New(cfg Config) (*Manager, error) {
	if cfg.Name == "" {
		return nil, errors.New("manager name is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = DefaultExpireAfter
	}
	if cfg.Weights == (cost.Weights{}) {
		cfg.Weights = cost.DefaultWeights
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Namespace == nil {
		cfg.Namespace = namespace.NewMemory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "poolmgr").Logger(),
		registry: cost.NewRegistry(cfg.MaxAge),
		selector: cost.NewSelector(cfg.Weights),
		ns:       cfg.Namespace,
		mux:      transport.NewMux(),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.RegisterHandlers(m.mux)
	if cfg.Transport != nil {
		cfg.Transport.RegisterHandler(m.mux.Serve)
	}
	return m, nil
}

// Start runs the snapshot expiry loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("manager already started")
	}
	m.started = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.expireLoop(m.ctx)
	}()
	m.logger.Info().Str("name", m.cfg.Name).Msg("Pool manager started")
	return nil
}

// Stop stops the expiry loop.
func (m *Manager) Stop() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

// Registry returns the snapshot registry.
func (m *Manager) Registry() *cost.Registry {
	return m.registry
}

// Namespace returns the hosted namespace.
func (m *Manager) Namespace() namespace.Service {
	return m.ns
}

// Mux returns the message router.
func (m *Manager) Mux() *transport.Mux {
	return m.mux
}

// Update records a snapshot published by a pool.
func (m *Manager) Update(info cost.PoolCostInfo) {
	if _, known := m.registry.Get(info.Name); !known {
		m.logger.Info().Str("pool", info.Name).Msg("Pool registered")
	}
	m.registry.Update(info)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.CostUpdates.Inc()
		m.cfg.Metrics.KnownPools.Set(float64(len(m.registry.All())))
	}
}

// PoolCost returns the latest snapshot of pool.
func (m *Manager) PoolCost(pool string) (cost.PoolCostInfo, error) {
	info, ok := m.registry.Get(pool)
	if !ok {
		return cost.PoolCostInfo{}, fmt.Errorf("%w: %s", migration.ErrUnknownPool, pool)
	}
	return info, nil
}

// Select picks the cheapest pool for op among pools, or among all known
// pools when pools is empty.
func (m *Manager) Select(op cost.Operation, size int64, pools ...string) (cost.PoolCostInfo, error) {
	info, err := m.selector.Select(op, m.registry.Candidates(pools...), size)
	if m.cfg.Metrics != nil {
		result := "ok"
		if err != nil {
			result = "no_pool"
		}
		m.cfg.Metrics.Selections.WithLabelValues(op.String(), result).Inc()
	}
	return info, err
}

// Expire forgets pools whose last snapshot is older than ExpireAfter and
// returns their names.
func (m *Manager) Expire() []string {
	cutoff := m.cfg.Clock().Add(-m.cfg.ExpireAfter)
	var gone []string
	for _, info := range m.registry.All() {
		if info.Time.Before(cutoff) {
			m.registry.Remove(info.Name)
			gone = append(gone, info.Name)
			m.logger.Warn().Str("pool", info.Name).Time("last_update", info.Time).Msg("Pool expired")
		}
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.KnownPools.Set(float64(len(m.registry.All())))
	}
	return gone
}

func (m *Manager) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MaxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Expire()
		}
	}
}
