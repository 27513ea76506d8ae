package metrics

import (
	"context"
	"time"

	"github.com/diskpool/diskpool/internal/pool/mode"
	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/internal/pool/space"
)

// SpaceSource reports allocator state.
type SpaceSource interface {
	Usage() space.Usage
	Stats() space.Stats
}

// ReplicaSource reports repository state.
type ReplicaSource interface {
	List() []repository.Entry
	DroppedEvents() uint64
}

// ModeSource reports the pool mode.
type ModeSource interface {
	Mode() mode.Mode
}

// CollectorConfig holds the sources a Collector samples. Nil sources are
// skipped.
type CollectorConfig struct {
	Space    SpaceSource
	Replicas ReplicaSource
	Mode     ModeSource
}

// Collector periodically copies pool state into PoolMetrics.
type Collector struct {
	metrics *PoolMetrics
	config  CollectorConfig

	lastAlloc   space.Stats
	lastDropped uint64
}

// NewCollector creates a collector for m.
func NewCollector(m *PoolMetrics, cfg CollectorConfig) *Collector {
	return &Collector{metrics: m, config: cfg}
}

// Collect updates all metrics from the current state.
func (c *Collector) Collect() {
	c.collectSpace()
	c.collectReplicas()
	c.collectMode()
}

func (c *Collector) collectSpace() {
	if c.config.Space == nil {
		return
	}
	u := c.config.Space.Usage()
	c.metrics.SpaceTotal.Set(float64(u.Total))
	c.metrics.SpaceUsed.Set(float64(u.Used))
	c.metrics.SpaceFree.Set(float64(u.Free))
	c.metrics.SpacePending.Set(float64(u.Pending))
	c.metrics.AllocationWaiters.Set(float64(u.Waiters))

	s := c.config.Space.Stats()
	addDelta(c.metrics.Allocations.WithLabelValues("granted"), s.Granted, c.lastAlloc.Granted)
	addDelta(c.metrics.Allocations.WithLabelValues("queued"), s.Queued, c.lastAlloc.Queued)
	addDelta(c.metrics.Allocations.WithLabelValues("timed_out"), s.TimedOut, c.lastAlloc.TimedOut)
	addDelta(c.metrics.Allocations.WithLabelValues("interrupted"), s.Interrupted, c.lastAlloc.Interrupted)
	addDelta(c.metrics.Allocations.WithLabelValues("rejected"), s.Rejected, c.lastAlloc.Rejected)
	c.lastAlloc = s
}

func (c *Collector) collectReplicas() {
	if c.config.Replicas == nil {
		return
	}
	counts := make(map[repository.State]int)
	for _, e := range c.config.Replicas.List() {
		counts[e.State]++
	}
	for _, s := range repository.States() {
		c.metrics.Replicas.WithLabelValues(s.String()).Set(float64(counts[s]))
	}

	dropped := c.config.Replicas.DroppedEvents()
	addDelta(c.metrics.DroppedEvents, dropped, c.lastDropped)
	c.lastDropped = dropped
}

func (c *Collector) collectMode() {
	if c.config.Mode == nil {
		return
	}
	c.metrics.Mode.Set(float64(c.config.Mode.Mode()))
}

type adder interface{ Add(float64) }

func addDelta(counter adder, cur, last uint64) {
	if cur > last {
		counter.Add(float64(cur - last))
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
