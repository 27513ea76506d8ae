// Package cost ranks storage pools for read, write, stage, pin and
// pool-to-pool transfers using snapshots each pool publishes about its
// space and mover queues.
package cost

import (
	"time"

	"github.com/diskpool/diskpool/internal/pool/mode"
)

// SpaceInfo describes a pool's capacity in bytes.
type SpaceInfo struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Removable int64 `json:"removable"` // evictable cached replicas
	Pending   int64 `json:"pending"`   // requested by queued allocations
}

// Free returns the unallocated space.
func (s SpaceInfo) Free() int64 {
	if s.Used >= s.Total {
		return 0
	}
	return s.Total - s.Used
}

// QueueInfo describes one mover queue.
type QueueInfo struct {
	Active int `json:"active"`
	Max    int `json:"max"`
	Queued int `json:"queued"`
}

// Load returns the queue's relative load.
func (q QueueInfo) Load() float64 {
	busy := q.Active + q.Queued
	if q.Max <= 0 {
		if busy > 0 {
			return 1
		}
		return 0
	}
	return float64(busy) / float64(q.Max)
}

// PoolCostInfo is the snapshot a pool publishes about itself.
type PoolCostInfo struct {
	Name   string               `json:"name"`
	Space  SpaceInfo            `json:"space"`
	Queues map[string]QueueInfo `json:"queues,omitempty"`
	Mode   mode.Mode            `json:"mode"`
	Time   time.Time            `json:"time"`
}

// SpaceCost is the fraction of the pool that is in use or promised to
// queued allocations. A full pool costs exactly 1; the result is always
// within [0, 1].
func (p PoolCostInfo) SpaceCost() float64 {
	s := p.Space
	if s.Total <= 0 || s.Used >= s.Total {
		return 1
	}
	committed := s.Used + s.Pending
	if committed < 0 {
		committed = 0
	}
	c := float64(committed) / float64(s.Total)
	if c > 1 {
		return 1
	}
	return c
}

// PerformanceCost is the mean load over the pool's mover queues.
func (p PoolCostInfo) PerformanceCost() float64 {
	if len(p.Queues) == 0 {
		return 0
	}
	var sum float64
	for _, q := range p.Queues {
		sum += q.Load()
	}
	return sum / float64(len(p.Queues))
}

// Weights combine space and performance cost.
type Weights struct {
	Space       float64 `yaml:"space" json:"space"`
	Performance float64 `yaml:"performance" json:"performance"`
}

// DefaultWeights weighs space and performance equally.
var DefaultWeights = Weights{Space: 1, Performance: 1}

// Cost returns the weighted cost of p.
func (w Weights) Cost(p PoolCostInfo) float64 {
	return w.Space*p.SpaceCost() + w.Performance*p.PerformanceCost()
}

// Request asks a pool or a pool manager for the snapshot of Pool. An
// empty Pool means the receiving pool itself.
type Request struct {
	Pool string `json:"pool,omitempty"`
}
