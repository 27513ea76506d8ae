package cost

import (
	"fmt"
	"sort"

	"github.com/diskpool/diskpool/internal/pool/mode"
)

// Operation is the kind of request a pool is selected for.
type Operation int

const (
	OpRead Operation = iota
	OpWrite
	OpStage
	OpPin
	OpP2PSource
	OpP2PDestination
)

func (o Operation) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpStage:
		return "stage"
	case OpPin:
		return "pin"
	case OpP2PSource:
		return "p2p-source"
	case OpP2PDestination:
		return "p2p-destination"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// ParseOperation parses the String form of an operation.
func ParseOperation(s string) (Operation, error) {
	for o := OpRead; o <= OpP2PDestination; o++ {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// DisabledFlag is the mode flag that excludes a pool from o.
func (o Operation) DisabledFlag() mode.Mode {
	switch o {
	case OpRead, OpPin:
		return mode.DisabledFetch
	case OpWrite:
		return mode.DisabledStore
	case OpStage:
		return mode.DisabledStage
	case OpP2PSource:
		return mode.DisabledP2PServer
	case OpP2PDestination:
		return mode.DisabledP2PClient
	}
	return mode.DisabledStrict
}

// consumesSpace reports whether o creates a replica on the chosen pool.
func (o Operation) consumesSpace() bool {
	return o == OpWrite || o == OpStage || o == OpP2PDestination
}

// Selector picks the cheapest eligible pool. It is stateless apart from
// its weights and safe for concurrent use.
type Selector struct {
	weights Weights
}

// NewSelector creates a selector. Zero weights fall back to DefaultWeights.
func NewSelector(w Weights) *Selector {
	if w.Space == 0 && w.Performance == 0 {
		w = DefaultWeights
	}
	return &Selector{weights: w}
}

// Weights returns the selector's weights.
func (s *Selector) Weights() Weights {
	return s.weights
}

// SelectForRead picks a pool to serve a read of a replica it holds.
func (s *Selector) SelectForRead(candidates []PoolCostInfo, fileSize int64) (PoolCostInfo, error) {
	return s.Select(OpRead, candidates, fileSize)
}

// SelectForWrite picks a pool to receive a new file from a client.
func (s *Selector) SelectForWrite(candidates []PoolCostInfo, fileSize int64) (PoolCostInfo, error) {
	return s.Select(OpWrite, candidates, fileSize)
}

// SelectForStage picks a pool to restore a file from tertiary storage.
func (s *Selector) SelectForStage(candidates []PoolCostInfo, fileSize int64) (PoolCostInfo, error) {
	return s.Select(OpStage, candidates, fileSize)
}

// SelectForPin picks a pool to hold a pinned replica. Only space cost is
// considered.
func (s *Selector) SelectForPin(candidates []PoolCostInfo, fileSize int64) (PoolCostInfo, error) {
	return s.Select(OpPin, candidates, fileSize)
}

// SelectForP2PSource picks the pool a pool-to-pool transfer reads from.
func (s *Selector) SelectForP2PSource(candidates []PoolCostInfo, fileSize int64) (PoolCostInfo, error) {
	return s.Select(OpP2PSource, candidates, fileSize)
}

// SelectForP2PDestination picks the pool a pool-to-pool transfer writes to.
func (s *Selector) SelectForP2PDestination(candidates []PoolCostInfo, fileSize int64) (PoolCostInfo, error) {
	return s.Select(OpP2PDestination, candidates, fileSize)
}

// Select returns the eligible candidate with the lowest cost for op. Ties
// are broken by pool name so the result does not depend on input order.
func (s *Selector) Select(op Operation, candidates []PoolCostInfo, fileSize int64) (PoolCostInfo, error) {
	ranked := s.Rank(op, candidates, fileSize)
	if len(ranked) == 0 {
		return PoolCostInfo{}, fmt.Errorf("%s of %d bytes among %d pools: %w", op, fileSize, len(candidates), ErrNoPoolAvailable)
	}
	return ranked[0], nil
}

// Rank returns the eligible candidates for op ordered from cheapest to
// most expensive.
func (s *Selector) Rank(op Operation, candidates []PoolCostInfo, fileSize int64) []PoolCostInfo {
	w := s.weights
	if op == OpPin {
		w = Weights{Space: 1}
	}

	type scored struct {
		info PoolCostInfo
		cost float64
	}
	eligible := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if !Eligible(op, c, fileSize) {
			continue
		}
		eligible = append(eligible, scored{info: c, cost: w.Cost(c)})
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].cost != eligible[j].cost {
			return eligible[i].cost < eligible[j].cost
		}
		return eligible[i].info.Name < eligible[j].info.Name
	})

	out := make([]PoolCostInfo, len(eligible))
	for i, e := range eligible {
		out[i] = e.info
	}
	return out
}

// Eligible reports whether the pool may serve op for a file of fileSize
// bytes. Dead pools serve nothing; pools that could never hold the file
// are excluded from space-consuming operations.
func Eligible(op Operation, p PoolCostInfo, fileSize int64) bool {
	if p.Mode.IsDisabled(mode.DisabledDead) || p.Mode.IsDisabled(op.DisabledFlag()) {
		return false
	}
	if op.consumesSpace() && fileSize > p.Space.Total {
		return false
	}
	return true
}
