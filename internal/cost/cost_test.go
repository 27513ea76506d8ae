package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpaceCost(t *testing.T) {
	tests := []struct {
		name  string
		space SpaceInfo
		want  float64
	}{
		{"empty", SpaceInfo{Total: 100}, 0},
		{"half", SpaceInfo{Total: 100, Used: 50}, 0.5},
		{"pending counts", SpaceInfo{Total: 100, Used: 50, Pending: 25}, 0.75},
		{"full", SpaceInfo{Total: 100, Used: 100}, 1},
		{"full with removable", SpaceInfo{Total: 100, Used: 100, Removable: 60}, 1},
		{"overcommitted", SpaceInfo{Total: 100, Used: 150}, 1},
		{"pending saturates", SpaceInfo{Total: 100, Used: 90, Pending: 500}, 1},
		{"no capacity", SpaceInfo{}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PoolCostInfo{Space: tt.space}.SpaceCost()
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestPerformanceCost(t *testing.T) {
	assert.Equal(t, 0.0, PoolCostInfo{}.PerformanceCost())

	p := PoolCostInfo{Queues: map[string]QueueInfo{
		"regular": {Active: 2, Max: 4},
		"p2p":     {Active: 1, Max: 2, Queued: 1},
	}}
	assert.InDelta(t, 0.75, p.PerformanceCost(), 1e-9)

	assert.Equal(t, 1.0, QueueInfo{Active: 1}.Load())
	assert.Equal(t, 0.0, QueueInfo{}.Load())
}

func TestWeights_Cost(t *testing.T) {
	p := PoolCostInfo{
		Space:  SpaceInfo{Total: 100, Used: 20},
		Queues: map[string]QueueInfo{"regular": {Active: 1, Max: 2}},
	}
	assert.InDelta(t, 0.7, DefaultWeights.Cost(p), 1e-9)
	assert.InDelta(t, 0.2, Weights{Space: 1}.Cost(p), 1e-9)
}
