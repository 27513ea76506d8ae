package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/transport"
)

// CostClient fetches pool cost snapshots. With managers it asks them in
// order; without, it asks the pool directly.
type CostClient struct {
	t        transport.Transport
	managers []string
}

// NewCostClient creates a cost client.
func NewCostClient(t transport.Transport, managers ...string) *CostClient {
	return &CostClient{t: t, managers: managers}
}

// PoolCost returns the latest snapshot of pool. The error wraps
// migration.ErrUnknownPool when a manager does not know the pool.
func (c *CostClient) PoolCost(ctx context.Context, pool string) (cost.PoolCostInfo, error) {
	var info cost.PoolCostInfo
	if len(c.managers) == 0 {
		err := transport.Call(ctx, c.t, pool, transport.TypeCostRequest, cost.Request{}, &info)
		return info, err
	}

	var errs []error
	for _, manager := range c.managers {
		err := transport.Call(ctx, c.t, manager, transport.TypeCostRequest, cost.Request{Pool: pool}, &info)
		if err == nil || errors.Is(err, migration.ErrUnknownPool) {
			return info, err
		}
		errs = append(errs, fmt.Errorf("manager %s: %w", manager, err))
		if ctx.Err() != nil {
			break
		}
	}
	return info, errors.Join(errs...)
}

var _ migration.CostSource = (*CostClient)(nil)
