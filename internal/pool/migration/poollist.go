package migration

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/diskpool/diskpool/internal/cost"
)

// CostSource fetches the current cost snapshot of a pool. It returns an
// error wrapping ErrUnknownPool for pools that do not exist.
type CostSource interface {
	PoolCost(ctx context.Context, pool string) (cost.PoolCostInfo, error)
}

// PoolList is a target list whose cost snapshots are refreshed on demand.
// Pools that fail to answer are left out until the next refresh.
type PoolList struct {
	names   []string
	exclude string
	src     CostSource
	period  time.Duration

	mu        sync.RWMutex
	infos     []cost.PoolCostInfo
	refreshed time.Time
	lastErr   error
}

// NewPoolList creates a list of the named pools, never including exclude.
func NewPoolList(src CostSource, names []string, exclude string, period time.Duration) *PoolList {
	names = slices.DeleteFunc(slices.Clone(names), func(n string) bool { return n == exclude })
	slices.Sort(names)
	return &PoolList{
		names:   slices.Compact(names),
		exclude: exclude,
		src:     src,
		period:  period,
	}
}

// Refresh queries all pools concurrently. The list becomes invalid when
// no named pool is known to the cost source.
func (l *PoolList) Refresh(ctx context.Context) error {
	infos := make([]*cost.PoolCostInfo, len(l.names))
	errs := make([]error, len(l.names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range l.names {
		g.Go(func() error {
			info, err := l.src.PoolCost(gctx, name)
			if err != nil {
				errs[i] = err
				return nil
			}
			infos[i] = &info
			return nil
		})
	}
	_ = g.Wait()

	var (
		fresh   []cost.PoolCostInfo
		unknown int
	)
	for i, info := range infos {
		if info != nil {
			fresh = append(fresh, *info)
			continue
		}
		if errors.Is(errs[i], ErrUnknownPool) {
			unknown++
		}
	}

	var err error
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case len(l.names) == 0:
		err = ErrNoTargets
	case unknown == len(l.names):
		err = fmt.Errorf("%w: none of %v exist", ErrNoTargets, l.names)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshed = time.Now()
	if err != nil && !errors.Is(err, ErrNoTargets) {
		// Interrupted: keep the previous state.
		return err
	}
	l.infos = fresh
	l.lastErr = err
	return err
}

// IsStale reports whether the list should be refreshed at now.
func (l *PoolList) IsStale(now time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.refreshed.IsZero() || now.Sub(l.refreshed) >= l.period
}

// NextRefresh returns when the list becomes stale.
func (l *PoolList) NextRefresh() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.refreshed.Add(l.period)
}

// Pools returns the snapshots of the pools that answered the last refresh.
func (l *PoolList) Pools() []cost.PoolCostInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.infos)
}

// Names returns the configured pool names.
func (l *PoolList) Names() []string {
	return slices.Clone(l.names)
}

// Err returns the error of the last completed refresh, nil while the
// list is valid.
func (l *PoolList) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}

// Exclude drops a pool from the current snapshots until the next refresh
// and returns how many pools are left.
func (l *PoolList) Exclude(pool string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = slices.DeleteFunc(l.infos, func(p cost.PoolCostInfo) bool { return p.Name == pool })
	return len(l.infos)
}
