package cost

import (
	"sort"
	"sync"
	"time"
)

// Registry keeps the latest cost snapshot of every known pool.
type Registry struct {
	mu        sync.RWMutex
	snapshots map[string]PoolCostInfo
	maxAge    time.Duration
	now       func() time.Time
}

// NewRegistry creates an empty registry. Snapshots older than maxAge are
// not offered as candidates; zero keeps them forever.
func NewRegistry(maxAge time.Duration) *Registry {
	return &Registry{
		snapshots: make(map[string]PoolCostInfo),
		maxAge:    maxAge,
		now:       time.Now,
	}
}

// Update stores info unless a newer snapshot of the same pool is already
// known. It reports whether info was stored.
func (r *Registry) Update(info PoolCostInfo) bool {
	if info.Name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.snapshots[info.Name]; ok && info.Time.Before(cur.Time) {
		return false
	}
	r.snapshots[info.Name] = info
	return true
}

// Remove forgets a pool.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snapshots, name)
}

// Get returns the latest snapshot of a pool.
func (r *Registry) Get(name string) (PoolCostInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.snapshots[name]
	return info, ok
}

// All returns every snapshot ordered by pool name, including stale ones.
func (r *Registry) All() []PoolCostInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PoolCostInfo, 0, len(r.snapshots))
	for _, info := range r.snapshots {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Candidates returns the fresh snapshots of the named pools, or of every
// pool when names is empty. Unknown pools are skipped.
func (r *Registry) Candidates(names ...string) []PoolCostInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	fresh := func(info PoolCostInfo) bool {
		return r.maxAge <= 0 || now.Sub(info.Time) <= r.maxAge
	}

	var out []PoolCostInfo
	if len(names) == 0 {
		for _, info := range r.snapshots {
			if fresh(info) {
				out = append(out, info)
			}
		}
	} else {
		for _, name := range names {
			if info, ok := r.snapshots[name]; ok && fresh(info) {
				out = append(out, info)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
