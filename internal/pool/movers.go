package pool

import (
	"context"
	"sort"
	"sync"

	"github.com/diskpool/diskpool/internal/cost"
)

// Mover queue names.
const (
	QueueRegular = "regular" // client reads and writes
	QueueStage   = "stage"   // restores from the backing store
	QueueP2P     = "p2p"     // incoming pool-to-pool transfers
)

// DefaultMovers is the number of concurrent movers per queue.
var DefaultMovers = map[string]int{
	QueueRegular: 100,
	QueueStage:   10,
	QueueP2P:     10,
}

// moverQueue bounds the number of concurrent transfers of one kind.
type moverQueue struct {
	sem chan struct{}

	mu     sync.Mutex
	queued int
}

func newMoverQueue(limit int) *moverQueue {
	if limit <= 0 {
		limit = 1
	}
	return &moverQueue{sem: make(chan struct{}, limit)}
}

// acquire waits for a free mover. The returned release must be called
// exactly once.
func (q *moverQueue) acquire(ctx context.Context) (func(), error) {
	select {
	case q.sem <- struct{}{}:
		return q.releaseFunc(), nil
	default:
	}

	q.mu.Lock()
	q.queued++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.queued--
		q.mu.Unlock()
	}()

	select {
	case q.sem <- struct{}{}:
		return q.releaseFunc(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *moverQueue) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-q.sem })
	}
}

func (q *moverQueue) info() cost.QueueInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cost.QueueInfo{Active: len(q.sem), Max: cap(q.sem), Queued: q.queued}
}

// movers is the set of mover queues of a pool.
type movers map[string]*moverQueue

func newMovers(limits map[string]int) movers {
	m := make(movers, len(DefaultMovers))
	for name, limit := range DefaultMovers {
		if n, ok := limits[name]; ok {
			limit = n
		}
		m[name] = newMoverQueue(limit)
	}
	return m
}

func (m movers) info() map[string]cost.QueueInfo {
	out := make(map[string]cost.QueueInfo, len(m))
	for name, q := range m {
		out[name] = q.info()
	}
	return out
}

func (m movers) names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
