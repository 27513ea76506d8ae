package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/internal/pool/store"
)

var errGone = errors.New("target gone")

// fakeTarget is an in-memory destination pool.
type fakeTarget struct {
	mu        sync.Mutex
	replicas  map[string][]byte
	requests  map[string]BeginRequest
	begins    int
	aborts    int
	beginErrs []error // consumed one per Begin
	failPing  bool
	gate      chan struct{} // when set, Write waits for it to close
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{replicas: make(map[string][]byte), requests: make(map[string]BeginRequest)}
}

func (t *fakeTarget) has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.replicas[id]
	return ok
}

func (t *fakeTarget) counts() (begins, aborts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.begins, t.aborts
}

type fakeDests struct {
	targets map[string]*fakeTarget
}

func (d *fakeDests) Begin(ctx context.Context, pool string, req BeginRequest) (Transfer, error) {
	t, ok := d.targets[pool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.begins++
	if len(t.beginErrs) > 0 {
		err := t.beginErrs[0]
		t.beginErrs = t.beginErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if _, exists := t.replicas[req.ID]; exists {
		return nil, ErrReplicaExists
	}
	t.requests[req.ID] = req
	return &fakeTransfer{target: t, req: req, buf: make([]byte, req.Size)}, nil
}

type fakeTransfer struct {
	target *fakeTarget
	req    BeginRequest
	buf    []byte
}

func (x *fakeTransfer) Write(ctx context.Context, off int64, p []byte) error {
	x.target.mu.Lock()
	gate := x.target.gate
	x.target.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	copy(x.buf[off:], p)
	return nil
}

func (x *fakeTransfer) Commit(_ context.Context, checksum uint64) error {
	if xxhash.Sum64(x.buf) != checksum {
		return ErrChecksum
	}
	x.target.mu.Lock()
	defer x.target.mu.Unlock()
	x.target.replicas[x.req.ID] = x.buf
	return nil
}

func (x *fakeTransfer) Abort(context.Context) (bool, error) {
	x.target.mu.Lock()
	defer x.target.mu.Unlock()
	x.target.aborts++
	return false, nil
}

func (x *fakeTransfer) Ping(context.Context) error {
	x.target.mu.Lock()
	defer x.target.mu.Unlock()
	if x.target.failPing {
		return errGone
	}
	return nil
}

// fakeCosts answers cost requests for the pools it knows.
type fakeCosts struct {
	mu    sync.Mutex
	pools map[string]cost.PoolCostInfo
}

func newFakeCosts(names ...string) *fakeCosts {
	c := &fakeCosts{pools: make(map[string]cost.PoolCostInfo)}
	for _, n := range names {
		c.pools[n] = cost.PoolCostInfo{Name: n, Space: cost.SpaceInfo{Total: 1 << 40}}
	}
	return c
}

func (c *fakeCosts) PoolCost(_ context.Context, pool string) (cost.PoolCostInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.pools[pool]
	if !ok {
		return cost.PoolCostInfo{}, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	info.Time = time.Now()
	return info, nil
}

type harness struct {
	repo    *repository.Repository
	store   *store.BillyStore
	costs   *fakeCosts
	targets map[string]*fakeTarget
	engine  *Engine
}

func newHarness(t *testing.T, targets ...string) *harness {
	t.Helper()
	h := &harness{
		repo:    repository.New(repository.Config{Logger: zerolog.Nop()}),
		store:   store.NewMemory(),
		costs:   newFakeCosts(targets...),
		targets: make(map[string]*fakeTarget),
	}
	for _, name := range targets {
		h.targets[name] = newFakeTarget()
	}
	h.engine = NewEngine(Config{
		Pool:         "source",
		Logger:       zerolog.Nop(),
		Repository:   h.repo,
		Source:       h.store,
		Destinations: &fakeDests{targets: h.targets},
		Costs:        h.costs,
	})
	t.Cleanup(func() {
		h.engine.Stop()
		h.repo.Close()
	})
	return h
}

// addReplica stores a readable replica of size bytes in the source pool.
func (h *harness) addReplica(t *testing.T, id string, size int, state repository.State) {
	t.Helper()
	_, err := h.repo.Create(id, "disk")
	require.NoError(t, err)
	_, err = h.repo.Transition(id, repository.ReceivingFromClient)
	require.NoError(t, err)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	_, err = h.store.WriteAt(id, data, 0)
	require.NoError(t, err)
	_, err = h.repo.SetSize(id, int64(size))
	require.NoError(t, err)
	_, err = h.repo.Transition(id, state)
	require.NoError(t, err)
}

func (h *harness) wait(t *testing.T, id string) JobInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := h.engine.Wait(ctx, id)
	require.NoError(t, err)
	return info
}

func (h *harness) waitRunning(t *testing.T, id string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := h.engine.Job(id)
		return err == nil && info.Stats.Running == n
	}, 5*time.Second, 5*time.Millisecond)
}
