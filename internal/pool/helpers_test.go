package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/diskpool/diskpool/internal/pool/store"
	"github.com/diskpool/diskpool/internal/transport"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestPool starts a pool. Periodic workers are effectively disabled so
// tests drive them through signals or direct calls.
func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "pool1"
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	cfg.Logger = zerolog.Nop()
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

// newLinkedPools starts pools connected through one broker.
func newLinkedPools(t *testing.T, broker *transport.Broker, cfgs ...Config) []*Pool {
	t.Helper()
	pools := make([]*Pool, len(cfgs))
	for i, cfg := range cfgs {
		cfg.Transport = broker.Endpoint(cfg.Name)
		pools[i] = newTestPool(t, cfg)
	}
	return pools
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + 7)
	}
	return b
}
