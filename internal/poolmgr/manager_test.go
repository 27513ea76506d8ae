package poolmgr

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/metrics"
	"github.com/diskpool/diskpool/internal/namespace"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/pool/mode"
	"github.com/diskpool/diskpool/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func snapshot(name string, total, used int64, at time.Time) cost.PoolCostInfo {
	return cost.PoolCostInfo{
		Name:  name,
		Space: cost.SpaceInfo{Total: total, Used: used},
		Time:  at,
	}
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "mgr"
	}
	cfg.Logger = zerolog.Nop()
	m, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestSelectPrefersEmptierPool(t *testing.T) {
	m := newTestManager(t, Config{})
	now := time.Now()
	m.Update(snapshot("full", 1000, 900, now))
	m.Update(snapshot("empty", 1000, 100, now))

	info, err := m.Select(cost.OpWrite, 10)
	require.NoError(t, err)
	assert.Equal(t, "empty", info.Name)

	info, err = m.Select(cost.OpWrite, 10, "full")
	require.NoError(t, err)
	assert.Equal(t, "full", info.Name)
}

func TestSelectSkipsDisabledAndStalePools(t *testing.T) {
	m := newTestManager(t, Config{MaxAge: time.Minute})
	now := time.Now()

	disabled := snapshot("disabled", 1000, 0, now)
	disabled.Mode = mode.Disabled | mode.DisabledStore
	m.Update(disabled)
	m.Update(snapshot("stale", 1000, 0, now.Add(-time.Hour)))

	_, err := m.Select(cost.OpWrite, 10)
	assert.ErrorIs(t, err, cost.ErrNoPoolAvailable)

	info, err := m.Select(cost.OpRead, 10)
	require.NoError(t, err)
	assert.Equal(t, "disabled", info.Name)
}

func TestUpdateKeepsNewestSnapshot(t *testing.T) {
	m := newTestManager(t, Config{})
	now := time.Now()
	m.Update(snapshot("p1", 1000, 500, now))
	m.Update(snapshot("p1", 1000, 100, now.Add(-time.Second)))

	info, err := m.PoolCost("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), info.Space.Used)

	_, err = m.PoolCost("p2")
	assert.ErrorIs(t, err, migration.ErrUnknownPool)
}

func TestExpire(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, Config{ExpireAfter: time.Minute, Clock: func() time.Time { return now }})
	m.Update(snapshot("old", 1000, 0, now.Add(-2*time.Minute)))
	m.Update(snapshot("new", 1000, 0, now))

	assert.Equal(t, []string{"old"}, m.Expire())
	_, err := m.PoolCost("old")
	assert.ErrorIs(t, err, migration.ErrUnknownPool)
	_, err = m.PoolCost("new")
	assert.NoError(t, err)
}

func TestMetrics(t *testing.T) {
	mm := metrics.NewManagerMetrics(prometheus.NewRegistry())
	m := newTestManager(t, Config{Metrics: mm})
	m.Update(snapshot("p1", 1000, 0, time.Now()))

	_, err := m.Select(cost.OpWrite, 10)
	require.NoError(t, err)
	_, err = m.Select(cost.OpWrite, 10, "nope")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(mm.KnownPools))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.CostUpdates))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.Selections.WithLabelValues("write", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.Selections.WithLabelValues("write", "no_pool")))
}

func TestMessages(t *testing.T) {
	broker := transport.NewBroker()
	newTestManager(t, Config{Transport: broker.Endpoint("mgr")})
	ep := broker.Endpoint("p1")
	ctx := context.Background()

	require.NoError(t, transport.Call(ctx, ep, "mgr", transport.TypeCostUpdate, snapshot("", 1000, 10, time.Now()), nil))

	client := NewClient(ep, "mgr")
	info, err := client.PoolCost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", info.Name)
	assert.Equal(t, int64(10), info.Space.Used)

	reply, err := client.Select(ctx, cost.OpWrite, 100)
	require.NoError(t, err)
	assert.Equal(t, "p1", reply.Pool)

	_, err = client.Select(ctx, cost.OpWrite, 2000)
	assert.ErrorIs(t, err, cost.ErrNoPoolAvailable)

	_, err = client.PoolCost(ctx, "p2")
	assert.ErrorIs(t, err, migration.ErrUnknownPool)
}

func TestHostsNamespace(t *testing.T) {
	broker := transport.NewBroker()
	ns := namespace.NewMemory()
	ns.Register(namespace.FileAttributes{ID: "f1", Size: 42})
	newTestManager(t, Config{Transport: broker.Endpoint("mgr"), Namespace: ns})

	client := namespace.NewClient(broker.Endpoint("p1"), "mgr")
	ctx := context.Background()
	require.NoError(t, client.AddLocation(ctx, "f1", "p1"))

	attrs, err := client.Lookup(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), attrs.Size)
	assert.Equal(t, []string{"p1"}, attrs.Locations)

	_, err = client.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, namespace.ErrNotFound)
}
