package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/pool"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/pool/mode"
	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/internal/pool/store"
	"github.com/diskpool/diskpool/internal/poolmgr"
	"github.com/diskpool/diskpool/internal/transport"
	"github.com/diskpool/diskpool/testutil"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newPool(t *testing.T, name string, tr transport.Transport) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{
		Name:          name,
		Logger:        zerolog.Nop(),
		Store:         store.NewMemory(),
		TotalSpace:    10000,
		Transport:     tr,
		SweepInterval: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func writeReplica(t *testing.T, p *pool.Pool, id string, size int) {
	t.Helper()
	res, err := p.Submit(context.Background(), pool.WriteRequest{ID: id, Size: int64(size)})
	require.NoError(t, err)
	_, err = res.Writer.Write(make([]byte, size))
	require.NoError(t, err)
	_, err = res.Writer.Commit()
	require.NoError(t, err)
}

func newTestServer(t *testing.T, cfg Config) *Client {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	cfg.Auth = NewTokenAuth(testKey)
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	srv := httptest.NewServer(NewServer(cfg).Handler())
	t.Cleanup(srv.Close)

	token, err := cfg.Auth.Issue("tester", time.Hour)
	require.NoError(t, err)
	return NewClient(srv.URL, token)
}

func apiStatus(t *testing.T, err error) int {
	t.Helper()
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	return apiErr.Status
}

func TestHealthAndAuth(t *testing.T) {
	p := newPool(t, "pool1", nil)
	srv := httptest.NewServer(NewServer(Config{
		Logger: zerolog.Nop(),
		Auth:   NewTokenAuth(testKey),
		Pool:   p,
	}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/pool")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = NewClient(srv.URL, "garbage").PoolInfo(context.Background())
	assert.Equal(t, http.StatusUnauthorized, apiStatus(t, err))

	foreign, err := NewTokenAuth([]byte("fedcba9876543210")).Issue("tester", time.Hour)
	require.NoError(t, err)
	_, err = NewClient(srv.URL, foreign).PoolInfo(context.Background())
	assert.Equal(t, http.StatusUnauthorized, apiStatus(t, err))
}

func TestPoolModeAndSpace(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, "pool1", nil)
	c := newTestServer(t, Config{Pool: p})

	info, err := c.PoolInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pool1", info.Name)
	assert.Equal(t, int64(10000), info.Space.Total)

	_, err = c.SetMode(ctx, "store")
	require.NoError(t, err)
	assert.Equal(t, mode.Disabled|mode.DisabledStore, p.Mode())

	_, err = c.SetMode(ctx, "bogus")
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	u, err := c.SetTotalSpace(ctx, "2KiB")
	require.NoError(t, err)
	assert.Equal(t, int64(2048), u.Total)

	_, err = c.SetTotalSpace(ctx, "lots")
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))
}

func TestReplicaEndpoints(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, "pool1", nil)
	c := newTestServer(t, Config{Pool: p})
	writeReplica(t, p, "b", 100)
	writeReplica(t, p, "a", 200)

	entries, err := c.Replicas(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)

	entries, err = c.Replicas(ctx, "precious")
	require.NoError(t, err)
	assert.Empty(t, entries)

	e, err := c.Replica(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(200), e.Size)
	assert.Equal(t, repository.Cached, e.State)

	e, err = c.AddSticky(ctx, "a", "user", "1h")
	require.NoError(t, err)
	assert.True(t, e.HasStickyOwner("user", time.Now()))

	_, err = c.AddSticky(ctx, "a", "", "")
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	e, err = c.RemoveSticky(ctx, "a", "user")
	require.NoError(t, err)
	assert.False(t, e.HasStickyOwner("user", time.Now()))

	require.NoError(t, c.RemoveReplica(ctx, "b"))
	testutil.WaitFor(t, 5*time.Second, func() bool {
		_, err := p.Repository().Get("b")
		return err != nil
	})

	_, err = c.Replica(ctx, "missing")
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))
}

func TestMigrationEndpoints(t *testing.T) {
	ctx := context.Background()
	broker := transport.NewBroker()
	src := newPool(t, "src", broker.Endpoint("src"))
	newPool(t, "dst", broker.Endpoint("dst"))
	c := newTestServer(t, Config{Pool: src})

	_, err := c.StartMigration(ctx, migration.Spec{})
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	info, err := c.StartMigration(ctx, migration.Spec{
		Targets:   []string{"dst"},
		Filters:   migration.FilterSpec{IDs: []string{"none"}},
		Permanent: true,
	})
	require.NoError(t, err)
	assert.Equal(t, migration.Running, info.State)
	id := info.ID

	jobs, err := c.Migrations(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)

	info, err = c.MigrationAction(ctx, id, "suspend")
	require.NoError(t, err)
	assert.Equal(t, migration.Suspended, info.State)

	_, err = c.MigrationAction(ctx, id, "suspend")
	assert.Equal(t, http.StatusConflict, apiStatus(t, err))

	info, err = c.MigrationAction(ctx, id, "resume")
	require.NoError(t, err)
	assert.Equal(t, migration.Running, info.State)

	info, err = c.SetConcurrency(ctx, id, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, info.Concurrency)

	_, err = c.SetConcurrency(ctx, id, 0)
	assert.Equal(t, http.StatusBadRequest, apiStatus(t, err))

	_, err = c.MigrationAction(ctx, id, "refresh")
	require.NoError(t, err)

	_, err = c.MigrationAction(ctx, id, "explode")
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))

	_, err = c.MigrationAction(ctx, id, "cancel")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	final, err := src.Migration().Wait(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, migration.Cancelled, final.State)

	_, err = c.MigrationAction(ctx, id, "clear")
	require.NoError(t, err)

	_, err = c.Migration(ctx, id)
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))
}

func TestMigrationsWithoutTransport(t *testing.T) {
	p := newPool(t, "pool1", nil)
	c := newTestServer(t, Config{Pool: p})

	_, err := c.Migrations(context.Background())
	assert.Equal(t, http.StatusServiceUnavailable, apiStatus(t, err))
}

func TestManagerEndpoints(t *testing.T) {
	ctx := context.Background()
	m, err := poolmgr.New(poolmgr.Config{Name: "mgr", Logger: zerolog.Nop()})
	require.NoError(t, err)
	m.Update(cost.PoolCostInfo{
		Name:  "pool2",
		Space: cost.SpaceInfo{Total: 1000, Used: 500},
		Time:  time.Now(),
	})
	m.Update(cost.PoolCostInfo{
		Name:  "pool1",
		Space: cost.SpaceInfo{Total: 1000, Used: 100},
		Time:  time.Now(),
	})
	c := newTestServer(t, Config{Manager: m})

	pools, err := c.Pools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, "pool1", pools[0].Name)
	assert.InDelta(t, 0.1, pools[0].SpaceCost, 0.001)
	assert.Equal(t, "enabled", pools[1].Mode)

	info, err := c.Pool(ctx, "pool2")
	require.NoError(t, err)
	assert.Equal(t, int64(500), info.Space.Used)

	_, err = c.Pool(ctx, "pool9")
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))

	_, err = c.PoolInfo(ctx)
	assert.Equal(t, http.StatusNotFound, apiStatus(t, err))
}

func TestServerStartStop(t *testing.T) {
	addr := testutil.FreeAddr(t)
	s := NewServer(Config{
		Logger:  zerolog.Nop(),
		Listen:  addr,
		Auth:    NewTokenAuth(testKey),
		Metrics: promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
	})
	require.NoError(t, s.Start())

	testutil.WaitFor(t, 5*time.Second, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
