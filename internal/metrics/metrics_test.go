package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskpool/diskpool/internal/pool/mode"
	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/internal/pool/space"
)

func TestNewPoolMetrics_SeparateRegistries(t *testing.T) {
	// Two pools in one process register under distinct const labels.
	reg := prometheus.NewRegistry()
	a := NewPoolMetrics(reg, "pool-a")
	b := NewPoolMetrics(reg, "pool-b")

	a.Evictions.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Evictions))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Evictions))
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPoolMetrics(reg, "pool-a")

	alloc := space.NewAllocator(space.Config{Logger: zerolog.Nop(), Total: 1000})
	_, err := alloc.Allocate(context.Background(), 300)
	require.NoError(t, err)

	repo := repository.New(repository.Config{Logger: zerolog.Nop()})
	defer repo.Close()
	_, err = repo.Create("0001", "")
	require.NoError(t, err)

	c := NewCollector(m, CollectorConfig{
		Space:    alloc,
		Replicas: repo,
		Mode:     mode.NewController(mode.DisabledRdOnly),
	})
	c.Collect()

	assert.Equal(t, 1000.0, testutil.ToFloat64(m.SpaceTotal))
	assert.Equal(t, 300.0, testutil.ToFloat64(m.SpaceUsed))
	assert.Equal(t, 700.0, testutil.ToFloat64(m.SpaceFree))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Allocations.WithLabelValues("granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Replicas.WithLabelValues("NEW")))
	assert.Equal(t, float64(mode.DisabledRdOnly), testutil.ToFloat64(m.Mode))

	// Counters only advance by the delta since the last collection.
	c.Collect()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Allocations.WithLabelValues("granted")))
}

func TestHandler(t *testing.T) {
	m := NewPoolMetrics(Registry, "handler-test")
	m.SpaceTotal.Set(42)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := rec.Result()
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `diskpool_space_total_bytes{pool="handler-test"} 42`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
