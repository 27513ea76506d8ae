package poolmgr

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskpool/diskpool/internal/pool"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/pool/store"
	"github.com/diskpool/diskpool/internal/transport"
)

func startPool(t *testing.T, broker *transport.Broker, name string, total int64) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{
		Name:            name,
		Logger:          zerolog.Nop(),
		Store:           store.NewMemory(),
		TotalSpace:      total,
		Transport:       broker.Endpoint(name),
		Managers:        []string{"mgr"},
		PublishInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestPoolsPublishAndMigrateThroughManager(t *testing.T) {
	broker := transport.NewBroker()
	m := newTestManager(t, Config{Transport: broker.Endpoint("mgr")})
	src := startPool(t, broker, "src", 1<<20)
	dst1 := startPool(t, broker, "dst1", 1<<20)
	dst2 := startPool(t, broker, "dst2", 1<<20)

	require.Eventually(t, func() bool {
		return len(m.Registry().Candidates()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	res, err := src.Submit(ctx, pool.WriteRequest{ID: "f1", Size: 1000})
	require.NoError(t, err)
	_, err = res.Writer.Write(make([]byte, 1000))
	require.NoError(t, err)
	_, err = res.Writer.Commit()
	require.NoError(t, err)

	id, err := src.Migration().Start(migration.Definition{Targets: []string{"dst1", "dst2"}})
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	info, err := src.Migration().Wait(wctx, id)
	require.NoError(t, err)
	assert.Equal(t, migration.Completed, info.State)
	assert.Equal(t, 1, info.Stats.Completed)

	copies := 0
	for _, p := range []*pool.Pool{dst1, dst2} {
		if _, err := p.Repository().Get("f1"); err == nil {
			copies++
		}
	}
	assert.Equal(t, 1, copies)
}

func TestMigrationToUnknownPoolFails(t *testing.T) {
	broker := transport.NewBroker()
	newTestManager(t, Config{Transport: broker.Endpoint("mgr")})
	src := startPool(t, broker, "src", 1<<20)

	id, err := src.Migration().Start(migration.Definition{Targets: []string{"nowhere"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := src.Migration().Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, migration.Failed, info.State)
}
