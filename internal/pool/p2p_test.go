package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskpool/diskpool/internal/namespace"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/pool/mode"
	"github.com/diskpool/diskpool/internal/pool/repository"
	"github.com/diskpool/diskpool/internal/pool/space"
	"github.com/diskpool/diskpool/internal/pool/store"
	"github.com/diskpool/diskpool/internal/transport"
)

// gatedStore blocks reads of one replica until the gate is closed.
type gatedStore struct {
	store.ReplicaStore
	id      string
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func newGatedStore(id string) *gatedStore {
	return &gatedStore{
		ReplicaStore: store.NewMemory(),
		id:           id,
		gate:         make(chan struct{}),
		started:      make(chan struct{}),
	}
}

func (s *gatedStore) ReadAt(id string, p []byte, off int64) (int, error) {
	if id != s.id {
		return s.ReplicaStore.ReadAt(id, p, off)
	}
	s.once.Do(func() { close(s.started) })
	<-s.gate
	clear(p)
	return len(p), nil
}

func waitJob(t *testing.T, p *Pool, id string) migration.JobInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := p.Migration().Wait(ctx, id)
	require.NoError(t, err)
	return info
}

func TestMigrationMovesReplica(t *testing.T) {
	broker := transport.NewBroker()
	ns := namespace.NewMemory()
	ns.Register(namespace.FileAttributes{ID: "f1", Size: 3000})
	pools := newLinkedPools(t, broker,
		Config{Name: "src", TotalSpace: 10000, Namespace: ns},
		Config{Name: "dst", TotalSpace: 10000, Namespace: ns},
	)
	src, dst := pools[0], pools[1]

	data := pattern(3000)
	writeReplica(t, src, "f1", data, true)
	_, err := src.AddSticky("admin", "f1", "user", time.Time{})
	require.NoError(t, err)

	res, err := src.Submit(context.Background(), MigrateRequest{Definition: migration.Definition{
		Targets:    []string{"dst"},
		SourceMode: migration.SourceDelete,
		PinOwners:  []string{"other"},
		ChunkSize:  1024,
	}})
	require.NoError(t, err)

	info := waitJob(t, src, res.JobID)
	assert.Equal(t, migration.Completed, info.State)
	assert.Equal(t, 1, info.Stats.Completed)
	assert.Equal(t, int64(3000), info.Stats.BytesTransferred)

	e, err := dst.Repository().Get("f1")
	require.NoError(t, err)
	assert.Equal(t, repository.Precious, e.State)
	assert.True(t, e.HasStickyOwner("user", time.Now()))

	got := make([]byte, 3000)
	_, err = dst.store.ReadAt("f1", got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(3000), dst.Usage().Used)

	require.Eventually(t, func() bool {
		_, err := src.Repository().Get("f1")
		return err != nil && src.Usage().Used == 0
	}, 5*time.Second, 5*time.Millisecond)

	attrs, err := ns.Lookup(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dst"}, attrs.Locations)
	assert.Equal(t, 0, dst.incoming.count())
}

func TestMigrationToDisabledPoolFails(t *testing.T) {
	broker := transport.NewBroker()
	pools := newLinkedPools(t, broker,
		Config{Name: "src", TotalSpace: 10000},
		Config{Name: "dst", TotalSpace: 10000, Mode: mode.DisabledP2PClient},
	)
	src := pools[0]
	writeReplica(t, src, "f1", pattern(100), false)

	id, err := src.Migration().Start(migration.Definition{
		Targets:    []string{"dst"},
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)

	info := waitJob(t, src, id)
	assert.Equal(t, migration.Completed, info.State)
	assert.Equal(t, 1, info.Stats.Failed)
	_, err = pools[1].Repository().Get("f1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestP2PChecksumMismatch(t *testing.T) {
	broker := transport.NewBroker()
	dst := newLinkedPools(t, broker, Config{Name: "dst", TotalSpace: 1000})[0]
	client := newP2PClient(broker.Endpoint("src"))
	ctx := context.Background()

	xfer, err := client.Begin(ctx, "dst", migration.BeginRequest{ID: "f1", Source: "src", Size: 100, State: repository.Cached})
	require.NoError(t, err)
	assert.Equal(t, int64(100), dst.Usage().Used)

	require.NoError(t, xfer.Write(ctx, 0, pattern(100)))
	err = xfer.Commit(ctx, xxhash.Sum64(pattern(99)))
	assert.ErrorIs(t, err, migration.ErrChecksum)

	assert.Equal(t, int64(0), dst.Usage().Used)
	_, err = dst.Repository().Get("f1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, 0, dst.incoming.count())
}

func TestP2PBeginRejections(t *testing.T) {
	broker := transport.NewBroker()
	dst := newLinkedPools(t, broker, Config{Name: "dst", TotalSpace: 1000})[0]
	client := newP2PClient(broker.Endpoint("src"))
	ctx := context.Background()

	writeReplica(t, dst, "have", pattern(10), false)
	_, err := client.Begin(ctx, "dst", migration.BeginRequest{ID: "have", Size: 10, State: repository.Cached})
	assert.ErrorIs(t, err, migration.ErrReplicaExists)

	_, err = client.Begin(ctx, "dst", migration.BeginRequest{ID: "f1", Size: 10, State: repository.Broken})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, migration.ErrDestinationUnavailable)

	require.NoError(t, dst.SetMode("admin", mode.DisabledP2PClient))
	_, err = client.Begin(ctx, "dst", migration.BeginRequest{ID: "f1", Size: 10, State: repository.Cached})
	assert.ErrorIs(t, err, ErrPoolDisabled)
	assert.ErrorIs(t, err, migration.ErrDestinationUnavailable)
	assert.Equal(t, int64(10), dst.Usage().Used)
}

func TestP2PBeginWithoutSpaceIsDestinationUnavailable(t *testing.T) {
	broker := transport.NewBroker()
	dst := newLinkedPools(t, broker, Config{Name: "dst", TotalSpace: 100, AllocationTimeout: 20 * time.Millisecond})[0]
	client := newP2PClient(broker.Endpoint("src"))
	writeReplica(t, dst, "full", pattern(100), true)

	_, err := client.Begin(context.Background(), "dst", migration.BeginRequest{ID: "f1", Size: 50, State: repository.Cached})
	assert.ErrorIs(t, err, space.ErrTimedOut)
	assert.ErrorIs(t, err, migration.ErrDestinationUnavailable)
	_, err = dst.repo.Get("f1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestP2PWriteOutOfRange(t *testing.T) {
	broker := transport.NewBroker()
	newLinkedPools(t, broker, Config{Name: "dst", TotalSpace: 1000})
	client := newP2PClient(broker.Endpoint("src"))
	ctx := context.Background()

	xfer, err := client.Begin(ctx, "dst", migration.BeginRequest{ID: "f1", Size: 10, State: repository.Cached})
	require.NoError(t, err)
	assert.ErrorIs(t, xfer.Write(ctx, 5, pattern(6)), ErrOutOfRange)

	committed, err := xfer.Abort(ctx)
	require.NoError(t, err)
	assert.False(t, committed)
}

func TestP2PAbortAfterCommit(t *testing.T) {
	broker := transport.NewBroker()
	newLinkedPools(t, broker, Config{Name: "dst", TotalSpace: 1000})
	client := newP2PClient(broker.Endpoint("src"))
	ctx := context.Background()

	data := pattern(64)
	xfer, err := client.Begin(ctx, "dst", migration.BeginRequest{ID: "f1", Size: 64, State: repository.Cached})
	require.NoError(t, err)
	require.NoError(t, xfer.Write(ctx, 0, data))
	require.NoError(t, xfer.Commit(ctx, xxhash.Sum64(data)))

	committed, err := xfer.Abort(ctx)
	require.NoError(t, err)
	assert.True(t, committed)
	assert.NoError(t, xfer.Ping(ctx))
}

func TestP2PExpireIdle(t *testing.T) {
	broker := transport.NewBroker()
	dst := newLinkedPools(t, broker, Config{Name: "dst", TotalSpace: 1000})[0]
	client := newP2PClient(broker.Endpoint("src"))
	ctx := context.Background()

	xfer, err := client.Begin(ctx, "dst", migration.BeginRequest{ID: "f1", Size: 100, State: repository.Cached})
	require.NoError(t, err)
	require.NoError(t, xfer.Ping(ctx))

	assert.Equal(t, 0, dst.incoming.expireIdle(time.Now(), time.Minute))
	assert.Equal(t, 1, dst.incoming.expireIdle(time.Now().Add(time.Hour), time.Minute))

	assert.Equal(t, int64(0), dst.Usage().Used)
	assert.ErrorIs(t, xfer.Ping(ctx), ErrTransferNotFound)
	assert.ErrorIs(t, xfer.Write(ctx, 0, pattern(10)), ErrTransferNotFound)
}

func TestForcedCancelReleasesDestinationSpace(t *testing.T) {
	const size = 10 << 30
	broker := transport.NewBroker()
	gated := newGatedStore("big")
	pools := newLinkedPools(t, broker,
		Config{Name: "src", TotalSpace: size + 1<<20, Store: gated},
		Config{Name: "dst", TotalSpace: 2 * size},
	)
	src, dst := pools[0], pools[1]
	ctx := context.Background()

	require.NoError(t, src.create(ctx, "big", "", size, repository.ReceivingFromClient))
	_, err := src.transition("big", repository.Cached)
	require.NoError(t, err)

	id, err := src.Migration().Start(migration.Definition{Targets: []string{"dst"}})
	require.NoError(t, err)

	select {
	case <-gated.started:
	case <-time.After(10 * time.Second):
		t.Fatal("transfer did not start")
	}
	assert.Equal(t, 1, dst.incoming.count())
	assert.Equal(t, int64(size), dst.Usage().Used)

	require.NoError(t, src.Migration().Cancel(id, true))
	close(gated.gate)

	info := waitJob(t, src, id)
	assert.Equal(t, migration.Cancelled, info.State)

	require.Eventually(t, func() bool { return dst.incoming.count() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), dst.Usage().Used)
	_, err = dst.Repository().Get("big")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	e, err := src.Repository().Get("big")
	require.NoError(t, err)
	assert.Equal(t, repository.Cached, e.State)
}

func TestCostClient(t *testing.T) {
	broker := transport.NewBroker()
	newLinkedPools(t, broker, Config{Name: "dst", TotalSpace: 1000})
	ctx := context.Background()
	ep := broker.Endpoint("client")

	info, err := NewCostClient(ep).PoolCost(ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, "dst", info.Name)
	assert.Equal(t, int64(1000), info.Space.Total)

	// A pool answers for itself when asked as a manager.
	info, err = NewCostClient(ep, "gone", "dst").PoolCost(ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, "dst", info.Name)

	_, err = NewCostClient(ep, "dst", "gone").PoolCost(ctx, "other")
	assert.ErrorIs(t, err, migration.ErrUnknownPool)

	_, err = NewCostClient(ep, "gone").PoolCost(ctx, "dst")
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestSetModeOverTransport(t *testing.T) {
	broker := transport.NewBroker()
	dst := newLinkedPools(t, broker, Config{Name: "dst", TotalSpace: 1000})[0]

	var reply SetModeReply
	err := transport.Call(context.Background(), broker.Endpoint("admin"), "dst", transport.TypeSetMode,
		SetModeRequest{Mode: "store"}, &reply)
	require.NoError(t, err)
	assert.Equal(t, mode.Disabled|mode.DisabledStore, dst.Mode())
	assert.Equal(t, dst.Mode().String(), reply.Mode)
}
