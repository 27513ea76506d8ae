package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/testutil"
)

func TestLoadPoolConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
name: "pool1.example.org:7070"
data_dir: "/srv/pool1"
nearline_dir: "/srv/tape"
total_space: 100GB
mode: rdonly
managers: ["mgr.example.org:7080"]
movers:
  regular: 50
  p2p: 4
cost:
  space: 2
  performance: 1
transport:
  timeout: 10s
  rate_limit: 500
admin:
  enabled: true
  listen: "127.0.0.1:9000"
logging:
  level: debug
timers:
  allocation_timeout: 1m
migrations:
  - targets: ["pool2.example.org:7070"]
    source_mode: move
    permanent: true
    filters:
      states: [CACHED]
`
	path := testutil.TempFile(t, dir, "pool.yaml", content)

	cfg, err := LoadPoolConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "pool1.example.org:7070", cfg.Name)
	assert.Equal(t, "/srv/pool1", cfg.DataDir)
	assert.Equal(t, "/srv/tape", cfg.Nearline)
	assert.Equal(t, int64(100*1024*1024*1024), cfg.TotalSpace.Bytes())
	assert.Equal(t, "rdonly", cfg.Mode)
	assert.Equal(t, "mgr.example.org:7080", cfg.Namespace)
	assert.Equal(t, 50, cfg.Movers["regular"])
	assert.Equal(t, cost.Weights{Space: 2, Performance: 1}, cfg.Weights)
	assert.Equal(t, ":7070", cfg.Transport.Listen)
	assert.Equal(t, "10s", cfg.Transport.Timeout)
	assert.Equal(t, 500.0, cfg.Transport.RateLimit)
	assert.Equal(t, "127.0.0.1:9000", cfg.Admin.Listen)
	assert.Equal(t, "/srv/pool1/admin.key", cfg.Admin.SecretFile)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, time.Minute, MustDuration(cfg.Timers.AllocationTimeout))

	require.Len(t, cfg.Migrations, 1)
	def, err := cfg.Migrations[0].Definition()
	require.NoError(t, err)
	assert.Equal(t, migration.SourceDelete, def.SourceMode)
	assert.True(t, def.Permanent)
}

func TestLoadPoolConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
name: "localhost:7070"
total_space: "1GB"
`
	cfg, err := LoadPoolConfig(testutil.TempFile(t, dir, "pool.yaml", content))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/diskpool", cfg.DataDir)
	assert.Equal(t, "enabled", cfg.Mode)
	assert.Equal(t, cost.DefaultWeights, cfg.Weights)
	assert.Empty(t, cfg.Namespace)
	assert.Equal(t, ":7070", cfg.Transport.Listen)
	assert.Equal(t, "30s", cfg.Transport.Timeout)
	assert.Equal(t, "127.0.0.1:7071", cfg.Admin.Listen)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "10s", cfg.Timers.PublishInterval)
	assert.Equal(t, "30s", cfg.Timers.SweepInterval)
	assert.Equal(t, "5m", cfg.Timers.TransferIdleTimeout)
	assert.Equal(t, "15s", cfg.Timers.MetricsInterval)
	assert.Zero(t, MustDuration(cfg.Timers.AllocationTimeout))
}

func TestLoadPoolConfig_ExpandHomePath(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
name: "localhost:7070"
total_space: 1GB
data_dir: "~/.diskpool/pool1"
`
	cfg, err := LoadPoolConfig(testutil.TempFile(t, dir, "pool.yaml", content))
	require.NoError(t, err)

	homeDir, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(homeDir, ".diskpool/pool1"), cfg.DataDir)
	assert.Equal(t, filepath.Join(homeDir, ".diskpool/pool1/admin.key"), cfg.Admin.SecretFile)
}

func TestLoadPoolConfig_Errors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	_, err := LoadPoolConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)

	_, err = LoadPoolConfig(testutil.TempFile(t, dir, "bad.yaml", "name: [invalid yaml\n"))
	assert.Error(t, err)

	_, err = LoadPoolConfig(testutil.TempFile(t, dir, "size.yaml", "total_space: lots\n"))
	assert.Error(t, err)
}

func TestPoolConfig_Validate(t *testing.T) {
	valid := func() PoolConfig {
		return PoolConfig{
			Name:       "localhost:7070",
			TotalSpace: 1 << 30,
			Mode:       "enabled",
			Weights:    cost.DefaultWeights,
			Transport:  TransportConfig{Listen: ":7070", Timeout: "30s"},
		}
	}

	tests := []struct {
		name    string
		modify  func(c *PoolConfig)
		wantErr bool
	}{
		{name: "valid config", modify: func(c *PoolConfig) {}},
		{name: "missing name", modify: func(c *PoolConfig) { c.Name = "" }, wantErr: true},
		{name: "no space", modify: func(c *PoolConfig) { c.TotalSpace = 0 }, wantErr: true},
		{name: "bad mode", modify: func(c *PoolConfig) { c.Mode = "sleepy" }, wantErr: true},
		{name: "mode flags", modify: func(c *PoolConfig) { c.Mode = "store,stage" }},
		{name: "zero movers", modify: func(c *PoolConfig) { c.Movers = map[string]int{"p2p": 0} }, wantErr: true},
		{name: "negative weight", modify: func(c *PoolConfig) { c.Weights.Space = -1 }, wantErr: true},
		{name: "zero weights", modify: func(c *PoolConfig) { c.Weights = cost.Weights{} }, wantErr: true},
		{name: "missing listen", modify: func(c *PoolConfig) { c.Transport.Listen = "" }, wantErr: true},
		{name: "bad timeout", modify: func(c *PoolConfig) { c.Transport.Timeout = "soon" }, wantErr: true},
		{name: "bad timer", modify: func(c *PoolConfig) { c.Timers.SweepInterval = "-1s" }, wantErr: true},
		{
			name:    "migration without targets",
			modify:  func(c *PoolConfig) { c.Migrations = []migration.Spec{{}} },
			wantErr: true,
		},
		{
			name: "migration with bad filter",
			modify: func(c *PoolConfig) {
				c.Migrations = []migration.Spec{{Targets: []string{"p2"}, Filters: migration.FilterSpec{States: []string{"NOPE"}}}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadManagerConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
name: "mgr.example.org:7080"
max_age: 30s
`
	cfg, err := LoadManagerConfig(testutil.TempFile(t, dir, "manager.yaml", content))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "30s", cfg.MaxAge)
	assert.Equal(t, "10m", cfg.ExpireAfter)
	assert.Equal(t, ":7080", cfg.Transport.Listen)
	assert.Equal(t, "127.0.0.1:7081", cfg.Admin.Listen)
	assert.Equal(t, cost.DefaultWeights, cfg.Weights)
}

func TestManagerConfig_Validate(t *testing.T) {
	cfg := ManagerConfig{
		Name:      "mgr:7080",
		MaxAge:    "bad",
		Weights:   cost.DefaultWeights,
		Transport: TransportConfig{Listen: ":7080", Timeout: "1s"},
	}
	assert.Error(t, cfg.Validate())

	cfg.MaxAge = "1m"
	assert.NoError(t, cfg.Validate())

	cfg.Name = ""
	assert.Error(t, cfg.Validate())
}
