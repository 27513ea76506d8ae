package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskpool/diskpool/internal/admin"
	"github.com/diskpool/diskpool/internal/config"
	"github.com/diskpool/diskpool/internal/svc"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"pool"},
		{"manager"},
		{"mode"},
		{"space"},
		{"replica", "ls"},
		{"sticky", "add"},
		{"migration", "copy"},
		{"migration", "move"},
		{"migration", "cancel"},
		{"migration", "concurrency"},
		{"pools"},
		{"token"},
		{"service", "install"},
		{"service", "restart"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestMigrationStartDefaults(t *testing.T) {
	root := newRootCmd()
	move, _, err := root.Find([]string{"migration", "move"})
	require.NoError(t, err)
	mode, err := move.Flags().GetString("source-mode")
	require.NoError(t, err)
	assert.Equal(t, "delete", mode)

	cp, _, err := root.Find([]string{"migration", "copy"})
	require.NoError(t, err)
	mode, err = cp.Flags().GetString("source-mode")
	require.NoError(t, err)
	assert.Equal(t, "same", mode)
}

func TestNewAdminClientFromConfig(t *testing.T) {
	dir := t.TempDir()
	secretFile := filepath.Join(dir, "admin.key")
	secret, err := config.GenerateSecret(secretFile)
	require.NoError(t, err)

	cfgFile, adminAddr, adminToken = "config.yaml", "", ""
	t.Cleanup(func() { cfgFile = "" })
	t.Setenv("DISKPOOL_TOKEN", "")

	c, err := newAdminClient(func() (config.AdminConfig, error) {
		return config.AdminConfig{Listen: "127.0.0.1:7071", SecretFile: secretFile}, nil
	})
	require.NoError(t, err)
	assert.NotNil(t, c)

	token, err := issueToken(secretFile, "ops", time.Minute)
	require.NoError(t, err)
	claims, err := admin.NewTokenAuth(secret).Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
}

func TestNewAdminClientRequiresAddress(t *testing.T) {
	cfgFile, adminAddr, adminToken = "", "", "tok"
	t.Cleanup(func() { adminToken = "" })

	_, err := newAdminClient(func() (config.AdminConfig, error) {
		t.Fatal("config must not be loaded without --config")
		return config.AdminConfig{}, nil
	})
	assert.Error(t, err)
}

func TestGetServiceConfig(t *testing.T) {
	serviceMode, serviceName, serviceConfigPath, cfgFile = svc.ModeManager, "", "", ""
	t.Cleanup(func() { serviceMode = svc.ModePool })

	cfg, err := getServiceConfig()
	require.NoError(t, err)
	assert.Equal(t, "diskpool-manager", cfg.Name)
	assert.Equal(t, svc.DefaultConfigPath(svc.ModeManager), cfg.ConfigPath)

	serviceMode = "bogus"
	_, err = getServiceConfig()
	assert.Error(t, err)
}

func TestOpenAuditFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	l, closeFn, err := openAudit(path, zerolog.Nop())
	require.NoError(t, err)
	l.LogModeChange("ops", "pool1", "enabled", "disabled(strict)")
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pool1")
}
