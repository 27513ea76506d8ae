package svc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultServiceConfig(t *testing.T) {
	cfg := DefaultServiceConfig(ModeManager)
	assert.Equal(t, "diskpool-manager", cfg.Name)
	assert.Equal(t, ModeManager, cfg.Mode)
	assert.Contains(t, cfg.ConfigPath, "manager.yaml")

	svcCfg := NewServiceConfig(cfg)
	assert.Equal(t, []string{"--service-run", "manager", "--config", cfg.ConfigPath}, svcCfg.Arguments)
}

func TestProgramRunsModeUntilStopped(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		Mode:       ModePool,
		ConfigPath: "/etc/diskpool/pool.yaml",
		Run: map[string]RunFunc{
			ModePool: func(ctx context.Context, path string) error {
				started <- path
				<-ctx.Done()
				return ctx.Err()
			},
		},
	}

	require.NoError(t, prg.Start(nil))
	assert.Equal(t, "/etc/diskpool/pool.yaml", <-started)
	assert.NoError(t, prg.Stop(nil))
}

func TestProgramReportsRunError(t *testing.T) {
	boom := errors.New("boom")
	prg := &Program{
		Mode: ModePool,
		Run: map[string]RunFunc{
			ModePool: func(ctx context.Context, _ string) error { return boom },
		},
	}
	require.NoError(t, prg.Start(nil))
	assert.ErrorIs(t, prg.Stop(nil), boom)
}

func TestProgramUnknownMode(t *testing.T) {
	prg := &Program{Mode: "nope"}
	assert.Error(t, prg.Start(nil))
	assert.NoError(t, prg.Stop(nil))
}

func TestControlRejectsUnknownAction(t *testing.T) {
	assert.Error(t, Control(DefaultServiceConfig(ModePool), "explode"))
	assert.Error(t, Control(DefaultServiceConfig(ModePool), "install"))
}
