// Package svc runs a diskpool pool or manager as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Service modes.
const (
	ModePool    = "pool"
	ModeManager = "manager"
)

// RunFunc runs a node until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface.
type Program struct {
	Mode       string
	ConfigPath string
	Run        map[string]RunFunc // by mode

	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(s service.Service) error {
	run, ok := p.Run[p.Mode]
	if !ok || run == nil {
		return fmt.Errorf("unknown mode: %s", p.Mode)
	}

	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)
	go func() {
		p.done <- run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the node and waits for it to shut down.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string // e.g. "diskpool-pool"
	DisplayName string
	Description string
	Mode        string // ModePool or ModeManager
	ConfigPath  string
	UserName    string // Linux/macOS only
}

// DefaultServiceConfig fills in names and paths for mode.
func DefaultServiceConfig(mode string) *ServiceConfig {
	cfg := &ServiceConfig{
		Name:       "diskpool-" + mode,
		Mode:       mode,
		ConfigPath: DefaultConfigPath(mode),
	}
	if mode == ModeManager {
		cfg.DisplayName = "diskpool Pool Manager"
		cfg.Description = "diskpool pool manager: pool selection and namespace"
	} else {
		cfg.DisplayName = "diskpool Pool"
		cfg.Description = "diskpool storage pool node"
	}
	return cfg
}

// DefaultConfigPath returns the default config file path for mode.
func DefaultConfigPath(mode string) string {
	configDir := "/etc/diskpool"
	if runtime.GOOS == "windows" {
		configDir = filepath.Join(os.Getenv("ProgramData"), "diskpool")
	}
	return filepath.Join(configDir, mode+".yaml")
}

// NewServiceConfig creates the service.Config the service manager runs.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{"--service-run", cfg.Mode, "--config", cfg.ConfigPath},
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":     "on-failure",
			"RestartSec":  "5",
			"LimitNOFILE": 65536,
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

// New creates a service instance for prg.
func New(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	return service.New(prg, NewServiceConfig(cfg))
}

func control(cfg *ServiceConfig) (service.Service, error) {
	s, err := New(&Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. With force an existing installation is
// stopped and replaced.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *ServiceConfig) error {
	s, err := control(cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs one of service.ControlAction ("start", "stop", "restart").
func Control(cfg *ServiceConfig, action string) error {
	if !slices.Contains(service.ControlAction[:], action) || action == "install" || action == "uninstall" {
		return fmt.Errorf("unknown service action %q", action)
	}
	s, err := control(cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := control(cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs prg under the service manager.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := New(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return s.Run()
}

// CheckPrivileges checks for the privileges service management needs.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}
