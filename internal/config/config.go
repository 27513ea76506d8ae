// Package config handles configuration loading and validation for diskpool.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/diskpool/diskpool/internal/cost"
	"github.com/diskpool/diskpool/internal/pool/migration"
	"github.com/diskpool/diskpool/internal/pool/mode"
	"github.com/diskpool/diskpool/pkg/bytesize"
)

// AdminConfig holds configuration for the admin HTTP interface.
type AdminConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	SecretFile string `yaml:"secret_file"` // HMAC key for admin tokens, created if missing
}

// LoggingConfig holds logging options.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	AuditFile string `yaml:"audit_file"` // empty logs audit events with the main logger
}

// TransportConfig holds configuration for the message transport.
type TransportConfig struct {
	Listen    string  `yaml:"listen"`
	Timeout   string  `yaml:"timeout"`    // Duration string, e.g. "30s"
	RateLimit float64 `yaml:"rate_limit"` // incoming messages per second
	RateBurst int     `yaml:"rate_burst"`
}

// PoolConfig holds configuration for a pool node.
type PoolConfig struct {
	// Name is the address other nodes reach this pool at (host:port).
	Name       string           `yaml:"name"`
	DataDir    string           `yaml:"data_dir"`
	Nearline   string           `yaml:"nearline_dir"` // optional backing store directory
	TotalSpace bytesize.Size    `yaml:"total_space"`
	Mode       string           `yaml:"mode"`
	Managers   []string         `yaml:"managers"`
	Namespace  string           `yaml:"namespace"` // node hosting the namespace, usually a manager
	Movers     map[string]int   `yaml:"movers"`
	Weights    cost.Weights     `yaml:"cost"`
	Transport  TransportConfig  `yaml:"transport"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
	Migrations []migration.Spec `yaml:"migrations"` // jobs started at boot
	Timers     PoolTimers       `yaml:"timers"`
}

// PoolTimers holds the pool's periodic task intervals as duration strings.
type PoolTimers struct {
	AllocationTimeout   string `yaml:"allocation_timeout"`
	PublishInterval     string `yaml:"publish_interval"`
	SweepInterval       string `yaml:"sweep_interval"`
	TransferIdleTimeout string `yaml:"transfer_idle_timeout"`
	MetricsInterval     string `yaml:"metrics_interval"`
}

// ManagerConfig holds configuration for a pool manager node.
type ManagerConfig struct {
	Name        string          `yaml:"name"`
	MaxAge      string          `yaml:"max_age"`      // snapshots older than this are not selected
	ExpireAfter string          `yaml:"expire_after"` // pools silent this long are forgotten
	Weights     cost.Weights    `yaml:"cost"`
	Transport   TransportConfig `yaml:"transport"`
	Admin       AdminConfig     `yaml:"admin"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// LoadPoolConfig loads pool configuration from a YAML file.
func LoadPoolConfig(path string) (*PoolConfig, error) {
	cfg := &PoolConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	// Apply defaults
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/diskpool"
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Nearline = expandHome(cfg.Nearline)
	if cfg.Mode == "" {
		cfg.Mode = "enabled"
	}
	if cfg.Weights == (cost.Weights{}) {
		cfg.Weights = cost.DefaultWeights
	}
	if cfg.Namespace == "" && len(cfg.Managers) > 0 {
		cfg.Namespace = cfg.Managers[0]
	}
	cfg.Transport.applyDefaults(cfg.Name)
	cfg.Admin.applyDefaults(cfg.DataDir, "127.0.0.1:7071")
	cfg.Logging.applyDefaults()
	if cfg.Timers.PublishInterval == "" {
		cfg.Timers.PublishInterval = "10s"
	}
	if cfg.Timers.SweepInterval == "" {
		cfg.Timers.SweepInterval = "30s"
	}
	if cfg.Timers.TransferIdleTimeout == "" {
		cfg.Timers.TransferIdleTimeout = "5m"
	}
	if cfg.Timers.MetricsInterval == "" {
		cfg.Timers.MetricsInterval = "15s"
	}

	return cfg, nil
}

// LoadManagerConfig loads pool manager configuration from a YAML file.
func LoadManagerConfig(path string) (*ManagerConfig, error) {
	cfg := &ManagerConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}

	// Apply defaults
	if cfg.MaxAge == "" {
		cfg.MaxAge = "1m"
	}
	if cfg.ExpireAfter == "" {
		cfg.ExpireAfter = "10m"
	}
	if cfg.Weights == (cost.Weights{}) {
		cfg.Weights = cost.DefaultWeights
	}
	cfg.Transport.applyDefaults(cfg.Name)
	cfg.Admin.applyDefaults("/var/lib/diskpool", "127.0.0.1:7081")
	cfg.Logging.applyDefaults()

	return cfg, nil
}

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *TransportConfig) applyDefaults(name string) {
	if c.Listen == "" && name != "" {
		if i := strings.LastIndex(name, ":"); i >= 0 {
			c.Listen = name[i:]
		}
	}
	if c.Timeout == "" {
		c.Timeout = "30s"
	}
}

func (c *AdminConfig) applyDefaults(dataDir, listen string) {
	if c.Listen == "" {
		c.Listen = listen
	}
	if c.SecretFile == "" {
		c.SecretFile = filepath.Join(dataDir, "admin.key")
	}
	c.SecretFile = expandHome(c.SecretFile)
}

func (c *LoggingConfig) applyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	c.AuditFile = expandHome(c.AuditFile)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// Validate checks if the pool configuration is valid.
func (c *PoolConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.TotalSpace <= 0 {
		return fmt.Errorf("total_space must be positive")
	}
	if _, err := mode.Parse(c.Mode); err != nil {
		return fmt.Errorf("invalid mode: %w", err)
	}
	for queue, n := range c.Movers {
		if n <= 0 {
			return fmt.Errorf("movers.%s must be positive", queue)
		}
	}
	if err := validateWeights(c.Weights); err != nil {
		return err
	}
	if err := c.Transport.validate(); err != nil {
		return err
	}
	for _, d := range []struct{ name, value string }{
		{"timers.allocation_timeout", c.Timers.AllocationTimeout},
		{"timers.publish_interval", c.Timers.PublishInterval},
		{"timers.sweep_interval", c.Timers.SweepInterval},
		{"timers.transfer_idle_timeout", c.Timers.TransferIdleTimeout},
		{"timers.metrics_interval", c.Timers.MetricsInterval},
	} {
		if _, err := ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	for i, spec := range c.Migrations {
		if _, err := spec.Definition(); err != nil {
			return fmt.Errorf("migrations[%d]: %w", i, err)
		}
		if len(spec.Targets) == 0 {
			return fmt.Errorf("migrations[%d]: targets are required", i)
		}
	}
	return nil
}

// Validate checks if the manager configuration is valid.
func (c *ManagerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := validateWeights(c.Weights); err != nil {
		return err
	}
	if _, err := ParseDuration(c.MaxAge); err != nil {
		return fmt.Errorf("max_age: %w", err)
	}
	if _, err := ParseDuration(c.ExpireAfter); err != nil {
		return fmt.Errorf("expire_after: %w", err)
	}
	return c.Transport.validate()
}

func (c *TransportConfig) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("transport.listen is required")
	}
	if _, err := ParseDuration(c.Timeout); err != nil {
		return fmt.Errorf("transport.timeout: %w", err)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("transport rate limits must not be negative")
	}
	return nil
}

func validateWeights(w cost.Weights) error {
	if w.Space < 0 || w.Performance < 0 {
		return fmt.Errorf("cost weights must not be negative")
	}
	if w.Space == 0 && w.Performance == 0 {
		return fmt.Errorf("at least one cost weight must be positive")
	}
	return nil
}

// ParseDuration parses a duration string. The empty string is zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// MustDuration parses a duration already checked by Validate.
func MustDuration(s string) time.Duration {
	d, _ := ParseDuration(s)
	return d
}
