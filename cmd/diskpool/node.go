package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/diskpool/diskpool/internal/admin"
	"github.com/diskpool/diskpool/internal/config"
	"github.com/diskpool/diskpool/internal/logging/audit"
	"github.com/diskpool/diskpool/internal/metrics"
	"github.com/diskpool/diskpool/internal/namespace"
	"github.com/diskpool/diskpool/internal/pool"
	"github.com/diskpool/diskpool/internal/pool/mode"
	"github.com/diskpool/diskpool/internal/pool/store"
	"github.com/diskpool/diskpool/internal/poolmgr"
	"github.com/diskpool/diskpool/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func newPoolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Run a storage pool",
		Long: `Run a storage pool node from its config file.

The pool serves pool-to-pool transfers on transport.listen, publishes its
cost to the configured managers and, when enabled, serves the admin API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			return runUntilSignal(runPoolNode)
		},
	}
}

func newManagerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manager",
		Short: "Run a pool manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			return runUntilSignal(runManagerNode)
		},
	}
}

func runPoolNode(ctx context.Context, configPath string) error {
	cfg, err := config.LoadPoolConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if applyLogLevel(cfg.Logging.Level) {
		log.Info().Str("level", cfg.Logging.Level).Msg("log level configured")
	}
	logger := log.Logger.With().Str("node", cfg.Name).Logger()

	m, err := mode.Parse(cfg.Mode)
	if err != nil {
		return err
	}
	replicas, err := store.OpenDir(cfg.DataDir)
	if err != nil {
		return err
	}
	meta, err := store.NewMetaStore(replicas.Filesystem())
	if err != nil {
		return err
	}
	var nearline pool.Nearline
	if cfg.Nearline != "" {
		nearline = pool.NewFSNearline(osfs.New(cfg.Nearline))
	}

	auditLog, closeAudit, err := openAudit(cfg.Logging.AuditFile, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	tr := newTransport(cfg.Name, cfg.Transport, logger)
	var ns namespace.Service
	if cfg.Namespace != "" {
		ns = namespace.NewClient(tr, cfg.Namespace)
	}

	p, err := pool.New(pool.Config{
		Name:                cfg.Name,
		Logger:              logger,
		Store:               replicas,
		MetaStore:           meta,
		TotalSpace:          cfg.TotalSpace.Bytes(),
		Mode:                m,
		Transport:           tr,
		Managers:            cfg.Managers,
		Namespace:           ns,
		Nearline:            nearline,
		Metrics:             metrics.NewPoolMetrics(metrics.Registry, cfg.Name),
		Audit:               auditLog,
		Weights:             cfg.Weights,
		Movers:              cfg.Movers,
		AllocationTimeout:   config.MustDuration(cfg.Timers.AllocationTimeout),
		PublishInterval:     config.MustDuration(cfg.Timers.PublishInterval),
		SweepInterval:       config.MustDuration(cfg.Timers.SweepInterval),
		TransferIdleTimeout: config.MustDuration(cfg.Timers.TransferIdleTimeout),
		MetricsInterval:     config.MustDuration(cfg.Timers.MetricsInterval),
	})
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	if err := p.Start(); err != nil {
		return err
	}
	defer func() { _ = p.Stop() }()

	msgServer, err := serveTransport(cfg.Transport.Listen, tr, logger)
	if err != nil {
		return err
	}
	defer shutdown(msgServer)

	for _, spec := range cfg.Migrations {
		def, err := spec.Definition()
		if err != nil {
			return fmt.Errorf("boot migration: %w", err)
		}
		id, err := p.Migration().Start(def)
		if err != nil {
			return fmt.Errorf("boot migration: %w", err)
		}
		logger.Info().Str("job", id).Strs("targets", spec.Targets).Msg("Boot migration started")
	}

	adminSrv, err := startAdmin(cfg.Admin, admin.Config{Logger: logger, Audit: auditLog, Pool: p})
	if err != nil {
		return err
	}
	if adminSrv != nil {
		defer shutdownAdmin(adminSrv)
	}

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("total_space", cfg.TotalSpace.String()).
		Str("mode", p.Mode().String()).
		Msg("Pool running")
	<-ctx.Done()
	logger.Info().Msg("Shutting down pool")
	return nil
}

func runManagerNode(ctx context.Context, configPath string) error {
	cfg, err := config.LoadManagerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if applyLogLevel(cfg.Logging.Level) {
		log.Info().Str("level", cfg.Logging.Level).Msg("log level configured")
	}
	logger := log.Logger.With().Str("node", cfg.Name).Logger()

	auditLog, closeAudit, err := openAudit(cfg.Logging.AuditFile, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	tr := newTransport(cfg.Name, cfg.Transport, logger)
	m, err := poolmgr.New(poolmgr.Config{
		Name:        cfg.Name,
		Logger:      logger,
		Transport:   tr,
		Metrics:     metrics.NewManagerMetrics(metrics.Registry),
		Weights:     cfg.Weights,
		MaxAge:      config.MustDuration(cfg.MaxAge),
		ExpireAfter: config.MustDuration(cfg.ExpireAfter),
	})
	if err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}
	defer func() { _ = m.Stop() }()

	msgServer, err := serveTransport(cfg.Transport.Listen, tr, logger)
	if err != nil {
		return err
	}
	defer shutdown(msgServer)

	adminSrv, err := startAdmin(cfg.Admin, admin.Config{Logger: logger, Audit: auditLog, Manager: m})
	if err != nil {
		return err
	}
	if adminSrv != nil {
		defer shutdownAdmin(adminSrv)
	}

	logger.Info().Msg("Pool manager running")
	<-ctx.Done()
	logger.Info().Msg("Shutting down pool manager")
	return nil
}

func newTransport(name string, cfg config.TransportConfig, logger zerolog.Logger) *transport.HTTPTransport {
	return transport.NewHTTPTransport(transport.HTTPConfig{
		Name:      name,
		Logger:    logger,
		Timeout:   config.MustDuration(cfg.Timeout),
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	})
}

// serveTransport serves incoming node messages on listen.
func serveTransport(listen string, tr *transport.HTTPTransport, logger zerolog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle(transport.MessagePath, tr)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Transport server failed")
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("Transport listening")
	return srv, nil
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func startAdmin(cfg config.AdminConfig, acfg admin.Config) (*admin.Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	secret, err := config.LoadOrGenerateSecret(cfg.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("admin secret: %w", err)
	}
	acfg.Listen = cfg.Listen
	acfg.Auth = admin.NewTokenAuth(secret)
	srv := admin.NewServer(acfg)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("start admin server: %w", err)
	}
	return srv, nil
}

func shutdownAdmin(srv *admin.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Stop(ctx)
}

// openAudit returns the audit logger. Without a file, audit events go to
// the main logger.
func openAudit(path string, logger zerolog.Logger) (*audit.Logger, func(), error) {
	if path == "" {
		return audit.NewLogger(logger), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	l := audit.NewLogger(zerolog.New(f).With().Timestamp().Logger())
	return l, func() { _ = f.Close() }, nil
}
