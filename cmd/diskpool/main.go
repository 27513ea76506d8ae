// diskpool runs storage pool and pool manager nodes and administers them.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/diskpool/diskpool/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	// The service manager starts us as "diskpool --service-run <mode> --config <path>".
	if len(os.Args) > 2 && os.Args[1] == "--service-run" {
		runAsService(os.Args[2:])
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "diskpool",
		Short: "diskpool - distributed disk cache pools",
		Long: `diskpool runs the storage pools of a distributed disk cache and the
pool managers that pick pools for new data.

QUICK START:

  # Run a pool manager and a pool:
  diskpool manager --config /etc/diskpool/manager.yaml
  diskpool pool --config /etc/diskpool/pool.yaml

  # Administer the pool (a token is issued from the admin secret):
  diskpool info --config /etc/diskpool/pool.yaml
  diskpool migration copy --config /etc/diskpool/pool.yaml --target pool2:7070

For more help on any command, use: diskpool <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(newPoolCmd())
	rootCmd.AddCommand(newManagerCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newModeCmd())
	rootCmd.AddCommand(newSpaceCmd())
	rootCmd.AddCommand(newReplicaCmd())
	rootCmd.AddCommand(newStickyCmd())
	rootCmd.AddCommand(newMigrationCmd())
	rootCmd.AddCommand(newPoolsCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("diskpool %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	})
	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// applyLogLevel overrides the level from a config file. It reports
// whether the level was valid.
func applyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("invalid log level in config, keeping current level")
		return false
	}
	zerolog.SetGlobalLevel(l)
	return true
}

// setupServiceLogging logs to a file as well as stderr, since service
// managers may not capture stderr.
func setupServiceLogging(mode string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logPath := "/var/log/diskpool-" + mode + ".log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}
	multi := io.MultiWriter(logFile, os.Stderr)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339})
}

// runners are the node entry points by service mode.
var runners = map[string]svc.RunFunc{
	svc.ModePool:    runPoolNode,
	svc.ModeManager: runManagerNode,
}

func runAsService(args []string) {
	mode := args[0]
	setupServiceLogging(mode)

	var configPath string
	for i, arg := range args {
		if (arg == "--config" || arg == "-c") && i+1 < len(args) {
			configPath = args[i+1]
		}
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath(mode)
	}

	log.Info().
		Str("mode", mode).
		Str("config", configPath).
		Str("version", Version).
		Msg("starting as service")

	cfg := svc.DefaultServiceConfig(mode)
	cfg.ConfigPath = configPath
	prg := &svc.Program{
		Mode:       mode,
		ConfigPath: configPath,
		Run:        runners,
	}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

// runUntilSignal runs a node until SIGINT or SIGTERM.
func runUntilSignal(run svc.RunFunc) error {
	if cfgFile == "" {
		return fmt.Errorf("config file required (--config)")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, cfgFile)
}
