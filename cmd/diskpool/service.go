package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/diskpool/diskpool/internal/svc"
)

var (
	serviceMode       string
	serviceConfigPath string
	serviceName       string
	serviceUser       string
	forceInstall      bool
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage diskpool system services",
		Long: `Install, control, and manage diskpool nodes as system services.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo diskpool service install --mode pool --config /etc/diskpool/pool.yaml
  sudo diskpool service install --mode manager --config /etc/diskpool/manager.yaml
  sudo diskpool service start --mode pool
  sudo diskpool service status --mode pool`,
	}
	serviceCmd.PersistentFlags().StringVar(&serviceMode, "mode", svc.ModePool, "node type: pool or manager")
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default: diskpool-<mode>)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install a node as a system service",
		Long: `Install a node as a system service that starts automatically at boot.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceConfigPath, "service-config", "", "config file the service runs with (default: /etc/diskpool/<mode>.yaml)")
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the system service",
		RunE:  runServiceUninstall,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceControl(action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE:  runServiceStatus,
	})
	return serviceCmd
}

func getServiceConfig() (*svc.ServiceConfig, error) {
	if serviceMode != svc.ModePool && serviceMode != svc.ModeManager {
		return nil, fmt.Errorf("invalid mode %q: must be %q or %q", serviceMode, svc.ModePool, svc.ModeManager)
	}
	cfg := svc.DefaultServiceConfig(serviceMode)
	if serviceName != "" {
		cfg.Name = serviceName
	}
	switch {
	case serviceConfigPath != "":
		cfg.ConfigPath = serviceConfigPath
	case cfgFile != "":
		cfg.ConfigPath = cfgFile
	}
	cfg.UserName = serviceUser
	return cfg, nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg, err := getServiceConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
	}

	log.Info().
		Str("name", cfg.Name).
		Str("mode", cfg.Mode).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	fmt.Printf("Service %q installed successfully.\n", cfg.Name)
	fmt.Printf("\nTo start the service:\n")
	fmt.Printf("  diskpool service start --mode %s --name %s\n", cfg.Mode, cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg, err := getServiceConfig()
	if err != nil {
		return err
	}

	log.Info().Str("name", cfg.Name).Msg("uninstalling service")
	if err := svc.Uninstall(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q uninstalled successfully.\n", cfg.Name)
	return nil
}

func runServiceControl(action string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg, err := getServiceConfig()
	if err != nil {
		return err
	}

	log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")
	if err := svc.Control(cfg, action); err != nil {
		return err
	}
	fmt.Printf("Service %q: %s done.\n", cfg.Name, action)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := getServiceConfig()
	if err != nil {
		return err
	}
	status, err := svc.Status(cfg)
	if err != nil {
		fmt.Printf("Service: %s\n", cfg.Name)
		fmt.Printf("Status:  not installed or unknown\n")
		fmt.Printf("Error:   %v\n", err)
		return nil
	}

	fmt.Printf("Service: %s\n", cfg.Name)
	fmt.Printf("Status:  %s\n", svc.StatusString(status))
	fmt.Printf("Mode:    %s\n", cfg.Mode)
	fmt.Printf("Config:  %s\n", cfg.ConfigPath)
	return nil
}
