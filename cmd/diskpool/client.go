package main

import (
	"fmt"
	"os"
	"time"

	"github.com/diskpool/diskpool/internal/admin"
	"github.com/diskpool/diskpool/internal/config"
)

const cliTokenTTL = 5 * time.Minute

var (
	adminAddr  string
	adminToken string
)

func poolClient() (*admin.Client, error) {
	return newAdminClient(func() (config.AdminConfig, error) {
		cfg, err := config.LoadPoolConfig(cfgFile)
		if err != nil {
			return config.AdminConfig{}, err
		}
		return cfg.Admin, nil
	})
}

func managerClient() (*admin.Client, error) {
	return newAdminClient(func() (config.AdminConfig, error) {
		cfg, err := config.LoadManagerConfig(cfgFile)
		if err != nil {
			return config.AdminConfig{}, err
		}
		return cfg.Admin, nil
	})
}

// newAdminClient resolves the admin address and token from flags, the
// DISKPOOL_TOKEN environment variable or, failing those, the node's
// config file, in which case a short-lived token is signed with the
// admin secret.
func newAdminClient(load func() (config.AdminConfig, error)) (*admin.Client, error) {
	addr, token := adminAddr, adminToken
	if token == "" {
		token = os.Getenv("DISKPOOL_TOKEN")
	}
	if cfgFile != "" && (addr == "" || token == "") {
		acfg, err := load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if addr == "" {
			addr = acfg.Listen
		}
		if token == "" {
			token, err = issueToken(acfg.SecretFile, cliSubject(), cliTokenTTL)
			if err != nil {
				return nil, err
			}
		}
	}
	if addr == "" {
		return nil, fmt.Errorf("admin address required (--admin or --config)")
	}
	if token == "" {
		return nil, fmt.Errorf("admin token required (--token, DISKPOOL_TOKEN or --config)")
	}
	return admin.NewClient(addr, token), nil
}

func issueToken(secretFile, subject string, ttl time.Duration) (string, error) {
	secret, err := config.LoadSecret(secretFile)
	if err != nil {
		return "", fmt.Errorf("load admin secret: %w", err)
	}
	return admin.NewTokenAuth(secret).Issue(subject, ttl)
}

func cliSubject() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
