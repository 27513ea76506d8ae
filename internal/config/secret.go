package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// secretSize is the length of generated admin signing keys.
const secretSize = 32

// GenerateSecret creates a random signing key and saves it base64
// encoded to path, readable only by the owner.
func GenerateSecret(path string) ([]byte, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create secret directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(secret) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("write secret: %w", err)
	}
	return secret, nil
}

// LoadSecret reads a signing key written by GenerateSecret.
func LoadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", path, err)
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("secret %s is too short (%d bytes)", path, len(secret))
	}
	return secret, nil
}

// LoadOrGenerateSecret loads the key at path, creating it on first use.
func LoadOrGenerateSecret(path string) ([]byte, error) {
	secret, err := LoadSecret(path)
	if errors.Is(err, os.ErrNotExist) {
		return GenerateSecret(path)
	}
	return secret, err
}
