package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskpool/diskpool/testutil"
)

func TestLoadOrGenerateSecret(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "keys", "admin.key")

	first, err := LoadOrGenerateSecret(path)
	require.NoError(t, err)
	assert.Len(t, first, secretSize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := LoadOrGenerateSecret(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadSecret_Invalid(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	_, err := LoadSecret(testutil.TempFile(t, dir, "bad.key", "not base64!"))
	assert.Error(t, err)

	_, err = LoadSecret(testutil.TempFile(t, dir, "short.key", "c2hvcnQ=\n"))
	assert.Error(t, err)

	_, err = LoadSecret(filepath.Join(dir, "missing.key"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
