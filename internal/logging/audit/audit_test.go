package audit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogAuth(t *testing.T) {
	tests := []struct {
		name      string
		result    string
		wantLevel string
	}{
		{"allowed", "allowed", "info"},
		{"denied", "denied", "warn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(zerolog.New(&buf)).LogAuth("admin", "bearer", tt.result, "", "10.0.0.1")

			entry := decode(t, &buf)
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "auth", entry["event_type"])
			assert.Equal(t, "admin", entry["subject"])
			assert.Equal(t, "10.0.0.1", entry["source_ip"])
		})
	}
}

func TestLogModeChange(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogModeChange("admin", "pool-a", "enabled", "disabled(strict)")

	entry := decode(t, &buf)
	assert.Equal(t, "mode_change", entry["event_type"])
	assert.Equal(t, "pool-a", entry["pool"])
	assert.Equal(t, "disabled(strict)", entry["new_mode"])
}

func TestLogSpaceChange(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogSpaceChange("admin", "pool-a", 100, 200)

	entry := decode(t, &buf)
	assert.Equal(t, "space_change", entry["event_type"])
	assert.Equal(t, float64(200), entry["new_total"])
}

func TestLogSticky_OmitsEmptyDetails(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogSticky("admin", "pool-a", "0001", "pin", "add", "")

	entry := decode(t, &buf)
	assert.Equal(t, "sticky", entry["event_type"])
	assert.Equal(t, "pin", entry["owner"])
	_, ok := entry["details"]
	assert.False(t, ok)
}

func TestLogMigration(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogMigration("admin", "pool-a", "job-1", "cancel", "forced")

	entry := decode(t, &buf)
	assert.Equal(t, "migration", entry["event_type"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.Equal(t, "forced", entry["details"])
}

func TestLogIntegrity(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogIntegrity("pool-a", "0001", "checksum mismatch")

	entry := decode(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "integrity", entry["event_type"])
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() { Nop().LogPoolDead("pool-a", "disk gone") })
}
