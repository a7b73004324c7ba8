package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(New(""))
	require.NoError(t, err)

	assert.Equal(t, "sync", cfg.Sync.Prefix)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.Debounce)
	assert.Contains(t, cfg.Sync.Fields, "employees")
	assert.Equal(t, 2*time.Minute, cfg.Presence.TTL)
	assert.Equal(t, time.Minute, cfg.Presence.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, cfg.Reset.LockTTL)
	assert.Equal(t, "23:59", cfg.Snapshot.CaptureAt)
	assert.Equal(t, 500, cfg.Queue.MaxSize)
	assert.True(t, cfg.Store.Stream)
	require.Len(t, cfg.Reset.Fields, 1)
	assert.Equal(t, ResetField{Field: "completedTasks", Value: "[]"}, cfg.Reset.Fields[0])
	assert.Empty(t, cfg.Conflicts)
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shiftsync.yaml")
	body := `
device:
  display_name: Front Register
store:
  url: https://pos.example.com
  timeout: 3s
snapshot:
  capture_at: "22:30"
  timezone: UTC
conflicts:
  - field: checklistItems
    strategy: array-by-id:newest
  - field: staffNotes
    strategy: newest-wins
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("SHIFTSYNC_STORE_URL", "https://override.example.com")

	cfg, err := Load(New(path))
	require.NoError(t, err)

	assert.Equal(t, "Front Register", cfg.Device.DisplayName)
	assert.Equal(t, "https://override.example.com", cfg.Store.URL)
	assert.Equal(t, 3*time.Second, cfg.Store.Timeout)
	assert.Equal(t, "22:30", cfg.Snapshot.CaptureAt)
	require.Len(t, cfg.Conflicts, 2)
	assert.Equal(t, "checklistItems", cfg.Conflicts[0].Field)
	assert.Equal(t, "array-by-id:newest", cfg.Conflicts[0].Strategy)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "capture time", body: "snapshot:\n  capture_at: \"25:99\"\n"},
		{name: "timezone", body: "snapshot:\n  timezone: Mars/Olympus\n"},
		{name: "log format", body: "log:\n  format: xml\n"},
		{name: "conflict strategy", body: "conflicts:\n  - field: x\n    strategy: coin-flip\n"},
		{name: "reset field", body: "reset:\n  fields:\n    - value: \"[]\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "shiftsync.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := Load(New(path))
			assert.Error(t, err)
		})
	}
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(New(filepath.Join(t.TempDir(), "nope.yaml")))
	assert.Error(t, err)
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	for _, ext := range []string{".yaml", ".toml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "conf", "shiftsync"+ext)
			require.NoError(t, WriteDefault(path, false))

			cfg, err := Load(New(path))
			require.NoError(t, err)
			assert.Equal(t, "http://127.0.0.1:8787", cfg.Store.URL)
			assert.Equal(t, 10*time.Second, cfg.Sync.ReconnectInterval)
			require.Len(t, cfg.Reset.Fields, 1)
			assert.Equal(t, "completedTasks", cfg.Reset.Fields[0].Field)

			assert.Error(t, WriteDefault(path, false), "existing file must not be overwritten")
			assert.NoError(t, WriteDefault(path, true))
		})
	}
}

func TestEncodeUnsupported(t *testing.T) {
	_, err := Encode(DefaultSettings(), ".ini")
	assert.Error(t, err)
}
