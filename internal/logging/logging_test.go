package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelHotSwap(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "warn", Stderr: &buf})
	require.NoError(t, err)

	child := l.With("component", "fieldsync")
	child.Info("hidden")
	assert.Empty(t, buf.String())

	require.NoError(t, l.SetLevel("debug"))
	assert.Equal(t, slog.LevelDebug, l.Level())
	child.Debug("shown", "field", "completedTasks")
	assert.Contains(t, buf.String(), "msg=shown")
	assert.Contains(t, buf.String(), "component=fieldsync")

	assert.Error(t, l.SetLevel("loud"))
	assert.Equal(t, slog.LevelDebug, l.Level())
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Format: "json", Stderr: &buf})
	require.NoError(t, err)

	l.Info("snapshot persisted", "key", "2026-10-19")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "snapshot persisted", rec["msg"])
	assert.Equal(t, "2026-10-19", rec["key"])
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiftsync.log")
	l, err := New(Options{File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	l.Warn("queue full", "size", 500)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "queue full"))
}

func TestBadOptions(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	assert.Error(t, err)
	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}
