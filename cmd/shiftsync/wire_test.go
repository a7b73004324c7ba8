package main

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftboard/shiftsync/internal/config"
	"github.com/shiftboard/shiftsync/internal/logging"
	"github.com/shiftboard/shiftsync/internal/relay"
	"github.com/shiftboard/shiftsync/internal/reset"
)

func init() {
	gin.SetMode(gin.TestMode)
	logger, _ = logging.New(logging.Options{Stderr: io.Discard})
}

func testConfig(t *testing.T, storeURL string) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	c, err := config.Load(config.New(""))
	require.NoError(t, err)
	c.Store.URL = storeURL
	c.Store.Stream = false
	c.Cache.Path = filepath.Join(t.TempDir(), "cache.db")
	c.Snapshot.Timezone = "UTC"
	return c
}

func TestParseDate(t *testing.T) {
	now := time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "2026-10-19"},
		{in: "2026-10-01", want: "2026-10-01"},
		{in: "yesterday", want: "2026-10-18"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDate(tt.in, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseDate("qwerty", now)
	assert.Error(t, err)
}

func TestResetFields(t *testing.T) {
	fields, err := resetFields([]config.ResetField{
		{Field: "completedTasks", Value: "[]"},
		{Field: "shiftNotes", Value: `""`},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(fields["completedTasks"]))
	assert.JSONEq(t, `""`, string(fields["shiftNotes"]))

	_, err = resetFields([]config.ResetField{{Field: "x", Value: "not json"}})
	assert.Error(t, err)
}

func TestEngineConfigMapsSettings(t *testing.T) {
	c := testConfig(t, "http://127.0.0.1:1")
	c.Sync.Debounce = 50 * time.Millisecond
	c.Queue.MaxSize = 7
	c.Presence.TTL = time.Minute
	c.Snapshot.CaptureAt = "22:00"

	ecfg, err := engineConfig(c, nil)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, ecfg.FieldSync.Debounce)
	assert.Equal(t, 7, ecfg.Queue.MaxSize)
	assert.Equal(t, time.Minute, ecfg.Presence.TTL)
	assert.Equal(t, "22:00", ecfg.Snapshot.CaptureAt)
	assert.Equal(t, time.UTC, ecfg.Reset.Location)
	assert.False(t, ecfg.UseStream)
	assert.Nil(t, ecfg.Ledger)
	assert.NotEmpty(t, ecfg.DisplayName)
}

func TestOpenDeviceAgainstRelay(t *testing.T) {
	rcfg := relay.DefaultConfig()
	server, err := relay.NewServer(rcfg)
	require.NoError(t, err)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	c := testConfig(t, srv.URL)
	c.Device.ID = "register-1"
	c.Device.DisplayName = "Front Register"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := openDevice(ctx, c)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, "register-1", d.engine.DeviceID())

	id, err := d.cache.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "register-1", id)

	outcome, err := d.engine.ResetNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, reset.Done, outcome)

	raw, err := d.store.Get(ctx, "sync/completedTasks/value")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))

	snap, err := d.engine.CaptureSnapshot(ctx, "manager")
	require.NoError(t, err)
	assert.True(t, snap.IsManual())

	keys, err := d.engine.Snapshots().List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{snap.Key()}, keys)
}
