package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftboard/shiftsync/internal/localcache"
	"github.com/shiftboard/shiftsync/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startRelay(t *testing.T, cfg *Config) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Stop()
		srv.Close()
	})
	return s, srv
}

func newTestClient(t *testing.T, baseURL, token string) *store.HTTPStore {
	t.Helper()
	cfg := store.DefaultHTTPConfig(baseURL)
	cfg.AuthToken = token
	hs, err := store.NewHTTPStore(cfg)
	require.NoError(t, err)
	return hs
}

func TestRelayRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, srv := startRelay(t, nil)
	hs := newTestClient(t, srv.URL, "")

	got, err := hs.Get(ctx, "sync/completedTasks")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, hs.Put(ctx, "sync/completedTasks", json.RawMessage(`{"value":[1,2]}`)))
	got, err = hs.Get(ctx, "sync/completedTasks/value")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(got))

	parent, err := hs.Get(ctx, "sync")
	require.NoError(t, err)
	assert.JSONEq(t, `{"completedTasks":{"value":[1,2]}}`, string(parent))

	require.NoError(t, hs.Delete(ctx, "sync/completedTasks"))
	got, err = hs.Get(ctx, "sync")
	require.NoError(t, err)
	assert.Nil(t, got, "empty parents are pruned")
}

func TestRelayConditionalPut(t *testing.T) {
	ctx := context.Background()
	_, srv := startRelay(t, nil)
	a := newTestClient(t, srv.URL, "")
	b := newTestClient(t, srv.URL, "")

	_, etag, err := a.GetVersioned(ctx, "locks/daily-reset")
	require.NoError(t, err)
	_, etagB, err := b.GetVersioned(ctx, "locks/daily-reset")
	require.NoError(t, err)
	assert.Equal(t, etag, etagB)

	require.NoError(t, a.PutIfMatch(ctx, "locks/daily-reset", json.RawMessage(`{"ownerDeviceId":"a"}`), etag))
	err = b.PutIfMatch(ctx, "locks/daily-reset", json.RawMessage(`{"ownerDeviceId":"b"}`), etagB)
	assert.ErrorIs(t, err, store.ErrPreconditionFailed)

	raw, etag, err := b.GetVersioned(ctx, "locks/daily-reset")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ownerDeviceId":"a"}`, string(raw))
	assert.Equal(t, store.ETagOf(raw), etag)
}

func TestRelayRequiresToken(t *testing.T) {
	ctx := context.Background()
	_, srv := startRelay(t, &Config{AuthToken: "s3cret"})

	_, err := newTestClient(t, srv.URL, "wrong").Get(ctx, "sync")
	var se *store.StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.False(t, store.IsTransient(err))

	_, err = newTestClient(t, srv.URL, "s3cret").Get(ctx, "sync")
	assert.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/sync.json", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRelayRejectsIncompatibleClient(t *testing.T) {
	_, srv := startRelay(t, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/sync.json", nil)
	req.Header.Set(store.HeaderClientVersion, "v2.0.0")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestRelayRejectsBadRequests(t *testing.T) {
	_, srv := startRelay(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "no json suffix", method: http.MethodGet, path: "/sync", want: http.StatusNotFound},
		{name: "invalid body", method: http.MethodPut, path: "/sync/x.json", body: `{broken`, want: http.StatusBadRequest},
		{name: "bad segment", method: http.MethodGet, path: "/sync/a$b.json", want: http.StatusBadRequest},
		{name: "unsupported method", method: http.MethodPatch, path: "/sync.json", body: `{}`, want: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestRelayStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, srv := startRelay(t, nil)
	writer := newTestClient(t, srv.URL, "")

	require.NoError(t, writer.Put(ctx, "sync/moods", json.RawMessage(`{"value":{"a":"calm"}}`)))

	events, err := newTestClient(t, srv.URL, "").Watch(ctx, "sync")
	require.NoError(t, err)

	next := func() store.Event {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stream event")
			return store.Event{}
		}
	}

	initial := next()
	assert.Equal(t, "sync", initial.Path)
	assert.JSONEq(t, `{"moods":{"value":{"a":"calm"}}}`, string(initial.Value))

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, writer.Put(ctx, "presence/till-1", json.RawMessage(`{"id":"till-1"}`)))
	require.NoError(t, writer.Put(ctx, "sync/completedTasks", json.RawMessage(`{"value":[7]}`)))

	ev := next()
	assert.Equal(t, "sync/completedTasks", ev.Path, "presence writes are filtered out")
	assert.JSONEq(t, `{"value":[7]}`, string(ev.Value))

	require.NoError(t, writer.Delete(ctx, "sync/moods"))
	ev = next()
	assert.Equal(t, "sync/moods", ev.Path)
	assert.Nil(t, ev.Value)
}

func TestRelayPersistence(t *testing.T) {
	ctx := context.Background()
	cache, err := localcache.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer cache.Close()

	first, err := NewServer(&Config{Persistence: cache})
	require.NoError(t, err)
	srv := httptest.NewServer(first.Handler())
	hs := newTestClient(t, srv.URL, "")
	require.NoError(t, hs.Put(ctx, "sync/settings", json.RawMessage(`{"value":{"theme":"dark"}}`)))
	require.NoError(t, hs.Put(ctx, "presence/till-1", json.RawMessage(`{"id":"till-1"}`)))
	require.NoError(t, hs.Delete(ctx, "presence/till-1"))
	srv.Close()
	require.NoError(t, first.Stop())

	docs, err := cache.Documents(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	_, srv2 := startRelay(t, &Config{Persistence: cache})
	got, err := newTestClient(t, srv2.URL, "").Get(ctx, "sync/settings/value/theme")
	require.NoError(t, err)
	assert.JSONEq(t, `"dark"`, string(got))
}

func TestRelayHealth(t *testing.T) {
	_, srv := startRelay(t, nil)
	resp, err := http.Get(srv.URL + "/.health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["clients"])
}
