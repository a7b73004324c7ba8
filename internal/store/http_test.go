package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeBackend emulates the REST surface of the backing store on top of a Tree.
type fakeBackend struct {
	mu       sync.Mutex
	tree     *Tree
	failNext int
	lastAuth string
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastAuth = r.URL.Query().Get("auth")
	if f.failNext > 0 {
		f.failNext--
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
		return
	}

	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json")
	switch r.Method {
	case http.MethodGet:
		raw, _ := f.tree.Get(path)
		if raw == nil {
			raw = json.RawMessage("null")
		}
		if r.Header.Get(HeaderETagRequest) == "true" {
			w.Header().Set("ETag", ETagOf(raw))
		}
		_, _ = w.Write(raw)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if match := r.Header.Get("if-match"); match != "" {
			current, _ := f.tree.ETag(path)
			if current != match {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
		}
		if err := f.tree.Set(path, body); err != nil {
			http.Error(w, `{"error":"bad value"}`, http.StatusBadRequest)
			return
		}
		_, _ = w.Write(body)
	case http.MethodDelete:
		_ = f.tree.Delete(path)
		_, _ = w.Write([]byte("null"))
	}
}

func newTestHTTPStore(t *testing.T, backend http.Handler, token string) *HTTPStore {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	cfg := DefaultHTTPConfig(srv.URL)
	cfg.AuthToken = token
	s, err := NewHTTPStore(cfg)
	if err != nil {
		t.Fatalf("NewHTTPStore failed: %v", err)
	}
	return s
}

func TestNewHTTPStoreMisconfigured(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "empty", url: ""},
		{name: "no scheme", url: "example.com"},
		{name: "bad scheme", url: "ftp://example.com"},
		{name: "no host", url: "https://"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPStore(HTTPConfig{BaseURL: tt.url})
			if !errors.Is(err, ErrMisconfigured) {
				t.Errorf("NewHTTPStore(%q) error = %v, want ErrMisconfigured", tt.url, err)
			}
		})
	}
}

func TestHTTPStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{tree: NewTree()}
	s := newTestHTTPStore(t, backend, "secret")

	got, err := s.Get(ctx, "sync/completedTasks")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("absent value should be nil, got %s", got)
	}

	if err := s.Put(ctx, "sync/completedTasks", json.RawMessage(`{"value":[1,2]}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if backend.lastAuth != "secret" {
		t.Errorf("auth token not sent, got %q", backend.lastAuth)
	}

	got, err = s.Get(ctx, "sync/completedTasks/value")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `[1,2]` {
		t.Errorf("Get = %s, want [1,2]", got)
	}

	if err := s.Delete(ctx, "sync/completedTasks"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, _ = s.Get(ctx, "sync/completedTasks")
	if got != nil {
		t.Errorf("value after delete = %s", got)
	}
}

func TestHTTPStoreConditionalPut(t *testing.T) {
	ctx := context.Background()
	s := newTestHTTPStore(t, &fakeBackend{tree: NewTree()}, "")

	_, etag, err := s.GetVersioned(ctx, "locks/daily")
	if err != nil {
		t.Fatalf("GetVersioned failed: %v", err)
	}
	if err := s.PutIfMatch(ctx, "locks/daily", json.RawMessage(`{"owner":"a"}`), etag); err != nil {
		t.Fatalf("PutIfMatch failed: %v", err)
	}
	err = s.PutIfMatch(ctx, "locks/daily", json.RawMessage(`{"owner":"b"}`), etag)
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("stale PutIfMatch error = %v, want ErrPreconditionFailed", err)
	}
}

func TestHTTPStoreTransientErrors(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{tree: NewTree(), failNext: 1}
	s := newTestHTTPStore(t, backend, "")

	_, err := s.Get(ctx, "presence")
	if !IsTransient(err) {
		t.Fatalf("503 should be transient, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable || se.Body != "overloaded" {
		t.Errorf("expected StatusError 503 overloaded, got %#v", se)
	}

	if _, err := s.Get(ctx, "presence"); err != nil {
		t.Errorf("second Get should succeed, got %v", err)
	}

	dead, err := NewHTTPStore(HTTPConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewHTTPStore failed: %v", err)
	}
	if _, err := dead.Get(ctx, "presence"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("connection refused error = %v, want ErrUnavailable", err)
	}
}

func TestHTTPStoreRejectsInvalidPayload(t *testing.T) {
	s := newTestHTTPStore(t, &fakeBackend{tree: NewTree()}, "")
	if err := s.Put(context.Background(), "sync/x", json.RawMessage(`{broken`)); err == nil {
		t.Error("expected invalid JSON to be rejected before sending")
	}
}

func TestHTTPStoreWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc(StreamPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("prefix") != "sync" {
			http.Error(w, "bad prefix", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		msg := []byte(`{"path":"/sync/completedTasks","value":{"value":[3]}}`)
		_ = conn.Write(r.Context(), websocket.MessageText, msg)
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	states := make(chan bool, 4)
	cfg := DefaultHTTPConfig(srv.URL)
	cfg.OnStreamState = func(connected bool) { states <- connected }
	s, err := NewHTTPStore(cfg)
	if err != nil {
		t.Fatalf("NewHTTPStore failed: %v", err)
	}

	events, err := s.Watch(ctx, "sync")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Path != "sync/completedTasks" {
			t.Errorf("path = %q, want sync/completedTasks", ev.Path)
		}
		if string(ev.Value) != `{"value":[3]}` {
			t.Errorf("value = %s", ev.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream event")
	}

	select {
	case connected := <-states:
		if !connected {
			t.Error("first stream state should be connected")
		}
	case <-time.After(time.Second):
		t.Fatal("stream state callback not invoked")
	}
}
