package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMemStorePutIfMatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	_, etag, err := m.GetVersioned(ctx, "locks/reset")
	if err != nil {
		t.Fatalf("GetVersioned failed: %v", err)
	}

	if err := m.PutIfMatch(ctx, "locks/reset", json.RawMessage(`{"owner":"a"}`), etag); err != nil {
		t.Fatalf("first conditional put failed: %v", err)
	}
	err = m.PutIfMatch(ctx, "locks/reset", json.RawMessage(`{"owner":"b"}`), etag)
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("second conditional put with stale etag: got %v, want ErrPreconditionFailed", err)
	}

	got, _ := m.Get(ctx, "locks/reset")
	if string(got) != `{"owner":"a"}` {
		t.Errorf("value = %s, want owner a", got)
	}
}

func TestMemStoreWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemStore()

	events, err := m.Watch(ctx, "sync")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	_ = m.Put(ctx, "presence/dev-1", json.RawMessage(`{"id":"dev-1"}`))
	_ = m.Put(ctx, "sync/completedTasks", json.RawMessage(`{"value":[1]}`))

	select {
	case ev := <-events:
		if ev.Path != "sync/completedTasks" {
			t.Errorf("event path = %q, want sync/completedTasks", ev.Path)
		}
		if string(ev.Value) != `{"value":[1]}` {
			t.Errorf("event value = %s", ev.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected no further events before close")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestMemClientOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemStore()
	a := m.Client()
	b := m.Client()

	events, err := b.Watch(ctx, "sync")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	b.SetOffline(true)
	if _, err := b.Get(ctx, "sync"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("offline Get error = %v, want ErrUnavailable", err)
	}
	if !IsTransient(ErrUnavailable) {
		t.Error("ErrUnavailable must be transient")
	}

	if err := a.Put(ctx, "sync/x", json.RawMessage(`1`)); err != nil {
		t.Fatalf("online client Put failed: %v", err)
	}
	select {
	case ev := <-events:
		t.Errorf("offline client received event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	b.SetOffline(false)
	got, err := b.Get(ctx, "sync/x")
	if err != nil || string(got) != "1" {
		t.Errorf("Get after reconnect = %s, %v", got, err)
	}
}
