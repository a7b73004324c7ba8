package store

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestTreeSetGet(t *testing.T) {
	tree := NewTree()

	if err := tree.Set("presence/dev-1", json.RawMessage(`{"id":"dev-1","lastSeenAt":10}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := tree.Set("presence/dev-2", json.RawMessage(`{"id":"dev-2","lastSeenAt":20}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "leaf", path: "presence/dev-1/id", want: `"dev-1"`},
		{name: "document", path: "presence/dev-2", want: `{"id":"dev-2","lastSeenAt":20}`},
		{name: "parent", path: "presence", want: `{"dev-1":{"id":"dev-1","lastSeenAt":10},"dev-2":{"id":"dev-2","lastSeenAt":20}}`},
		{name: "json suffix", path: "/presence/dev-1.json", want: `{"id":"dev-1","lastSeenAt":10}`},
		{name: "missing", path: "presence/dev-3", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tree.Get(tt.path)
			if err != nil {
				t.Fatalf("Get(%q) failed: %v", tt.path, err)
			}
			if string(got) != tt.want {
				t.Errorf("Get(%q) = %s, want %s", tt.path, got, tt.want)
			}
		})
	}
}

func TestTreeNullDeletesAndPrunes(t *testing.T) {
	tree := NewTree()
	if err := tree.Set("locks/daily-reset/2026-10-19", json.RawMessage(`{"owner":"a"}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := tree.Set("locks/daily-reset/2026-10-19", json.RawMessage(`null`)); err != nil {
		t.Fatalf("Set null failed: %v", err)
	}

	got, err := tree.Get("locks")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected empty parents to be pruned, got %s", got)
	}
	if keys := tree.Keys(); len(keys) != 0 {
		t.Errorf("expected no top-level keys, got %v", keys)
	}
}

func TestTreeOverwriteSubtree(t *testing.T) {
	tree := NewTree()
	_ = tree.Set("sync/completedTasks", json.RawMessage(`{"value":[1,2]}`))
	_ = tree.Set("sync", json.RawMessage(`{"employees":{"value":[]}}`))

	got, _ := tree.Get("sync/completedTasks")
	if got != nil {
		t.Errorf("writing a parent must replace the subtree, still found %s", got)
	}
}

func TestTreeETag(t *testing.T) {
	tree := NewTree()
	empty, err := tree.ETag("locks/a")
	if err != nil {
		t.Fatalf("ETag failed: %v", err)
	}
	if empty != ETagOf(nil) {
		t.Errorf("absent value should hash like null")
	}

	_ = tree.Set("locks/a", json.RawMessage(`{"owner":"x"}`))
	after, _ := tree.ETag("locks/a")
	if after == empty {
		t.Error("ETag should change after a write")
	}
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "/a/b/", want: "a/b"},
		{in: "a/b.json", want: "a/b"},
		{in: "", want: ""},
		{in: "a//b", wantErr: true},
		{in: "a/../b", wantErr: true},
		{in: "a/$b", wantErr: true},
	}
	for _, tt := range tests {
		got, err := CleanPath(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPath) {
				t.Errorf("CleanPath(%q) error = %v, want ErrInvalidPath", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("CleanPath(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}
