// Package store provides the remote store adapter used by every shiftsync component.
//
// The backing store is a schemaless JSON key-value tree reachable over HTTP:
//
//	GET    /{path}.json   read the value at path (null when absent)
//	PUT    /{path}.json   replace the value at path
//	DELETE /{path}.json   remove the value at path
//
// plus an optional long-lived change stream delivering {path, value} events.
// The adapter carries no business logic. Components depend on the Store interface
// and probe for the optional ConditionalStore and Watcher capabilities.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrMisconfigured is returned at construction time when the adapter cannot work
	// at all (missing endpoint, bad URL). It is the only fatal store error.
	ErrMisconfigured = errors.New("store misconfigured")

	// ErrUnavailable marks a transient failure: network error, timeout, 5xx.
	// Callers retry on the next timer tick or reconnect.
	ErrUnavailable = errors.New("store unavailable")

	// ErrPreconditionFailed is returned by PutIfMatch when the stored value changed
	// since the ETag was read.
	ErrPreconditionFailed = errors.New("store precondition failed")

	// ErrInvalidPath is returned for empty or malformed paths.
	ErrInvalidPath = errors.New("invalid store path")
)

// Store is the minimal contract the engine needs from the backing store.
// Get returns a nil value (and no error) when nothing is stored at path.
type Store interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Put(ctx context.Context, path string, value json.RawMessage) error
	Delete(ctx context.Context, path string) error
}

// ConditionalStore is implemented by stores that support optimistic concurrency
// tokens. The ETag identifies the value at path; PutIfMatch fails with
// ErrPreconditionFailed when the value changed in between.
type ConditionalStore interface {
	Store
	GetVersioned(ctx context.Context, path string) (json.RawMessage, string, error)
	PutIfMatch(ctx context.Context, path string, value json.RawMessage, etag string) error
}

// Event is a change notification for a single path.
type Event struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// Watcher is implemented by stores that can push change notifications.
// The returned channel is closed when ctx is cancelled.
type Watcher interface {
	Watch(ctx context.Context, prefix string) (<-chan Event, error)
}

// IsTransient reports whether err should be retried later rather than surfaced.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == 429
	}
	return false
}

// CleanPath normalises a store path: no leading/trailing slashes, no ".json"
// suffix, no empty segments.
func CleanPath(path string) (string, error) {
	p := strings.Trim(strings.TrimSpace(path), "/")
	p = strings.TrimSuffix(p, ".json")
	if p == "" {
		return "", nil
	}
	parts := strings.Split(p, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return "", ErrInvalidPath
		}
		if strings.ContainsAny(part, "#$[]") {
			return "", ErrInvalidPath
		}
	}
	return strings.Join(parts, "/"), nil
}

// Join builds a store path from segments.
func Join(segments ...string) string {
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "/")
}

// HasPrefix reports whether path equals prefix or lies beneath it.
// An empty prefix matches everything.
func HasPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// IsNull reports whether raw is empty or the JSON literal null.
func IsNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
