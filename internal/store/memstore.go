package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemStore is an in-process Store backed by a Tree. It implements
// ConditionalStore and Watcher, and can simulate losing connectivity, which makes
// it the shared "remote" for multi-device tests and local simulations.
//
// Each MemStore is one backing store; several devices share it through Client
// views that can go offline independently.
type MemStore struct {
	mu       sync.Mutex
	tree     *Tree
	watchers map[int]*memWatch
	nextID   int
	offline  bool
}

type memWatch struct {
	prefix string
	ch     chan Event
	client *MemClient
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tree:     NewTree(),
		watchers: make(map[int]*memWatch),
	}
}

// SetOffline makes every call fail with ErrUnavailable until cleared.
func (m *MemStore) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// Get implements Store.
func (m *MemStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	raw, _, err := m.get(ctx, nil, path)
	return raw, err
}

// GetVersioned implements ConditionalStore.
func (m *MemStore) GetVersioned(ctx context.Context, path string) (json.RawMessage, string, error) {
	return m.get(ctx, nil, path)
}

// Put implements Store.
func (m *MemStore) Put(ctx context.Context, path string, value json.RawMessage) error {
	return m.put(ctx, nil, path, value, nil)
}

// PutIfMatch implements ConditionalStore.
func (m *MemStore) PutIfMatch(ctx context.Context, path string, value json.RawMessage, etag string) error {
	return m.put(ctx, nil, path, value, &etag)
}

// Delete implements Store.
func (m *MemStore) Delete(ctx context.Context, path string) error {
	return m.put(ctx, nil, path, nil, nil)
}

// Watch implements Watcher.
func (m *MemStore) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	return m.watch(ctx, nil, prefix)
}

// Client returns a view of the store with its own connectivity switch, standing
// in for one device's network link.
func (m *MemStore) Client() *MemClient {
	return &MemClient{store: m}
}

func (m *MemStore) get(ctx context.Context, c *MemClient, path string) (json.RawMessage, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable(c) {
		return nil, "", ErrUnavailable
	}
	raw, err := m.tree.Get(path)
	if err != nil {
		return nil, "", err
	}
	return raw, ETagOf(raw), nil
}

func (m *MemStore) put(ctx context.Context, c *MemClient, path string, value json.RawMessage, etag *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.unreachable(c) {
		m.mu.Unlock()
		return ErrUnavailable
	}
	if etag != nil {
		current, err := m.tree.ETag(path)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		if current != *etag {
			m.mu.Unlock()
			return ErrPreconditionFailed
		}
	}
	if err := m.tree.Set(path, value); err != nil {
		m.mu.Unlock()
		return err
	}
	clean, _ := CleanPath(path)
	stored, _ := m.tree.Get(clean)
	ev := Event{Path: clean, Value: stored}
	// Sends never block, so fan-out happens under the lock; that keeps a watcher
	// from being closed mid-send.
	for _, w := range m.watchers {
		if w.client != nil && w.client.isOffline() {
			continue
		}
		if !HasPrefix(clean, w.prefix) && !HasPrefix(w.prefix, clean) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			// Slow watcher; it is expected to resync with a forced refresh.
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *MemStore) watch(ctx context.Context, c *MemClient, prefix string) (<-chan Event, error) {
	p, err := CleanPath(prefix)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.unreachable(c) {
		m.mu.Unlock()
		return nil, ErrUnavailable
	}
	id := m.nextID
	m.nextID++
	w := &memWatch{prefix: p, ch: make(chan Event, 256), client: c}
	m.watchers[id] = w
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
		close(w.ch)
	}()
	return w.ch, nil
}

func (m *MemStore) unreachable(c *MemClient) bool {
	if m.offline {
		return true
	}
	return c != nil && c.isOffline()
}

// MemClient is one device's connection to a MemStore.
type MemClient struct {
	store   *MemStore
	mu      sync.Mutex
	offline bool
}

// SetOffline cuts or restores this client's link. Events published while the
// link is down are not delivered to its watchers.
func (c *MemClient) SetOffline(offline bool) {
	c.mu.Lock()
	c.offline = offline
	c.mu.Unlock()
}

func (c *MemClient) isOffline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline
}

// Get implements Store.
func (c *MemClient) Get(ctx context.Context, path string) (json.RawMessage, error) {
	raw, _, err := c.store.get(ctx, c, path)
	return raw, err
}

// GetVersioned implements ConditionalStore.
func (c *MemClient) GetVersioned(ctx context.Context, path string) (json.RawMessage, string, error) {
	return c.store.get(ctx, c, path)
}

// Put implements Store.
func (c *MemClient) Put(ctx context.Context, path string, value json.RawMessage) error {
	return c.store.put(ctx, c, path, value, nil)
}

// PutIfMatch implements ConditionalStore.
func (c *MemClient) PutIfMatch(ctx context.Context, path string, value json.RawMessage, etag string) error {
	return c.store.put(ctx, c, path, value, &etag)
}

// Delete implements Store.
func (c *MemClient) Delete(ctx context.Context, path string) error {
	return c.store.put(ctx, c, path, nil, nil)
}

// Watch implements Watcher.
func (c *MemClient) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	return c.store.watch(ctx, c, prefix)
}

var (
	_ ConditionalStore = (*MemStore)(nil)
	_ Watcher          = (*MemStore)(nil)
	_ ConditionalStore = (*MemClient)(nil)
	_ Watcher          = (*MemClient)(nil)
)
