// Package fieldsync keeps named fields converged across devices.
//
// Each field is a JSON document stored as an Envelope at {Prefix}/{name}. Local
// publishes apply immediately and are written to the store after a debounce
// window, coalescing rapid edits into a single write of the latest value. Remote
// changes arrive as store events: our own echoes are dropped, and a change that
// overlaps a pending local write is merged by the resolver before subscribers see
// it.
//
// Writes are read-merge-write. With a ConditionalStore the write is guarded by the
// ETag read with it and retried when another device got in first. A write that
// fails because the store is unreachable is handed to the offline queue and the
// field stays pending, so later remote changes keep merging into it.
package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shiftboard/shiftsync/internal/queue"
	"github.com/shiftboard/shiftsync/internal/resolve"
	"github.com/shiftboard/shiftsync/internal/store"
)

// ErrSerialization is returned by Publish for values that are not valid JSON.
var ErrSerialization = errors.New("value is not valid JSON")

// Priority controls how soon a publish is written.
type Priority int

const (
	// Normal writes are debounced.
	Normal Priority = iota
	// High writes skip the debounce window.
	High
)

// Status describes where a field's latest local change is.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusPending Status = "pending"
	StatusWriting Status = "writing"
	StatusQueued  Status = "queued"
)

// Callback receives a field's value after every local or remote change.
type Callback func(field string, value json.RawMessage)

// Config holds synchronizer settings.
type Config struct {
	// Prefix is the store namespace for fields.
	Prefix string

	// Debounce is how long a publish waits for further publishes before writing.
	Debounce time.Duration

	// TickInterval is how often due writes are checked.
	TickInterval time.Duration

	// RetryInterval delays the next write after a failure that was not queued.
	RetryInterval time.Duration

	// WriteTimeout bounds a single read-merge-write.
	WriteTimeout time.Duration

	// CASRetries bounds compare-and-swap attempts per write.
	CASRetries int

	// Queue receives writes that failed because the store was unreachable.
	// Without a queue they are retried after RetryInterval.
	Queue *queue.Queue

	// OnConnectivity is called with false after a transient store failure and
	// with true after a successful store call.
	OnConnectivity func(online bool)

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Prefix:        "sync",
		Debounce:      500 * time.Millisecond,
		TickInterval:  100 * time.Millisecond,
		RetryInterval: 5 * time.Second,
		WriteTimeout:  15 * time.Second,
		CASRetries:    5,
		Now:           time.Now,
	}
}

type pendingWrite struct {
	value  json.RawMessage
	opID   string
	epoch  int64 // -1 when the field was never loaded
	dueAt  time.Time
	status Status
	gen    uint64
}

type field struct {
	name         string
	value        json.RawMessage
	lastRemoteAt int64
	epoch        int64
	seenOpID     string
	loaded       bool
	pending      *pendingWrite
	subs         []Callback
}

// Synchronizer owns every field of one device.
type Synchronizer struct {
	store    store.Store
	cas      store.ConditionalStore
	resolver *resolve.Resolver
	deviceID string
	config   *Config
	logger   *slog.Logger

	mu     sync.Mutex
	fields map[string]*field
	gen    uint64

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a synchronizer with default configuration.
func New(s store.Store, resolver *resolve.Resolver, deviceID string) (*Synchronizer, error) {
	return NewWithConfig(s, resolver, deviceID, DefaultConfig())
}

// NewWithConfig creates a synchronizer with custom configuration.
func NewWithConfig(s store.Store, resolver *resolve.Resolver, deviceID string, config *Config) (*Synchronizer, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if deviceID == "" {
		return nil, fmt.Errorf("deviceID cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.Debounce < 0 {
		config.Debounce = 0
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.CASRetries <= 0 {
		config.CASRetries = defaults.CASRetries
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if resolver == nil {
		resolver = resolve.New(logger)
	}

	sy := &Synchronizer{
		store:    s,
		resolver: resolver,
		deviceID: deviceID,
		config:   config,
		logger:   logger.With("component", "fieldsync", "device", deviceID),
		fields:   make(map[string]*field),
		kick:     make(chan struct{}, 1),
	}
	if cs, ok := s.(store.ConditionalStore); ok {
		sy.cas = cs
	}
	return sy, nil
}

// DeviceID returns the id this synchronizer writes under.
func (s *Synchronizer) DeviceID() string { return s.deviceID }

// Path returns the store path of field.
func (s *Synchronizer) Path(name string) string {
	return store.Join(s.config.Prefix, name)
}

// Start runs the write loop and, when events is non-nil, applies the remote
// changes it delivers. Stop ends both.
func (s *Synchronizer) Start(ctx context.Context, events <-chan store.Event) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("synchronizer already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.writeLoop()

	if events != nil {
		s.wg.Add(1)
		go s.eventLoop(events)
	}
	return nil
}

// Stop halts background work. Pending writes stay pending.
func (s *Synchronizer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Subscribe registers cb for field, creating the field if needed. A known value
// is delivered to cb immediately. Once started, a field that has not been read
// from the store yet is fetched in the background and cb receives the stored
// value when it arrives.
func (s *Synchronizer) Subscribe(name string, cb Callback) {
	if cb == nil {
		return
	}
	s.mu.Lock()
	f := s.fieldLocked(name)
	f.subs = append(f.subs, cb)
	value := f.value
	ctx := s.ctx
	load := ctx != nil && !f.loaded
	s.mu.Unlock()

	if value != nil {
		cb(name, value)
	}
	if load {
		go s.refreshAsync(ctx, name)
	}
}

// Unsubscribe removes every callback registered for field. The field itself and
// any pending write remain.
func (s *Synchronizer) Unsubscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.fields[name]; ok {
		f.subs = nil
	}
}

// Publish applies value locally and schedules it to be written.
func (s *Synchronizer) Publish(name string, value json.RawMessage, priority Priority) error {
	if !json.Valid(value) {
		s.logger.Warn("skipping publish of invalid value", "field", name)
		return fmt.Errorf("publish %s: %w", name, ErrSerialization)
	}
	value = append(json.RawMessage(nil), value...)
	now := s.config.Now()

	s.mu.Lock()
	f := s.fieldLocked(name)
	f.value = value
	due := now.Add(s.config.Debounce)
	if priority == High {
		due = now
	}
	epoch := f.epoch
	if !f.loaded {
		epoch = -1
	}
	s.gen++
	if f.pending == nil || f.pending.status == StatusQueued {
		f.pending = &pendingWrite{opID: uuid.NewString(), epoch: epoch}
	} else {
		// Coalesce: the newest publish replaces the scheduled one.
		f.pending.opID = uuid.NewString()
	}
	f.pending.value = value
	f.pending.dueAt = due
	f.pending.status = StatusPending
	f.pending.gen = s.gen
	subs := append([]Callback(nil), f.subs...)
	s.mu.Unlock()

	if priority == High {
		s.wake()
	}
	notify(subs, name, value)
	return nil
}

// Value returns the local value of field, or nil.
func (s *Synchronizer) Value(name string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.fields[name]; ok {
		return f.value
	}
	return nil
}

// Status returns the sync status of field.
func (s *Synchronizer) Status(name string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.fields[name]; ok && f.pending != nil {
		return f.pending.status
	}
	return StatusSynced
}

// Fields returns the names of every known field, sorted.
func (s *Synchronizer) Fields() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pending returns how many fields have an unwritten local change.
func (s *Synchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.fields {
		if f.pending != nil {
			n++
		}
	}
	return n
}

// ForceRefresh reads field straight from the store and applies it, merging with
// a pending write if there is one.
func (s *Synchronizer) ForceRefresh(ctx context.Context, name string) error {
	raw, err := s.store.Get(ctx, s.Path(name))
	if err != nil {
		s.noteError(err)
		return fmt.Errorf("refresh %s: %w", name, err)
	}
	s.noteOnline()
	s.apply(name, raw, true)
	return nil
}

// RefreshAll force-refreshes every known field. Failures are logged and the
// remaining fields are still refreshed.
func (s *Synchronizer) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, name := range s.Fields() {
		if err := s.ForceRefresh(ctx, name); err != nil {
			s.logger.Debug("refresh failed", "field", name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Overwrite replaces field with value everywhere, discarding pending writes on
// every device. The new envelope carries the next epoch.
func (s *Synchronizer) Overwrite(ctx context.Context, name string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("overwrite %s: %w", name, ErrSerialization)
	}
	path := s.Path(name)
	opID := uuid.NewString()

	var env Envelope
	for attempt := 0; attempt < s.config.CASRetries; attempt++ {
		raw, etag, err := s.read(ctx, path)
		if err != nil {
			s.noteError(err)
			return fmt.Errorf("overwrite %s: %w", name, err)
		}
		epoch := int64(0)
		if cur, ok := DecodeEnvelope(raw); ok {
			epoch = cur.Epoch
		}
		env = Envelope{
			Value:     value,
			DeviceID:  s.deviceID,
			UpdatedAt: s.config.Now().UnixMilli(),
			OpID:      opID,
			Epoch:     epoch + 1,
		}
		err = s.write(ctx, path, env, etag)
		if errors.Is(err, store.ErrPreconditionFailed) {
			continue
		}
		if err != nil {
			s.noteError(err)
			return fmt.Errorf("overwrite %s: %w", name, err)
		}
		s.noteOnline()

		s.mu.Lock()
		f := s.fieldLocked(name)
		f.value = value
		f.epoch = env.Epoch
		f.seenOpID = opID
		f.lastRemoteAt = env.UpdatedAt
		f.loaded = true
		f.pending = nil
		subs := append([]Callback(nil), f.subs...)
		s.mu.Unlock()

		s.logger.Info("field overwritten", "field", name, "epoch", env.Epoch)
		notify(subs, name, value)
		return nil
	}
	return fmt.Errorf("overwrite %s: %w", name, store.ErrPreconditionFailed)
}

// HandleEvent applies a store change event. Events for the prefix itself or a
// parent of a field are split per known field.
func (s *Synchronizer) HandleEvent(ev store.Event) {
	path, err := store.CleanPath(ev.Path)
	if err != nil {
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	for _, name := range s.Fields() {
		fieldPath := s.Path(name)
		switch {
		case path == fieldPath:
			s.apply(name, ev.Value, false)
		case store.HasPrefix(fieldPath, path):
			rel := strings.TrimPrefix(strings.TrimPrefix(fieldPath, path), "/")
			s.apply(name, child(ev.Value, rel), false)
		case store.HasPrefix(path, fieldPath):
			// A partial write below the envelope; reload the whole field.
			go s.refreshAsync(ctx, name)
		}
	}
}

func (s *Synchronizer) refreshAsync(ctx context.Context, name string) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()
	if err := s.ForceRefresh(ctx, name); err != nil {
		s.logger.Debug("background refresh failed", "field", name, "error", err)
	}
}

// apply merges a stored envelope into the local field. Forced applies (reads
// through the store) also accept our own writes, which matters on startup.
func (s *Synchronizer) apply(name string, raw json.RawMessage, force bool) {
	env, ok := DecodeEnvelope(raw)

	s.mu.Lock()
	f := s.fieldLocked(name)
	if !ok {
		f.loaded = true
		if f.pending != nil || f.value == nil {
			s.mu.Unlock()
			return
		}
		// Deleted remotely.
		f.value = nil
		subs := append([]Callback(nil), f.subs...)
		s.mu.Unlock()
		notify(subs, name, nil)
		return
	}

	if !force && env.DeviceID == s.deviceID {
		s.mu.Unlock()
		return
	}
	if env.OpID != "" && env.OpID == f.seenOpID && f.loaded {
		s.mu.Unlock()
		return
	}

	if env.Epoch > f.epoch {
		f.epoch = env.Epoch
		if f.pending != nil && f.pending.epoch >= 0 && f.pending.epoch < env.Epoch {
			s.logger.Info("discarding pending write from previous epoch", "field", name, "epoch", env.Epoch)
			f.pending = nil
		}
	}
	if f.pending != nil && f.pending.epoch < 0 {
		f.pending.epoch = f.epoch
	}

	switch {
	case f.pending != nil && env.DeviceID != s.deviceID:
		merged := s.resolver.Resolve(name, f.pending.value, env.Value)
		f.value = merged
		f.pending.value = merged
		s.gen++
		f.pending.gen = s.gen
	case f.pending != nil:
		// Our own earlier write read back through the store; the pending value is newer.
	default:
		f.value = env.Value
	}

	f.seenOpID = env.OpID
	f.lastRemoteAt = env.UpdatedAt
	f.loaded = true
	value := f.value
	subs := append([]Callback(nil), f.subs...)
	s.mu.Unlock()

	notify(subs, name, value)
}

func (s *Synchronizer) fieldLocked(name string) *field {
	f, ok := s.fields[name]
	if !ok {
		f = &field{name: name}
		s.fields[name] = f
	}
	return f
}

func (s *Synchronizer) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) noteError(err error) {
	if store.IsTransient(err) && s.config.OnConnectivity != nil {
		s.config.OnConnectivity(false)
	}
}

func (s *Synchronizer) noteOnline() {
	if s.config.OnConnectivity != nil {
		s.config.OnConnectivity(true)
	}
}

func notify(subs []Callback, name string, value json.RawMessage) {
	for _, cb := range subs {
		cb(name, value)
	}
}

// child returns the member of raw at the slash separated rel path, or nil.
func child(raw json.RawMessage, rel string) json.RawMessage {
	cur := raw
	for _, seg := range strings.Split(rel, "/") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil
		}
		next, ok := obj[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}
