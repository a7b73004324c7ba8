// Package presence tracks which devices are active using heartbeats with expiry.
//
// Each device keeps a record at presence/{id}. Active devices are found by
// polling the namespace and dropping records older than the TTL, so a device
// that vanished without withdrawing disappears on its own within one TTL.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shiftboard/shiftsync/internal/store"
)

// Device is one running instance of the app.
type Device struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	User        string `json:"user,omitempty"`
	LastSeenAt  int64  `json:"lastSeenAt"`
	IsActive    bool   `json:"isActive"`
}

// Config holds presence settings.
type Config struct {
	// Prefix is the store namespace for presence records.
	Prefix string

	// TTL is how long a record counts as active after its last heartbeat.
	TTL time.Duration

	// HeartbeatInterval is how often the local device refreshes its record.
	HeartbeatInterval time.Duration

	// PollInterval is how often the active set is re-read.
	PollInterval time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Prefix:            "presence",
		TTL:               120 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		PollInterval:      30 * time.Second,
		Now:               time.Now,
	}
}

// Registry announces the local device and lists active ones.
type Registry struct {
	store  store.Store
	config *Config
	logger *slog.Logger

	mu        sync.Mutex
	self      *Device
	lastCount int
	callbacks []func(count int)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a registry with default configuration.
func New(s store.Store) *Registry {
	return NewWithConfig(s, DefaultConfig())
}

// NewWithConfig creates a registry with custom configuration.
func NewWithConfig(s store.Store, config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		store:     s,
		config:    config,
		logger:    logger.With("component", "presence"),
		lastCount: -1,
	}
}

func (r *Registry) path(id string) string {
	return store.Join(r.config.Prefix, id)
}

// Announce writes the record for d and remembers it as the local device.
// Announcing again simply rewrites the record.
func (r *Registry) Announce(ctx context.Context, d Device) error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	r.mu.Lock()
	self := d
	r.self = &self
	r.mu.Unlock()

	return r.write(ctx, d)
}

// Heartbeat refreshes lastSeenAt for id. For the local device the whole record
// is rewritten, which also restores it after a withdraw.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	r.mu.Lock()
	var self *Device
	if r.self != nil && r.self.ID == id {
		d := *r.self
		self = &d
	}
	r.mu.Unlock()

	if self != nil {
		return r.write(ctx, *self)
	}
	now, _ := json.Marshal(r.config.Now().UnixMilli())
	if err := r.store.Put(ctx, store.Join(r.path(id), "lastSeenAt"), now); err != nil {
		r.logger.Debug("heartbeat failed", "device", id, "error", err)
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	return nil
}

// Withdraw removes the record for id. It is best effort; a missed withdraw
// expires after the TTL.
func (r *Registry) Withdraw(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, r.path(id)); err != nil {
		r.logger.Debug("withdraw failed", "device", id, "error", err)
		return fmt.Errorf("withdraw %s: %w", id, err)
	}
	return nil
}

// ListActive returns devices seen within the TTL, ordered by id. An empty or
// unreadable namespace yields no devices.
func (r *Registry) ListActive(ctx context.Context) ([]Device, error) {
	raw, err := r.store.Get(ctx, r.config.Prefix)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	if store.IsNull(raw) {
		return nil, nil
	}

	var records map[string]json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		r.logger.Warn("malformed presence namespace", "error", err)
		return nil, nil
	}

	cutoff := r.config.Now().Add(-r.config.TTL).UnixMilli()
	active := make([]Device, 0, len(records))
	for id, rec := range records {
		var d Device
		if err := json.Unmarshal(rec, &d); err != nil {
			r.logger.Debug("skipping malformed presence record", "device", id)
			continue
		}
		if d.ID == "" {
			d.ID = id
		}
		if d.LastSeenAt <= cutoff {
			continue
		}
		d.IsActive = true
		active = append(active, d)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

// OnCountChanged registers cb to run when a poll sees a different number of
// active devices.
func (r *Registry) OnCountChanged(cb func(count int)) {
	if cb == nil {
		return
	}
	r.mu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
}

// Poll lists active devices once and fires count callbacks on change.
func (r *Registry) Poll(ctx context.Context) (int, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	count := len(active)

	r.mu.Lock()
	changed := count != r.lastCount
	r.lastCount = count
	callbacks := append([]func(int){}, r.callbacks...)
	r.mu.Unlock()

	if changed {
		for _, cb := range callbacks {
			cb(count)
		}
	}
	return count, nil
}

// Start announces self and runs the heartbeat and poll loops until Stop.
// A failed first announce is logged and retried by the heartbeat.
func (r *Registry) Start(ctx context.Context, self Device) error {
	if r.ctx != nil {
		return fmt.Errorf("presence registry already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := r.Announce(r.ctx, self); err != nil {
		r.logger.Warn("announce failed, will retry", "device", self.ID, "error", err)
	}
	if _, err := r.Poll(r.ctx); err != nil {
		r.logger.Debug("initial presence poll failed", "error", err)
	}

	r.wg.Add(2)
	go r.heartbeatLoop(self.ID)
	go r.pollLoop()
	return nil
}

// Stop ends the loops and withdraws the local device.
func (r *Registry) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	self := r.self
	r.mu.Unlock()
	if self != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = r.Withdraw(ctx, self.ID)
	}
}

func (r *Registry) heartbeatLoop(id string) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(r.ctx, id); err != nil {
				r.logger.Debug("heartbeat will retry next tick", "error", err)
			}
		}
	}
}

func (r *Registry) pollLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Poll(r.ctx); err != nil {
				r.logger.Debug("presence poll failed", "error", err)
			}
		}
	}
}

func (r *Registry) write(ctx context.Context, d Device) error {
	d.LastSeenAt = r.config.Now().UnixMilli()
	d.IsActive = true
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode device: %w", err)
	}
	if err := r.store.Put(ctx, r.path(d.ID), data); err != nil {
		r.logger.Debug("presence write failed", "device", d.ID, "error", err)
		return fmt.Errorf("announce %s: %w", d.ID, err)
	}
	return nil
}
