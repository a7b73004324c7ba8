// Package engine wires the sync components of one device together and runs them.
//
// The engine:
//  1. Restores the offline queue and feeds remote changes (change stream, or
//     polling when the store cannot push) into the field synchronizer
//  2. Announces the device and keeps its presence record fresh
//  3. Tracks connectivity; on reconnect it replays the offline queue in order and
//     force-refreshes every field, since missed stream events are not replayed
//  4. Runs the daily reset job and the daily snapshot scheduler
//  5. Exposes the operator actions: manual snapshot, manual reset, device list
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shiftboard/shiftsync/internal/fieldsync"
	"github.com/shiftboard/shiftsync/internal/lock"
	"github.com/shiftboard/shiftsync/internal/presence"
	"github.com/shiftboard/shiftsync/internal/queue"
	"github.com/shiftboard/shiftsync/internal/reset"
	"github.com/shiftboard/shiftsync/internal/resolve"
	"github.com/shiftboard/shiftsync/internal/snapshot"
	"github.com/shiftboard/shiftsync/internal/store"
)

// Config holds engine configuration. Nil component configs take their package
// defaults.
type Config struct {
	// DisplayName and User describe the device in presence records.
	DisplayName string
	User        string

	// UseStream subscribes to the store's change stream when it has one.
	// Otherwise, or when false, fields are polled every PollInterval.
	UseStream    bool
	PollInterval time.Duration

	// ReconnectInterval is how often a device with queued writes probes the
	// store by replaying them.
	ReconnectInterval time.Duration

	// InventoryField is the synchronized field snapshots are taken from.
	InventoryField string

	// Resolver overrides the default merge table.
	Resolver *resolve.Resolver

	// Ledger remembers the last reset date locally.
	Ledger reset.Ledger

	// OnConflict receives conflicts raised by manual-review fields.
	OnConflict func(resolve.Conflict)

	FieldSync *fieldsync.Config
	Queue     *queue.Config
	Presence  *presence.Config
	Lock      *lock.Config
	Reset     *reset.Config
	Snapshot  *snapshot.Config

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		UseStream:         true,
		PollInterval:      5 * time.Second,
		ReconnectInterval: 10 * time.Second,
		InventoryField:    "inventory",
	}
}

// Engine is one device's sync runtime.
type Engine struct {
	store    store.Store
	deviceID string
	config   *Config
	logger   *slog.Logger

	resolver  *resolve.Resolver
	queue     *queue.Queue
	fields    *fieldsync.Synchronizer
	presence  *presence.Registry
	locker    *lock.Locker
	reset     *reset.Job
	snapshots *snapshot.Service

	online    atomic.Bool
	reconnect chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine with default configuration.
func New(s store.Store, deviceID string) (*Engine, error) {
	return NewWithConfig(s, deviceID, DefaultConfig())
}

// NewWithConfig builds every component for deviceID on top of s.
func NewWithConfig(s store.Store, deviceID string, config *Config) (*Engine, error) {
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
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = defaults.ReconnectInterval
	}
	if config.InventoryField == "" {
		config.InventoryField = defaults.InventoryField
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	e := &Engine{
		store:     s,
		deviceID:  deviceID,
		config:    config,
		logger:    logger.With("component", "engine", "device", deviceID),
		reconnect: make(chan struct{}, 1),
	}
	e.online.Store(true)

	e.resolver = config.Resolver
	if e.resolver == nil {
		e.resolver = resolve.New(logger)
	}
	e.resolver.OnConflict(e.handleConflict)

	qcfg := withLogger(config.Queue, queue.DefaultConfig, logger)
	userDrop := qcfg.OnDrop
	qcfg.OnDrop = func(op queue.Operation, err error) {
		e.logger.Error("queued write dropped", "op", op.ID, "field", op.Collection, "error", err)
		if userDrop != nil {
			userDrop(op, err)
		}
	}
	e.queue = queue.NewWithConfig(qcfg)

	fcfg := withLogger(config.FieldSync, fieldsync.DefaultConfig, logger)
	fcfg.Queue = e.queue
	userConn := fcfg.OnConnectivity
	fcfg.OnConnectivity = func(online bool) {
		e.SetOnline(online)
		if userConn != nil {
			userConn(online)
		}
	}
	fields, err := fieldsync.NewWithConfig(s, e.resolver, deviceID, fcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create field synchronizer: %w", err)
	}
	e.fields = fields

	e.presence = presence.NewWithConfig(s, withLogger(config.Presence, presence.DefaultConfig, logger))
	e.locker = lock.NewWithConfig(s, withLogger(config.Lock, lock.DefaultConfig, logger))

	rcfg := withLogger(config.Reset, reset.DefaultConfig, logger)
	job, err := reset.NewWithConfig(s, e.locker, e.fields, config.Ledger, deviceID, rcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create reset job: %w", err)
	}
	e.reset = job

	snaps, err := snapshot.NewWithConfig(s, e.inventory, withLogger(config.Snapshot, snapshot.DefaultConfig, logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot service: %w", err)
	}
	e.snapshots = snaps

	e.presence.OnCountChanged(func(count int) {
		e.logger.Info("active devices changed", "count", count)
	})
	return e, nil
}

// withLogger returns cfg, or the package default, with logger filled in.
func withLogger[C any](cfg *C, defaults func() *C, logger *slog.Logger) *C {
	if cfg == nil {
		cfg = defaults()
	}
	if lp := loggerField(cfg); lp != nil && *lp == nil {
		*lp = logger
	}
	return cfg
}

func loggerField(cfg any) **slog.Logger {
	switch c := cfg.(type) {
	case *queue.Config:
		return &c.Logger
	case *fieldsync.Config:
		return &c.Logger
	case *presence.Config:
		return &c.Logger
	case *lock.Config:
		return &c.Logger
	case *reset.Config:
		return &c.Logger
	case *snapshot.Config:
		return &c.Logger
	}
	return nil
}

// DeviceID returns the device this engine runs as.
func (e *Engine) DeviceID() string { return e.deviceID }

// Fields returns the field synchronizer, the only component the UI talks to.
func (e *Engine) Fields() *fieldsync.Synchronizer { return e.fields }

// Queue returns the offline queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Online reports the last observed connectivity.
func (e *Engine) Online() bool { return e.online.Load() }

// SetOnline records connectivity. Coming back online schedules a queue replay
// and a full refresh.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if was == online {
		return
	}
	if online {
		e.logger.Info("store reachable again")
		select {
		case e.reconnect <- struct{}{}:
		default:
		}
		return
	}
	e.logger.Warn("store unreachable, working offline")
}

// Start restores state and runs every background loop until Stop.
func (e *Engine) Start(ctx context.Context) error {
	if e.ctx != nil {
		return fmt.Errorf("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	if n, err := e.queue.Restore(e.ctx); err != nil {
		e.logger.Warn("failed to restore offline queue", "error", err)
	} else if n > 0 {
		e.logger.Info("restored offline queue", "operations", n)
	}

	events, err := e.changes()
	if err != nil {
		e.abort()
		return err
	}
	if err := e.fields.Start(e.ctx, events); err != nil {
		e.abort()
		return fmt.Errorf("failed to start field synchronizer: %w", err)
	}
	if err := e.fields.RefreshAll(e.ctx); err != nil {
		e.logger.Debug("initial refresh incomplete", "error", err)
	}

	self := presence.Device{ID: e.deviceID, DisplayName: e.config.DisplayName, User: e.config.User}
	if self.DisplayName == "" {
		self.DisplayName = e.deviceID
	}
	if err := e.presence.Start(e.ctx, self); err != nil {
		e.abort(e.fields.Stop)
		return fmt.Errorf("failed to start presence: %w", err)
	}
	if err := e.reset.Start(e.ctx); err != nil {
		e.abort(e.presence.Stop, e.fields.Stop)
		return fmt.Errorf("failed to start reset job: %w", err)
	}
	if err := e.snapshots.Start(e.ctx); err != nil {
		e.abort(e.reset.Stop, e.presence.Stop, e.fields.Stop)
		return fmt.Errorf("failed to start snapshot scheduler: %w", err)
	}

	e.wg.Add(1)
	go e.reconnectLoop()

	e.logger.Info("engine started", "queued", e.queue.Size())
	return nil
}

// abort unwinds a failed Start: it cancels the engine context, stops the
// components that did start, in order, and waits for the engine's own loops.
func (e *Engine) abort(stops ...func()) {
	e.cancel()
	for _, stop := range stops {
		stop()
	}
	e.wg.Wait()
	e.ctx, e.cancel = nil, nil
}

// changes returns the remote change feed for the field namespace.
func (e *Engine) changes() (<-chan store.Event, error) {
	prefix := e.fields.Path("")
	if w, ok := e.store.(store.Watcher); ok && e.config.UseStream {
		events, err := w.Watch(e.ctx, prefix)
		if err == nil {
			return events, nil
		}
		if !store.IsTransient(err) {
			return nil, fmt.Errorf("failed to watch %s: %w", prefix, err)
		}
		e.logger.Warn("change stream unavailable, polling instead", "error", err)
	}

	poller := store.NewPoller(e.store, e.config.PollInterval, e.logger)
	poller.Track(prefix)
	out := make(chan store.Event, 64)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		poller.Run(e.ctx, out)
	}()
	return out, nil
}

// reconnectLoop replays the queue when connectivity returns, and probes the
// store periodically while writes are queued.
func (e *Engine) reconnectLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.reconnect:
			e.Resync(e.ctx)
		case <-ticker.C:
			if e.queue.Size() > 0 {
				e.Resync(e.ctx)
			}
		}
	}
}

// Resync replays the offline queue in order and then force-refreshes every field.
func (e *Engine) Resync(ctx context.Context) {
	if e.queue.Size() > 0 {
		sent, err := e.queue.Flush(ctx, e.fields)
		switch {
		case errors.Is(err, queue.ErrFlushing):
			return
		case err != nil && store.IsTransient(err):
			e.logger.Debug("queue replay halted, still offline", "sent", sent, "remaining", e.queue.Size())
			return
		case err != nil:
			e.logger.Warn("queue replay error", "sent", sent, "error", err)
		default:
			e.logger.Info("offline queue replayed", "sent", sent)
		}
	}
	if err := e.fields.RefreshAll(ctx); err != nil {
		e.logger.Debug("refresh after reconnect incomplete", "error", err)
	}
}

// Stop halts every loop and withdraws the device.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.snapshots.Stop()
	e.reset.Stop()
	e.presence.Stop()
	e.fields.Stop()
	e.wg.Wait()
	e.logger.Info("engine stopped", "queued", e.queue.Size(), "pending", e.fields.Pending())
}

func (e *Engine) handleConflict(c resolve.Conflict) {
	e.logger.Warn("conflict needs manual review", "field", c.Field, "strategy", c.Strategy)
	if e.config.OnConflict != nil {
		e.config.OnConflict(c)
	}
}

// inventory reads the synchronized inventory for snapshots, fetching it when
// this device has not loaded it yet.
func (e *Engine) inventory(ctx context.Context) ([]snapshot.Item, error) {
	name := e.config.InventoryField
	raw := e.fields.Value(name)
	if raw == nil {
		if err := e.fields.ForceRefresh(ctx, name); err != nil {
			return nil, err
		}
		raw = e.fields.Value(name)
	}
	return snapshot.ParseItems(raw)
}

// CaptureSnapshot takes and stores a manual snapshot of the inventory.
func (e *Engine) CaptureSnapshot(ctx context.Context, by string) (*snapshot.Snapshot, error) {
	if by == "" {
		by = e.deviceID
	}
	return e.snapshots.CaptureNow(ctx, by, true)
}

// Snapshots returns the snapshot service.
func (e *Engine) Snapshots() *snapshot.Service { return e.snapshots }

// ResetNow runs the daily reset immediately on behalf of an operator.
func (e *Engine) ResetNow(ctx context.Context) (reset.Outcome, error) {
	return e.reset.ResetNow(ctx)
}

// RunDailyReset runs the daily reset check once.
func (e *Engine) RunDailyReset(ctx context.Context) (reset.Outcome, error) {
	return e.reset.RunDaily(ctx)
}

// ActiveDevices lists devices seen recently.
func (e *Engine) ActiveDevices(ctx context.Context) ([]presence.Device, error) {
	return e.presence.ListActive(ctx)
}

// Status summarises the engine for display.
type Status struct {
	DeviceID string            `json:"deviceId"`
	Online   bool              `json:"online"`
	Queued   int               `json:"queued"`
	Pending  int               `json:"pending"`
	Fields   map[string]string `json:"fields"`
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	st := Status{
		DeviceID: e.deviceID,
		Online:   e.Online(),
		Queued:   e.queue.Size(),
		Pending:  e.fields.Pending(),
		Fields:   make(map[string]string),
	}
	for _, name := range e.fields.Fields() {
		st.Fields[name] = string(e.fields.Status(name))
	}
	return st
}
