// Package reset runs the once-a-day reset of per-day fields across all devices.
//
// Every device runs the job. A device resets only when its own record says the
// day has not been reset and no resets/{date} marker exists; it then takes the
// daily-reset/{date} lock, checks the marker again, overwrites the fields, writes
// the marker and records the date locally. A device that loses the lock simply
// tries again on the next check and finds the marker.
package reset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shiftboard/shiftsync/internal/lock"
	"github.com/shiftboard/shiftsync/internal/store"
)

// Overwriter replaces a synchronized field on every device.
type Overwriter interface {
	Overwrite(ctx context.Context, name string, value json.RawMessage) error
}

// Ledger records the last day this device saw reset.
type Ledger interface {
	LastResetDate(ctx context.Context) (string, error)
	SetLastResetDate(ctx context.Context, date string) error
}

// Outcome reports what a run did.
type Outcome int

const (
	// Done means this device performed the reset.
	Done Outcome = iota
	// AlreadyDone means the day was reset before, here or elsewhere.
	AlreadyDone
	// Deferred means another device holds the lock.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case AlreadyDone:
		return "already-done"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Marker proves a day's reset ran.
type Marker struct {
	Date        string `json:"date"`
	DeviceID    string `json:"deviceId"`
	CompletedAt int64  `json:"completedAt"`
	Manual      bool   `json:"manual,omitempty"`
}

// Config holds reset job settings.
type Config struct {
	// Fields maps each field to reset to its reset value.
	Fields map[string]json.RawMessage

	MarkerPrefix string
	LockKey      string
	LockTTL      time.Duration

	// CheckInterval is how often the job looks for a new day.
	CheckInterval time.Duration

	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

// DefaultConfig returns sensible defaults: completedTasks is cleared every day.
func DefaultConfig() *Config {
	return &Config{
		Fields:        map[string]json.RawMessage{"completedTasks": json.RawMessage(`[]`)},
		MarkerPrefix:  "resets",
		LockKey:       "daily-reset",
		LockTTL:       2 * time.Minute,
		CheckInterval: time.Minute,
		Location:      time.Local,
		Now:           time.Now,
	}
}

// Job is the daily reset job of one device.
type Job struct {
	store    store.Store
	locker   *lock.Locker
	fields   Overwriter
	ledger   Ledger
	deviceID string
	config   *Config
	logger   *slog.Logger

	runMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reset job with default configuration.
func New(s store.Store, locker *lock.Locker, fields Overwriter, ledger Ledger, deviceID string) (*Job, error) {
	return NewWithConfig(s, locker, fields, ledger, deviceID, DefaultConfig())
}

// NewWithConfig creates a reset job with custom configuration.
func NewWithConfig(s store.Store, locker *lock.Locker, fields Overwriter, ledger Ledger, deviceID string, config *Config) (*Job, error) {
	if s == nil || locker == nil || fields == nil {
		return nil, fmt.Errorf("store, locker and fields are required")
	}
	if deviceID == "" {
		return nil, fmt.Errorf("device id cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Fields == nil {
		config.Fields = defaults.Fields
	}
	for name, v := range config.Fields {
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid reset value for %s", name)
		}
	}
	if config.MarkerPrefix == "" {
		config.MarkerPrefix = defaults.MarkerPrefix
	}
	if config.LockKey == "" {
		config.LockKey = defaults.LockKey
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.Location == nil {
		config.Location = defaults.Location
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Job{
		store:    s,
		locker:   locker,
		fields:   fields,
		ledger:   ledger,
		deviceID: deviceID,
		config:   config,
		logger:   logger.With("component", "reset"),
	}, nil
}

// Today is the current calendar date in the job's location.
func (j *Job) Today() string {
	return j.config.Now().In(j.config.Location).Format("2006-01-02")
}

func (j *Job) markerPath(date string) string {
	return store.Join(j.config.MarkerPrefix, date)
}

// Marker returns the reset marker for date, or nil.
func (j *Job) Marker(ctx context.Context, date string) (*Marker, error) {
	raw, err := j.store.Get(ctx, j.markerPath(date))
	if err != nil {
		return nil, fmt.Errorf("read reset marker: %w", err)
	}
	if store.IsNull(raw) {
		return nil, nil
	}
	var m Marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode reset marker: %w", err)
	}
	return &m, nil
}

// RunDaily performs today's reset unless it already happened.
func (j *Job) RunDaily(ctx context.Context) (Outcome, error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	today := j.Today()
	if j.ledger != nil {
		last, err := j.ledger.LastResetDate(ctx)
		if err != nil {
			return AlreadyDone, fmt.Errorf("read last reset date: %w", err)
		}
		if last == today {
			return AlreadyDone, nil
		}
	}

	m, err := j.Marker(ctx, today)
	if err != nil {
		return AlreadyDone, err
	}
	if m != nil {
		j.remember(ctx, today)
		return AlreadyDone, nil
	}
	return j.run(ctx, today, false)
}

// ResetNow resets the fields immediately, whether or not today was reset
// already. It still takes the lock so it cannot interleave with a daily run.
func (j *Job) ResetNow(ctx context.Context) (Outcome, error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()
	return j.run(ctx, j.Today(), true)
}

func (j *Job) run(ctx context.Context, date string, manual bool) (Outcome, error) {
	key := store.Join(j.config.LockKey, date)
	outcome := Done
	err := j.locker.WithLock(ctx, key, j.deviceID, j.config.LockTTL, func(ctx context.Context) error {
		if !manual {
			m, err := j.Marker(ctx, date)
			if err != nil {
				return err
			}
			if m != nil {
				outcome = AlreadyDone
				return nil
			}
		}
		if err := j.overwrite(ctx); err != nil {
			return err
		}
		marker := Marker{
			Date:        date,
			DeviceID:    j.deviceID,
			CompletedAt: j.config.Now().UnixMilli(),
			Manual:      manual,
		}
		data, err := json.Marshal(marker)
		if err != nil {
			return fmt.Errorf("encode reset marker: %w", err)
		}
		if err := j.store.Put(ctx, j.markerPath(date), data); err != nil {
			return fmt.Errorf("write reset marker: %w", err)
		}
		return nil
	})
	if errors.Is(err, lock.ErrHeld) {
		j.logger.Info("reset in progress on another device, deferring", "date", date)
		return Deferred, nil
	}
	if err != nil {
		return outcome, err
	}

	j.remember(ctx, date)
	if outcome == Done {
		j.logger.Info("daily reset complete", "date", date, "manual", manual)
	}
	return outcome, nil
}

func (j *Job) overwrite(ctx context.Context) error {
	names := make([]string, 0, len(j.config.Fields))
	for name := range j.config.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := j.fields.Overwrite(ctx, name, j.config.Fields[name]); err != nil {
			return fmt.Errorf("reset %s: %w", name, err)
		}
	}
	return nil
}

func (j *Job) remember(ctx context.Context, date string) {
	if j.ledger == nil {
		return
	}
	if err := j.ledger.SetLastResetDate(ctx, date); err != nil {
		j.logger.Warn("failed to record reset date", "date", date, "error", err)
	}
}

// Start runs the daily check until Stop.
func (j *Job) Start(ctx context.Context) error {
	if j.ctx != nil {
		return fmt.Errorf("reset job already started")
	}
	j.ctx, j.cancel = context.WithCancel(ctx)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.config.CheckInterval)
		defer ticker.Stop()
		for {
			j.check()
			select {
			case <-j.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (j *Job) check() {
	outcome, err := j.RunDaily(j.ctx)
	if err != nil {
		if store.IsTransient(err) {
			j.logger.Debug("reset check skipped, store unavailable", "error", err)
			return
		}
		j.logger.Warn("daily reset failed", "error", err)
		return
	}
	j.logger.Debug("reset check", "outcome", outcome.String())
}

// Stop ends the daily check.
func (j *Job) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}
