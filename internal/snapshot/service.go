package snapshot

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

	"github.com/shiftboard/shiftsync/internal/store"
)

// Source returns the live inventory.
type Source func(ctx context.Context) ([]Item, error)

// Config holds snapshot settings.
type Config struct {
	// Prefix is the store namespace for snapshots.
	Prefix string

	// CaptureAt is the local wall-clock time (HH:MM) of the scheduled capture.
	CaptureAt string

	// CheckInterval is how often the scheduler looks at the clock.
	CheckInterval time.Duration

	// Location for dates and CaptureAt. Defaults to time.Local.
	Location *time.Location

	// CapturedBy is recorded on scheduled captures.
	CapturedBy string

	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Prefix:        "inventorySnapshots",
		CaptureAt:     "23:59",
		CheckInterval: time.Minute,
		Location:      time.Local,
		CapturedBy:    "scheduler",
		Now:           time.Now,
	}
}

// Service captures, persists and loads snapshots, and runs the daily schedule.
type Service struct {
	store  store.Store
	source Source
	config *Config
	logger *slog.Logger

	mu          sync.Mutex
	lastAutoDay string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a snapshot service with default configuration.
func New(s store.Store, source Source) (*Service, error) {
	return NewWithConfig(s, source, DefaultConfig())
}

// NewWithConfig creates a snapshot service with custom configuration.
func NewWithConfig(s store.Store, source Source, config *Config) (*Service, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.CaptureAt == "" {
		config.CaptureAt = defaults.CaptureAt
	}
	if _, err := time.Parse("15:04", config.CaptureAt); err != nil {
		return nil, fmt.Errorf("invalid capture time %q: %w", config.CaptureAt, err)
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.Location == nil {
		config.Location = defaults.Location
	}
	if config.CapturedBy == "" {
		config.CapturedBy = defaults.CapturedBy
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		store:  s,
		source: source,
		config: config,
		logger: logger.With("component", "snapshot"),
	}, nil
}

func (s *Service) now() time.Time {
	return s.config.Now().In(s.config.Location)
}

func (s *Service) path(key string) string {
	return store.Join(s.config.Prefix, key)
}

// Capture takes a snapshot of items now.
func (s *Service) Capture(items []Item, capturedBy string, isManual bool) *Snapshot {
	return Capture(items, capturedBy, isManual, s.now())
}

// Persist stores snap under its key. Snapshots are create-only: when a record
// already exists at the key nothing is written and false is returned.
func (s *Service) Persist(ctx context.Context, snap *Snapshot) (bool, error) {
	if snap == nil {
		return false, fmt.Errorf("snapshot cannot be nil")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	path := s.path(snap.Key())

	if cs, ok := s.store.(store.ConditionalStore); ok {
		existing, etag, err := cs.GetVersioned(ctx, path)
		if err != nil {
			return false, fmt.Errorf("persist snapshot %s: %w", snap.Key(), err)
		}
		if existing != nil {
			return false, nil
		}
		if err := cs.PutIfMatch(ctx, path, data, etag); err != nil {
			if errors.Is(err, store.ErrPreconditionFailed) {
				return false, nil
			}
			return false, fmt.Errorf("persist snapshot %s: %w", snap.Key(), err)
		}
		return true, nil
	}

	existing, err := s.store.Get(ctx, path)
	if err != nil {
		return false, fmt.Errorf("persist snapshot %s: %w", snap.Key(), err)
	}
	if existing != nil {
		return false, nil
	}
	if err := s.store.Put(ctx, path, data); err != nil {
		return false, fmt.Errorf("persist snapshot %s: %w", snap.Key(), err)
	}
	return true, nil
}

// Load returns the scheduled snapshot for date (YYYY-MM-DD), or nil when there
// is none.
func (s *Service) Load(ctx context.Context, date string) (*Snapshot, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("invalid snapshot date %q: %w", date, err)
	}
	return s.LoadKey(ctx, date)
}

// LoadKey returns the snapshot stored under key, or nil.
func (s *Service) LoadKey(ctx context.Context, key string) (*Snapshot, error) {
	raw, err := s.store.Get(ctx, s.path(key))
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	if store.IsNull(raw) {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return &snap, nil
}

// List returns every stored snapshot key, sorted.
func (s *Service) List(ctx context.Context) ([]string, error) {
	raw, err := s.store.Get(ctx, s.config.Prefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if store.IsNull(raw) {
		return nil, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decode snapshot index: %w", err)
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// CaptureNow reads the source, captures and persists. It is the manual trigger
// when isManual is true.
func (s *Service) CaptureNow(ctx context.Context, capturedBy string, isManual bool) (*Snapshot, error) {
	return s.captureAt(ctx, capturedBy, isManual, s.now())
}

func (s *Service) captureAt(ctx context.Context, capturedBy string, isManual bool, at time.Time) (*Snapshot, error) {
	if s.source == nil {
		return nil, fmt.Errorf("no inventory source configured")
	}
	items, err := s.source(ctx)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	snap := Capture(items, capturedBy, isManual, at)
	written, err := s.Persist(ctx, snap)
	if err != nil {
		return nil, err
	}
	if !written {
		s.logger.Info("snapshot already exists, keeping the first", "key", snap.Key())
		return snap, nil
	}
	s.logger.Info("snapshot captured", "key", snap.Key(), "items", snap.Aggregates().ItemCount, "value", snap.Aggregates().TotalValue)
	return snap, nil
}

// due returns the capture time of the scheduled snapshot still owed, if any.
// Once CaptureAt has passed today it is now. Before that, yesterday's is owed
// for two CheckIntervals, which covers a tick that slipped past midnight.
func (s *Service) due(now time.Time) (time.Time, bool) {
	at, _ := time.Parse("15:04", s.config.CaptureAt)
	y, m, d := now.Date()
	today := time.Date(y, m, d, at.Hour(), at.Minute(), 0, 0, now.Location())
	if !now.Before(today) {
		return now, true
	}
	yesterday := today.AddDate(0, 0, -1)
	if now.Sub(yesterday) <= 2*s.config.CheckInterval {
		return yesterday, true
	}
	return time.Time{}, false
}

// Tick runs one scheduler check: once CaptureAt has passed it captures that
// day's snapshot, once per day.
func (s *Service) Tick(ctx context.Context) (bool, error) {
	moment, ok := s.due(s.now())
	if !ok {
		return false, nil
	}
	date := moment.Format(DateLayout)

	s.mu.Lock()
	done := s.lastAutoDay >= date
	s.mu.Unlock()
	if done {
		return false, nil
	}

	if _, err := s.captureAt(ctx, s.config.CapturedBy, false, moment); err != nil {
		return false, err
	}
	s.mu.Lock()
	s.lastAutoDay = date
	s.mu.Unlock()
	return true, nil
}

// Start runs the scheduler until Stop.
func (s *Service) Start(ctx context.Context) error {
	if s.ctx != nil {
		return fmt.Errorf("snapshot scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Tick(s.ctx); err != nil {
					s.logger.Warn("scheduled snapshot failed, retrying next check", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop ends the scheduler.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
