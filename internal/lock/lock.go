// Package lock implements a lease-style mutual exclusion record on top of the
// shared store.
//
// A lock lives at locks/{key} as {key, ownerDeviceId, expiresAt}. It can be taken
// when absent, expired, or already owned by the caller (which refreshes the
// lease). Expiry makes a crashed holder harmless after one TTL.
//
// When the store supports conditional writes the acquisition is a
// compare-and-swap on the record's ETag. Otherwise it falls back to
// read-verify-write: write the record, wait SettleDelay, read it back and check the
// owner. Two devices that both read an empty record and then write within the
// settle window still resolve to a single winner, because both read back the last
// write; the remaining race is a write landing after the other device's
// read-back, which needs the network to stall for longer than SettleDelay.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shiftboard/shiftsync/internal/store"
)

// ErrHeld is returned by WithLock when another owner holds the lock.
var ErrHeld = errors.New("lock held by another owner")

// Record is the stored form of a lock.
type Record struct {
	Key       string `json:"key"`
	Owner     string `json:"ownerDeviceId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Expired reports whether the lease ended at or before now.
func (r Record) Expired(now time.Time) bool {
	return now.UnixMilli() >= r.ExpiresAt
}

// Config holds lock settings.
type Config struct {
	// Prefix is the store namespace for lock records.
	Prefix string

	// SettleDelay is how long read-verify-write waits before reading back.
	SettleDelay time.Duration

	// ForceReadVerify disables compare-and-swap even when the store supports it.
	ForceReadVerify bool

	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Prefix:      "locks",
		SettleDelay: 300 * time.Millisecond,
		Now:         time.Now,
	}
}

// Locker acquires and releases locks.
type Locker struct {
	store  store.Store
	cas    store.ConditionalStore
	config *Config
	logger *slog.Logger
}

// New creates a Locker with default configuration.
func New(s store.Store) *Locker {
	return NewWithConfig(s, DefaultConfig())
}

// NewWithConfig creates a Locker with custom configuration.
func NewWithConfig(s store.Store, config *Config) *Locker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Prefix == "" {
		config.Prefix = "locks"
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &Locker{
		store:  s,
		config: config,
		logger: logger.With("component", "lock"),
	}
	if cs, ok := s.(store.ConditionalStore); ok && !config.ForceReadVerify {
		l.cas = cs
	}
	return l
}

// Path returns the store path of the lock record for key.
func (l *Locker) Path(key string) string {
	return store.Join(l.config.Prefix, key)
}

// TryAcquire attempts to take key for owner for ttl. Contention is reported as
// false with a nil error; only store failures return an error.
func (l *Locker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if key == "" || owner == "" {
		return false, fmt.Errorf("lock key and owner are required")
	}
	rec := Record{
		Key:       key,
		Owner:     owner,
		ExpiresAt: l.config.Now().Add(ttl).UnixMilli(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode lock record: %w", err)
	}

	if l.cas != nil {
		return l.acquireCAS(ctx, key, owner, data)
	}
	return l.acquireReadVerify(ctx, key, rec, data)
}

func (l *Locker) acquireCAS(ctx context.Context, key, owner string, data json.RawMessage) (bool, error) {
	path := l.Path(key)
	raw, etag, err := l.cas.GetVersioned(ctx, path)
	if err != nil {
		return false, fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	if !l.available(raw, owner) {
		return false, nil
	}
	if err := l.cas.PutIfMatch(ctx, path, data, etag); err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			l.logger.Debug("lost lock race", "key", key, "owner", owner)
			return false, nil
		}
		return false, fmt.Errorf("failed to write lock %s: %w", key, err)
	}
	l.logger.Debug("lock acquired", "key", key, "owner", owner)
	return true, nil
}

func (l *Locker) acquireReadVerify(ctx context.Context, key string, rec Record, data json.RawMessage) (bool, error) {
	path := l.Path(key)
	raw, err := l.store.Get(ctx, path)
	if err != nil {
		return false, fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	if !l.available(raw, rec.Owner) {
		return false, nil
	}
	if err := l.store.Put(ctx, path, data); err != nil {
		return false, fmt.Errorf("failed to write lock %s: %w", key, err)
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(l.config.SettleDelay):
	}

	raw, err = l.store.Get(ctx, path)
	if err != nil {
		return false, fmt.Errorf("failed to verify lock %s: %w", key, err)
	}
	got, ok := decode(raw)
	if !ok || got.Owner != rec.Owner || got.ExpiresAt != rec.ExpiresAt {
		l.logger.Debug("lost lock race", "key", key, "owner", rec.Owner)
		return false, nil
	}
	l.logger.Debug("lock acquired", "key", key, "owner", rec.Owner)
	return true, nil
}

// available reports whether owner may write over the stored record.
func (l *Locker) available(raw json.RawMessage, owner string) bool {
	if store.IsNull(raw) {
		return true
	}
	rec, ok := decode(raw)
	if !ok {
		l.logger.Warn("overwriting malformed lock record")
		return true
	}
	return rec.Owner == owner || rec.Expired(l.config.Now())
}

// Release drops key if owner holds it. Releasing a lock held by someone else,
// or one that no longer exists, is a no-op.
func (l *Locker) Release(ctx context.Context, key, owner string) error {
	path := l.Path(key)

	if l.cas != nil {
		raw, etag, err := l.cas.GetVersioned(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to read lock %s: %w", key, err)
		}
		if rec, ok := decode(raw); !ok || rec.Owner != owner {
			return nil
		}
		err = l.cas.PutIfMatch(ctx, path, json.RawMessage("null"), etag)
		if err != nil && !errors.Is(err, store.ErrPreconditionFailed) {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}

	raw, err := l.store.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	if rec, ok := decode(raw); !ok || rec.Owner != owner {
		return nil
	}
	if err := l.store.Delete(ctx, path); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// Holder returns the current unexpired record for key, or nil.
func (l *Locker) Holder(ctx context.Context, key string) (*Record, error) {
	raw, err := l.store.Get(ctx, l.Path(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	rec, ok := decode(raw)
	if !ok || rec.Expired(l.config.Now()) {
		return nil, nil
	}
	return &rec, nil
}

// WithLock runs fn while holding key. It returns ErrHeld without running fn when
// the lock is taken, and releases the lock when fn returns.
func (l *Locker) WithLock(ctx context.Context, key, owner string, ttl time.Duration, fn func(ctx context.Context) error) error {
	ok, err := l.TryAcquire(ctx, key, owner, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := l.Release(releaseCtx, key, owner); err != nil {
			l.logger.Warn("failed to release lock", "key", key, "error", err)
		}
	}()
	return fn(ctx)
}

func decode(raw json.RawMessage) (Record, bool) {
	if store.IsNull(raw) {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Owner == "" {
		return Record{}, false
	}
	return rec, true
}
