package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Poller turns periodic reads into change events. It is the stand-in for push
// delivery when the change stream is disabled or unreliable: every Interval it
// reads each watched path and emits an Event when the value's hash changed.
type Poller struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	paths map[string]string // path -> last seen etag
}

// NewPoller returns a poller reading from s every interval.
func NewPoller(s Store, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:    s,
		interval: interval,
		logger:   logger.With("component", "poller"),
		paths:    make(map[string]string),
	}
}

// Track adds path to the polled set. The first poll establishes a baseline
// without emitting.
func (p *Poller) Track(path string) {
	clean, err := CleanPath(path)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.paths[clean]; !ok {
		p.paths[clean] = ""
	}
}

// Run polls until ctx is cancelled, sending events on out. It does not close out.
func (p *Poller) Run(ctx context.Context, out chan<- Event) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx, out)
		}
	}
}

// PollOnce reads every tracked path once. Read failures are logged and the path
// is retried on the next tick.
func (p *Poller) PollOnce(ctx context.Context, out chan<- Event) {
	p.mu.Lock()
	paths := make([]string, 0, len(p.paths))
	for path := range p.paths {
		paths = append(paths, path)
	}
	p.mu.Unlock()

	for _, path := range paths {
		raw, err := p.store.Get(ctx, path)
		if err != nil {
			p.logger.Debug("poll failed", "path", path, "error", err)
			continue
		}
		tag := ETagOf(raw)

		p.mu.Lock()
		prev, tracked := p.paths[path]
		p.paths[path] = tag
		p.mu.Unlock()

		if !tracked || prev == "" || prev == tag {
			continue
		}
		select {
		case out <- Event{Path: path, Value: raw}:
		case <-ctx.Done():
			return
		}
	}
}
