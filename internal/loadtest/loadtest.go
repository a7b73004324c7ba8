// Package loadtest simulates many devices writing one shared field at once.
//
// Every device adds its own ids to a set-union field and waits for each write
// to reach the store. At the end every device re-reads the field and must see
// the ids of all devices.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shiftboard/shiftsync/internal/fieldsync"
	"github.com/shiftboard/shiftsync/internal/resolve"
	"github.com/shiftboard/shiftsync/internal/store"
)

// Connect returns the store client for device i.
type Connect func(i int) (store.Store, error)

// Options controls a run.
type Options struct {
	Devices         int
	WritesPerDevice int

	// Field is the set-union field every device writes.
	Field string

	// Timeout bounds the whole run.
	Timeout time.Duration

	Logger *slog.Logger
}

// DefaultOptions returns a small run.
func DefaultOptions() Options {
	return Options{
		Devices:         10,
		WritesPerDevice: 20,
		Field:           "loadtestIds",
		Timeout:         2 * time.Minute,
	}
}

// LatencyStats summarizes how long writes took to reach the store.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration
	P95         time.Duration
	P99         time.Duration
	TotalWrites int
	Errors      int
}

// Report is the result of a run.
type Report struct {
	Latency *LatencyStats
	Elapsed time.Duration

	// Converged counts devices whose final value held every id.
	Converged int
	Devices   int

	// Missing is the largest number of ids absent from any device's final value.
	Missing int
}

type device struct {
	sync *fieldsync.Synchronizer
	id   string
}

// Run executes the load test.
func Run(ctx context.Context, connect Connect, opts Options) (*Report, error) {
	defaults := DefaultOptions()
	if opts.Devices <= 0 {
		opts.Devices = defaults.Devices
	}
	if opts.WritesPerDevice <= 0 {
		opts.WritesPerDevice = defaults.WritesPerDevice
	}
	if opts.Field == "" {
		opts.Field = defaults.Field
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	devices, err := startDevices(ctx, connect, opts, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, d := range devices {
			d.sync.Stop()
		}
	}()

	start := time.Now()
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations []time.Duration
		errCount  int
	)
	for i, d := range devices {
		wg.Add(1)
		go func(i int, d device) {
			defer wg.Done()
			for j := 0; j < opts.WritesPerDevice; j++ {
				elapsed, err := addAndWait(ctx, d.sync, opts.Field, itemID(i, j))
				mu.Lock()
				if err != nil {
					errCount++
					logger.Warn("write did not reach the store", "device", d.id, "write", j, "error", err)
				} else {
					durations = append(durations, elapsed)
				}
				mu.Unlock()
				if err != nil && ctx.Err() != nil {
					return
				}
			}
		}(i, d)
	}
	wg.Wait()

	if len(durations) == 0 {
		return nil, fmt.Errorf("no writes completed")
	}

	report := &Report{
		Latency: computeLatencyStats(durations),
		Elapsed: time.Since(start),
		Devices: len(devices),
	}
	report.Latency.Errors = errCount

	want := opts.Devices * opts.WritesPerDevice
	for _, d := range devices {
		if err := d.sync.ForceRefresh(ctx, opts.Field); err != nil {
			return nil, fmt.Errorf("failed to refresh %s: %w", d.id, err)
		}
		got := len(decodeIDs(d.sync.Value(opts.Field)))
		if got == want {
			report.Converged++
		}
		if missing := want - got; missing > report.Missing {
			report.Missing = missing
		}
	}
	return report, nil
}

func startDevices(ctx context.Context, connect Connect, opts Options, logger *slog.Logger) ([]device, error) {
	devices := make([]device, 0, opts.Devices)
	for i := 0; i < opts.Devices; i++ {
		s, err := connect(i)
		if err != nil {
			return nil, fmt.Errorf("failed to connect device %d: %w", i, err)
		}

		resolver := resolve.NewEmpty(logger)
		resolver.Register(opts.Field, resolve.SetUnion{})

		cfg := fieldsync.DefaultConfig()
		cfg.Debounce = 0
		cfg.TickInterval = 10 * time.Millisecond
		cfg.RetryInterval = 20 * time.Millisecond
		cfg.CASRetries = 4 * opts.Devices
		cfg.Logger = logger

		id := fmt.Sprintf("loadtest-%02d", i)
		fs, err := fieldsync.NewWithConfig(s, resolver, id, cfg)
		if err != nil {
			return nil, err
		}

		var events <-chan store.Event
		if w, ok := s.(store.Watcher); ok {
			if events, err = w.Watch(ctx, cfg.Prefix); err != nil {
				return nil, fmt.Errorf("failed to watch for device %d: %w", i, err)
			}
		}
		if err := fs.Start(ctx, events); err != nil {
			return nil, err
		}
		devices = append(devices, device{sync: fs, id: id})
	}
	return devices, nil
}

// addAndWait publishes the field with id added and waits until the write lands.
func addAndWait(ctx context.Context, fs *fieldsync.Synchronizer, field, id string) (time.Duration, error) {
	ids := append(decodeIDs(fs.Value(field)), id)
	raw, err := json.Marshal(ids)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := fs.Publish(field, raw, fieldsync.High); err != nil {
		return 0, err
	}

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for fs.Status(field) != fieldsync.StatusSynced {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
	return time.Since(start), nil
}

func itemID(device, write int) string {
	return fmt.Sprintf("d%02d-%04d", device, write)
}

func decodeIDs(raw json.RawMessage) []string {
	var ids []string
	if len(raw) == 0 {
		return ids
	}
	_ = json.Unmarshal(raw, &ids)
	return ids
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(durations)),
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalWrites: len(durations),
	}
}

// Print writes the report in a fixed layout.
func (r *Report) Print(w io.Writer) {
	s := r.Latency
	fmt.Fprintf(w, "Write latency:\n")
	fmt.Fprintf(w, "  Total writes:  %d\n", s.TotalWrites)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
	fmt.Fprintf(w, "Convergence:     %d/%d devices (max missing %d)\n", r.Converged, r.Devices, r.Missing)
	fmt.Fprintf(w, "Elapsed:         %v\n", r.Elapsed)
}
