// Package queue buffers mutations made while the store is unreachable and replays
// them, strictly in arrival order, once it is reachable again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPermanent marks a send failure that retrying cannot fix. Senders wrap it;
	// Flush drops the operation and moves on.
	ErrPermanent = errors.New("permanent send failure")

	// ErrFull is returned by Enqueue when the queue is at capacity.
	ErrFull = errors.New("offline queue full")

	// ErrInvalidPayload is returned by Enqueue for payloads that are not valid JSON.
	ErrInvalidPayload = errors.New("invalid operation payload")

	// ErrDropped is returned by Flush when the head operation ran out of attempts.
	ErrDropped = errors.New("operation dropped after max attempts")

	// ErrFlushing is returned when another Flush is already running.
	ErrFlushing = errors.New("flush already in progress")
)

// Operation is one intended mutation.
type Operation struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Collection string          `json:"collection"`
	Payload    json.RawMessage `json:"payload"`
	DeviceID   string          `json:"deviceId"`
	Timestamp  int64           `json:"timestamp"`
	Epoch      int64           `json:"epoch,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
}

// Sender delivers one operation to the store.
type Sender interface {
	Send(ctx context.Context, op Operation) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, op Operation) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, op Operation) error { return f(ctx, op) }

// Journal persists the queue between runs.
type Journal interface {
	LoadOperations(ctx context.Context) ([]Operation, error)
	SaveOperations(ctx context.Context, ops []Operation) error
}

// Config holds queue settings.
type Config struct {
	// MaxSize bounds the number of buffered operations.
	MaxSize int

	// MaxAttempts is how many failed sends an operation survives.
	MaxAttempts int

	// Journal, when set, receives the full queue after every change.
	Journal Journal

	// OnDrop is called for every operation removed without being delivered.
	OnDrop func(op Operation, err error)

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxSize:     500,
		MaxAttempts: 10,
	}
}

// Queue is a bounded FIFO of operations, deduplicated by ID.
type Queue struct {
	config *Config
	logger *slog.Logger

	mu  sync.Mutex
	ops []Operation
	ids map[string]struct{}

	flushMu   sync.Mutex
	journalMu sync.Mutex
}

// New creates a queue with default configuration.
func New() *Queue {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a queue with custom configuration.
func NewWithConfig(config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Queue{
		config: config,
		logger: logger.With("component", "queue"),
		ids:    make(map[string]struct{}),
	}
}

// Restore loads operations saved by the journal, keeping arrival order and
// skipping duplicates.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.config.Journal == nil {
		return 0, nil
	}
	ops, err := q.config.Journal.LoadOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load queue journal: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	restored := 0
	for _, op := range ops {
		if _, dup := q.ids[op.ID]; dup || op.ID == "" {
			continue
		}
		if len(q.ops) >= q.config.MaxSize {
			break
		}
		q.ops = append(q.ops, op)
		q.ids[op.ID] = struct{}{}
		restored++
	}
	return restored, nil
}

// Enqueue appends op. An empty ID gets a fresh UUID and a zero Timestamp is set to
// now. Enqueueing an ID already in the queue is a no-op.
func (q *Queue) Enqueue(op Operation) (Operation, error) {
	if !json.Valid(op.Payload) {
		q.logger.Warn("rejecting operation with invalid payload", "collection", op.Collection, "id", op.ID)
		return op, ErrInvalidPayload
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp == 0 {
		op.Timestamp = time.Now().UnixMilli()
	}

	q.mu.Lock()
	if _, dup := q.ids[op.ID]; dup {
		q.mu.Unlock()
		return op, nil
	}
	if len(q.ops) >= q.config.MaxSize {
		q.mu.Unlock()
		q.logger.Warn("queue full, rejecting operation", "collection", op.Collection, "id", op.ID, "size", q.config.MaxSize)
		return op, ErrFull
	}
	q.ops = append(q.ops, op)
	q.ids[op.ID] = struct{}{}
	q.commitAndUnlock()
	return op, nil
}

// Size returns the number of buffered operations.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Operations returns a copy of the buffered operations in replay order.
func (q *Queue) Operations() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Flush replays operations in order, waiting for each send to finish before the
// next. A failed send stops the replay and counts an attempt against the head
// operation; once it has used MaxAttempts it is dropped and ErrDropped returned.
// Permanent failures drop the operation and replay continues.
//
// Only one Flush runs at a time; a concurrent call returns ErrFlushing.
func (q *Queue) Flush(ctx context.Context, sender Sender) (int, error) {
	if !q.flushMu.TryLock() {
		return 0, ErrFlushing
	}
	defer q.flushMu.Unlock()

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		q.mu.Lock()
		if len(q.ops) == 0 {
			q.mu.Unlock()
			return sent, nil
		}
		head := q.ops[0]
		q.mu.Unlock()

		err := sender.Send(ctx, head)
		switch {
		case err == nil:
			q.remove(head.ID)
			sent++

		case errors.Is(err, ErrPermanent):
			q.remove(head.ID)
			q.logger.Error("dropping operation", "id", head.ID, "collection", head.Collection, "error", err)
			q.drop(head, err)

		default:
			attempts := q.recordAttempt(head.ID)
			if attempts < q.config.MaxAttempts {
				q.logger.Debug("flush halted", "id", head.ID, "attempts", attempts, "error", err)
				return sent, err
			}
			q.remove(head.ID)
			dropErr := fmt.Errorf("%w: %s (%s) after %d attempts: %w", ErrDropped, head.ID, head.Collection, attempts, err)
			q.logger.Error("dropping operation", "id", head.ID, "collection", head.Collection, "attempts", attempts, "error", err)
			q.drop(head, dropErr)
			return sent, dropErr
		}
	}
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			break
		}
	}
	delete(q.ids, id)
	q.commitAndUnlock()
}

func (q *Queue) recordAttempt(id string) int {
	q.mu.Lock()
	attempts := 0
	for i := range q.ops {
		if q.ops[i].ID == id {
			q.ops[i].Attempts++
			attempts = q.ops[i].Attempts
			break
		}
	}
	q.commitAndUnlock()
	return attempts
}

func (q *Queue) drop(op Operation, err error) {
	if q.config.OnDrop != nil {
		q.config.OnDrop(op, err)
	}
}

func (q *Queue) snapshotLocked() []Operation {
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// commitAndUnlock writes the current queue to the journal and releases q.mu.
// journalMu is taken before q.mu is released so saves land in mutation order.
func (q *Queue) commitAndUnlock() {
	if q.config.Journal == nil {
		q.mu.Unlock()
		return
	}
	ops := q.snapshotLocked()
	q.journalMu.Lock()
	q.mu.Unlock()
	defer q.journalMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.config.Journal.SaveOperations(ctx, ops); err != nil {
		q.logger.Warn("failed to persist queue", "error", err)
	}
}
