package resolve

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Conflict is raised by the Manual strategy for out-of-band review.
type Conflict struct {
	Field      string          `json:"field"`
	Local      json.RawMessage `json:"local"`
	Remote     json.RawMessage `json:"remote"`
	Strategy   string          `json:"strategy"`
	DetectedAt time.Time       `json:"detectedAt"`
}

type prefixRule struct {
	prefix   string
	strategy Strategy
}

// Resolver selects and applies a Strategy per field.
type Resolver struct {
	mu       sync.RWMutex
	exact    map[string]Strategy
	prefixes []prefixRule
	fallback Strategy

	onConflict func(Conflict)
	logger     *slog.Logger
	now        func() time.Time
}

// New returns a resolver loaded with DefaultTable.
func New(logger *slog.Logger) *Resolver {
	r := NewEmpty(logger)
	for field, s := range DefaultTable() {
		r.Register(field, s)
	}
	return r
}

// NewEmpty returns a resolver where every field is remote-wins.
func NewEmpty(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{
		exact:    make(map[string]Strategy),
		fallback: RemoteWins{},
		logger:   logger.With("component", "resolver"),
		now:      time.Now,
	}
}

// DefaultTable is the strategy table used by the staff app. Keys ending in "/"
// are prefixes.
func DefaultTable() map[string]Strategy {
	newest := ArrayByID{TieBreak: NewestElement{}}
	return map[string]Strategy{
		"employees":       ArrayByID{TieBreak: HigherNumber{Field: "points"}},
		"completedTasks":  SetUnion{},
		"taskAssignments": MapMerge{},
		"scheduledPreps":  newest,
		"inventory":       newest,
		"storeItems":      newest,
		"moods":           MapMerge{},
		"settings":        NewestWins{},
		"prepLists/":      newest,
		"pointsLedger":    Manual{},
	}
}

// Register binds field to s. A field ending in "/" registers a prefix rule.
func (r *Resolver) Register(field string, s Strategy) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.HasSuffix(field, "/") {
		for i := range r.prefixes {
			if r.prefixes[i].prefix == field {
				r.prefixes[i].strategy = s
				return
			}
		}
		r.prefixes = append(r.prefixes, prefixRule{prefix: field, strategy: s})
		sort.Slice(r.prefixes, func(i, j int) bool {
			return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
		})
		return
	}
	r.exact[field] = s
}

// OnConflict sets the callback invoked when a Manual field is resolved.
func (r *Resolver) OnConflict(fn func(Conflict)) {
	r.mu.Lock()
	r.onConflict = fn
	r.mu.Unlock()
}

// StrategyFor returns the strategy that applies to field.
func (r *Resolver) StrategyFor(field string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.exact[field]; ok {
		return s
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(field, p.prefix) {
			return p.strategy
		}
	}
	return r.fallback
}

// Resolve merges local and remote for field. It never fails: on any problem the
// remote value is returned.
func (r *Resolver) Resolve(field string, local, remote json.RawMessage) (merged json.RawMessage) {
	s := r.StrategyFor(field)

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("merge panicked, keeping remote", "field", field, "strategy", s.Kind(), "panic", fmt.Sprint(p))
			merged = remote
		}
	}()

	if !validOrEmpty(local) || !validOrEmpty(remote) {
		r.logger.Warn("malformed value, keeping remote", "field", field, "strategy", s.Kind())
		return remote
	}

	out, err := s.Merge(local, remote)
	if err != nil {
		r.logger.Warn("merge failed, keeping remote", "field", field, "strategy", s.Kind(), "error", err)
		return remote
	}

	if s.Kind() == KindManual && !sameJSON(local, remote) {
		r.raise(Conflict{
			Field:      field,
			Local:      local,
			Remote:     remote,
			Strategy:   s.Kind().String(),
			DetectedAt: r.now(),
		})
	}
	return out
}

func (r *Resolver) raise(c Conflict) {
	r.mu.RLock()
	fn := r.onConflict
	r.mu.RUnlock()

	r.logger.Warn("conflict needs review", "field", c.Field)
	if fn != nil {
		fn(c)
	}
}

func validOrEmpty(raw json.RawMessage) bool {
	return len(raw) == 0 || json.Valid(raw)
}
