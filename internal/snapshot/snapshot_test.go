package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftboard/shiftsync/internal/store"
)

var day = time.Date(2026, 10, 19, 23, 59, 0, 0, time.UTC)

func pantry() []Item {
	return []Item{
		{ID: "flour", Name: "Flour", Category: "dry", Unit: "kg", Quantity: 10, UnitCost: 5},
		{ID: "milk", Name: "Milk", Category: "dairy", Unit: "l", Quantity: 4, UnitCost: 1.25},
		{ID: "sugar", Name: "Sugar", Category: "dry", Unit: "kg", Quantity: 2, UnitCost: 3.5},
	}
}

// inventory is a mutable live source.
type inventory struct {
	mu    sync.Mutex
	items []Item
	err   error
}

func (i *inventory) set(items []Item) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.items = items
}

func (i *inventory) source(context.Context) ([]Item, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return nil, i.err
	}
	return append([]Item(nil), i.items...), nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newService(t *testing.T, s store.Store, inv *inventory, c *clock) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	cfg.Now = c.Now
	svc, err := NewWithConfig(s, inv.source, cfg)
	require.NoError(t, err)
	return svc
}

func TestCaptureGolden(t *testing.T) {
	snap := Capture(pantry(), "scheduler", false, day)

	data, err := json.MarshalIndent(snap, "", "  ")
	require.NoError(t, err)
	data = append(data, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "snapshot_2026-10-19", data)
}

func TestCaptureAggregates(t *testing.T) {
	snap := Capture(append(pantry(), Item{ID: "salt", Quantity: 1, UnitCost: 0.333}), "dev-1", false, day)
	agg := snap.Aggregates()

	assert.Equal(t, 4, agg.ItemCount)
	assert.Equal(t, 62.33, agg.TotalValue)
	assert.Equal(t, 1, agg.ByCategory["uncategorized"].ItemCount)
	assert.Equal(t, []string{"flour", "milk", "salt", "sugar"}, snap.ItemIDs())

	// Accessors hand out copies.
	agg.ByCategory["dry"] = CategoryTotal{}
	items := snap.Items()
	delete(items, "flour")
	assert.Equal(t, 57.0, snap.Aggregates().ByCategory["dry"].TotalValue)
	_, ok := snap.Item("flour")
	assert.True(t, ok)
}

func TestSnapshotUnaffectedByLaterChanges(t *testing.T) {
	ctx := context.Background()
	inv := &inventory{items: []Item{{ID: "flour", Name: "Flour", Quantity: 10, UnitCost: 5.00}}}
	c := &clock{now: day}
	m := store.NewMemStore()
	svc := newService(t, m, inv, c)

	snap, err := svc.CaptureNow(ctx, "scheduler", false)
	require.NoError(t, err)
	assert.Equal(t, 50.0, snap.Aggregates().TotalValue)

	// The live item changes the next day.
	inv.set([]Item{{ID: "flour", Name: "Flour", Quantity: 15, UnitCost: 6.00}})
	c.Set(day.Add(24 * time.Hour))
	next, err := svc.CaptureNow(ctx, "scheduler", false)
	require.NoError(t, err)
	assert.Equal(t, 90.0, next.Aggregates().TotalValue)

	loaded, err := svc.Load(ctx, "2026-10-19")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	st, ok := loaded.Item("flour")
	require.True(t, ok)
	assert.Equal(t, 10.0, st.Quantity)
	assert.Equal(t, 5.0, st.UnitCost)
	assert.Equal(t, 50.0, st.TotalValue)
	assert.Equal(t, 50.0, loaded.Aggregates().TotalValue)

	// Capturing again for day N does not replace the stored record.
	c.Set(day)
	_, err = svc.CaptureNow(ctx, "scheduler", false)
	require.NoError(t, err)
	loaded, err = svc.Load(ctx, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, 50.0, loaded.Aggregates().TotalValue)
}

func TestPersistCreateOnly(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemStore()
	svc := newService(t, m, &inventory{}, &clock{now: day})

	first := Capture(pantry(), "a", false, day)
	written, err := svc.Persist(ctx, first)
	require.NoError(t, err)
	assert.True(t, written)

	second := Capture(nil, "b", false, day)
	written, err = svc.Persist(ctx, second)
	require.NoError(t, err)
	assert.False(t, written)

	loaded, err := svc.Load(ctx, "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, "a", loaded.CapturedBy())
	assert.Equal(t, 3, loaded.Aggregates().ItemCount)
}

func TestManualSnapshotKeys(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemStore()
	inv := &inventory{items: pantry()}
	c := &clock{now: time.Date(2026, 10, 19, 14, 5, 9, 0, time.UTC)}
	svc := newService(t, m, inv, c)

	manual, err := svc.CaptureNow(ctx, "manager", true)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-19_manual_140509", manual.Key())

	c.Set(day)
	_, err = svc.CaptureNow(ctx, "scheduler", false)
	require.NoError(t, err)

	keys, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-10-19", "2026-10-19_manual_140509"}, keys)

	loaded, err := svc.LoadKey(ctx, manual.Key())
	require.NoError(t, err)
	assert.True(t, loaded.IsManual())
}

func TestLoadMissingAndInvalidDate(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, store.NewMemStore(), &inventory{}, &clock{now: day})

	snap, err := svc.Load(ctx, "2026-01-01")
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, err = svc.Load(ctx, "yesterday")
	assert.Error(t, err)
}

func TestTickCapturesOncePerDay(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemStore()
	inv := &inventory{items: pantry()}
	c := &clock{now: day.Add(-time.Minute)}
	svc := newService(t, m, inv, c)

	fired, err := svc.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, fired, "23:58 is not capture time")

	c.Set(day)
	fired, err = svc.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, fired)

	c.Set(day.Add(20 * time.Second))
	fired, err = svc.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, fired, "second check in the same minute")

	loaded, err := svc.Load(ctx, "2026-10-19")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "scheduler", loaded.CapturedBy())
	assert.False(t, loaded.IsManual())
}

func TestTickCatchesUpLateTick(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemStore()
	c := &clock{now: day.Add(-10 * time.Millisecond)}
	svc := newService(t, m, &inventory{items: pantry()}, c)

	fired, err := svc.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, fired)

	// The next tick lands after midnight.
	c.Set(day.Add(90 * time.Second))
	fired, err = svc.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, fired)

	loaded, err := svc.Load(ctx, "2026-10-19")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, day.Equal(loaded.CapturedAt()), "dated at the scheduled time")

	c.Set(day.Add(5 * time.Minute))
	fired, err = svc.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, fired)

	keys, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-10-19"}, keys)
}

func TestTickAfterCaptureTime(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: day.Add(40 * time.Second)}
	svc := newService(t, store.NewMemStore(), &inventory{items: pantry()}, c)

	fired, err := svc.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, fired, "capture time passed without a tick at 23:59:00")

	snap, err := svc.Load(ctx, "2026-10-19")
	require.NoError(t, err)
	require.NotNil(t, snap)
}

func TestTickRetriesAfterSourceFailure(t *testing.T) {
	ctx := context.Background()
	inv := &inventory{items: pantry(), err: errors.New("inventory not loaded")}
	c := &clock{now: day}
	svc := newService(t, store.NewMemStore(), inv, c)

	_, err := svc.Tick(ctx)
	require.Error(t, err)

	inv.mu.Lock()
	inv.err = nil
	inv.mu.Unlock()
	fired, err := svc.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestPersistUnavailable(t *testing.T) {
	m := store.NewMemStore()
	m.SetOffline(true)
	svc := newService(t, m, &inventory{}, &clock{now: day})

	_, err := svc.Persist(context.Background(), Capture(pantry(), "a", false, day))
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestNewRejectsBadCaptureTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CaptureAt = "midnight"
	_, err := NewWithConfig(store.NewMemStore(), nil, cfg)
	assert.Error(t, err)
}

func TestParseItems(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []Item
		wantErr bool
	}{
		{name: "null", raw: `null`},
		{name: "empty", raw: ``},
		{name: "not array", raw: `{"a":1}`, wantErr: true},
		{
			name: "aliases and skips",
			raw:  `[{"id":"flour","name":"Flour","qty":3,"cost":2.5},{"name":"no id"},7,{"id":9,"quantity":1,"unitCost":4,"category":"dry"}]`,
			want: []Item{
				{ID: "flour", Name: "Flour", Quantity: 3, UnitCost: 2.5},
				{ID: "9", Category: "dry", Quantity: 1, UnitCost: 4},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseItems(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
