package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftboard/shiftsync/internal/fieldsync"
	"github.com/shiftboard/shiftsync/internal/presence"
	"github.com/shiftboard/shiftsync/internal/reset"
	"github.com/shiftboard/shiftsync/internal/resolve"
	"github.com/shiftboard/shiftsync/internal/store"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

// plainStore hides the optional capabilities of the wrapped store.
type plainStore struct {
	store.Store
}

type options struct {
	resetFields map[string]json.RawMessage
	onConflict  func(resolve.Conflict)
}

func newEngine(t *testing.T, s store.Store, id string, opts options) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.ReconnectInterval = 50 * time.Millisecond
	cfg.OnConflict = opts.onConflict
	cfg.FieldSync = &fieldsync.Config{
		Debounce:      10 * time.Millisecond,
		TickInterval:  tick,
		RetryInterval: 50 * time.Millisecond,
	}
	cfg.Presence = &presence.Config{HeartbeatInterval: time.Second, PollInterval: time.Second}
	cfg.Reset = &reset.Config{Fields: opts.resetFields}
	if cfg.Reset.Fields == nil {
		cfg.Reset.Fields = map[string]json.RawMessage{}
	}

	e, err := NewWithConfig(s, id, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e
}

func ints(t *testing.T, raw json.RawMessage) []int {
	t.Helper()
	if raw == nil {
		return nil
	}
	var out []int
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func hasValues(e *Engine, field string, want ...int) func() bool {
	return func() bool {
		var got []int
		if err := json.Unmarshal(e.Fields().Value(field), &got); err != nil {
			return false
		}
		if len(got) != len(want) {
			return false
		}
		seen := make(map[int]bool, len(got))
		for _, v := range got {
			seen[v] = true
		}
		for _, v := range want {
			if !seen[v] {
				return false
			}
		}
		return true
	}
}

func TestEngineConvergesAfterOffline(t *testing.T) {
	mem := store.NewMemStore()
	linkB := mem.Client()
	a := newEngine(t, mem.Client(), "till-a", options{})
	b := newEngine(t, linkB, "till-b", options{})

	a.Fields().Subscribe("completedTasks", func(string, json.RawMessage) {})
	b.Fields().Subscribe("completedTasks", func(string, json.RawMessage) {})

	require.NoError(t, a.Fields().Publish("completedTasks", json.RawMessage(`[1]`), fieldsync.High))
	require.Eventually(t, hasValues(b, "completedTasks", 1), waitFor, tick)

	linkB.SetOffline(true)
	require.NoError(t, b.Fields().Publish("completedTasks", json.RawMessage(`[1,2]`), fieldsync.High))
	require.Eventually(t, func() bool { return !b.Online() && b.Queue().Size() == 1 }, waitFor, tick)

	require.NoError(t, a.Fields().Publish("completedTasks", json.RawMessage(`[1,3]`), fieldsync.High))
	require.Eventually(t, func() bool { return a.Fields().Pending() == 0 }, waitFor, tick)

	linkB.SetOffline(false)
	require.Eventually(t, hasValues(b, "completedTasks", 1, 2, 3), waitFor, tick)
	require.Eventually(t, hasValues(a, "completedTasks", 1, 2, 3), waitFor, tick)
	assert.True(t, b.Online())
	assert.Equal(t, 0, b.Queue().Size())
	assert.ElementsMatch(t, []int{1, 2, 3}, ints(t, b.Fields().Value("completedTasks")))
}

func TestEnginePollingFallback(t *testing.T) {
	mem := store.NewMemStore()
	a := newEngine(t, mem.Client(), "till-a", options{})
	c := newEngine(t, plainStore{mem.Client()}, "till-c", options{})

	c.Fields().Subscribe("completedTasks", func(string, json.RawMessage) {})
	// Let the poller take its baseline first.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, a.Fields().Publish("completedTasks", json.RawMessage(`[4]`), fieldsync.High))
	require.Eventually(t, hasValues(c, "completedTasks", 4), waitFor, tick)
}

func TestEngineManualSnapshot(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	a := newEngine(t, mem.Client(), "till-a", options{})
	b := newEngine(t, mem.Client(), "till-b", options{})

	inventory := `[{"id":"flour","name":"Flour","quantity":10,"unitCost":5},{"id":"milk","quantity":4,"unitCost":1.25}]`
	require.NoError(t, a.Fields().Publish("inventory", json.RawMessage(inventory), fieldsync.High))
	require.Eventually(t, func() bool { return a.Fields().Pending() == 0 }, waitFor, tick)

	snap, err := b.CaptureSnapshot(ctx, "manager")
	require.NoError(t, err)
	assert.True(t, snap.IsManual())
	assert.Equal(t, "manager", snap.CapturedBy())
	assert.True(t, strings.Contains(snap.Key(), "_manual_"))
	assert.Equal(t, 55.0, snap.Aggregates().TotalValue)

	keys, err := a.Snapshots().List(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, snap.Key())
}

func TestEngineManualReset(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	fields := map[string]json.RawMessage{"completedTasks": json.RawMessage(`[]`)}
	a := newEngine(t, mem.Client(), "till-a", options{resetFields: fields})
	b := newEngine(t, mem.Client(), "till-b", options{resetFields: fields})

	// Both devices run the daily check on start; exactly one resets.
	require.Eventually(t, func() bool {
		outcome, err := a.RunDailyReset(ctx)
		return err == nil && outcome == reset.AlreadyDone
	}, waitFor, tick)

	b.Fields().Subscribe("completedTasks", func(string, json.RawMessage) {})
	require.NoError(t, a.Fields().Publish("completedTasks", json.RawMessage(`[5,6]`), fieldsync.High))
	require.Eventually(t, hasValues(b, "completedTasks", 5, 6), waitFor, tick)

	outcome, err := a.ResetNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, reset.Done, outcome)
	assert.Empty(t, ints(t, a.Fields().Value("completedTasks")))
	require.Eventually(t, hasValues(b, "completedTasks"), waitFor, tick)
}

func TestEngineRaisesConflicts(t *testing.T) {
	mem := store.NewMemStore()
	linkB := mem.Client()

	var mu sync.Mutex
	var conflicts []resolve.Conflict
	a := newEngine(t, mem.Client(), "till-a", options{})
	b := newEngine(t, linkB, "till-b", options{onConflict: func(c resolve.Conflict) {
		mu.Lock()
		conflicts = append(conflicts, c)
		mu.Unlock()
	}})

	linkB.SetOffline(true)
	require.NoError(t, b.Fields().Publish("pointsLedger", json.RawMessage(`{"till-b":2}`), fieldsync.High))
	require.Eventually(t, func() bool { return b.Queue().Size() == 1 }, waitFor, tick)

	require.NoError(t, a.Fields().Publish("pointsLedger", json.RawMessage(`{"till-a":1}`), fieldsync.High))
	require.Eventually(t, func() bool { return a.Fields().Pending() == 0 }, waitFor, tick)

	linkB.SetOffline(false)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(conflicts) > 0
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "pointsLedger", conflicts[0].Field)
	assert.Equal(t, "manual", conflicts[0].Strategy)
}

func TestEngineStatusAndPresence(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	a := newEngine(t, mem.Client(), "till-a", options{})
	newEngine(t, mem.Client(), "till-b", options{})

	require.Eventually(t, func() bool {
		devices, err := a.ActiveDevices(ctx)
		return err == nil && len(devices) == 2
	}, waitFor, tick)

	require.NoError(t, a.Fields().Publish("moods", json.RawMessage(`{"till-a":"busy"}`), fieldsync.Normal))
	st := a.Status()
	assert.Equal(t, "till-a", st.DeviceID)
	assert.True(t, st.Online)
	assert.Contains(t, st.Fields, "moods")
}

func TestEngineLateSubscriberGetsStoredValue(t *testing.T) {
	mem := store.NewMemStore()
	a := newEngine(t, mem.Client(), "till-a", options{})
	require.NoError(t, a.Fields().Publish("employees", json.RawMessage(`[{"id":"e1","points":7}]`), fieldsync.High))
	require.Eventually(t, func() bool {
		return a.Fields().Status("employees") == fieldsync.StatusSynced
	}, waitFor, tick)

	c := newEngine(t, mem.Client(), "till-c", options{})
	got := make(chan json.RawMessage, 4)
	c.Fields().Subscribe("employees", func(_ string, v json.RawMessage) { got <- v })

	select {
	case v := <-got:
		assert.JSONEq(t, `[{"id":"e1","points":7}]`, string(v))
	case <-time.After(waitFor):
		t.Fatal("subscriber never received the stored value")
	}
}

func TestEngineStartUnwindsOnFailure(t *testing.T) {
	mem := store.NewMemStore()
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.FieldSync = &fieldsync.Config{TickInterval: tick}
	cfg.Reset = &reset.Config{Fields: map[string]json.RawMessage{}}
	e, err := NewWithConfig(mem.Client(), "till-a", cfg)
	require.NoError(t, err)

	// A scheduler that is already running makes the last step of Start fail.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Snapshots().Start(ctx))
	defer e.Snapshots().Stop()

	require.Error(t, e.Start(context.Background()))

	devices, err := e.ActiveDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices, "presence withdrawn")

	require.NoError(t, e.Fields().Publish("moods", json.RawMessage(`{"e1":"ok"}`), fieldsync.High))
	assert.Never(t, func() bool {
		raw, err := mem.Get(context.Background(), "sync/moods")
		return err == nil && !store.IsNull(raw)
	}, 200*time.Millisecond, tick, "write loop stopped")

	e.Stop()
}

func TestNewWithConfigValidates(t *testing.T) {
	_, err := NewWithConfig(nil, "till-a", nil)
	assert.Error(t, err)
	_, err = NewWithConfig(store.NewMemStore(), "", nil)
	assert.Error(t, err)
}
