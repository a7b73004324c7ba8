// Package snapshot captures dated, immutable records of the inventory.
//
// A Snapshot copies quantity and unit cost of every item at capture time and
// computes totals from those copies. Its fields are unexported and every accessor
// returns a copy, so nothing can change a snapshot after Capture; there is no
// update operation. Persisted snapshots are create-only.
package snapshot

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DateLayout is the calendar date format used in snapshot keys.
const DateLayout = "2006-01-02"

// Item is the live state of one inventory item.
type Item struct {
	ID       string
	Name     string
	Category string
	Unit     string
	Quantity float64
	UnitCost float64
}

// ItemState is an item as captured.
type ItemState struct {
	Name       string  `json:"name"`
	Category   string  `json:"category,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	Quantity   float64 `json:"quantity"`
	UnitCost   float64 `json:"unitCost"`
	TotalValue float64 `json:"totalValue"`
}

// CategoryTotal sums the items of one category.
type CategoryTotal struct {
	ItemCount  int     `json:"itemCount"`
	Quantity   float64 `json:"quantity"`
	TotalValue float64 `json:"totalValue"`
}

// Aggregates sums a whole snapshot.
type Aggregates struct {
	ItemCount     int                      `json:"itemCount"`
	TotalQuantity float64                  `json:"totalQuantity"`
	TotalValue    float64                  `json:"totalValue"`
	ByCategory    map[string]CategoryTotal `json:"byCategory"`
}

// Snapshot is a sealed capture of the inventory.
type Snapshot struct {
	date       string
	capturedAt time.Time
	capturedBy string
	isManual   bool
	items      map[string]ItemState
	aggregates Aggregates
}

// Capture builds a snapshot of items as of at. It reads nothing but its
// arguments. Items without an id are skipped; a repeated id keeps the last one.
func Capture(items []Item, capturedBy string, isManual bool, at time.Time) *Snapshot {
	s := &Snapshot{
		date:       at.Format(DateLayout),
		capturedAt: at,
		capturedBy: capturedBy,
		isManual:   isManual,
		items:      make(map[string]ItemState, len(items)),
	}
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		s.items[it.ID] = ItemState{
			Name:       it.Name,
			Category:   it.Category,
			Unit:       it.Unit,
			Quantity:   it.Quantity,
			UnitCost:   it.UnitCost,
			TotalValue: cents(it.Quantity * it.UnitCost),
		}
	}
	s.aggregates = aggregate(s.items)
	return s
}

func aggregate(items map[string]ItemState) Aggregates {
	agg := Aggregates{ByCategory: make(map[string]CategoryTotal)}
	for _, st := range items {
		agg.ItemCount++
		agg.TotalQuantity += st.Quantity
		agg.TotalValue += st.TotalValue

		cat := st.Category
		if cat == "" {
			cat = "uncategorized"
		}
		ct := agg.ByCategory[cat]
		ct.ItemCount++
		ct.Quantity += st.Quantity
		ct.TotalValue = cents(ct.TotalValue + st.TotalValue)
		agg.ByCategory[cat] = ct
	}
	agg.TotalValue = cents(agg.TotalValue)
	return agg
}

func cents(v float64) float64 {
	return math.Round(v*100) / 100
}

// Date is the calendar day the snapshot belongs to.
func (s *Snapshot) Date() string { return s.date }

// CapturedAt is when the snapshot was taken.
func (s *Snapshot) CapturedAt() time.Time { return s.capturedAt }

// CapturedBy names the device or operator that took it.
func (s *Snapshot) CapturedBy() string { return s.capturedBy }

// IsManual reports whether an operator triggered the capture.
func (s *Snapshot) IsManual() bool { return s.isManual }

// Key is the snapshot's store key: the date for scheduled captures and
// {date}_manual_{HHMMSS} for manual ones.
func (s *Snapshot) Key() string {
	if !s.isManual {
		return s.date
	}
	return s.date + "_manual_" + s.capturedAt.Format("150405")
}

// Item returns the captured state of id.
func (s *Snapshot) Item(id string) (ItemState, bool) {
	st, ok := s.items[id]
	return st, ok
}

// Items returns a copy of every captured item keyed by id.
func (s *Snapshot) Items() map[string]ItemState {
	out := make(map[string]ItemState, len(s.items))
	for id, st := range s.items {
		out[id] = st
	}
	return out
}

// ItemIDs returns the captured ids, sorted.
func (s *Snapshot) ItemIDs() []string {
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Aggregates returns a copy of the snapshot totals.
func (s *Snapshot) Aggregates() Aggregates {
	out := s.aggregates
	out.ByCategory = make(map[string]CategoryTotal, len(s.aggregates.ByCategory))
	for k, v := range s.aggregates.ByCategory {
		out.ByCategory[k] = v
	}
	return out
}

type wireSnapshot struct {
	Date       string               `json:"date"`
	CapturedAt time.Time            `json:"capturedAt"`
	CapturedBy string               `json:"capturedBy"`
	IsManual   bool                 `json:"isManual"`
	ItemStates map[string]ItemState `json:"itemStates"`
	Aggregates Aggregates           `json:"aggregates"`
}

// MarshalJSON implements json.Marshaler.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSnapshot{
		Date:       s.date,
		CapturedAt: s.capturedAt,
		CapturedBy: s.capturedBy,
		IsManual:   s.isManual,
		ItemStates: s.items,
		Aggregates: s.aggregates,
	})
}

// UnmarshalJSON implements json.Unmarshaler. It is how stored snapshots are
// loaded; the stored totals are kept as they are, never recomputed.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Date == "" {
		return fmt.Errorf("snapshot has no date")
	}
	if w.ItemStates == nil {
		w.ItemStates = make(map[string]ItemState)
	}
	if w.Aggregates.ByCategory == nil {
		w.Aggregates.ByCategory = make(map[string]CategoryTotal)
	}
	*s = Snapshot{
		date:       w.Date,
		capturedAt: w.CapturedAt,
		capturedBy: w.CapturedBy,
		isManual:   w.IsManual,
		items:      w.ItemStates,
		aggregates: w.Aggregates,
	}
	return nil
}

// ParseItems reads the synchronized inventory document, an array of item
// objects. Quantity may be stored as quantity or qty and cost as unitCost or cost.
func ParseItems(raw json.RawMessage) ([]Item, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	doc := gjson.ParseBytes(raw)
	if doc.Type == gjson.Null {
		return nil, nil
	}
	if !doc.IsArray() {
		return nil, fmt.Errorf("inventory is not an array")
	}

	var items []Item
	doc.ForEach(func(_, el gjson.Result) bool {
		if !el.IsObject() {
			return true
		}
		id := el.Get("id")
		if !id.Exists() {
			return true
		}
		items = append(items, Item{
			ID:       id.String(),
			Name:     el.Get("name").String(),
			Category: el.Get("category").String(),
			Unit:     el.Get("unit").String(),
			Quantity: firstNumber(el, "quantity", "qty"),
			UnitCost: firstNumber(el, "unitCost", "cost"),
		})
		return true
	})
	return items, nil
}

func firstNumber(el gjson.Result, keys ...string) float64 {
	for _, k := range keys {
		if v := el.Get(k); v.Exists() {
			return v.Float()
		}
	}
	return 0
}
