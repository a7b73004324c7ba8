package resolve

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrShape is returned by strategies that cannot merge the given JSON shapes.
var ErrShape = errors.New("value shape not mergeable")

// Kind enumerates the strategy types.
type Kind int

const (
	KindRemoteWins Kind = iota
	KindNewestWins
	KindSetUnion
	KindMapMerge
	KindArrayByID
	KindManual
)

func (k Kind) String() string {
	switch k {
	case KindRemoteWins:
		return "remote-wins"
	case KindNewestWins:
		return "newest-wins"
	case KindSetUnion:
		return "set-union"
	case KindMapMerge:
		return "map-merge"
	case KindArrayByID:
		return "array-by-id"
	case KindManual:
		return "manual"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Strategy merges a local and a remote value. Either side may be empty, meaning
// absent. Implementations must be deterministic.
type Strategy interface {
	Kind() Kind
	Merge(local, remote json.RawMessage) (json.RawMessage, error)
}

// RemoteWins keeps the remote value.
type RemoteWins struct{}

func (RemoteWins) Kind() Kind { return KindRemoteWins }

func (RemoteWins) Merge(_, remote json.RawMessage) (json.RawMessage, error) {
	return remote, nil
}

// NewestWins keeps the side with the later embedded timestamp. A missing
// timestamp reads as the current time. Ties fall back to comparing canonical
// JSON, so the result does not depend on argument order.
type NewestWins struct{}

func (NewestWins) Kind() Kind { return KindNewestWins }

func (NewestWins) Merge(local, remote json.RawMessage) (json.RawMessage, error) {
	return pickNewest(local, remote), nil
}

// SetUnion merges two arrays as sets (remote order, then local-only elements) or
// two objects as key sets (remote value on shared keys).
type SetUnion struct{}

func (SetUnion) Kind() Kind { return KindSetUnion }

func (SetUnion) Merge(local, remote json.RawMessage) (json.RawMessage, error) {
	switch {
	case isArray(local) || isArray(remote):
		l, err := decodeArray(local)
		if err != nil {
			return nil, err
		}
		r, err := decodeArray(remote)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(l)+len(r))
		out := make([]json.RawMessage, 0, len(l)+len(r))
		for _, set := range [][]json.RawMessage{r, l} {
			for _, el := range set {
				key := string(canonical(el))
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, el)
			}
		}
		return json.Marshal(out)
	case isObject(local) || isObject(remote):
		l, err := decodeObject(local)
		if err != nil {
			return nil, err
		}
		r, err := decodeObject(remote)
		if err != nil {
			return nil, err
		}
		for k, v := range l {
			if _, ok := r[k]; !ok {
				r[k] = v
			}
		}
		return json.Marshal(r)
	}
	return remote, nil
}

// MapMerge overlays local object entries on the remote object.
type MapMerge struct{}

func (MapMerge) Kind() Kind { return KindMapMerge }

func (MapMerge) Merge(local, remote json.RawMessage) (json.RawMessage, error) {
	l, err := decodeObject(local)
	if err != nil {
		return nil, err
	}
	r, err := decodeObject(remote)
	if err != nil {
		return nil, err
	}
	for k, v := range l {
		r[k] = v
	}
	return json.Marshal(r)
}

// ArrayByID merges arrays of objects keyed by an id member. The result starts as
// the remote array; local elements with a known id replace their remote twin as
// chosen by TieBreak, and unknown ids are appended in local order.
type ArrayByID struct {
	// Key is the id member, "id" when empty.
	Key      string
	TieBreak TieBreak
}

func (ArrayByID) Kind() Kind { return KindArrayByID }

func (a ArrayByID) Merge(local, remote json.RawMessage) (json.RawMessage, error) {
	key := a.Key
	if key == "" {
		key = "id"
	}
	tb := a.TieBreak
	if tb == nil {
		tb = PreferLocal{}
	}

	l, err := decodeArray(local)
	if err != nil {
		return nil, err
	}
	r, err := decodeArray(remote)
	if err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, len(r), len(r)+len(l))
	copy(out, r)
	// The k-th local element with an id pairs with the k-th remote one.
	index := make(map[string][]int, len(r))
	for i, el := range r {
		if id, ok := elementID(el, key); ok {
			index[id] = append(index[id], i)
		}
	}
	used := make(map[string]int, len(l))

	for _, el := range l {
		id, ok := elementID(el, key)
		if !ok {
			if !containsJSON(out, el) {
				out = append(out, el)
			}
			continue
		}
		k := used[id]
		used[id]++
		if slots := index[id]; k < len(slots) {
			i := slots[k]
			if !sameJSON(el, out[i]) {
				out[i] = tb.Pick(el, out[i])
			}
			continue
		}
		out = append(out, el)
	}
	return json.Marshal(out)
}

// Manual keeps the remote value; the Resolver raises a Conflict for review.
type Manual struct{}

func (Manual) Kind() Kind { return KindManual }

func (Manual) Merge(_, remote json.RawMessage) (json.RawMessage, error) {
	return remote, nil
}

func isArray(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '['
}

func isObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '{'
}

func isAbsent(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func decodeArray(raw json.RawMessage) ([]json.RawMessage, error) {
	if isAbsent(raw) {
		return nil, nil
	}
	if !isArray(raw) {
		return nil, fmt.Errorf("%w: expected array", ErrShape)
	}
	var out []json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if isAbsent(raw) {
		return out, nil
	}
	if !isObject(raw) {
		return nil, fmt.Errorf("%w: expected object", ErrShape)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func containsJSON(set []json.RawMessage, el json.RawMessage) bool {
	for _, s := range set {
		if sameJSON(s, el) {
			return true
		}
	}
	return false
}
