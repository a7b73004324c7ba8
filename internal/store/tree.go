package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Tree is an in-memory JSON document tree addressed by slash-separated paths,
// with the read/replace/delete semantics of the backing store.
//
// Writing to a path replaces the whole subtree; writing null deletes it and prunes
// empty parents. Reading a parent returns the nested object of its children.
// Tree is not safe for concurrent use; owners guard it with their own mutex.
type Tree struct {
	root map[string]any
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{root: make(map[string]any)}
}

// Get returns the JSON encoding of the value at path, or nil if absent.
func (t *Tree) Get(path string) (json.RawMessage, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	node, ok := t.lookup(p)
	if !ok {
		return nil, nil
	}
	out, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %q: %w", p, err)
	}
	return out, nil
}

// ETag returns a content hash of the value at path. Absent values share the
// hash of the JSON literal null, so a conditional write can create a key.
func (t *Tree) ETag(path string) (string, error) {
	raw, err := t.Get(path)
	if err != nil {
		return "", err
	}
	return ETagOf(raw), nil
}

// Set replaces the value at path. A null value deletes the path.
func (t *Tree) Set(path string, raw json.RawMessage) error {
	p, err := CleanPath(path)
	if err != nil {
		return err
	}
	if IsNull(raw) {
		t.remove(p)
		return nil
	}
	value, err := decodeValue(raw)
	if err != nil {
		return err
	}
	if p == "" {
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: root must be an object", ErrInvalidPath)
		}
		t.root = obj
		return nil
	}

	parts := strings.Split(p, "/")
	cur := t.root
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// Delete removes the value at path. Deleting an absent path is a no-op.
func (t *Tree) Delete(path string) error {
	p, err := CleanPath(path)
	if err != nil {
		return err
	}
	t.remove(p)
	return nil
}

// Keys returns the sorted top-level keys.
func (t *Tree) Keys() []string {
	keys := make([]string, 0, len(t.root))
	for k := range t.root {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Tree) lookup(p string) (any, bool) {
	if p == "" {
		if len(t.root) == 0 {
			return nil, false
		}
		return t.root, true
	}
	var cur any = t.root
	for _, part := range strings.Split(p, "/") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (t *Tree) remove(p string) {
	if p == "" {
		t.root = make(map[string]any)
		return
	}
	parts := strings.Split(p, "/")
	chain := make([]map[string]any, 0, len(parts))
	cur := t.root
	for _, part := range parts[:len(parts)-1] {
		chain = append(chain, cur)
		next, ok := cur[part].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])

	// Prune parents left empty, deepest first.
	for i := len(chain) - 1; i >= 0 && len(cur) == 0; i-- {
		delete(chain[i], parts[i])
		cur = chain[i]
	}
}

func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON value: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON value: trailing data")
	}
	return v, nil
}

// ETagOf hashes an encoded value. nil and null hash identically.
func ETagOf(raw json.RawMessage) string {
	if IsNull(raw) {
		raw = json.RawMessage("null")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}
