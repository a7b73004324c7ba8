package resolve

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// timestampKeys are checked in order; the first one present decides.
var timestampKeys = []string{"lastModified", "updatedAt", "timestamp"}

// canonical re-encodes raw with sorted object keys and no insignificant space.
// Invalid input is returned trimmed.
func canonical(raw json.RawMessage) []byte {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return bytes.TrimSpace(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return bytes.TrimSpace(raw)
	}
	return out
}

func sameJSON(a, b json.RawMessage) bool {
	if isAbsent(a) && isAbsent(b) {
		return true
	}
	return bytes.Equal(canonical(a), canonical(b))
}

// Timestamp returns the embedded modification time of raw in unix milliseconds.
// Numbers are taken as milliseconds; strings may be RFC 3339 or numeric.
func Timestamp(raw json.RawMessage) (int64, bool) {
	if !isObject(raw) {
		return 0, false
	}
	for _, key := range timestampKeys {
		res := gjson.GetBytes(raw, key)
		if !res.Exists() {
			continue
		}
		switch res.Type {
		case gjson.Number:
			return int64(res.Float()), true
		case gjson.String:
			s := strings.TrimSpace(res.String())
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t.UnixMilli(), true
			}
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// clock stands in for the timestamp of a side that carries none.
var clock = time.Now

// pickNewest returns the side with the later timestamp. A side without one
// counts as written now, so it still loses to a timestamp ahead of this
// device's clock. Ties fall back to the larger canonical encoding.
func pickNewest(local, remote json.RawMessage) json.RawMessage {
	lt, lok := Timestamp(local)
	rt, rok := Timestamp(remote)
	if lok || rok {
		now := clock().UnixMilli()
		if !lok {
			lt = now
		}
		if !rok {
			rt = now
		}
		if lt != rt {
			if lt > rt {
				return local
			}
			return remote
		}
	}
	if bytes.Compare(canonical(local), canonical(remote)) > 0 {
		return local
	}
	return remote
}

// elementID returns the id member of an array element as a stable string key.
func elementID(el json.RawMessage, key string) (string, bool) {
	if !isObject(el) {
		return "", false
	}
	res := gjson.GetBytes(el, gjson.Escape(key))
	switch res.Type {
	case gjson.String:
		return "s:" + res.String(), true
	case gjson.Number:
		return "n:" + res.Raw, true
	}
	return "", false
}
