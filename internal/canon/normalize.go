package canon

import (
	"golang.org/x/text/unicode/norm"
)

// VolatileFields lists object keys removed at every depth before hashing.
// They carry per-attempt noise (clocks, tracing, client fingerprints) that must not
// turn a retry into a different request.
var VolatileFields = []string{
	"created_at",
	"updated_at",
	"timestamp",
	"_metadata",
	"request_id",
	"trace_id",
	"session_id",
	"user_agent",
}

var volatileSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(VolatileFields))
	for _, f := range VolatileFields {
		m[f] = struct{}{}
	}
	return m
}()

// IsVolatile reports whether key is on the denylist. Matching is exact.
func IsVolatile(key string) bool {
	_, ok := volatileSet[key]
	return ok
}

// Normalize returns the canonical form of v.
//
// Denylisted keys are dropped from every object at every depth, including objects
// nested in arrays. Numbers are re-canonicalised and strings (keys included) are
// NFC-normalised. When two keys collapse to the same NFC form the byte-wise smallest
// original key wins, so the result never depends on map iteration order.
func Normalize(v Value) Value {
	switch val := v.(type) {
	case nil, Null:
		return Null{}
	case Bool:
		return val
	case Number:
		n, err := NewNumber(string(val))
		if err != nil {
			return val
		}
		return n
	case String:
		return String(norm.NFC.String(string(val)))
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = Normalize(elem)
		}
		return out
	case Object:
		out := make(Object, len(val))
		for _, k := range val.SortedKeys() {
			if IsVolatile(k) {
				continue
			}
			nk := norm.NFC.String(k)
			if _, seen := out[nk]; seen {
				continue
			}
			out[nk] = Normalize(val[k])
		}
		return out
	default:
		return v
	}
}

// Canonical normalises v and serialises the result.
// The output is the only byte sequence that should be hashed.
func Canonical(v Value) []byte {
	return Marshal(Normalize(v))
}
