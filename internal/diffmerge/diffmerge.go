// Package diffmerge computes field-level updates between three snapshots of
// an entity: the external value the engine last observed, the freshly
// fetched external value, and the value presently in the store.
//
// Resolution policy: when both sides changed the same field to different
// values, the local value wins and the external change is dropped. Local
// edits are explicit user intent; remote payloads may reflect stale caches.
// If only one side changed a field, that change is applied to the other.
package diffmerge

import (
	"reflect"
)

// Delta is a set of field changes keyed by field name. A nil value means
// the field was cleared.
type Delta map[string]any

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d) == 0
}

// Keys returns the changed field names.
func (d Delta) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	return keys
}

// CollectUpdate returns the fields of keys where next differs from prev.
// Values are compared structurally with null and absent normalized to the
// same sentinel, so serialization artifacts don't produce false diffs.
func CollectUpdate(prev, next map[string]any, keys []string) Delta {
	delta := Delta{}
	for _, k := range keys {
		if !Equal(prev[k], next[k]) {
			delta[k] = next[k]
		}
	}
	return delta
}

// Result is the outcome of a three-way merge.
type Result struct {
	// ApplyLocal is the external delta to materialize into the store.
	ApplyLocal Delta
	// PushRemote is the local delta to send to the remote.
	PushRemote Delta
	// Conflicts lists fields both sides changed to different values.
	// These are resolved in favor of the local value and already removed
	// from ApplyLocal.
	Conflicts []string
}

// Merge computes the two deltas between three snapshots of the same entity.
//
//	prev  — external value last observed (previous snapshot in the ledger)
//	next  — freshly fetched external value
//	local — value presently in the store
//
// Field universe is the union of the keys of next and local, so fields that
// vanished on either side still diff.
func Merge(prev, next, local map[string]any) Result {
	keys := unionKeys(prev, next, local)

	external := CollectUpdate(prev, next, keys)
	localDelta := CollectUpdate(prev, local, keys)

	res := Result{ApplyLocal: Delta{}, PushRemote: Delta{}}
	for k, v := range external {
		lv, localChanged := localDelta[k]
		if localChanged && !Equal(lv, v) {
			// Both sides changed the field to different values: the store
			// wins, the external change is dropped and never reapplied.
			res.Conflicts = append(res.Conflicts, k)
			continue
		}
		if localChanged {
			// Both sides converged on the same value already.
			continue
		}
		res.ApplyLocal[k] = v
	}
	for k, v := range localDelta {
		if ev, externalChanged := external[k]; externalChanged && Equal(ev, v) {
			continue
		}
		// Local changes are pushed outward whether or not they conflicted.
		if !Equal(next[k], v) {
			res.PushRemote[k] = v
		}
	}
	return res
}

// Equal compares two values structurally, normalizing null and absent to
// the same sentinel.
func Equal(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// normalize recursively strips nil map entries and converts empty
// collections so that null-vs-absent round trips compare equal.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			if n := normalize(e); n != nil {
				out[k] = n
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		if len(t) == 0 {
			return nil
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return t
	case float64:
		return t
	case int:
		// JSON round trips decode numbers as float64; align direct values.
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}

func unionKeys(maps ...map[string]any) []string {
	seen := map[string]struct{}{}
	var keys []string
	for _, m := range maps {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	return keys
}
