// Package storage defines the pluggable key/value + range-scan interface the
// query execution core runs against (spec §4.1, "Storage Adapter"), plus a
// reference in-memory implementation used for tests.
package storage

import "strings"

// Row is a semi-structured document: the tagged-variant value type the core
// uses at its edges (spec §9, "Dynamic typing"). Nested values are plain
// map[string]interface{} / []interface{} / scalars, mirroring encoding/json's
// own decoding shape so rows round-trip through JSON without adaptation.
type Row map[string]interface{}

// Clone performs a deep copy so mutators can copy-on-write rows handed back
// by an adapter that may be sharing the underlying memory (spec §4.1: "The
// adapter is free to return frozen rows; mutators must copy-on-write").
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a single semi-structured value.
func CloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Row:
		return val.Clone()
	case map[string]interface{}:
		return map[string]interface{}(Row(val).Clone())
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, item := range val {
			cp[i] = CloneValue(item)
		}
		return cp
	default:
		return val
	}
}

// Get resolves a dotted path against the row (spec §9, "Dotted path
// resolution"). A path may end in ".length", in which case the resolved
// value is replaced by the length of the underlying array/string/map.
func (r Row) Get(path string) (interface{}, bool) {
	return Path(r, path)
}

// Path resolves a dotted path against an arbitrary semi-structured value.
// Supports a trailing ".length" suffix, per spec §9.
func Path(v interface{}, dotted string) (interface{}, bool) {
	if dotted == "" {
		return v, true
	}
	segments := splitPath(dotted)
	wantLength := false
	if len(segments) > 0 && segments[len(segments)-1] == "length" {
		segments = segments[:len(segments)-1]
		wantLength = true
	}

	cur := v
	for _, seg := range segments {
		switch m := cur.(type) {
		case Row:
			val, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = val
		case map[string]interface{}:
			val, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = val
		case []interface{}:
			idx, ok := parseIndex(seg)
			if !ok || idx < 0 || idx >= len(m) {
				return nil, false
			}
			cur = m[idx]
		default:
			return nil, false
		}
	}

	if wantLength {
		return lengthOf(cur), true
	}
	return cur, true
}

// PathIgnoringFirst resolves a dotted path whose leading segment is a table
// name. Used when evaluating predicates against joined rows keyed by
// "table.column": the join result is already flattened, so the first two
// segments are looked up together as one literal key and any remaining
// segments are resolved beneath it (spec §4.5, "ignoreFirstPath"). When no
// such literal key exists, the first segment is skipped and the rest is
// resolved by nested traversal.
func PathIgnoringFirst(v interface{}, dotted string) (interface{}, bool) {
	segs := splitPath(dotted)
	if len(segs) <= 1 {
		return Path(v, dotted)
	}
	var m map[string]interface{}
	switch t := v.(type) {
	case Row:
		m = t
	case map[string]interface{}:
		m = t
	}
	if head, ok := m[segs[0]+"."+segs[1]]; ok {
		return Path(head, strings.Join(segs[2:], "."))
	}
	return Path(v, strings.Join(segs[1:], "."))
}

func lengthOf(v interface{}) interface{} {
	switch val := v.(type) {
	case []interface{}:
		return float64(len(val))
	case string:
		return float64(len(val))
	case map[string]interface{}:
		return float64(len(val))
	case Row:
		return float64(len(val))
	default:
		return nil
	}
}

func parseIndex(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}

// SetPath sets a value at a dotted path, creating intermediate maps as
// needed, and ApplyPatch merges a patch document into the row — both ported
// from the teacher's Document.setPath/ApplyPatch (bundoc storage/document.go)
// since instance-table UPSERT (spec §4.9) needs the same shallow-merge-by-path
// semantics without a storage adapter in the loop.
func (r Row) SetPath(path string, value interface{}) {
	keys := splitPath(path)
	cur := map[string]interface{}(r)
	for i := 0; i < len(keys)-1; i++ {
		key := keys[i]
		val, exists := cur[key]
		if !exists {
			next := make(map[string]interface{})
			cur[key] = next
			cur = next
			continue
		}
		switch typed := val.(type) {
		case map[string]interface{}:
			cur = typed
		case Row:
			cur = map[string]interface{}(typed)
		default:
			next := make(map[string]interface{})
			cur[key] = next
			cur = next
		}
	}
	cur[keys[len(keys)-1]] = value
}

// ApplyPatch shallow-merges each top-level key of patch into the row,
// supporting dotted keys for nested assignment.
func (r Row) ApplyPatch(patch map[string]interface{}) {
	for k, v := range patch {
		r.SetPath(k, v)
	}
}
