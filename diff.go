package driftsync

import (
	"reflect"
	"sort"
	"strings"
)

// DiffKind classifies a difference between two documents at one field path.
type DiffKind string

const (
	DiffAdded    DiffKind = "added"
	DiffRemoved  DiffKind = "removed"
	DiffModified DiffKind = "modified"
)

// DiffEntry describes one difference between two documents.
type DiffEntry struct {
	Path     string   `json:"path"`
	Kind     DiffKind `json:"kind"`
	OldValue any      `json:"old_value,omitempty"`
	NewValue any      `json:"new_value,omitempty"`
}

// diffDocuments compares two documents recursively and returns differences
// keyed by dot-separated field paths, in deterministic path order. Nested
// maps are descended into; any other value type is compared as a leaf.
func diffDocuments(old, new Document) []DiffEntry {
	var entries []DiffEntry
	diffInto(&entries, "", old, new)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

func diffInto(entries *[]DiffEntry, prefix string, old, new Document) {
	keys := make(map[string]struct{}, len(old)+len(new))
	for k := range old {
		keys[k] = struct{}{}
	}
	for k := range new {
		keys[k] = struct{}{}
	}

	for k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}

		oldVal, oldOK := old[k]
		newVal, newOK := new[k]

		switch {
		case !oldOK:
			*entries = append(*entries, DiffEntry{Path: path, Kind: DiffAdded, NewValue: newVal})
		case !newOK:
			*entries = append(*entries, DiffEntry{Path: path, Kind: DiffRemoved, OldValue: oldVal})
		default:
			oldMap, oldIsMap := oldVal.(map[string]any)
			newMap, newIsMap := newVal.(map[string]any)
			if oldIsMap && newIsMap {
				diffInto(entries, path, oldMap, newMap)
				continue
			}
			if !valuesEqual(oldVal, newVal) {
				*entries = append(*entries, DiffEntry{Path: path, Kind: DiffModified, OldValue: oldVal, NewValue: newVal})
			}
		}
	}
}

// valuesEqual compares two document values, treating numeric types that
// JSON decoding may produce (int vs float64) as equal when they represent
// the same number.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// valueAtPath resolves a dot-separated field path in a document.
func valueAtPath(doc Document, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = doc
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setValueAtPath writes a value at a dot-separated field path, creating
// intermediate maps as needed.
func setValueAtPath(doc Document, path string, value any) {
	parts := strings.Split(path, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// deleteValueAtPath removes the value at a dot-separated field path.
func deleteValueAtPath(doc Document, path string) {
	parts := strings.Split(path, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}
