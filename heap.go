// Copyright 2024 The fleece Authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0 License
// that can be found in the LICENSE file.

package fleece

import "sort"

// heapSlot is one overlay cell of a HeapDict. An unset slot over a
// source-present key is a tombstone.
type heapSlot struct {
	present bool
	val     any
}

// HeapDict is the mutable, heap-backed promotion of a document: it
// shadows an optional immutable source with per-key changes, exactly
// like the trie overlay shadows a snapshot. Nested collections are
// promoted on first mutable access, so an edit deep in a document
// never touches mapped-file bytes or a shared immutable map.
type HeapDict struct {
	source  *Document
	overlay map[string]heapSlot
	count   int
	changed bool
}

// NewHeapDict returns an empty mutable dict, optionally shadowing
// source.
func NewHeapDict(source *Document) *HeapDict {
	return &HeapDict{
		source:  source,
		overlay: map[string]heapSlot{},
		count:   source.count(),
	}
}

func (d *Document) count() int {
	if d == nil {
		return 0
	}
	return len(d.m)
}

func (d *Document) get(key string) (any, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.m[key]
	return v, ok
}

// Get returns the effective value at key: the overlay wins, a
// tombstone hides the source, otherwise the source shows through.
func (h *HeapDict) Get(key string) any {
	v, _ := h.lookup(key)
	return v
}

// Has reports whether key is effectively present.
func (h *HeapDict) Has(key string) bool {
	_, ok := h.lookup(key)
	return ok
}

func (h *HeapDict) lookup(key string) (any, bool) {
	if slot, ok := h.overlay[key]; ok {
		if !slot.present {
			return nil, false
		}
		return slot.val, true
	}
	return h.source.get(key)
}

// Int returns the effective value coerced to an integer.
func (h *HeapDict) Int(key string) int64 { return asInt(h.Get(key)) }

// Float returns the effective value coerced to a float.
func (h *HeapDict) Float(key string) float64 { return asFloat(h.Get(key)) }

// String returns the effective value coerced to a string.
func (h *HeapDict) String(key string) string { return asString(h.Get(key)) }

// Count returns the number of effective keys.
func (h *HeapDict) Count() int { return h.count }

// IsChanged reports whether the dict has diverged from its source.
func (h *HeapDict) IsChanged() bool { return h.changed }

func (h *HeapDict) markChanged() { h.changed = true }

// Set installs value at key.
func (h *HeapDict) Set(key string, value any) {
	if _, exists := h.lookup(key); !exists {
		h.count++
	}
	h.overlay[key] = heapSlot{present: true, val: value}
	h.markChanged()
}

// Remove deletes key: a tombstone when the source has it, a plain
// erase when it is overlay-only.
func (h *HeapDict) Remove(key string) {
	if _, inSource := h.source.get(key); inSource {
		if slot, ok := h.overlay[key]; ok && !slot.present {
			return // already removed
		}
		h.overlay[key] = heapSlot{}
	} else {
		if slot, ok := h.overlay[key]; !ok || !slot.present {
			return
		}
		delete(h.overlay, key)
	}
	h.count--
	h.markChanged()
}

// RemoveAll empties the dict, tombstoning every source key.
func (h *HeapDict) RemoveAll() {
	if h.count == 0 {
		return
	}
	h.overlay = map[string]heapSlot{}
	if h.source != nil {
		for k := range h.source.m {
			h.overlay[k] = heapSlot{}
		}
	}
	h.count = 0
	h.markChanged()
}

// GetMutableDict returns the nested mapping at key in mutable form,
// promoting (and installing) a heap copy on first access. Returns nil
// when the key is absent or not a mapping.
func (h *HeapDict) GetMutableDict(key string) *HeapDict {
	if slot, ok := h.overlay[key]; ok {
		if !slot.present {
			return nil
		}
		switch v := slot.val.(type) {
		case *HeapDict:
			return v
		case map[string]any:
			nested := NewHeapDict(&Document{m: v})
			h.overlay[key] = heapSlot{present: true, val: nested}
			h.markChanged()
			return nested
		}
		return nil
	}
	v, ok := h.source.get(key)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	nested := NewHeapDict(&Document{m: m})
	h.overlay[key] = heapSlot{present: true, val: nested}
	h.markChanged()
	return nested
}

// GetMutableArray returns the sequence at key in mutable form, deep
// copying it out of its source on first access.
func (h *HeapDict) GetMutableArray(key string) *HeapArray {
	if slot, ok := h.overlay[key]; ok {
		if !slot.present {
			return nil
		}
		switch v := slot.val.(type) {
		case *HeapArray:
			return v
		case []any:
			nested := newHeapArray(v)
			h.overlay[key] = heapSlot{present: true, val: nested}
			h.markChanged()
			return nested
		}
		return nil
	}
	v, ok := h.source.get(key)
	if !ok {
		return nil
	}
	a, ok := v.([]any)
	if !ok {
		return nil
	}
	nested := newHeapArray(a)
	h.overlay[key] = heapSlot{present: true, val: nested}
	h.markChanged()
	return nested
}

// Each visits effective keys in ascending order until fn returns
// false.
func (h *HeapDict) Each(fn func(key string, v any) bool) {
	keys := make([]string, 0, h.count)
	seen := map[string]bool{}
	for k, slot := range h.overlay {
		seen[k] = true
		if slot.present {
			keys = append(keys, k)
		}
	}
	if h.source != nil {
		for k := range h.source.m {
			if !seen[k] {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, h.Get(k)) {
			return
		}
	}
}

// Materialize flattens the dict (and any promoted children) into a
// plain map, ready for encoding.
func (h *HeapDict) Materialize() map[string]any {
	m := make(map[string]any, h.count)
	h.Each(func(key string, v any) bool {
		m[key] = materializeValue(v)
		return true
	})
	return m
}

func materializeValue(v any) any {
	switch x := v.(type) {
	case *HeapDict:
		return x.Materialize()
	case *HeapArray:
		return x.Materialize()
	case *Document:
		return x.m
	default:
		return v
	}
}

// HeapArray is the mutable promotion of a sequence. Promotion deep
// copies the elements, so edits never alias the immutable source.
type HeapArray struct {
	vals    []any
	changed bool
}

// NewHeapArray returns an empty mutable array.
func NewHeapArray() *HeapArray { return &HeapArray{} }

func newHeapArray(src []any) *HeapArray {
	vals := make([]any, len(src))
	for i, v := range src {
		vals[i] = deepCopyValue(v)
	}
	return &HeapArray{vals: vals}
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = deepCopyValue(e)
		}
		return m
	case []any:
		a := make([]any, len(x))
		for i, e := range x {
			a[i] = deepCopyValue(e)
		}
		return a
	default:
		return v
	}
}

// Len returns the element count.
func (a *HeapArray) Len() int { return len(a.vals) }

// At returns the element at i, or nil when out of range.
func (a *HeapArray) At(i int) any {
	if i < 0 || i >= len(a.vals) {
		return nil
	}
	return a.vals[i]
}

// Set replaces the element at i.
func (a *HeapArray) Set(i int, v any) {
	if i < 0 || i >= len(a.vals) {
		return
	}
	a.vals[i] = v
	a.changed = true
}

// Append adds v at the end.
func (a *HeapArray) Append(v any) {
	a.vals = append(a.vals, v)
	a.changed = true
}

// IsChanged reports whether the array has been edited.
func (a *HeapArray) IsChanged() bool { return a.changed }

// Materialize flattens the array into a plain slice.
func (a *HeapArray) Materialize() []any {
	out := make([]any, len(a.vals))
	for i, v := range a.vals {
		out[i] = materializeValue(v)
	}
	return out
}
