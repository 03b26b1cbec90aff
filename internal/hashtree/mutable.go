// Copyright 2024 The fleece Authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0 License
// that can be found in the LICENSE file.

package hashtree

import (
	"bytes"

	"github.com/google/btree"
)

// ValueSlot holds the effective value for one overlay key: either a
// pointer into the file image, a heap value pending commit, or —
// when neither is set — a tombstone over a source-present key.
type ValueSlot struct {
	present bool
	off     uint64
	heap    any
}

// FileValue is a slot referencing the length-prefixed value at off in
// the file image.
func FileValue(off uint64) ValueSlot {
	return ValueSlot{present: true, off: off}
}

// HeapValue is a slot holding an in-memory value not yet committed.
func HeapValue(v any) ValueSlot {
	return ValueSlot{present: true, heap: v}
}

// Present reports whether the slot holds a value (false = tombstone).
func (s ValueSlot) Present() bool { return s.present }

// Heap returns the in-memory value, or nil for file-backed slots.
func (s ValueSlot) Heap() any { return s.heap }

// Offset returns the file offset of a file-backed slot.
func (s ValueSlot) Offset() uint64 { return s.off }

type entry struct {
	key  []byte
	slot ValueSlot
}

func entryLess(a, b *entry) bool { return bytes.Compare(a.key, b.key) < 0 }

// MutableTree is the copy-on-write shadow of an optional persistent
// source trie. Reads fall through to the source unless the overlay
// has an entry for the key; an empty overlay slot over a source key
// means "removed". Overlay keys are copied on insertion so they never
// alias caller buffers or a reloaded mapping.
type MutableTree struct {
	source  *Tree
	overlay *btree.BTreeG[*entry]
	count   int
	changed bool
	pairs   []MergedPair // flat projection, rebuilt lazily
}

// MergedPair is one entry of the merged (source + overlay) view.
type MergedPair struct {
	Key  []byte
	Slot ValueSlot
}

// NewMutable wraps source (which may be nil for an empty database).
func NewMutable(source *Tree) *MutableTree {
	return &MutableTree{
		source:  source,
		overlay: btree.NewG[*entry](16, entryLess),
		count:   source.Count(),
	}
}

// Get returns the effective slot for key. ok is false when the key is
// absent, including when it has been tombstoned.
func (m *MutableTree) Get(key []byte) (ValueSlot, bool) {
	if e, found := m.overlay.Get(&entry{key: key}); found {
		if !e.slot.present {
			return ValueSlot{}, false
		}
		return e.slot, true
	}
	if off, ok := m.source.Get(key); ok {
		return FileValue(off), true
	}
	return ValueSlot{}, false
}

// Set installs slot for key, shadowing any source value.
func (m *MutableTree) Set(key []byte, slot ValueSlot) {
	if !slot.present {
		slot.present = true
	}
	if _, exists := m.Get(key); !exists {
		m.count++
	}
	m.overlay.ReplaceOrInsert(&entry{key: append([]byte(nil), key...), slot: slot})
	m.MarkChanged()
}

// Remove deletes key, reporting whether it existed. Removing a
// source-present key installs a tombstone; removing an overlay-only
// key erases its entry outright.
func (m *MutableTree) Remove(key []byte) bool {
	probe := &entry{key: key}
	e, found := m.overlay.Get(probe)
	if _, inSource := m.source.Get(key); inSource {
		if found && !e.slot.present {
			return false // already removed
		}
		m.overlay.ReplaceOrInsert(&entry{key: append([]byte(nil), key...)})
	} else {
		if !found || !e.slot.present {
			return false
		}
		m.overlay.Delete(probe)
	}
	m.count--
	m.MarkChanged()
	return true
}

// RemoveAll empties the effective mapping: the overlay is cleared and
// every source key gets a tombstone so iteration reports nothing.
func (m *MutableTree) RemoveAll() {
	if m.count == 0 {
		return
	}
	m.overlay.Clear(false)
	if m.source != nil {
		for _, p := range m.source.Pairs() {
			m.overlay.ReplaceOrInsert(&entry{key: append([]byte(nil), p.Key...)})
		}
	}
	m.count = 0
	m.MarkChanged()
}

// Count returns the number of effective keys: source keys not
// tombstoned plus overlay-only keys.
func (m *MutableTree) Count() int { return m.count }

// IsChanged reports whether the tree differs from its loaded source.
func (m *MutableTree) IsChanged() bool { return m.changed }

// MarkChanged flags the tree for commit and invalidates the flat
// projection.
func (m *MutableTree) MarkChanged() {
	m.changed = true
	m.pairs = nil
}

// Pairs returns the merged view as a flat sorted slice, cached until
// the next mutation.
func (m *MutableTree) Pairs() []MergedPair {
	if m.pairs == nil {
		it := m.Iterator()
		pairs := make([]MergedPair, 0, m.count)
		for {
			key, slot, ok := it.Next()
			if !ok {
				break
			}
			pairs = append(pairs, MergedPair{Key: key, Slot: slot})
		}
		m.pairs = pairs
	}
	return m.pairs
}
