// Copyright 2024 The fleece Authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0 License
// that can be found in the LICENSE file.

package hashtree

import "bytes"

// Iterator yields the merged (source + overlay) view in ascending key
// order. Both inputs are sorted, so this is a streaming merge: on
// equal keys the overlay wins, either as an override or — when its
// slot is a tombstone — by suppressing the key entirely.
type Iterator struct {
	source  []Pair
	si      int
	overlay []*entry
	oi      int
}

// Iterator returns an iterator over the tree's current merged view.
// Mutating the tree invalidates it.
func (m *MutableTree) Iterator() *Iterator {
	it := &Iterator{source: m.source.Pairs()}
	it.overlay = make([]*entry, 0, m.overlay.Len())
	m.overlay.Ascend(func(e *entry) bool {
		it.overlay = append(it.overlay, e)
		return true
	})
	return it
}

// Next returns the next key and its slot, or ok == false when both
// streams are exhausted.
func (it *Iterator) Next() (key []byte, slot ValueSlot, ok bool) {
	for it.si < len(it.source) || it.oi < len(it.overlay) {
		if it.oi >= len(it.overlay) ||
			(it.si < len(it.source) && bytes.Compare(it.source[it.si].Key, it.overlay[it.oi].key) < 0) {
			// source key is strictly lower
			p := it.source[it.si]
			it.si++
			return p.Key, FileValue(p.ValueOff), true
		}
		e := it.overlay[it.oi]
		if it.si < len(it.source) && bytes.Equal(it.source[it.si].Key, e.key) {
			it.si++
		}
		it.oi++
		if e.slot.present {
			return e.key, e.slot, true
		}
		// tombstone: emit nothing, keep merging
	}
	return nil, ValueSlot{}, false
}
