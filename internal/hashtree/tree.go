// Copyright 2024 The fleece Authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0 License
// that can be found in the LICENSE file.

// Package hashtree implements the persistent hash-array-mapped trie
// that indexes a database snapshot, plus the mutable overlay that
// accumulates changes between commits.
//
// On disk a trie is a post-order sequence of even-aligned,
// little-endian nodes. A child reference is a uint32 byte offset with
// the low bit set when the child is a leaf. An interior node is a
// 32-way bitmap followed by one reference per set bit. A leaf is a
// uvarint entry count (greater than one only for full 32-bit hash
// collisions) followed by uvarint-framed keys and value offsets.
// Children always precede parents, so every reference points backward.
package hashtree

import (
	"bytes"
	"encoding/binary"
	"math/bits"
	"sort"

	"github.com/dgryski/go-farm"
)

const (
	bitsPerLevel = 5
	// maxShift is the last level with hash bits left; below it, leaves
	// hold collision lists.
	maxShift = 30

	leafBit = 0x1
)

func hashKey(key []byte) uint32 { return farm.Hash32(key) }

// Pair is one key → value-offset entry of a persistent trie.
type Pair struct {
	Key      []byte
	ValueOff uint64
}

// Tree is a read-only trie reconstructed from a snapshot's byte image.
// Keys and node structure are borrowed from data and stay valid as
// long as the snapshot is retained.
type Tree struct {
	data  []byte
	root  uint32
	count int // lazily computed; -1 until then
}

// New wraps the trie whose root interior node starts at root within
// data. It fails if the root is out of bounds or misaligned.
func New(data []byte, root uint32) (*Tree, bool) {
	if root%2 != 0 || uint64(root)+4 > uint64(len(data)) {
		return nil, false
	}
	return &Tree{data: data, root: root, count: -1}, true
}

// interior decodes the interior node at off, returning its bitmap and
// the offset of its child-reference array.
func (t *Tree) interior(off uint32) (bitmap uint32, children uint32, ok bool) {
	if uint64(off)+4 > uint64(len(t.data)) {
		return 0, 0, false
	}
	bitmap = binary.LittleEndian.Uint32(t.data[off:])
	n := uint64(bits.OnesCount32(bitmap))
	if uint64(off)+4+4*n > uint64(len(t.data)) {
		return 0, 0, false
	}
	return bitmap, off + 4, true
}

func (t *Tree) childRef(children uint32, rank int) uint32 {
	return binary.LittleEndian.Uint32(t.data[children+4*uint32(rank):])
}

// leafScan visits the entries of the leaf node at off until fn returns
// false. It reports whether the node decoded cleanly.
func (t *Tree) leafScan(off uint32, fn func(key []byte, valOff uint64) bool) bool {
	buf := t.data[off:]
	count, n := binary.Uvarint(buf)
	if n <= 0 {
		return false
	}
	buf = buf[n:]
	for i := uint64(0); i < count; i++ {
		klen, n := binary.Uvarint(buf)
		if n <= 0 || uint64(len(buf)) < uint64(n)+klen {
			return false
		}
		key := buf[n : uint64(n)+klen]
		buf = buf[uint64(n)+klen:]
		valOff, n := binary.Uvarint(buf)
		if n <= 0 {
			return false
		}
		buf = buf[n:]
		if !fn(key, valOff) {
			return true
		}
	}
	return true
}

// Get returns the value offset stored for key.
func (t *Tree) Get(key []byte) (uint64, bool) {
	if t == nil {
		return 0, false
	}
	h := hashKey(key)
	off := t.root
	for shift := uint(0); shift <= maxShift+bitsPerLevel; shift += bitsPerLevel {
		bitmap, children, ok := t.interior(off)
		if !ok {
			return 0, false
		}
		bit := uint32(1) << ((h >> shift) & 0x1f)
		if bitmap&bit == 0 {
			return 0, false
		}
		ref := t.childRef(children, bits.OnesCount32(bitmap&(bit-1)))
		if ref&leafBit != 0 {
			var valOff uint64
			found := false
			t.leafScan(ref&^leafBit, func(k []byte, v uint64) bool {
				if bytes.Equal(k, key) {
					valOff, found = v, true
					return false
				}
				return true
			})
			return valOff, found
		}
		off = ref
	}
	return 0, false
}

// walk visits every leaf entry below ref. Child references always
// point below their parent, which bounds recursion on corrupt input.
func (t *Tree) walk(ref uint32, parent uint32, fn func(key []byte, valOff uint64)) {
	if ref >= parent && parent != 0 {
		return
	}
	if ref&leafBit != 0 {
		t.leafScan(ref&^leafBit, func(k []byte, v uint64) bool {
			fn(k, v)
			return true
		})
		return
	}
	bitmap, children, ok := t.interior(ref)
	if !ok {
		return
	}
	for rank := 0; rank < bits.OnesCount32(bitmap); rank++ {
		t.walk(t.childRef(children, rank), ref, fn)
	}
}

// Pairs returns every entry, sorted by key in ascending lexicographic
// order.
func (t *Tree) Pairs() []Pair {
	if t == nil {
		return nil
	}
	var pairs []Pair
	t.walk(t.root, 0, func(key []byte, valOff uint64) {
		pairs = append(pairs, Pair{Key: key, ValueOff: valOff})
	})
	sort.Slice(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i].Key, pairs[j].Key) < 0
	})
	return pairs
}

// Count returns the number of entries, computed on first use.
func (t *Tree) Count() int {
	if t == nil {
		return 0
	}
	if t.count < 0 {
		n := 0
		t.walk(t.root, 0, func([]byte, uint64) { n++ })
		t.count = n
	}
	return t.count
}
