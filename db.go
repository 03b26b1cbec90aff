// Copyright 2024 The fleece Authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0 License
// that can be found in the LICENSE file.

// Package fleece is an embedded, single-file, append-only document
// store. Every commit appends an immutable snapshot — a serialized
// hash-trie index plus a fixed trailer that anchors it — so any
// previously committed trailer position remains a valid read-only view
// of the database at that moment. Reads go through a memory-mapped
// view of the file; commits append through buffered writes bracketed
// by two durability barriers, which makes them crash-atomic: recovery
// scans backward page by page until it finds the last fully flushed
// trailer.
package fleece

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/couchbaselabs/fleece/internal/datafile"
	"github.com/couchbaselabs/fleece/internal/hashtree"
)

// OpenMode controls what a DB handle may do with its file.
type OpenMode int

const (
	// ReadOnly opens an existing database for reading.
	ReadOnly OpenMode = iota
	// ReadWrite opens an existing database for reading and writing.
	ReadWrite
	// ReadWriteCreate additionally creates the file if missing.
	ReadWriteCreate
)

// PutMode selects the precondition of a Put.
type PutMode int

const (
	// Insert stores only if the key does not exist yet.
	Insert PutMode = iota
	// Update stores only if the key already exists.
	Update
	// Upsert stores unconditionally.
	Upsert
)

// DB is a handle on one snapshot of a database file, plus — when
// writable — the overlay of uncommitted changes. A DB is not safe for
// concurrent use; clones holding distinct snapshots of the same file
// are independent.
type DB struct {
	file     *datafile.MappedFile
	pageSize uint64
	logger   *slog.Logger
	writable bool

	data           []byte // the loaded snapshot: mapping[0:checkpoint]
	prevCheckpoint uint64
	damaged        bool
	tree           *hashtree.MutableTree
	onCommit       func(db *DB, newSize uint64)
}

// Open opens the database at path and loads its latest valid
// snapshot, recovering past a torn tail if the process died
// mid-commit.
func Open(path string, mode OpenMode, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.pageSize == 0 {
		return nil, fmt.Errorf("page size must be positive")
	}
	mf, err := datafile.OpenMapped(path, mode > ReadOnly, mode == ReadWriteCreate, o.maxSize)
	if err != nil {
		return nil, err
	}
	d := &DB{
		file:     mf,
		pageSize: o.pageSize,
		logger:   o.logger,
		writable: mode > ReadOnly,
	}
	if err := d.loadCheckpoint(mf.Size()); err != nil {
		_ = mf.Close()
		return nil, err
	}
	return d, nil
}

// Clone returns a second handle on the same file at the same
// checkpoint. Its writability is the intersection of d's and the
// requested mode.
func (d *DB) Clone(mode OpenMode) (*DB, error) {
	c := &DB{
		file:     d.file.Retain(),
		pageSize: d.pageSize,
		logger:   d.logger,
		writable: d.writable && mode > ReadOnly,
	}
	if err := c.loadCheckpoint(d.Checkpoint()); err != nil {
		_ = c.file.Close()
		return nil, err
	}
	return c, nil
}

// CloneAtCheckpoint returns a read-only handle on the historical
// snapshot anchored at checkpoint c.
func (d *DB) CloneAtCheckpoint(c uint64) (*DB, error) {
	if !d.IsLegalCheckpoint(c) {
		return nil, fmt.Errorf("checkpoint 0x%x: %w", c, ErrIllegalCheckpoint)
	}
	clone := &DB{
		file:     d.file.Retain(),
		pageSize: d.pageSize,
		logger:   d.logger,
		writable: false,
	}
	if err := clone.loadCheckpoint(c); err != nil {
		_ = clone.file.Close()
		return nil, err
	}
	return clone, nil
}

// loadCheckpoint (re)loads the snapshot whose trailer ends at target,
// discarding any overlay. A target at the raw file size may sit past
// a torn append; the trailer scan walks backward by pageSize until it
// finds the last snapshot whose trailer — and therefore whose trie,
// flushed before it — is fully on disk.
func (d *DB) loadCheckpoint(target uint64) error {
	full := d.file.Contents()
	if target > uint64(len(full)) {
		return fmt.Errorf("checkpoint 0x%x beyond file: %w", target, ErrIllegalCheckpoint)
	}
	if target == 0 {
		d.damaged = false
		d.data = full[:0]
		d.prevCheckpoint = 0
		d.tree = hashtree.NewMutable(nil)
		return nil
	}
	d.damaged = true
	size := target
	if size < d.pageSize {
		d.logger.Warn("not a DB file (too small)", "path", d.file.Path(), "size", size)
		return fmt.Errorf("not a DB file (too small): %w", ErrInvalidData)
	}
	if !datafile.ValidHeader(full, d.pageSize) {
		d.logger.Warn("not a DB file; or else header is corrupted", "path", d.file.Path())
		return fmt.Errorf("not a DB file; or else header is corrupted: %w", ErrInvalidData)
	}
	damagedSize := false
	if size%d.pageSize != 0 {
		d.logger.Warn("file size is invalid; skipping back to last full page",
			"size", fmt.Sprintf("0x%x", size))
		size -= size % d.pageSize
		damagedSize = true
	}
	damagedTrailer := false
	for !d.validateTrailer(full, size) {
		if !damagedTrailer && d.pageSize > 1 {
			d.logger.Warn("trailer is invalid; scanning backwards for a valid one",
				"offset", fmt.Sprintf("0x%x", size))
			damagedTrailer = true
		}
		if size <= d.pageSize || d.pageSize == 1 {
			d.logger.Warn("no valid trailer found; DB is fatally damaged", "path", d.file.Path())
			return fmt.Errorf("DB file is fatally damaged: no valid trailer found: %w", ErrInvalidData)
		}
		size -= d.pageSize
	}
	if damagedTrailer || damagedSize {
		d.logger.Warn("valid trailer found; using it", "offset", fmt.Sprintf("0x%x", size))
	} else {
		d.damaged = false
	}
	return nil
}

// validateTrailer checks the trailer ending at size and, on success,
// loads the snapshot it anchors.
func (d *DB) validateTrailer(full []byte, size uint64) bool {
	if size < d.pageSize || size%d.pageSize != 0 || size < datafile.TrailerSize {
		return false
	}
	tr, ok := datafile.ParseTrailer(full[:size])
	if !ok {
		return false
	}
	if tr.PrevTrailerPos > size-d.pageSize || tr.PrevTrailerPos%d.pageSize != 0 {
		return false
	}
	treePos := int64(size) - datafile.TrailerSize - int64(tr.TreeOffset)
	if treePos < datafile.HeaderSize || uint64(treePos) < tr.PrevTrailerPos ||
		treePos%2 != 0 || treePos > math.MaxUint32 {
		return false
	}
	tree, ok := hashtree.New(full[:size], uint32(treePos))
	if !ok {
		return false
	}
	d.data = full[:size]
	d.prevCheckpoint = tr.PrevTrailerPos
	d.tree = hashtree.NewMutable(tree)
	return true
}

// Get returns the document stored at key, or nil when absent.
func (d *DB) Get(key []byte) *Document {
	slot, ok := d.tree.Get(key)
	if !ok {
		return nil
	}
	doc, err := d.docForSlot(slot)
	if err != nil {
		d.logger.Warn("unreadable value", "key", string(key), "error", err)
		return nil
	}
	return doc
}

func (d *DB) docForSlot(slot hashtree.ValueSlot) (*Document, error) {
	if h := slot.Heap(); h != nil {
		switch v := h.(type) {
		case *Document:
			return v, nil
		case *HeapDict:
			return &Document{m: v.Materialize()}, nil
		default:
			return nil, fmt.Errorf("unexpected overlay value %T", h)
		}
	}
	return decodeDocument(d.data, slot.Offset())
}

// GetMutable returns the document at key in heap-backed mutable form,
// installing it in the overlay so the next commit persists its edits.
// Returns (nil, nil) when the key is absent.
func (d *DB) GetMutable(key []byte) (*HeapDict, error) {
	if !d.writable {
		return nil, ErrReadOnly
	}
	slot, ok := d.tree.Get(key)
	if !ok {
		return nil, nil
	}
	if h := slot.Heap(); h != nil {
		switch v := h.(type) {
		case *HeapDict:
			return v, nil
		case *Document:
			hd := NewHeapDict(v)
			d.tree.Set(key, hashtree.HeapValue(hd))
			return hd, nil
		default:
			return nil, fmt.Errorf("unexpected overlay value %T", h)
		}
	}
	doc, err := decodeDocument(d.data, slot.Offset())
	if err != nil {
		return nil, err
	}
	hd := NewHeapDict(doc)
	d.tree.Set(key, hashtree.HeapValue(hd))
	return hd, nil
}

// Put stores doc at key subject to mode's precondition, reporting
// whether it took effect. A nil doc removes the key (except under
// Insert, which fails).
func (d *DB) Put(key []byte, mode PutMode, doc *Document) (bool, error) {
	if !d.writable {
		return false, ErrReadOnly
	}
	if doc == nil {
		if mode == Insert {
			return false, nil
		}
		return d.tree.Remove(key), nil
	}
	_, exists := d.tree.Get(key)
	if (mode == Insert && exists) || (mode == Update && !exists) {
		return false, nil
	}
	d.tree.Set(key, hashtree.HeapValue(doc))
	return true, nil
}

// PutFunc reads, transforms, and stores the document at key in one
// step. fn receives the current document (nil when absent) and
// returns the replacement; returning nil aborts the put.
func (d *DB) PutFunc(key []byte, mode PutMode, fn func(cur *Document) *Document) (bool, error) {
	if !d.writable {
		return false, ErrReadOnly
	}
	slot, exists := d.tree.Get(key)
	if (mode == Insert && exists) || (mode == Update && !exists) {
		return false, nil
	}
	var cur *Document
	if exists {
		var err error
		if cur, err = d.docForSlot(slot); err != nil {
			return false, err
		}
	}
	repl := fn(cur)
	if repl == nil {
		return false, nil
	}
	d.tree.Set(key, hashtree.HeapValue(repl))
	return true, nil
}

// Remove deletes key, reporting whether it existed.
func (d *DB) Remove(key []byte) (bool, error) {
	if !d.writable {
		return false, ErrReadOnly
	}
	return d.tree.Remove(key), nil
}

// Count returns the number of keys in the current (overlay-merged)
// state.
func (d *DB) Count() int { return d.tree.Count() }

// Each visits every key and document in ascending key order until fn
// returns false.
func (d *DB) Each(fn func(key []byte, doc *Document) bool) error {
	it := d.tree.Iterator()
	for {
		key, slot, ok := it.Next()
		if !ok {
			return nil
		}
		doc, err := d.docForSlot(slot)
		if err != nil {
			return err
		}
		if !fn(key, doc) {
			return nil
		}
	}
}

// CommitChanges appends the overlay as a new snapshot and reloads at
// the new file size. With no pending changes it is a no-op.
func (d *DB) CommitChanges() error {
	if !d.tree.IsChanged() {
		return nil
	}
	if !d.writable {
		return ErrReadOnly
	}
	newSize, err := d.writeToFile(d.file.File(), true, true)
	if err != nil {
		return err
	}
	if err := d.file.Resize(newSize); err != nil {
		return err
	}
	if err := d.loadCheckpoint(newSize); err != nil {
		return err
	}
	if d.onCommit != nil {
		d.onCommit(d, newSize)
	}
	return nil
}

// RevertChanges discards the overlay by reloading the current
// checkpoint.
func (d *DB) RevertChanges() error {
	return d.loadCheckpoint(d.Checkpoint())
}

// WriteTo writes a standalone, non-delta image of the current state to
// a fresh file at path. The destination's trailer chain starts over at
// zero; superseded snapshots are left behind, which makes this the
// compaction path.
func (d *DB) WriteTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("os.Create(%s): %w", path, err)
	}
	if _, err := d.writeToFile(f, false, false); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("f.Close: %w", err)
	}
	return nil
}

// writeToFile appends (delta) or writes (full) one snapshot: optional
// header, trie bytes, padding out to a page boundary, then the
// trailer. The first flush makes the trie durable before the trailer
// that legitimizes it is written; the second makes the trailer
// durable. A failed flush is warned, not fatal: it is an operator
// durability problem, not corruption.
func (d *DB) writeToFile(f *os.File, delta, flush bool) (uint64, error) {
	var filePos uint64
	if delta {
		if _, err := f.Seek(int64(len(d.data)), io.SeekStart); err != nil {
			return 0, fmt.Errorf("can't append to file: %w", err)
		}
		filePos = uint64(len(d.data))
	} else {
		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, fmt.Errorf("seek: %w", err)
		}
		filePos = uint64(pos)
	}

	bw := bufio.NewWriter(f)
	if !delta || filePos == 0 {
		if err := datafile.WriteHeader(bw); err != nil {
			return 0, err
		}
		filePos += datafile.HeaderSize
	}

	var base uint64
	if delta {
		base = uint64(len(d.data))
	}
	w := hashtree.NewWriter(bw, filePos, base, d.valueEncoder(base))
	treePos, err := d.tree.WriteTo(w)
	if err != nil {
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("can't write to file: %w", err)
	}
	filePos = w.Pos()

	// Extend to a page boundary, leaving room for the trailer, and
	// flush so the trie is durable before the trailer marks it valid.
	finalPos := filePos + datafile.TrailerSize
	if finalPos%d.pageSize != 0 {
		finalPos += d.pageSize - finalPos%d.pageSize
	}
	if err := f.Truncate(int64(finalPos)); err != nil {
		return 0, fmt.Errorf("can't grow the file: %w", err)
	}
	if flush {
		d.flush(f, true)
	}

	var prev uint64
	if delta {
		prev = uint64(len(d.data))
	}
	tr := datafile.Trailer{
		TreeOffset:     uint32(finalPos - datafile.TrailerSize - treePos),
		PrevTrailerPos: prev,
	}
	if _, err := f.Seek(int64(finalPos-datafile.TrailerSize), io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek: %w", err)
	}
	buf := tr.Marshal()
	if _, err := f.Write(buf[:]); err != nil {
		return 0, fmt.Errorf("can't write to file: %w", err)
	}
	if flush {
		d.flush(f, false)
	}
	return finalPos, nil
}

func (d *DB) flush(f *os.File, fullSync bool) {
	if err := datafile.Flush(f, fullSync); err != nil {
		d.logger.Warn("failed to flush file to disk; durability uncertain", "error", err)
	}
}

// valueEncoder writes a slot's document and returns its offset. In
// delta mode, values already in the base image are referenced in
// place; a full rewrite recopies their encoded bytes.
func (d *DB) valueEncoder(base uint64) hashtree.ValueEncoder {
	return func(w *hashtree.Writer, slot hashtree.ValueSlot) (uint64, error) {
		if h := slot.Heap(); h != nil {
			switch v := h.(type) {
			case *Document:
				if base > 0 && v.off != 0 && v.off < base {
					return v.off, nil
				}
				b, err := encodeBody(v.m)
				if err != nil {
					return 0, err
				}
				return w.WriteBlob(b)
			case *HeapDict:
				if base > 0 && !v.IsChanged() && v.source != nil &&
					v.source.off != 0 && v.source.off < base {
					return v.source.off, nil
				}
				b, err := encodeBody(v.Materialize())
				if err != nil {
					return 0, err
				}
				return w.WriteBlob(b)
			default:
				return 0, fmt.Errorf("unexpected overlay value %T", h)
			}
		}
		off := slot.Offset()
		if base > 0 && off < base {
			return off, nil
		}
		length, n := binary.Uvarint(d.data[off:])
		if n <= 0 {
			return 0, fmt.Errorf("malformed value at 0x%x", off)
		}
		return w.WriteBlob(d.data[off+uint64(n) : off+uint64(n)+length])
	}
}

// Checkpoint returns the offset anchoring the loaded snapshot.
func (d *DB) Checkpoint() uint64 { return uint64(len(d.data)) }

// PreviousCheckpoint returns the checkpoint of the snapshot before the
// loaded one, or 0.
func (d *DB) PreviousCheckpoint() uint64 { return d.prevCheckpoint }

// Damaged reports whether the loaded snapshot was reached by skipping
// damaged bytes at the tail of the file.
func (d *DB) Damaged() bool { return d.damaged }

// IsLegalCheckpoint reports whether c could designate a snapshot of
// this file: within the loaded data and page-aligned.
func (d *DB) IsLegalCheckpoint(c uint64) bool {
	return c <= uint64(len(d.data)) && c%d.pageSize == 0
}

// DataUpToCheckpoint returns the immutable file image [0, c), or nil
// if c is illegal.
func (d *DB) DataUpToCheckpoint(c uint64) []byte {
	if !d.IsLegalCheckpoint(c) {
		return nil
	}
	return d.data[:c]
}

// DataSinceCheckpoint returns the file image appended after c, or nil
// if c is illegal.
func (d *DB) DataSinceCheckpoint(c uint64) []byte {
	if !d.IsLegalCheckpoint(c) {
		return nil
	}
	return d.data[c:]
}

// OnCommit installs a callback invoked after every successful commit
// with the new file size.
func (d *DB) OnCommit(fn func(db *DB, newSize uint64)) { d.onCommit = fn }

// Path returns the database file's path.
func (d *DB) Path() string { return d.file.Path() }

// Close releases the handle. Clones sharing the mapping keep it alive.
func (d *DB) Close() error { return d.file.Close() }
