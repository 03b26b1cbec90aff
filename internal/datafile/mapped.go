// Copyright 2024 The fleece Authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0 License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// ErrTooLarge is returned when a file outgrows the mapped region
// reserved at open time.
var ErrTooLarge = errors.New("file exceeds maximum mapping size")

// MappedFile owns a file handle plus a read-only mapping of its
// contents. The mapping covers maxSize bytes of address space up
// front, so appending through the file handle never requires a remap:
// newly written pages become readable through the same view once the
// logical size is raised.
//
// A MappedFile is shared between a DB and its clones and is reference
// counted; Close unmaps only when the last holder releases it.
type MappedFile struct {
	f        *os.File
	m        mmap.MMap
	path     string
	size     uint64
	writable bool
	refs     atomic.Int32
}

// OpenMapped opens (or creates, when create is set and the file is
// missing) the file at path and maps up to maxSize bytes of it.
func OpenMapped(path string, writable, create bool, maxSize uint64) (*MappedFile, error) {
	if maxSize == 0 {
		return nil, errors.New("max mapping size must be positive")
	}
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("f.Stat: %w", err)
	}
	if uint64(st.Size()) > maxSize {
		_ = f.Close()
		return nil, fmt.Errorf("%s is %d bytes: %w", path, st.Size(), ErrTooLarge)
	}
	m, err := mmap.MapRegion(f, int(maxSize), mmap.RDONLY, 0, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap.MapRegion(%s, %d): %w", path, maxSize, err)
	}
	if err := unix.Madvise(m, unix.MADV_RANDOM); err != nil {
		_ = m.Unmap()
		_ = f.Close()
		return nil, fmt.Errorf("madvise: %w", err)
	}
	mf := &MappedFile{
		f:        f,
		m:        m,
		path:     path,
		size:     uint64(st.Size()),
		writable: writable,
	}
	mf.refs.Store(1)
	return mf, nil
}

// Contents returns the current file image, [0, size).
func (mf *MappedFile) Contents() []byte { return mf.m[:mf.size] }

// Size returns the current logical file size.
func (mf *MappedFile) Size() uint64 { return mf.size }

// File returns the underlying handle for appending.
func (mf *MappedFile) File() *os.File { return mf.f }

// Path returns the file's path.
func (mf *MappedFile) Path() string { return mf.path }

// Writable reports whether the handle was opened for writing.
func (mf *MappedFile) Writable() bool { return mf.writable }

// Resize records a new logical size after the on-disk file has been
// grown.
func (mf *MappedFile) Resize(size uint64) error {
	if size > uint64(len(mf.m)) {
		return fmt.Errorf("resize to %d: %w", size, ErrTooLarge)
	}
	mf.size = size
	return nil
}

// Retain registers another holder of this mapping.
func (mf *MappedFile) Retain() *MappedFile {
	mf.refs.Add(1)
	return mf
}

// Close releases the caller's reference, unmapping and closing the
// file once no holders remain.
func (mf *MappedFile) Close() error {
	if mf.refs.Add(-1) > 0 {
		return nil
	}
	err := mf.m.Unmap()
	if cerr := mf.f.Close(); err == nil {
		err = cerr
	}
	return err
}
