// Copyright 2024 The fleece Authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0 License
// that can be found in the LICENSE file.

// Package datafile handles the fixed on-disk records that frame a
// database file (header and per-snapshot trailers) and the read-only
// memory-mapped view of its contents.
package datafile

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length of the record written once at offset 0.
	HeaderSize = 24
	// TrailerSize is the length of the record ending every snapshot.
	TrailerSize = 32

	headerMagic2  = 0xBAD724227CA1955F
	trailerMagic1 = 0x332FFAB5BC644D0C
	trailerMagic2 = 0x84A732B5C0E6948B
)

// magicText occupies the first 14 bytes of the file: "FleeceDB\n"
// followed by five NULs.
var magicText = [14]byte{'F', 'l', 'e', 'e', 'c', 'e', 'D', 'B', '\n'}

// WriteHeader writes the 24-byte file header.
func WriteHeader(w io.Writer) error {
	var buf [HeaderSize]byte
	copy(buf[:14], magicText[:])
	binary.LittleEndian.PutUint16(buf[14:16], HeaderSize)
	binary.LittleEndian.PutUint64(buf[16:24], headerMagic2)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// ValidHeader reports whether data begins with a well-formed file
// header. The recorded header size must be below max(pageSize, 4096);
// anything larger means the file is not ours or is corrupted.
func ValidHeader(data []byte, pageSize uint64) bool {
	if uint64(len(data)) < HeaderSize {
		return false
	}
	if string(data[:14]) != string(magicText[:]) {
		return false
	}
	limit := pageSize
	if limit < 4096 {
		limit = 4096
	}
	if uint64(binary.LittleEndian.Uint16(data[14:16])) >= limit {
		return false
	}
	return binary.LittleEndian.Uint64(data[16:24]) == headerMagic2
}

// Trailer is the 32-byte record that terminates each snapshot. Its
// position (end) is the snapshot's checkpoint.
type Trailer struct {
	// TreeOffset is the distance from the start of the trailer back to
	// the serialized trie root.
	TreeOffset uint32
	// PrevTrailerPos is the checkpoint of the previous snapshot, or 0
	// for the first.
	PrevTrailerPos uint64
}

// Marshal encodes the trailer with both magics and zero padding.
func (tr Trailer) Marshal() [TrailerSize]byte {
	var buf [TrailerSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], trailerMagic1)
	binary.LittleEndian.PutUint32(buf[8:12], tr.TreeOffset)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	binary.LittleEndian.PutUint64(buf[16:24], tr.PrevTrailerPos)
	binary.LittleEndian.PutUint64(buf[24:32], trailerMagic2)
	return buf
}

// ParseTrailer decodes the trailer occupying the last TrailerSize
// bytes of data, checking both magics. Field-level validation (page
// alignment, tree position bounds) is the caller's job since it needs
// the page size and checkpoint.
func ParseTrailer(data []byte) (Trailer, bool) {
	if len(data) < TrailerSize {
		return Trailer{}, false
	}
	b := data[len(data)-TrailerSize:]
	if binary.LittleEndian.Uint64(b[0:8]) != trailerMagic1 ||
		binary.LittleEndian.Uint64(b[24:32]) != trailerMagic2 {
		return Trailer{}, false
	}
	return Trailer{
		TreeOffset:     binary.LittleEndian.Uint32(b[8:12]),
		PrevTrailerPos: binary.LittleEndian.Uint64(b[16:24]),
	}, true
}
