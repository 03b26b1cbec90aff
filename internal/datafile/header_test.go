package datafile

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf))
	require.Equal(t, HeaderSize, buf.Len())
	require.True(t, ValidHeader(buf.Bytes(), 4096))
	require.True(t, ValidHeader(buf.Bytes(), 1))
}

func TestValidHeaderRejectsGarbage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf))

	short := buf.Bytes()[:HeaderSize-1]
	require.False(t, ValidHeader(short, 4096))

	flipped := append([]byte{}, buf.Bytes()...)
	flipped[0] ^= 0xff
	require.False(t, ValidHeader(flipped, 4096))

	badMagic2 := append([]byte{}, buf.Bytes()...)
	badMagic2[23] ^= 0xff
	require.False(t, ValidHeader(badMagic2, 4096))

	// a recorded header size at or above max(pageSize, 4096) means corruption
	bigSize := append([]byte{}, buf.Bytes()...)
	bigSize[14] = 0xff
	bigSize[15] = 0xff
	require.False(t, ValidHeader(bigSize, 4096))
}

func TestTrailerRoundTrip(t *testing.T) {
	tr := Trailer{TreeOffset: 1234, PrevTrailerPos: 8192}
	buf := tr.Marshal()

	got, ok := ParseTrailer(buf[:])
	require.True(t, ok)
	require.Equal(t, tr, got)

	// trailer is parsed from the tail of a larger block
	block := append(make([]byte, 100), buf[:]...)
	got, ok = ParseTrailer(block)
	require.True(t, ok)
	require.Equal(t, tr, got)
}

func TestTrailerRejectsBadMagic(t *testing.T) {
	tr := Trailer{TreeOffset: 8, PrevTrailerPos: 0}
	buf := tr.Marshal()

	for _, i := range []int{0, 7, 24, 31} {
		bad := buf
		bad[i] ^= 0x01
		_, ok := ParseTrailer(bad[:])
		require.False(t, ok, "flipped byte %d", i)
	}

	_, ok := ParseTrailer(buf[:TrailerSize-1])
	require.False(t, ok)
}
