// Package xbzrle encodes a page as the difference to an earlier copy of
// itself.
//
// An encoded page is a sequence of (zero run, non-zero run) pairs: the
// length of a run of unchanged bytes, the length of the run of changed bytes
// that follows, then the changed bytes. Lengths are ULEB128 in one or two
// bytes. A trailing run of unchanged bytes is not encoded, so an unchanged
// page encodes to nothing.
package xbzrle

import (
	"encoding/binary"

	"github.com/juju/errors"
)

// MaxLen is the largest page Encode and Decode handle; run lengths must fit
// in two ULEB128 bytes.
const MaxLen = 1<<14 - 1

// ErrOverflow is returned by Encode when the delta does not fit in dst.
const ErrOverflow = errors.ConstError("xbzrle: encoded page overflows buffer")

// Encode writes the delta from old to cur into dst and returns its length.
// Zero means the page did not change.
func Encode(dst, old, cur []byte) (int, error) {
	n := len(cur)
	if len(old) != n || n > MaxLen {
		return 0, errors.NotValidf("xbzrle encode of %d bytes against %d", n, len(old))
	}

	d, i := 0, 0

	for i < n {
		if d+2 > len(dst) {
			return 0, ErrOverflow
		}

		zrun := i

		for i+8 <= n && binary.LittleEndian.Uint64(old[i:]) == binary.LittleEndian.Uint64(cur[i:]) {
			i += 8
		}

		for i < n && old[i] == cur[i] {
			i++
		}

		if i == n {
			break
		}

		d += putLen(dst[d:], i-zrun)

		start := i
		for i < n && old[i] != cur[i] {
			i++
		}

		nzrun := i - start
		if d+lenSize(nzrun)+nzrun > len(dst) {
			return 0, ErrOverflow
		}

		d += putLen(dst[d:], nzrun)
		d += copy(dst[d:], cur[start:i])
	}

	return d, nil
}

// Decode applies the delta in src to dst, which holds the old page, and
// returns the number of bytes covered by the delta.
func Decode(dst, src []byte) (int, error) {
	d, i := 0, 0

	for i < len(src) {
		if len(src)-i < 2 {
			return 0, errors.NotValidf("xbzrle zero run truncated at %d", i)
		}

		zrun, k, err := getLen(src[i:])
		if err != nil {
			return 0, err
		}

		// Only the first zero run may be empty.
		if i != 0 && zrun == 0 {
			return 0, errors.NotValidf("xbzrle empty zero run at %d", i)
		}

		i += k
		d += zrun

		if d > len(dst) {
			return 0, errors.NotValidf("xbzrle zero run past %d bytes", len(dst))
		}

		if len(src)-i < 2 {
			return 0, errors.NotValidf("xbzrle run truncated at %d", i)
		}

		nzrun, k, err := getLen(src[i:])
		if err != nil {
			return 0, err
		}

		if nzrun == 0 {
			return 0, errors.NotValidf("xbzrle empty run at %d", i)
		}

		i += k

		if d+nzrun > len(dst) || i+nzrun > len(src) {
			return 0, errors.NotValidf("xbzrle run of %d bytes at %d", nzrun, d)
		}

		copy(dst[d:], src[i:i+nzrun])
		d += nzrun
		i += nzrun
	}

	return d, nil
}

func lenSize(v int) int {
	if v < 0x80 {
		return 1
	}

	return 2
}

func putLen(dst []byte, v int) int {
	if v < 0x80 {
		dst[0] = byte(v)

		return 1
	}

	dst[0] = byte(v) | 0x80
	dst[1] = byte(v >> 7)

	return 2
}

func getLen(src []byte) (int, int, error) {
	if src[0]&0x80 == 0 {
		return int(src[0]), 1, nil
	}

	if src[1]&0x80 != 0 {
		return 0, 0, errors.NotValidf("xbzrle run length over two bytes")
	}

	return int(src[0]&0x7f) | int(src[1])<<7, 2, nil
}
