// Package bitmap implements the fixed-length bit arrays used for dirty page
// tracking and received page bookkeeping. Bits are stored in uint64 words,
// bit i lives in word i/64 at position i%64, which is also the little-endian
// layout used on the wire.
package bitmap

import (
	"encoding/binary"
	"math/bits"
	"sync/atomic"

	"github.com/juju/errors"
)

const wordBits = 64

// ErrShortBuffer is returned when an encoded bitmap is smaller than its
// declared length.
const ErrShortBuffer = errors.ConstError("bitmap: short buffer")

// Bitmap is a bit array of a fixed (growable) length. Only the atomic
// accessors are safe for concurrent use.
type Bitmap struct {
	words []uint64
	n     uint64
}

func wordsFor(n uint64) uint64 {
	return (n + wordBits - 1) / wordBits
}

// New returns a bitmap of n cleared bits.
func New(n uint64) *Bitmap {
	return &Bitmap{words: make([]uint64, wordsFor(n)), n: n}
}

// NewFull returns a bitmap of n set bits.
func NewFull(n uint64) *Bitmap {
	b := New(n)
	b.SetRange(0, n)

	return b
}

// Len returns the number of bits.
func (b *Bitmap) Len() uint64 { return b.n }

// Test reports whether bit i is set.
func (b *Bitmap) Test(i uint64) bool {
	if i >= b.n {
		return false
	}

	return b.words[i/wordBits]&(1<<(i%wordBits)) != 0
}

// Set sets bit i and returns its previous value.
func (b *Bitmap) Set(i uint64) bool {
	if i >= b.n {
		return false
	}

	w := &b.words[i/wordBits]
	mask := uint64(1) << (i % wordBits)
	old := *w&mask != 0
	*w |= mask

	return old
}

// Clear clears bit i and returns its previous value.
func (b *Bitmap) Clear(i uint64) bool {
	if i >= b.n {
		return false
	}

	w := &b.words[i/wordBits]
	mask := uint64(1) << (i % wordBits)
	old := *w&mask != 0
	*w &^= mask

	return old
}

// SetAtomic sets bit i with an atomic OR and returns its previous value.
func (b *Bitmap) SetAtomic(i uint64) bool {
	if i >= b.n {
		return false
	}

	mask := uint64(1) << (i % wordBits)

	return atomic.OrUint64(&b.words[i/wordBits], mask)&mask != 0
}

// ClearAtomic clears bit i with an atomic AND and returns its previous value.
func (b *Bitmap) ClearAtomic(i uint64) bool {
	if i >= b.n {
		return false
	}

	mask := uint64(1) << (i % wordBits)

	return atomic.AndUint64(&b.words[i/wordBits], ^mask)&mask != 0
}

// TestAtomic reports whether bit i is set using an atomic load.
func (b *Bitmap) TestAtomic(i uint64) bool {
	if i >= b.n {
		return false
	}

	return atomic.LoadUint64(&b.words[i/wordBits])&(1<<(i%wordBits)) != 0
}

// rangeMask returns the mask of bits [lo, hi) inside one word, 0 <= lo < hi <= 64.
func rangeMask(lo, hi uint64) uint64 {
	if hi-lo == wordBits {
		return ^uint64(0)
	}

	return ((uint64(1) << (hi - lo)) - 1) << lo
}

// forRange calls fn for every word overlapping [start, start+n) with the mask
// of the covered bits.
func (b *Bitmap) forRange(start, n uint64, fn func(w *uint64, mask uint64)) {
	if start >= b.n {
		return
	}

	end := start + n
	if end > b.n || end < start {
		end = b.n
	}

	for i := start; i < end; {
		wi := i / wordBits
		lo := i % wordBits
		hi := uint64(wordBits)

		if (wi+1)*wordBits > end {
			hi = end - wi*wordBits
		}

		fn(&b.words[wi], rangeMask(lo, hi))
		i = (wi + 1) * wordBits
	}
}

// SetRange sets bits [start, start+n) and returns how many were newly set.
func (b *Bitmap) SetRange(start, n uint64) uint64 {
	var added uint64

	b.forRange(start, n, func(w *uint64, mask uint64) {
		added += uint64(bits.OnesCount64(mask &^ *w))
		*w |= mask
	})

	return added
}

// ClearRange clears bits [start, start+n) and returns how many were set before.
func (b *Bitmap) ClearRange(start, n uint64) uint64 {
	var removed uint64

	b.forRange(start, n, func(w *uint64, mask uint64) {
		removed += uint64(bits.OnesCount64(mask & *w))
		*w &^= mask
	})

	return removed
}

// CountRange returns the number of set bits in [start, start+n).
func (b *Bitmap) CountRange(start, n uint64) uint64 {
	var c uint64

	b.forRange(start, n, func(w *uint64, mask uint64) {
		c += uint64(bits.OnesCount64(mask & *w))
	})

	return c
}

// NextSet returns the index of the first set bit at or after from, or Len()
// when there is none.
func (b *Bitmap) NextSet(from uint64) uint64 {
	return b.next(from, 0)
}

// NextClear returns the index of the first clear bit at or after from, or
// Len() when there is none.
func (b *Bitmap) NextClear(from uint64) uint64 {
	return b.next(from, ^uint64(0))
}

func (b *Bitmap) next(from, invert uint64) uint64 {
	if from >= b.n {
		return b.n
	}

	wi := from / wordBits
	w := (b.words[wi] ^ invert) &^ ((uint64(1) << (from % wordBits)) - 1)

	for {
		if w != 0 {
			i := wi*wordBits + uint64(bits.TrailingZeros64(w))
			if i >= b.n {
				return b.n
			}

			return i
		}

		wi++
		if wi >= uint64(len(b.words)) {
			return b.n
		}

		w = b.words[wi] ^ invert
	}
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint64 {
	var c uint64

	for _, w := range b.words {
		c += uint64(bits.OnesCount64(w))
	}

	return c
}

// Grow extends the bitmap to n bits. New bits are cleared. Shrinking is
// not supported and n smaller than Len is ignored.
func (b *Bitmap) Grow(n uint64) {
	if n <= b.n {
		return
	}

	need := wordsFor(n)
	if need > uint64(len(b.words)) {
		words := make([]uint64, need)
		copy(words, b.words)
		b.words = words
	}

	b.n = n
}

// Complement inverts every bit.
func (b *Bitmap) Complement() {
	for i := range b.words {
		b.words[i] = ^b.words[i]
	}

	b.trim()
}

// trim clears the bits past Len in the last word.
func (b *Bitmap) trim() {
	if r := b.n % wordBits; r != 0 {
		b.words[len(b.words)-1] &= (uint64(1) << r) - 1
	}
}

// Or merges src into b and returns how many bits were newly set. Bits of src
// past Len are ignored.
func (b *Bitmap) Or(src []uint64) uint64 {
	var added uint64

	for i := 0; i < len(src) && i < len(b.words); i++ {
		w := src[i]
		if uint64(i) == uint64(len(b.words))-1 {
			if r := b.n % wordBits; r != 0 {
				w &= (uint64(1) << r) - 1
			}
		}

		added += uint64(bits.OnesCount64(w &^ b.words[i]))
		b.words[i] |= w
	}

	return added
}

// Words exposes the underlying words.
func (b *Bitmap) Words() []uint64 { return b.words }

// Clone returns a deep copy.
func (b *Bitmap) Clone() *Bitmap {
	c := &Bitmap{words: make([]uint64, len(b.words)), n: b.n}
	copy(c.words, b.words)

	return c
}

// Runs calls fn for every maximal run of set bits, in ascending order.
func (b *Bitmap) Runs(fn func(start, n uint64) error) error {
	for i := b.NextSet(0); i < b.n; {
		end := b.NextClear(i)
		if err := fn(i, end-i); err != nil {
			return err
		}

		i = b.NextSet(end)
	}

	return nil
}

// EncodedLen returns the byte size of the encoding, rounded up to a whole
// number of words.
func (b *Bitmap) EncodedLen() int { return len(b.words) * 8 }

// MarshalLE encodes the bitmap as little-endian words.
func (b *Bitmap) MarshalLE() []byte {
	buf := make([]byte, len(b.words)*8)
	for i, w := range b.words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}

	return buf
}

// UnmarshalLE decodes a bitmap of n bits from little-endian words.
func UnmarshalLE(data []byte, n uint64) (*Bitmap, error) {
	b := New(n)
	if uint64(len(data)) < uint64(len(b.words))*8 {
		return nil, errors.Annotatef(ErrShortBuffer, "need %d bytes, have %d", len(b.words)*8, len(data))
	}

	for i := range b.words {
		b.words[i] = binary.LittleEndian.Uint64(data[i*8:])
	}

	b.trim()

	return b, nil
}
