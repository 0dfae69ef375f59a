/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package bitmap implements a fixed-size bitset laid over a byte slice.
//
// The bitset does not own its storage: it can live in a Go slice or in raw
// memory handed out by a page allocator, which is how the buddy and bucket
// allocators use it. Bit i is stored in byte i/8 at position i%8.
//
// Bitmap does no locking, callers serialize access.
package bitmap

import (
	"encoding/binary"
	"math/bits"

	"github.com/cockroachdb/errors"
)

// Bitmap is a fixed-size array of bits.
type Bitmap struct {
	buf   []byte
	nbits int
}

// BytesFor returns the number of bytes needed to hold nbits bits.
func BytesFor(nbits int) int {
	return (nbits + 7) >> 3
}

// New allocates a bitmap of nbits bits with every bit set to initial.
func New(nbits int, initial bool) *Bitmap {
	if nbits < 0 {
		panic(errors.AssertionFailedf("bitmap: negative size %d", nbits))
	}
	return FromBytes(make([]byte, BytesFor(nbits)), nbits, initial)
}

// FromBytes lays a bitmap of nbits bits over buf and sets every bit to initial.
// buf must hold at least BytesFor(nbits) bytes; the bitmap keeps referencing it.
func FromBytes(buf []byte, nbits int, initial bool) *Bitmap {
	b := Attach(buf, nbits)
	fill := byte(0)
	if initial {
		fill = 0xFF
	}
	for i := range b.buf {
		b.buf[i] = fill
	}
	return b
}

// Attach lays a bitmap over buf without touching its contents.
// It is used to reopen a bitmap that already lives in raw memory.
func Attach(buf []byte, nbits int) *Bitmap {
	n := BytesFor(nbits)
	if nbits < 0 || len(buf) < n {
		panic(errors.AssertionFailedf("bitmap: %d bytes cannot hold %d bits", len(buf), nbits))
	}
	return &Bitmap{buf: buf[:n:n], nbits: nbits}
}

// Len returns the number of bits.
func (b *Bitmap) Len() int {
	return b.nbits
}

// Bytes returns the backing storage.
func (b *Bitmap) Bytes() []byte {
	return b.buf
}

func (b *Bitmap) check(i int) {
	if uint(i) >= uint(b.nbits) {
		panic(errors.AssertionFailedf("bitmap: index %d out of range [0, %d)", i, b.nbits))
	}
}

// Get reports whether bit i is set.
func (b *Bitmap) Get(i int) bool {
	b.check(i)
	return b.buf[i>>3]&(1<<(i&7)) != 0
}

// Set sets bit i.
func (b *Bitmap) Set(i int) {
	b.check(i)
	b.buf[i>>3] |= 1 << (i & 7)
}

// Clear clears bit i.
func (b *Bitmap) Clear(i int) {
	b.check(i)
	b.buf[i>>3] &^= 1 << (i & 7)
}

// Toggle flips bit i and returns its new value.
func (b *Bitmap) Toggle(i int) bool {
	b.check(i)
	b.buf[i>>3] ^= 1 << (i & 7)
	return b.buf[i>>3]&(1<<(i&7)) != 0
}

// SetAll sets every bit to v.
func (b *Bitmap) SetAll(v bool) {
	fill := byte(0)
	if v {
		fill = 0xFF
	}
	for i := range b.buf {
		b.buf[i] = fill
	}
}

// tailMask returns the mask of valid bits in the last byte.
func (b *Bitmap) tailMask() byte {
	if r := b.nbits & 7; r != 0 {
		return byte(1)<<r - 1
	}
	return 0xFF
}

// Find returns the index of the first bit equal to v, or -1.
//
// Whole 64-bit words holding no candidate are skipped with one comparison,
// then the remaining bytes are scanned.
func (b *Bitmap) Find(v bool) int {
	buf := b.buf
	n := len(buf)
	i := 0
	for ; i+8 <= n; i += 8 {
		w := binary.LittleEndian.Uint64(buf[i:])
		if !v {
			w = ^w
		}
		if w != 0 {
			return b.bound(i<<3 + bits.TrailingZeros64(w))
		}
	}
	for ; i < n; i++ {
		x := buf[i]
		if !v {
			x = ^x
		}
		if x != 0 {
			return b.bound(i<<3 + bits.TrailingZeros8(x))
		}
	}
	return -1
}

// bound drops matches that fall in the padding bits of the last byte.
func (b *Bitmap) bound(idx int) int {
	if idx < b.nbits {
		return idx
	}
	return -1
}

// RFind returns the index of the last bit equal to v, or -1.
func (b *Bitmap) RFind(v bool) int {
	if b.nbits == 0 {
		return -1
	}
	buf := b.buf
	last := len(buf) - 1
	x := buf[last]
	if !v {
		x = ^x
	}
	if x &= b.tailMask(); x != 0 {
		return last<<3 + 7 - bits.LeadingZeros8(x)
	}
	end := last // bytes [0, end) remain
	for ; end >= 8; end -= 8 {
		w := binary.LittleEndian.Uint64(buf[end-8:])
		if !v {
			w = ^w
		}
		if w != 0 {
			return (end-8)<<3 + 63 - bits.LeadingZeros64(w)
		}
	}
	for i := end - 1; i >= 0; i-- {
		x := buf[i]
		if !v {
			x = ^x
		}
		if x != 0 {
			return i<<3 + 7 - bits.LeadingZeros8(x)
		}
	}
	return -1
}

// Count returns the number of bits equal to v.
func (b *Bitmap) Count(v bool) int {
	if b.nbits == 0 {
		return 0
	}
	buf := b.buf
	set := 0
	i := 0
	for ; i+8 <= len(buf)-1; i += 8 {
		set += bits.OnesCount64(binary.LittleEndian.Uint64(buf[i:]))
	}
	for ; i < len(buf)-1; i++ {
		set += bits.OnesCount8(buf[i])
	}
	set += bits.OnesCount8(buf[len(buf)-1] & b.tailMask())
	if v {
		return set
	}
	return b.nbits - set
}
