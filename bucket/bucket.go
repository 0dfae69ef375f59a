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

// Package bucket implements a slab allocator that tracks occupancy with a
// bitmap instead of a free list.
//
// A bucket is a run of 2^rank pages laid out as
//
//	base                                                    base+size
//	| obj 0 | obj 1 | ... | obj cap-1 | occupancy bitmap | pad | header |
//
// Successive allocations alternate between a forward and a reverse scan of
// the bitmap so neighbouring calls rarely land on adjacent slots.
package bucket

import (
	"unsafe"

	"github.com/cloudwego/kalloc/bitmap"
	"github.com/cloudwego/kalloc/internal/spinlock"
	"github.com/cloudwego/kalloc/internal/xlog"
	"github.com/cloudwego/kalloc/pagemap"
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

const (
	// DefaultMinObjects is the default number of objects a bucket must hold.
	DefaultMinObjects = 8

	// DefaultMaxRank is the default largest bucket rank.
	DefaultMaxRank = 4

	bucketMagic uint32 = 0xB0C4E7

	nilAddr = ^uint64(0)
)

var (
	// ErrNoMemory is returned when a new bucket cannot be obtained.
	ErrNoMemory = errors.New("bucket: out of memory")

	// ErrObjectSize is returned for object sizes no bucket can hold.
	ErrObjectSize = errors.New("bucket: invalid object size")
)

// PageAllocator supplies bucket pages. *bpa.Allocator implements it.
type PageAllocator interface {
	Alloc(rank int) (physmem.PhysAddr, error)
	Free(pa physmem.PhysAddr, rank int)
}

// Option configures an Allocator.
type Option struct {
	// MinObjects is the number of objects a bucket should hold.
	MinObjects int

	// MaxRank bounds the bucket size to 2^MaxRank pages.
	MaxRank int

	// Logger receives bucket creation and release records. Nil discards them.
	Logger *slog.Logger
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{MinObjects: DefaultMinObjects, MaxRank: DefaultMaxRank}
}

type header struct {
	magic    uint32
	owner    uint32
	objSize  uint32
	capacity uint32
	allocNum uint32
	_        uint32
	next     uint64
	prev     uint64
	base     uint64
}

const headerSize = uint64(unsafe.Sizeof(header{}))

// CalcCapacity returns how many objects of objSize fit a bucket of pages
// pages once the occupancy bitmap and the header are accounted for.
func CalcCapacity(pages uint64, objSize int) int {
	size := pages << physmem.PageShift
	if objSize <= 0 || size <= headerSize {
		return 0
	}
	n := int((size - headerSize) / uint64(objSize))
	for n > 0 && uint64(n)*uint64(objSize)+uint64(bitmap.BytesFor(n))+headerSize > size {
		n--
	}
	return n
}

// Allocator hands out objects of one size from bitmap-tracked buckets.
type Allocator struct {
	lock spinlock.Lock

	mem    *physmem.Memory
	pages  PageAllocator
	owners *pagemap.Map
	owner  pagemap.Owner

	objSize  uint64
	rank     int
	capacity int

	head    uint64
	buckets int
	live    uint64
	reverse bool // scan direction of the next allocation

	log *slog.Logger
}

// New creates an allocator for objects of objSize bytes. owners may be nil,
// in which case frees locate their bucket by scanning the bucket list.
func New(mem *physmem.Memory, pages PageAllocator, owners *pagemap.Map, objSize int, opt *Option) (*Allocator, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	if objSize <= 0 {
		return nil, errors.Wrapf(ErrObjectSize, "%d bytes", objSize)
	}
	if opt.MaxRank < 0 {
		return nil, errors.Newf("bucket: MaxRank must be >= 0, got %d", opt.MaxRank)
	}
	rank := 0
	for ; rank < opt.MaxRank; rank++ {
		if CalcCapacity(1<<rank, objSize) >= opt.MinObjects {
			break
		}
	}
	capacity := CalcCapacity(1<<rank, objSize)
	if capacity == 0 {
		return nil, errors.Wrapf(ErrObjectSize, "%d bytes do not fit a %d page bucket", objSize, 1<<rank)
	}
	a := &Allocator{
		mem:      mem,
		pages:    pages,
		owners:   owners,
		objSize:  uint64(objSize),
		rank:     rank,
		capacity: capacity,
		head:     nilAddr,
		log:      xlog.Or(opt.Logger),
	}
	if owners != nil {
		a.owner = owners.NewOwner()
	}
	return a, nil
}

// ObjectSize returns the size of the objects handed out.
func (a *Allocator) ObjectSize() int {
	return int(a.objSize)
}

// Rank returns the rank of the buckets.
func (a *Allocator) Rank() int {
	return a.rank
}

// Capacity returns the number of objects a bucket holds.
func (a *Allocator) Capacity() int {
	return a.capacity
}

// Owner returns the page owner tag of this allocator.
func (a *Allocator) Owner() pagemap.Owner {
	return a.owner
}

func (a *Allocator) size() uint64 {
	return uint64(1) << (a.rank + physmem.PageShift)
}

func (a *Allocator) hdr(base uint64) *header {
	return (*header)(a.mem.Pointer(physmem.PhysAddr(base + a.size() - headerSize)))
}

// bitmapAddr is the end of the object area.
func (a *Allocator) bitmapAddr(base uint64) uint64 {
	return base + uint64(a.capacity)*a.objSize
}

func (a *Allocator) occupancy(base uint64) *bitmap.Bitmap {
	n := bitmap.BytesFor(a.capacity)
	return bitmap.Attach(a.mem.Bytes(physmem.PhysAddr(a.bitmapAddr(base)), n), a.capacity)
}

// Alloc returns the address of a free object.
func (a *Allocator) Alloc() (physmem.PhysAddr, error) {
	a.lock.Lock()
	for base := a.head; base != nilAddr; {
		h := a.hdr(base)
		if int(h.allocNum) < a.capacity {
			pa := a.take(h)
			a.lock.Unlock()
			return pa, nil
		}
		base = h.next
	}
	a.lock.Unlock()

	pa, err := a.pages.Alloc(a.rank)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "bucket: bucket of rank %d for %d byte objects", a.rank, a.objSize), ErrNoMemory)
	}
	base := uint64(pa)
	bitmap.FromBytes(a.mem.Bytes(physmem.PhysAddr(a.bitmapAddr(base)), bitmap.BytesFor(a.capacity)), a.capacity, false)
	h := a.hdr(base)
	*h = header{
		magic:    bucketMagic,
		owner:    uint32(a.owner),
		objSize:  uint32(a.objSize),
		capacity: uint32(a.capacity),
		next:     nilAddr,
		prev:     nilAddr,
		base:     base,
	}
	if a.owners != nil {
		a.owners.Set(pa.PFN(), 1<<a.rank, a.owner)
	}
	a.log.Debug("bucket: new bucket", "objSize", a.objSize, "base", pa, "capacity", a.capacity)

	a.lock.Lock()
	h.next = a.head
	if a.head != nilAddr {
		a.hdr(a.head).prev = base
	}
	a.head = base
	a.buckets++
	obj := a.take(h)
	a.lock.Unlock()
	return obj, nil
}

// take claims a clear bit of a bucket with room. The lock must be held.
func (a *Allocator) take(h *header) physmem.PhysAddr {
	occ := a.occupancy(h.base)
	var i int
	if a.reverse {
		i = occ.RFind(false)
	} else {
		i = occ.Find(false)
	}
	a.reverse = !a.reverse
	if i < 0 {
		panic(errors.AssertionFailedf("bucket: %#x counts %d of %d objects but has no clear bit", h.base, h.allocNum, a.capacity))
	}
	occ.Set(i)
	h.allocNum++
	a.live++
	return physmem.PhysAddr(h.base + uint64(i)*a.objSize)
}

// Free returns an object obtained from Alloc.
// Freeing an address that is not a live object of this allocator panics.
func (a *Allocator) Free(pa physmem.PhysAddr) {
	a.lock.Lock()
	h := a.owning(uint64(pa))
	if h == nil {
		a.lock.Unlock()
		panic(errors.AssertionFailedf("bucket: free of %#x not owned by the %d byte allocator", pa, a.objSize))
	}
	off := uint64(pa) - h.base
	occ := a.occupancy(h.base)
	if off%a.objSize != 0 || !occ.Get(int(off/a.objSize)) {
		a.lock.Unlock()
		panic(errors.AssertionFailedf("bucket: free of %#x which is not a live object", pa))
	}
	occ.Clear(int(off / a.objSize))
	h.allocNum--
	a.live--
	if h.allocNum != 0 {
		a.lock.Unlock()
		return
	}

	if h.prev != nilAddr {
		a.hdr(h.prev).next = h.next
	} else {
		a.head = h.next
	}
	if h.next != nilAddr {
		a.hdr(h.next).prev = h.prev
	}
	a.buckets--
	a.lock.Unlock()

	base := h.base
	h.magic = 0
	if a.owners != nil {
		a.owners.Clear(physmem.PhysAddr(base).PFN(), 1<<a.rank, a.owner)
	}
	a.pages.Free(physmem.PhysAddr(base), a.rank)
	a.log.Debug("bucket: released bucket", "objSize", a.objSize, "base", physmem.PhysAddr(base))
}

// owning returns the bucket whose object area holds pa, or nil.
// The lock must be held.
func (a *Allocator) owning(pa uint64) *header {
	if a.owners == nil {
		for base := a.head; base != nilAddr; {
			if pa >= base && pa < a.bitmapAddr(base) {
				return a.hdr(base)
			}
			base = a.hdr(base).next
		}
		return nil
	}
	if a.owners.Lookup(physmem.PhysAddr(pa).PFN()) != a.owner {
		return nil
	}
	base := pa &^ (a.size() - 1)
	h := a.hdr(base)
	if h.magic != bucketMagic || h.owner != uint32(a.owner) || pa >= a.bitmapAddr(base) {
		return nil
	}
	return h
}

// Contains reports whether pa lies in the object area of one of the buckets.
func (a *Allocator) Contains(pa physmem.PhysAddr) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.owning(uint64(pa)) != nil
}

// NewObject allocates a zeroed T. T must not contain Go pointers.
func NewObject[T any](a *Allocator) (*T, error) {
	var zero T
	if size := unsafe.Sizeof(zero); uint64(size) > a.objSize {
		return nil, errors.Wrapf(ErrObjectSize, "%T is %d bytes, objects are %d", zero, size, a.objSize)
	}
	pa, err := a.Alloc()
	if err != nil {
		return nil, err
	}
	p := (*T)(a.mem.Pointer(pa))
	*p = zero
	return p, nil
}

// DeleteObject returns an object obtained from NewObject.
func DeleteObject[T any](a *Allocator, p *T) {
	a.Free(a.mem.AddrOf(unsafe.Pointer(p)))
}
