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

// Package oma implements the object memory allocator, an arena based slab
// allocator for fixed-size kernel objects.
//
// An arena is a run of 2^rank pages obtained from a page allocator. Objects
// are packed from the start of the arena and a header sits at its end:
//
//	base                                  header start        base+size
//	| obj 0 | obj 1 | ... | obj cap-1 | pad | header           |
//
// Never used slots are handed out by a bump pointer, freed slots go on a
// free list threaded through their first word. An arena that becomes empty
// returns its pages, except the bootstrap arena which is supplied by the
// caller from memory the page allocator does not manage.
package oma

import (
	"unsafe"

	"github.com/cloudwego/kalloc/internal/spinlock"
	"github.com/cloudwego/kalloc/internal/xlog"
	"github.com/cloudwego/kalloc/pagemap"
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

const (
	// DefaultMinObjects is the default number of objects an arena must hold.
	DefaultMinObjects = 8

	// DefaultMaxRank is the default largest arena rank, 16 pages.
	DefaultMaxRank = 4

	// arenaMagic tags live arena headers.
	arenaMagic uint32 = 0x0A4E4A

	// flagBootstrap marks the caller supplied arena.
	flagBootstrap uint32 = 1

	nilAddr = ^uint64(0)
)

var (
	// ErrNoMemory is returned when a new arena cannot be obtained.
	ErrNoMemory = errors.New("oma: out of memory")

	// ErrObjectSize is returned for object sizes no arena can hold, or
	// smaller than the free list link.
	ErrObjectSize = errors.New("oma: invalid object size")
)

// PageAllocator supplies arena pages. *bpa.Allocator implements it.
type PageAllocator interface {
	Alloc(rank int) (physmem.PhysAddr, error)
	Free(pa physmem.PhysAddr, rank int)
}

// Option configures an Allocator.
type Option struct {
	// MinObjects is the number of objects an arena should hold. The arena
	// rank grows until it fits or MaxRank is reached.
	MinObjects int

	// MaxRank bounds the arena size to 2^MaxRank pages.
	MaxRank int

	// Logger receives arena creation and release records. Nil discards them.
	Logger *slog.Logger
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{MinObjects: DefaultMinObjects, MaxRank: DefaultMaxRank}
}

// header is stored at the end of every arena. It holds no Go pointers.
type header struct {
	magic    uint32
	owner    uint32
	objSize  uint32
	capacity uint32
	allocNum uint32
	bump     uint32 // slots handed out by the bump pointer
	flags    uint32
	_        uint32
	freeHead uint64 // first free slot, nilAddr when empty
	next     uint64 // base of the next arena, nilAddr at the tail
	prev     uint64
	base     uint64
	pages    uint64
}

const headerSize = uint64(unsafe.Sizeof(header{}))

// Allocator hands out objects of one size.
type Allocator struct {
	lock spinlock.Lock

	mem    *physmem.Memory
	pages  PageAllocator
	owners *pagemap.Map
	owner  pagemap.Owner

	objSize  uint64
	rank     int
	capacity uint64

	head   uint64 // first arena, nilAddr when none
	arenas int
	live   uint64

	boot      uint64 // bootstrap arena base, nilAddr when none
	bootPages uint64

	log *slog.Logger
}

// New creates an allocator for objects of objSize bytes whose arenas come
// from pages. owners may be nil, in which case frees locate their arena by
// scanning the arena list.
func New(mem *physmem.Memory, pages PageAllocator, owners *pagemap.Map, objSize int, opt *Option) (*Allocator, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	if objSize < physmem.WordSize {
		return nil, errors.Wrapf(ErrObjectSize, "%d bytes is smaller than the %d byte free list link", objSize, physmem.WordSize)
	}
	if opt.MaxRank < 0 {
		return nil, errors.Newf("oma: MaxRank must be >= 0, got %d", opt.MaxRank)
	}
	size := alignWord(uint64(objSize))
	rank := 0
	for ; rank < opt.MaxRank; rank++ {
		if capacityOf(uint64(1)<<rank, size) >= uint64(opt.MinObjects) {
			break
		}
	}
	capacity := capacityOf(uint64(1)<<rank, size)
	if capacity == 0 {
		return nil, errors.Wrapf(ErrObjectSize, "%d bytes do not fit a %d page arena", objSize, 1<<rank)
	}
	a := &Allocator{
		mem:      mem,
		pages:    pages,
		owners:   owners,
		objSize:  size,
		rank:     rank,
		capacity: capacity,
		head:     nilAddr,
		boot:     nilAddr,
		log:      xlog.Or(opt.Logger),
	}
	if owners != nil {
		a.owner = owners.NewOwner()
	}
	return a, nil
}

// NewBootstrap creates an allocator whose first arena is the page range
// [buf, buf+bufPages) supplied by the caller. That arena is never released
// and its pages are never given to pages.
func NewBootstrap(mem *physmem.Memory, pages PageAllocator, owners *pagemap.Map, objSize int,
	buf physmem.PhysAddr, bufPages uint64, opt *Option,
) (*Allocator, error) {
	a, err := New(mem, pages, owners, objSize, opt)
	if err != nil {
		return nil, err
	}
	if !buf.PageAligned() || bufPages == 0 || !mem.Contains(buf, bufPages<<physmem.PageShift) {
		return nil, errors.Newf("oma: bootstrap buffer %#x of %d pages is not usable", buf, bufPages)
	}
	if capacityOf(bufPages, a.objSize) == 0 {
		return nil, errors.Wrapf(ErrObjectSize, "%d bytes do not fit the %d page bootstrap buffer", a.objSize, bufPages)
	}
	a.initArena(uint64(buf), bufPages, flagBootstrap)
	a.boot = uint64(buf)
	a.bootPages = bufPages
	a.link(uint64(buf))
	return a, nil
}

func alignWord(n uint64) uint64 {
	return (n + physmem.WordSize - 1) &^ (physmem.WordSize - 1)
}

func capacityOf(pages, objSize uint64) uint64 {
	size := pages << physmem.PageShift
	if size <= headerSize {
		return 0
	}
	return (size - headerSize) / objSize
}

// ObjectSize returns the size of the objects handed out.
func (a *Allocator) ObjectSize() int {
	return int(a.objSize)
}

// Rank returns the rank of the arenas obtained from the page allocator.
func (a *Allocator) Rank() int {
	return a.rank
}

// Capacity returns the number of objects an arena of Rank holds.
func (a *Allocator) Capacity() int {
	return int(a.capacity)
}

// Owner returns the page owner tag of this allocator, pagemap.None without
// an owner table.
func (a *Allocator) Owner() pagemap.Owner {
	return a.owner
}

func (a *Allocator) hdr(base uint64, pages uint64) *header {
	return (*header)(a.mem.Pointer(physmem.PhysAddr(base + pages<<physmem.PageShift - headerSize)))
}

func (a *Allocator) arenaPages() uint64 {
	return 1 << a.rank
}

// initArena writes a fresh header and tags the arena pages.
func (a *Allocator) initArena(base, pages uint64, flags uint32) *header {
	h := a.hdr(base, pages)
	*h = header{
		magic:    arenaMagic,
		owner:    uint32(a.owner),
		objSize:  uint32(a.objSize),
		capacity: uint32(capacityOf(pages, a.objSize)),
		flags:    flags,
		freeHead: nilAddr,
		next:     nilAddr,
		prev:     nilAddr,
		base:     base,
		pages:    pages,
	}
	if a.owners != nil {
		a.owners.Set(physmem.PhysAddr(base).PFN(), pages, a.owner)
	}
	return h
}

// link pushes the arena at the list head. The lock must be held.
func (a *Allocator) link(base uint64) {
	h := a.headerAt(base)
	h.next = a.head
	h.prev = nilAddr
	if a.head != nilAddr {
		a.headerAt(a.head).prev = base
	}
	a.head = base
	a.arenas++
}

// unlink removes the arena from the list. The lock must be held.
func (a *Allocator) unlink(h *header) {
	if h.prev != nilAddr {
		a.headerAt(h.prev).next = h.next
	} else {
		a.head = h.next
	}
	if h.next != nilAddr {
		a.headerAt(h.next).prev = h.prev
	}
	h.next, h.prev = nilAddr, nilAddr
	a.arenas--
}

// headerAt returns the header of the arena starting at base.
func (a *Allocator) headerAt(base uint64) *header {
	if base == a.boot {
		return a.hdr(base, a.bootPages)
	}
	return a.hdr(base, a.arenaPages())
}

// Alloc returns the address of a free object.
func (a *Allocator) Alloc() (physmem.PhysAddr, error) {
	a.lock.Lock()
	pa, ok := a.allocLocked()
	a.lock.Unlock()
	if ok {
		return pa, nil
	}

	// Every arena is full. Grow without holding the lock so the page
	// allocator is never entered under it.
	base, err := a.pages.Alloc(a.rank)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "oma: arena of rank %d for %d byte objects", a.rank, a.objSize), ErrNoMemory)
	}
	h := a.initArena(uint64(base), a.arenaPages(), 0)
	a.log.Debug("oma: new arena", "objSize", a.objSize, "base", base, "pages", a.arenaPages())

	a.lock.Lock()
	a.link(uint64(base))
	pa = a.take(h)
	a.lock.Unlock()
	return pa, nil
}

func (a *Allocator) allocLocked() (physmem.PhysAddr, bool) {
	for base := a.head; base != nilAddr; {
		h := a.headerAt(base)
		if h.allocNum < h.capacity {
			return a.take(h), true
		}
		base = h.next
	}
	return 0, false
}

// take hands out one slot of an arena with room.
func (a *Allocator) take(h *header) physmem.PhysAddr {
	var pa uint64
	if h.freeHead != nilAddr {
		pa = h.freeHead
		h.freeHead = *a.mem.Word(physmem.PhysAddr(pa))
	} else {
		pa = h.base + uint64(h.bump)*a.objSize
		h.bump++
	}
	h.allocNum++
	a.live++
	return physmem.PhysAddr(pa)
}

// Free returns an object obtained from Alloc.
// Freeing an address this allocator does not own panics.
func (a *Allocator) Free(pa physmem.PhysAddr) {
	a.lock.Lock()
	h := a.owning(uint64(pa))
	if h == nil {
		a.lock.Unlock()
		panic(errors.AssertionFailedf("oma: free of %#x not owned by the %d byte allocator", pa, a.objSize))
	}
	off := uint64(pa) - h.base
	if off%a.objSize != 0 || off/a.objSize >= uint64(h.bump) {
		a.lock.Unlock()
		panic(errors.AssertionFailedf("oma: free of %#x which is not a live object start", pa))
	}

	if off/a.objSize == uint64(h.bump)-1 {
		// The last bumped slot: retract the bump pointer instead of leaving a hole.
		h.bump--
	} else {
		*a.mem.Word(pa) = h.freeHead
		h.freeHead = uint64(pa)
	}
	h.allocNum--
	a.live--

	if h.allocNum != 0 {
		a.lock.Unlock()
		return
	}
	h.bump = 0
	h.freeHead = nilAddr
	if h.flags&flagBootstrap != 0 {
		a.lock.Unlock()
		return
	}
	a.unlink(h)
	a.lock.Unlock()
	a.release(h)
}

// release returns an unlinked arena to the page allocator.
func (a *Allocator) release(h *header) {
	base, pages := h.base, h.pages
	h.magic = 0
	if a.owners != nil {
		a.owners.Clear(physmem.PhysAddr(base).PFN(), pages, a.owner)
	}
	a.pages.Free(physmem.PhysAddr(base), a.rank)
	a.log.Debug("oma: released arena", "objSize", a.objSize, "base", physmem.PhysAddr(base))
}

// owning returns the header of the arena holding pa in its object area,
// or nil. The lock must be held.
func (a *Allocator) owning(pa uint64) *header {
	if a.boot != nilAddr && pa >= a.boot && pa < a.boot+a.bootPages<<physmem.PageShift {
		return a.inPool(a.hdr(a.boot, a.bootPages), pa)
	}
	if a.owners == nil {
		for base := a.head; base != nilAddr; {
			h := a.headerAt(base)
			if pa >= h.base && pa < h.base+h.pages<<physmem.PageShift {
				return a.inPool(h, pa)
			}
			base = h.next
		}
		return nil
	}
	if a.owners.Lookup(physmem.PhysAddr(pa).PFN()) != a.owner {
		return nil
	}
	base := pa &^ (a.arenaPages()<<physmem.PageShift - 1)
	return a.inPool(a.hdr(base, a.arenaPages()), pa)
}

// inPool checks the header and that pa lies before the header start.
func (a *Allocator) inPool(h *header, pa uint64) *header {
	if h.magic != arenaMagic || h.owner != uint32(a.owner) || h.objSize != uint32(a.objSize) {
		return nil
	}
	if pa < h.base || pa >= h.base+uint64(h.capacity)*a.objSize {
		return nil
	}
	return h
}

// Contains reports whether pa lies in the object area of one of the arenas.
func (a *Allocator) Contains(pa physmem.PhysAddr) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.owning(uint64(pa)) != nil
}

// Pointer returns a pointer to the object at pa.
func (a *Allocator) Pointer(pa physmem.PhysAddr) unsafe.Pointer {
	return a.mem.Pointer(pa)
}
