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

// Package uma implements the universal memory allocator: malloc-style
// allocation of any size on top of the page and slab allocators.
//
// Requests up to MaxSmallSize are rounded up to a power of two and served by
// one slab allocator per size class. Larger requests take a buddy block
// directly and are recorded in the huge allocation index so Free can tell
// them apart from page-aligned small objects.
package uma

import (
	"sync/atomic"

	"github.com/cloudwego/kalloc/bucket"
	"github.com/cloudwego/kalloc/internal/xlog"
	"github.com/cloudwego/kalloc/oma"
	"github.com/cloudwego/kalloc/pagemap"
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
	"modernc.org/mathutil"
)

const (
	// DefaultMinSize is the smallest size class.
	DefaultMinSize = 16

	// DefaultMaxSmallSize is the largest size class, half a page.
	DefaultMaxSmallSize = physmem.PageSize / 2
)

var (
	// ErrNoMemory is returned when the backing allocators are exhausted.
	ErrNoMemory = errors.New("uma: out of memory")

	// ErrBadSize is returned for zero sizes and sizes above the largest block.
	ErrBadSize = errors.New("uma: invalid allocation size")
)

// Backend selects the slab allocator serving the size classes.
type Backend int

const (
	// Arena uses free-list arenas (package oma).
	Arena Backend = iota
	// Bucket uses bitmap-tracked buckets (package bucket).
	Bucket
)

func (b Backend) String() string {
	switch b {
	case Arena:
		return "arena"
	case Bucket:
		return "bucket"
	}
	return "unknown"
}

// PageAllocator supplies pages for huge allocations and slabs.
// *bpa.Allocator implements it.
type PageAllocator interface {
	Alloc(rank int) (physmem.PhysAddr, error)
	Free(pa physmem.PhysAddr, rank int)
	MaxRank() int
}

// Option configures an Allocator.
type Option struct {
	// MinSize is the smallest size class. It must be a power of two of at
	// least one word.
	MinSize int

	// MaxSmallSize is the largest size class, a power of two. Larger
	// requests are served by whole buddy blocks.
	MaxSmallSize int

	// Backend selects the slab allocator of the size classes.
	Backend Backend

	// SlabMaxRank bounds the arena or bucket size of every class.
	SlabMaxRank int

	// Logger receives huge allocation records. Nil discards them.
	Logger *slog.Logger
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		MinSize:      DefaultMinSize,
		MaxSmallSize: DefaultMaxSmallSize,
		Backend:      Arena,
		SlabMaxRank:  oma.DefaultMaxRank,
	}
}

// slab is the contract shared by oma.Allocator and bucket.Allocator.
type slab interface {
	Alloc() (physmem.PhysAddr, error)
	Free(pa physmem.PhysAddr)
	Contains(pa physmem.PhysAddr) bool
	Owner() pagemap.Owner
	ObjectSize() int
	Validate() error
	WriteJSON(w *jwriter.Writer)
}

type sizeClass struct {
	slab
	live atomic.Int64
}

// Allocator is the universal allocator.
type Allocator struct {
	mem     *physmem.Memory
	pages   PageAllocator
	owners  *pagemap.Map
	backend Backend

	minShift int
	maxSmall int
	maxSize  uint64

	classes []sizeClass
	byOwner map[pagemap.Owner]int
	huge    hugeIndex

	log *slog.Logger
}

// New creates a universal allocator. Huge allocation records are objects of
// nodes, which must hold objects of at least HugeNodeSize bytes. owners may be
// nil, in which case frees locate their size class by scanning.
func New(mem *physmem.Memory, pages PageAllocator, owners *pagemap.Map, nodes *oma.Allocator, opt *Option) (*Allocator, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	if !isPow2(opt.MinSize) || opt.MinSize < physmem.WordSize {
		return nil, errors.Newf("uma: MinSize %d is not a power of two of at least %d", opt.MinSize, physmem.WordSize)
	}
	if !isPow2(opt.MaxSmallSize) || opt.MaxSmallSize < opt.MinSize {
		return nil, errors.Newf("uma: MaxSmallSize %d is not a power of two >= MinSize", opt.MaxSmallSize)
	}
	if nodes == nil || nodes.ObjectSize() < HugeNodeSize {
		return nil, errors.Newf("uma: huge index needs a node allocator of at least %d byte objects", HugeNodeSize)
	}

	u := &Allocator{
		mem:      mem,
		pages:    pages,
		owners:   owners,
		backend:  opt.Backend,
		minShift: mathutil.Log2Uint64(uint64(opt.MinSize)),
		maxSmall: opt.MaxSmallSize,
		maxSize:  uint64(physmem.PageSize) << pages.MaxRank(),
		byOwner:  make(map[pagemap.Owner]int),
		huge:     hugeIndex{mem: mem, nodes: nodes, root: nilAddr},
		log:      xlog.Or(opt.Logger),
	}
	n := mathutil.Log2Uint64(uint64(opt.MaxSmallSize)) - u.minShift + 1
	u.classes = make([]sizeClass, n)
	for i := range u.classes {
		s, err := u.newSlab(u.ClassSize(i), opt)
		if err != nil {
			return nil, errors.Wrapf(err, "uma: size class %d", u.ClassSize(i))
		}
		u.classes[i].slab = s
		if owners != nil {
			u.byOwner[s.Owner()] = i
		}
	}
	return u, nil
}

func (u *Allocator) newSlab(size int, opt *Option) (slab, error) {
	switch opt.Backend {
	case Arena:
		return oma.New(u.mem, u.pages, u.owners, size, &oma.Option{
			MinObjects: oma.DefaultMinObjects, MaxRank: opt.SlabMaxRank, Logger: opt.Logger,
		})
	case Bucket:
		return bucket.New(u.mem, u.pages, u.owners, size, &bucket.Option{
			MinObjects: bucket.DefaultMinObjects, MaxRank: opt.SlabMaxRank, Logger: opt.Logger,
		})
	}
	return nil, errors.Newf("uma: unknown backend %d", opt.Backend)
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Classes returns the number of size classes.
func (u *Allocator) Classes() int {
	return len(u.classes)
}

// ClassSize returns the object size of class i.
func (u *Allocator) ClassSize(i int) int {
	return 1 << (u.minShift + i)
}

// SizeClass returns the class serving size bytes, or -1 when size is not
// a small size.
func (u *Allocator) SizeClass(size int) int {
	if size <= 0 || size > u.maxSmall {
		return -1
	}
	// ceil(log2(size)) relative to the smallest class.
	i := mathutil.BitLenUint64(uint64(size-1)) - u.minShift
	if i < 0 {
		return 0
	}
	return i
}

// MaxSize returns the largest size Alloc accepts.
func (u *Allocator) MaxSize() uint64 {
	return u.maxSize
}

// Alloc returns size bytes of memory at a direct map address. Small sizes are
// rounded up to their class, huge ones to a power of two pages.
func (u *Allocator) Alloc(size int) (physmem.VirtAddr, error) {
	if size <= 0 || uint64(size) > u.maxSize {
		return 0, errors.Wrapf(ErrBadSize, "%d bytes, limit %d", size, u.maxSize)
	}
	if i := u.SizeClass(size); i >= 0 {
		c := &u.classes[i]
		pa, err := c.Alloc()
		if err != nil {
			return 0, errors.Mark(errors.Wrapf(err, "uma: size class %d", u.ClassSize(i)), ErrNoMemory)
		}
		c.live.Add(1)
		return u.mem.VirtOf(pa), nil
	}
	return u.allocHuge(size)
}

func (u *Allocator) allocHuge(size int) (physmem.VirtAddr, error) {
	rank := mathutil.BitLenUint64(physmem.PagesFor(uint64(size)) - 1)
	pa, err := u.pages.Alloc(rank)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "uma: %d bytes (rank %d)", size, rank), ErrNoMemory)
	}
	if err := u.huge.insert(pa.PFN(), rank); err != nil {
		// No record means Free could never find the block again.
		u.pages.Free(pa, rank)
		return 0, errors.Mark(errors.Wrapf(err, "uma: huge index record for %d bytes", size), ErrNoMemory)
	}
	u.log.Debug("uma: huge alloc", "size", size, "rank", rank, "base", pa)
	return u.mem.VirtOf(pa), nil
}

// Free releases memory returned by Alloc. Freeing 0 is a no-op; freeing an
// address this allocator never returned panics.
func (u *Allocator) Free(va physmem.VirtAddr) {
	if va == 0 {
		return
	}
	pa, ok := u.mem.PhysOf(va)
	if !ok {
		panic(errors.AssertionFailedf("uma: free of %#x outside the direct map", va))
	}
	if pa.PageAligned() {
		if rank, ok := u.huge.remove(pa.PFN()); ok {
			u.pages.Free(pa, rank)
			u.log.Debug("uma: huge free", "rank", rank, "base", pa)
			return
		}
	}
	i := u.classOf(pa)
	if i < 0 {
		panic(errors.AssertionFailedf("uma: free of %#x which was never allocated", va))
	}
	c := &u.classes[i]
	c.Free(pa)
	c.live.Add(-1)
}

// classOf returns the size class owning pa, or -1.
func (u *Allocator) classOf(pa physmem.PhysAddr) int {
	if u.owners != nil {
		if i, ok := u.byOwner[u.owners.Lookup(pa.PFN())]; ok && u.classes[i].Contains(pa) {
			return i
		}
		return -1
	}
	for i := range u.classes {
		if u.classes[i].Contains(pa) {
			return i
		}
	}
	return -1
}

// UsableSize returns the number of bytes usable at va, which is the rounded
// size of the allocation, or 0 when va is not a live allocation start
// recognised by this allocator.
func (u *Allocator) UsableSize(va physmem.VirtAddr) uint64 {
	pa, ok := u.mem.PhysOf(va)
	if !ok {
		return 0
	}
	if pa.PageAligned() {
		if rank, ok := u.huge.lookup(pa.PFN()); ok {
			return uint64(physmem.PageSize) << rank
		}
	}
	if i := u.classOf(pa); i >= 0 {
		return uint64(u.ClassSize(i))
	}
	return 0
}
