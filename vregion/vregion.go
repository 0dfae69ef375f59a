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

// Package vregion implements sparse virtual memory regions, the heap layer
// between the page allocator and its users.
//
// A Region reserves a page-aligned virtual range up front and backs it with
// physical pages only where it is populated, either explicitly, by growing
// its break, or on demand when a page is first touched. A bitmap records
// which pages are populated.
package vregion

import (
	"unsafe"

	"github.com/cloudwego/kalloc/bitmap"
	"github.com/cloudwego/kalloc/internal/spinlock"
	"github.com/cloudwego/kalloc/internal/xlog"
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cloudwego/kalloc/vregion/pagetable"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

var (
	// ErrNoMemory is returned when a backing page cannot be obtained.
	ErrNoMemory = errors.New("vregion: out of memory")

	// ErrOutOfRange is returned for offsets or addresses outside the region.
	ErrOutOfRange = errors.New("vregion: out of range")

	// ErrClosed is returned by operations on a closed region.
	ErrClosed = errors.New("vregion: closed")
)

// Mapper installs and removes virtual to physical translations.
// *pagetable.Table implements it.
type Mapper interface {
	Map(va physmem.VirtAddr, pa physmem.PhysAddr, pages uint64, flags pagetable.Flags) error
	Unmap(va physmem.VirtAddr, pages uint64) error
	Translate(va physmem.VirtAddr) (physmem.PhysAddr, bool)
}

// PageAllocator supplies backing pages. *bpa.Allocator implements it.
type PageAllocator interface {
	Alloc(rank int) (physmem.PhysAddr, error)
	Free(pa physmem.PhysAddr, rank int)
}

// Option configures a Region.
type Option struct {
	// Flags are the permissions of every mapping of the region.
	Flags pagetable.Flags

	// Logger receives population failures and closing records.
	Logger *slog.Logger
}

// DefaultOption returns a writable, non executable region configuration.
func DefaultOption() *Option {
	return &Option{Flags: pagetable.Write | pagetable.NoExec}
}

// Region is a reserved virtual range. It is safe for concurrent use.
type Region struct {
	lock      spinlock.Lock
	mem       *physmem.Memory
	pages     PageAllocator
	mapper    Mapper
	base      physmem.VirtAddr
	maxPages  uint64
	brk       uint64 // pages committed by Grow
	populated *bitmap.Bitmap
	count     uint64
	flags     pagetable.Flags
	closed    bool
	log       *slog.Logger
}

// New reserves maxPages pages of virtual space at base. Nothing is
// populated until asked for.
func New(mem *physmem.Memory, base physmem.VirtAddr, maxPages uint64, pages PageAllocator, mapper Mapper, opt *Option) (*Region, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	if !base.PageAligned() || maxPages == 0 {
		return nil, errors.Newf("vregion: bad region %#x of %d pages", base, maxPages)
	}
	if base+physmem.VirtAddr(maxPages<<physmem.PageShift) < base {
		return nil, errors.Newf("vregion: region %#x of %d pages wraps", base, maxPages)
	}
	return &Region{
		mem:       mem,
		pages:     pages,
		mapper:    mapper,
		base:      base,
		maxPages:  maxPages,
		populated: bitmap.New(int(maxPages), false),
		flags:     opt.Flags,
		log:       xlog.Or(opt.Logger),
	}, nil
}

// Base returns the first address of the region.
func (r *Region) Base() physmem.VirtAddr {
	return r.base
}

// Size returns the reserved size in bytes.
func (r *Region) Size() uint64 {
	return r.maxPages << physmem.PageShift
}

// Contains reports whether va lies in the reserved range.
func (r *Region) Contains(va physmem.VirtAddr) bool {
	return va >= r.base && uint64(va-r.base) < r.Size()
}

func (r *Region) checkRange(off, n uint64) error {
	if n == 0 || off >= r.maxPages || n > r.maxPages-off {
		return errors.Wrapf(ErrOutOfRange, "pages [%d, +%d) of %d", off, n, r.maxPages)
	}
	return nil
}

func (r *Region) pageVA(i uint64) physmem.VirtAddr {
	return r.base + physmem.VirtAddr(i<<physmem.PageShift)
}

// Populate backs pages [off, off+n) with zeroed physical pages. Pages that
// are already populated are left alone. On failure the pages populated by
// this call are released again.
func (r *Region) Populate(off, n uint64) error {
	if err := r.checkRange(off, n); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.populateLocked(off, n)
}

func (r *Region) populateLocked(off, n uint64) error {
	var done []uint64
	for i := off; i < off+n; i++ {
		if r.populated.Get(int(i)) {
			continue
		}
		if err := r.populatePage(i); err != nil {
			for _, j := range done {
				r.releasePage(j)
			}
			r.log.Debug("vregion: populate failed", "base", r.base, "page", i, "err", err)
			return err
		}
		done = append(done, i)
	}
	return nil
}

func (r *Region) populatePage(i uint64) error {
	pa, err := r.pages.Alloc(0)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "vregion: page %d of region %#x", i, r.base), ErrNoMemory)
	}
	r.mem.Zero(pa, physmem.PageSize)
	if err := r.mapper.Map(r.pageVA(i), pa, 1, r.flags); err != nil {
		r.pages.Free(pa, 0)
		return errors.Wrapf(err, "map page %d of region %#x", i, r.base)
	}
	r.populated.Set(int(i))
	r.count++
	return nil
}

// Release returns the populated pages of [off, off+n) to the page allocator.
// Holes are skipped.
func (r *Region) Release(off, n uint64) error {
	if err := r.checkRange(off, n); err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return ErrClosed
	}
	for i := off; i < off+n; i++ {
		if r.populated.Get(int(i)) {
			r.releasePage(i)
		}
	}
	return nil
}

func (r *Region) releasePage(i uint64) {
	va := r.pageVA(i)
	pa, ok := r.mapper.Translate(va)
	if !ok {
		panic(errors.AssertionFailedf("vregion: populated page %#x has no mapping", va))
	}
	if err := r.mapper.Unmap(va, 1); err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "vregion: unmap populated page %#x", va))
	}
	r.pages.Free(pa, 0)
	r.populated.Clear(int(i))
	r.count--
}

// Grow moves the break up by n pages, populating them, and returns the old
// break address. Grow(0) returns the current break.
func (r *Region) Grow(n uint64) (physmem.VirtAddr, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	old := r.pageVA(r.brk)
	if n == 0 {
		return old, nil
	}
	if n > r.maxPages-r.brk {
		return 0, errors.Wrapf(ErrOutOfRange, "grow by %d pages, %d left", n, r.maxPages-r.brk)
	}
	if err := r.populateLocked(r.brk, n); err != nil {
		return 0, err
	}
	r.brk += n
	return old, nil
}

// Shrink moves the break down by n pages and releases them.
func (r *Region) Shrink(n uint64) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return ErrClosed
	}
	if n > r.brk {
		return errors.Wrapf(ErrOutOfRange, "shrink by %d pages, break at %d", n, r.brk)
	}
	for i := r.brk - n; i < r.brk; i++ {
		if r.populated.Get(int(i)) {
			r.releasePage(i)
		}
	}
	r.brk -= n
	return nil
}

// Break returns the current break address.
func (r *Region) Break() physmem.VirtAddr {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.pageVA(r.brk)
}

// Fault populates the page holding va if it is not populated yet.
func (r *Region) Fault(va physmem.VirtAddr) error {
	if !r.Contains(va) {
		return errors.Wrapf(ErrOutOfRange, "fault at %#x", va)
	}
	i := uint64(va-r.base) >> physmem.PageShift
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.populated.Get(int(i)) {
		return nil
	}
	return r.populatePage(i)
}

// Translate returns the physical address behind va.
func (r *Region) Translate(va physmem.VirtAddr) (physmem.PhysAddr, bool) {
	if !r.Contains(va) {
		return 0, false
	}
	return r.mapper.Translate(va)
}

// Pointer returns a pointer to the byte at va, faulting its page in first.
// The pointer is valid until the page is released.
func (r *Region) Pointer(va physmem.VirtAddr) (unsafe.Pointer, error) {
	if err := r.Fault(va); err != nil {
		return nil, err
	}
	pa, ok := r.mapper.Translate(va)
	if !ok {
		return nil, errors.AssertionFailedf("vregion: %#x faulted in but not mapped", va)
	}
	return r.mem.Pointer(pa), nil
}

// Populated returns the number of populated pages.
func (r *Region) Populated() uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.count
}

// IsPopulated reports whether page i of the region is populated.
func (r *Region) IsPopulated(i uint64) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return i < r.maxPages && r.populated.Get(int(i))
}

// Close releases every populated page. The region cannot be used afterwards.
func (r *Region) Close() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return
	}
	for i := r.populated.Find(true); i >= 0; i = r.populated.Find(true) {
		r.releasePage(uint64(i))
	}
	r.closed = true
	r.brk = 0
	r.log.Debug("vregion: closed", "base", r.base)
}
