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

// Package bpa implements the buddy page allocator that owns all physical
// page frames.
//
// Memory is managed as power-of-two blocks of pages called ranks: a block of
// rank r spans 2^r pages and its first frame is aligned to 2^r. Every rank has
// a free list and, below the top rank, a buddy bitmap holding one bit per
// buddy pair. The bit is 1 when exactly one block of the pair is allocated
// and 0 when both share the same state, so a free can decide whether the
// buddy is free without looking it up.
package bpa

import (
	"math/bits"

	"github.com/cloudwego/kalloc/bitmap"
	"github.com/cloudwego/kalloc/internal/spinlock"
	"github.com/cloudwego/kalloc/internal/xlog"
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

const (
	// DefaultMaxRank is the default largest rank, a 2048 page block.
	DefaultMaxRank = 11

	// maxRankLimit keeps 2^rank pages addressable by int32 frame links.
	maxRankLimit = 30

	// nilPFN terminates free lists.
	nilPFN int32 = -1

	// notFree marks frames that do not start a free block.
	notFree int8 = -1
)

var (
	// ErrNoMemory is returned when no block of the requested rank is available.
	ErrNoMemory = errors.New("bpa: out of memory")

	// ErrBadRank is returned for ranks outside [0, MaxRank].
	ErrBadRank = errors.New("bpa: rank out of range")
)

// Option configures an Allocator.
type Option struct {
	// MaxRank is the largest block rank tracked. Blocks never merge past it.
	MaxRank int

	// Logger receives init and exhaustion records. Nil discards them.
	Logger *slog.Logger
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{MaxRank: DefaultMaxRank}
}

// freeArea is the state of one rank.
type freeArea struct {
	head  int32
	count int

	// buddy has one bit per buddy pair, nil at the top rank.
	buddy *bitmap.Bitmap
}

// Allocator is the buddy page allocator.
type Allocator struct {
	lock spinlock.Lock

	areas []freeArea

	// next and prev thread the free lists through a frame-indexed table.
	next []int32
	prev []int32

	// freeRank[pfn] is the rank of the free block starting at pfn, or notFree.
	freeRank []int8

	maxRank    int
	totalPages uint64

	// allocated counts every frame not on a free list, including frames the
	// memory map never released (reserved, device, holes).
	allocated uint64
	// unmanaged is the part of allocated that was never free.
	unmanaged uint64

	log *slog.Logger
}

// New creates an allocator covering every frame of mm and seeds the free
// lists from its Free regions. Other regions stay allocated forever.
func New(mm physmem.MemoryMap, opt *Option) (*Allocator, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	if opt.MaxRank < 0 || opt.MaxRank > maxRankLimit {
		return nil, errors.Newf("bpa: MaxRank must be in [0, %d], got %d", maxRankLimit, opt.MaxRank)
	}
	if err := mm.Validate(); err != nil {
		return nil, err
	}
	total := mm.TotalPages()
	if total > 1<<31-1 {
		return nil, errors.Newf("bpa: %d pages exceed the frame table limit", total)
	}

	a := &Allocator{
		areas:      make([]freeArea, opt.MaxRank+1),
		next:       make([]int32, total),
		prev:       make([]int32, total),
		freeRank:   make([]int8, total),
		maxRank:    opt.MaxRank,
		totalPages: total,
		allocated:  total,
		log:        xlog.Or(opt.Logger),
	}
	for r := range a.areas {
		a.areas[r].head = nilPFN
		if r < a.maxRank {
			pairs := (total + (1 << (r + 1)) - 1) >> (r + 1)
			a.areas[r].buddy = bitmap.New(int(pairs), false)
		}
	}
	for i := range a.freeRank {
		a.freeRank[i] = notFree
	}

	// Every frame starts allocated, with all buddy bits 0 (both buddies in the
	// same state). Releasing the free regions through the regular free path
	// leaves bits and lists consistent. Going from the top down leaves the
	// lowest blocks at the list heads.
	for i := len(mm) - 1; i >= 0; i-- {
		r := mm[i]
		if r.Type != physmem.Free {
			continue
		}
		a.log.Debug("bpa: seeding region", "base", r.Base, "pages", r.Pages)
		blocks := a.decompose(uint64(r.Base), uint64(r.End()))
		for j := len(blocks) - 1; j >= 0; j-- {
			a.free(blocks[j].pfn, blocks[j].rank)
		}
	}
	a.unmanaged = a.allocated
	a.log.Info("bpa: initialized", "pages", total, "free", total-a.allocated, "maxRank", a.maxRank)
	return a, nil
}

type block struct {
	pfn  uint64
	rank int
}

// decompose splits [start, end) into maximal aligned blocks, lowest first.
func (a *Allocator) decompose(start, end uint64) []block {
	var out []block
	for p := start; p < end; {
		rank := a.maxRank
		if p != 0 {
			if tz := bits.TrailingZeros64(p); tz < rank {
				rank = tz
			}
		}
		for uint64(1)<<rank > end-p {
			rank--
		}
		out = append(out, block{p, rank})
		p += 1 << rank
	}
	return out
}

// RankForPages returns the smallest rank holding n pages.
func RankForPages(n uint64) int {
	if n <= 1 {
		return 0
	}
	return bits.Len64(n - 1)
}

// MaxRank returns the largest tracked rank.
func (a *Allocator) MaxRank() int {
	return a.maxRank
}

// TotalPages returns the number of frames covered.
func (a *Allocator) TotalPages() uint64 {
	return a.totalPages
}

// Alloc returns the physical address of a free block of 2^rank pages.
func (a *Allocator) Alloc(rank int) (physmem.PhysAddr, error) {
	if rank < 0 || rank > a.maxRank {
		return 0, errors.Wrapf(ErrBadRank, "rank %d, max %d", rank, a.maxRank)
	}
	a.lock.Lock()
	pfn, ok := a.alloc(rank)
	a.lock.Unlock()
	if !ok {
		a.log.Debug("bpa: out of memory", "rank", rank)
		return 0, errors.Wrapf(ErrNoMemory, "rank %d", rank)
	}
	return physmem.PFN(pfn).Addr(), nil
}

func (a *Allocator) alloc(rank int) (uint64, bool) {
	// Fast path: exact rank match
	if a.areas[rank].head != nilPFN {
		pfn := a.pop(rank)
		a.toggle(rank, pfn)
		a.allocated += 1 << rank
		return pfn, true
	}

	found := -1
	for r := rank + 1; r <= a.maxRank; r++ {
		if a.areas[r].head != nilPFN {
			found = r
			break
		}
	}
	if found == -1 {
		return 0, false
	}

	pfn := a.pop(found)
	a.toggle(found, pfn)

	// Split until we reach the requested rank. The lower half keeps the base
	// and goes on; the upper half becomes free at the rank below.
	for found > rank {
		found--
		upper := pfn + 1<<found
		a.push(found, upper)
		a.toggle(found, pfn)
	}
	a.allocated += 1 << rank
	return pfn, true
}

// Free returns a block obtained from Alloc with the same rank.
// Freeing anything else is a contract violation and panics when detected.
func (a *Allocator) Free(pa physmem.PhysAddr, rank int) {
	if rank < 0 || rank > a.maxRank {
		panic(errors.AssertionFailedf("bpa: free with rank %d, max %d", rank, a.maxRank))
	}
	if !pa.PageAligned() {
		panic(errors.AssertionFailedf("bpa: free of unaligned address %#x", pa))
	}
	pfn := uint64(pa.PFN())
	if pfn&(1<<rank-1) != 0 || pfn+1<<rank > a.totalPages {
		panic(errors.AssertionFailedf("bpa: block %#x of rank %d is misaligned or out of range", pa, rank))
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	if a.freeRank[pfn] != notFree {
		panic(errors.AssertionFailedf("bpa: double free of %#x (free at rank %d)", pa, a.freeRank[pfn]))
	}
	a.free(pfn, rank)
}

func (a *Allocator) free(pfn uint64, rank int) {
	a.allocated -= 1 << rank
	for rank < a.maxRank && a.areas[rank].buddy.Get(pairIndex(pfn, rank)) {
		// The buddy is free: take it off its list and merge.
		buddy := pfn ^ 1<<rank
		if a.freeRank[buddy] != int8(rank) {
			panic(errors.AssertionFailedf("bpa: buddy bit set for %d at rank %d but buddy %d is not free", pfn, rank, buddy))
		}
		a.remove(rank, buddy)
		a.toggle(rank, pfn)
		pfn &^= 1 << rank
		rank++
	}
	a.push(rank, pfn)
	a.toggle(rank, pfn)
}

// AllocPages allocates the smallest block holding n pages.
func (a *Allocator) AllocPages(n uint64) (physmem.PhysAddr, int, error) {
	rank := RankForPages(n)
	pa, err := a.Alloc(rank)
	return pa, rank, err
}

// FreePages returns a block obtained from AllocPages(n).
func (a *Allocator) FreePages(pa physmem.PhysAddr, n uint64) {
	a.Free(pa, RankForPages(n))
}

func pairIndex(pfn uint64, rank int) int {
	return int(pfn >> (rank + 1))
}

func (a *Allocator) toggle(rank int, pfn uint64) {
	if rank < a.maxRank {
		a.areas[rank].buddy.Toggle(pairIndex(pfn, rank))
	}
}

func (a *Allocator) push(rank int, pfn uint64) {
	area := &a.areas[rank]
	p := int32(pfn)
	a.next[p] = area.head
	a.prev[p] = nilPFN
	if area.head != nilPFN {
		a.prev[area.head] = p
	}
	area.head = p
	area.count++
	a.freeRank[p] = int8(rank)
}

func (a *Allocator) remove(rank int, pfn uint64) {
	area := &a.areas[rank]
	p := int32(pfn)
	if a.prev[p] != nilPFN {
		a.next[a.prev[p]] = a.next[p]
	} else {
		area.head = a.next[p]
	}
	if a.next[p] != nilPFN {
		a.prev[a.next[p]] = a.prev[p]
	}
	area.count--
	a.freeRank[p] = notFree
}

func (a *Allocator) pop(rank int) uint64 {
	pfn := uint64(a.areas[rank].head)
	a.remove(rank, pfn)
	return pfn
}
