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

package bpa

import (
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Stats is a snapshot of the allocator counters.
type Stats struct {
	TotalPages     uint64
	AllocatedPages uint64 // includes UnmanagedPages
	UnmanagedPages uint64 // never released by the memory map
	FreePages      uint64
	FreeBlocks     []int // per rank
}

// Stats returns a consistent snapshot of the counters.
func (a *Allocator) Stats() Stats {
	a.lock.Lock()
	defer a.lock.Unlock()
	s := Stats{
		TotalPages:     a.totalPages,
		AllocatedPages: a.allocated,
		UnmanagedPages: a.unmanaged,
		FreeBlocks:     make([]int, len(a.areas)),
	}
	for r := range a.areas {
		s.FreeBlocks[r] = a.areas[r].count
		s.FreePages += uint64(a.areas[r].count) << r
	}
	return s
}

// FreeCount returns the number of free blocks of the given rank.
func (a *Allocator) FreeCount(rank int) int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.areas[rank].count
}

// BuddyBit returns the buddy bit of the pair holding pfn at rank.
// The top rank has no bits and always reports false.
func (a *Allocator) BuddyBit(rank int, pfn physmem.PFN) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	if rank >= a.maxRank {
		return false
	}
	return a.areas[rank].buddy.Get(pairIndex(uint64(pfn), rank))
}

// FreeBlocks returns the frames of the free blocks of rank, in list order.
func (a *Allocator) FreeBlocks(rank int) []physmem.PFN {
	a.lock.Lock()
	defer a.lock.Unlock()
	out := make([]physmem.PFN, 0, a.areas[rank].count)
	for p := a.areas[rank].head; p != nilPFN; p = a.next[p] {
		out = append(out, physmem.PFN(p))
	}
	return out
}

// Validate walks every free list and checks the buddy invariant and page
// conservation. It is meant for tests and debug builds.
func (a *Allocator) Validate() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	var free uint64
	for r := range a.areas {
		area := &a.areas[r]
		n := 0
		prev := nilPFN
		for p := area.head; p != nilPFN; p = a.next[p] {
			if n > area.count {
				return errors.Newf("rank %d: free list longer than its count %d", r, area.count)
			}
			if a.prev[p] != prev {
				return errors.Newf("rank %d: frame %d has back link %d, want %d", r, p, a.prev[p], prev)
			}
			if uint64(p)&(1<<r-1) != 0 || uint64(p)+1<<r > a.totalPages {
				return errors.Newf("rank %d: frame %d misaligned or out of range", r, p)
			}
			if a.freeRank[p] != int8(r) {
				return errors.Newf("rank %d: frame %d is listed but marked %d", r, p, a.freeRank[p])
			}
			prev = p
			n++
		}
		if n != area.count {
			return errors.Newf("rank %d: counted %d free blocks, want %d", r, n, area.count)
		}
		free += uint64(n) << r
	}
	if free+a.allocated != a.totalPages {
		return errors.Newf("free %d + allocated %d pages != total %d", free, a.allocated, a.totalPages)
	}

	for r := 0; r < a.maxRank; r++ {
		bm := a.areas[r].buddy
		for pair := 0; pair < bm.Len(); pair++ {
			lo := uint64(pair) << (r + 1)
			hi := lo + 1<<r
			loFree := a.freeRank[lo] == int8(r)
			hiFree := hi < a.totalPages && a.freeRank[hi] == int8(r)
			if loFree && hiFree {
				return errors.Newf("rank %d: buddies %d and %d are both free", r, lo, hi)
			}
			if bm.Get(pair) != (loFree != hiFree) {
				return errors.Newf("rank %d: buddy bit of pair %d is %v, lo free %v, hi free %v",
					r, pair, bm.Get(pair), loFree, hiFree)
			}
		}
	}
	return nil
}

// WriteJSON writes the allocator counters as a JSON object.
func (a *Allocator) WriteJSON(w *jwriter.Writer) {
	s := a.Stats()
	obj := w.Object()
	obj.Name("maxRank").Int(a.maxRank)
	obj.Name("totalPages").Float64(float64(s.TotalPages))
	obj.Name("allocatedPages").Float64(float64(s.AllocatedPages))
	obj.Name("unmanagedPages").Float64(float64(s.UnmanagedPages))
	obj.Name("freePages").Float64(float64(s.FreePages))
	ranks := obj.Name("freeBlocks").Array()
	for _, n := range s.FreeBlocks {
		ranks.Int(n)
	}
	ranks.End()
	obj.End()
}
