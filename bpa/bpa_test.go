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
	"math/rand"
	"sync"
	"testing"

	"github.com/cloudwego/kalloc/physmem"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		mm      physmem.MemoryMap
		opt     *Option
		wantErr bool
	}{
		{"default", freeMap(4096), nil, false},
		{"rank0", freeMap(16), &Option{MaxRank: 0}, false},
		{"negative_rank", freeMap(16), &Option{MaxRank: -1}, true},
		{"rank_too_large", freeMap(16), &Option{MaxRank: 31}, true},
		{"bad_map", physmem.MemoryMap{}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.mm, tt.opt)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, a.Validate())
		})
	}
}

func TestSeeding(t *testing.T) {
	t.Run("Aligned", func(t *testing.T) {
		a := newTestAllocator(t, freeMap(4096))
		assert.Equal(t, []physmem.PFN{0, 2048}, a.FreeBlocks(11))
		s := a.Stats()
		assert.Equal(t, uint64(4096), s.FreePages)
		assert.Equal(t, uint64(0), s.AllocatedPages)
	})

	t.Run("ReservedAndHoles", func(t *testing.T) {
		mm := physmem.MemoryMap{
			{Base: 0, Pages: 3, Type: physmem.Reserved},
			{Base: 3, Pages: 13, Type: physmem.Free},
			{Base: 32, Pages: 8, Type: physmem.Device},
			{Base: 40, Pages: 24, Type: physmem.Free},
		}
		a := newTestAllocator(t, mm)
		require.NoError(t, a.Validate())
		s := a.Stats()
		assert.Equal(t, uint64(64), s.TotalPages)
		assert.Equal(t, uint64(37), s.FreePages)
		assert.Equal(t, uint64(27), s.AllocatedPages)
		assert.Equal(t, uint64(27), s.UnmanagedPages)
		// 3 is a lone page, its buddy 2 is reserved
		assert.True(t, a.BuddyBit(0, 3))
		assert.Equal(t, []physmem.PFN{3}, a.FreeBlocks(0))
		assert.Equal(t, []physmem.PFN{4}, a.FreeBlocks(2))
		assert.Equal(t, []physmem.PFN{8, 40}, a.FreeBlocks(3))
		assert.Equal(t, []physmem.PFN{48}, a.FreeBlocks(4))
	})

	t.Run("AdjacentRegionsMerge", func(t *testing.T) {
		mm := physmem.MemoryMap{
			{Base: 0, Pages: 16, Type: physmem.Free},
			{Base: 16, Pages: 16, Type: physmem.Free},
		}
		a := newTestAllocator(t, mm)
		assert.Equal(t, []physmem.PFN{0}, a.FreeBlocks(5))
	})
}

func TestBootScenario(t *testing.T) {
	a := newTestAllocator(t, freeMap(4096))
	before := snapshot(a)

	p0, err := a.Alloc(0)
	require.NoError(t, err)
	assert.Equal(t, physmem.PhysAddr(0), p0)
	assert.True(t, a.BuddyBit(0, 0))
	require.NoError(t, a.Validate())

	p1, err := a.Alloc(0)
	require.NoError(t, err)
	assert.Equal(t, physmem.PFN(1).Addr(), p1)
	assert.False(t, a.BuddyBit(0, 0))
	require.NoError(t, a.Validate())

	a.Free(p0, 0)
	assert.True(t, a.BuddyBit(0, 0))
	require.NoError(t, a.Validate())
	a.Free(p1, 0)
	require.NoError(t, a.Validate())

	assert.Equal(t, before, snapshot(a))
	assert.Equal(t, []physmem.PFN{0, 2048}, a.FreeBlocks(11))
}

func TestRoundTrip(t *testing.T) {
	a := newTestAllocator(t, freeMap(1024))

	// fragment the allocator a bit first
	var held []physmem.PhysAddr
	for i := 0; i < 50; i++ {
		pa, err := a.Alloc(0)
		require.NoError(t, err)
		held = append(held, pa)
	}
	for i := 0; i < len(held); i += 3 {
		a.Free(held[i], 0)
	}

	for rank := 0; rank <= a.MaxRank(); rank++ {
		before := snapshot(a)
		pa, err := a.Alloc(rank)
		if errors.Is(err, ErrNoMemory) {
			continue
		}
		require.NoError(t, err)
		a.Free(pa, rank)
		assert.Equal(t, before, snapshot(a), "rank=%d", rank)
	}
}

func TestNoOverlap(t *testing.T) {
	a := newTestAllocator(t, freeMap(512))
	type span struct{ lo, hi uint64 }
	var spans []span
	for {
		rank := len(spans) % 4
		pa, err := a.Alloc(rank)
		if err != nil {
			assert.True(t, errors.Is(err, ErrNoMemory))
			break
		}
		s := span{uint64(pa.PFN()), uint64(pa.PFN()) + 1<<rank}
		assert.Zero(t, s.lo&(1<<rank-1), "block must be aligned to its rank")
		for _, o := range spans {
			require.False(t, s.lo < o.hi && o.lo < s.hi, "%v overlaps %v", s, o)
		}
		spans = append(spans, s)
	}
	assert.NoError(t, a.Validate())
}

func TestExhaustion(t *testing.T) {
	a := newTestAllocator(t, freeMap(8))
	var got []physmem.PhysAddr
	for {
		pa, err := a.Alloc(0)
		if err != nil {
			assert.True(t, errors.Is(err, ErrNoMemory))
			break
		}
		got = append(got, pa)
	}
	assert.Equal(t, 8, len(got))
	_, err := a.Alloc(3)
	assert.True(t, errors.Is(err, ErrNoMemory))

	for _, pa := range got {
		a.Free(pa, 0)
	}
	pa, err := a.Alloc(3)
	require.NoError(t, err)
	assert.Equal(t, physmem.PhysAddr(0), pa)
}

func TestBadRank(t *testing.T) {
	a := newTestAllocator(t, freeMap(64))
	_, err := a.Alloc(-1)
	assert.True(t, errors.Is(err, ErrBadRank))
	_, err = a.Alloc(DefaultMaxRank + 1)
	assert.True(t, errors.Is(err, ErrBadRank))
}

func TestFreeContractViolations(t *testing.T) {
	a := newTestAllocator(t, freeMap(64))
	pa, err := a.Alloc(2)
	require.NoError(t, err)

	assert.Panics(t, func() { a.Free(pa+1, 2) }, "unaligned address")
	assert.Panics(t, func() { a.Free(pa+physmem.PageSize, 2) }, "misaligned block")
	assert.Panics(t, func() { a.Free(physmem.PFN(64).Addr(), 0) }, "out of range")
	assert.Panics(t, func() { a.Free(pa, -1) }, "bad rank")

	a.Free(pa, 2)
	assert.NoError(t, a.Validate())
}

func TestAllocPages(t *testing.T) {
	a := newTestAllocator(t, freeMap(64))
	pa, rank, err := a.AllocPages(3)
	require.NoError(t, err)
	assert.Equal(t, 2, rank)
	assert.Equal(t, uint64(4), a.Stats().AllocatedPages)
	a.FreePages(pa, 3)
	assert.Equal(t, uint64(0), a.Stats().AllocatedPages)
	assert.NoError(t, a.Validate())
}

func TestRankForPages(t *testing.T) {
	tests := []struct {
		pages uint64
		rank  int
	}{
		{0, 0}, {1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {2048, 11}, {2049, 12},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.rank, RankForPages(tt.pages), "pages=%d", tt.pages)
	}
}

func TestRandomAllocFree(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	mm := physmem.MemoryMap{
		{Base: 0, Pages: 5, Type: physmem.Reserved},
		{Base: 5, Pages: 3000, Type: physmem.Free},
		{Base: 4000, Pages: 96, Type: physmem.Free},
	}
	a := newTestAllocator(t, mm)
	initial := snapshot(a)

	type held struct {
		pa   physmem.PhysAddr
		rank int
	}
	var blocks []held
	for i := 0; i < 20000; i++ {
		if len(blocks) == 0 || rng.Intn(3) != 0 {
			rank := rng.Intn(6)
			pa, err := a.Alloc(rank)
			if err == nil {
				blocks = append(blocks, held{pa, rank})
			}
		} else {
			idx := rng.Intn(len(blocks))
			a.Free(blocks[idx].pa, blocks[idx].rank)
			blocks[idx] = blocks[len(blocks)-1]
			blocks = blocks[:len(blocks)-1]
		}
		if i%1000 == 0 {
			require.NoError(t, a.Validate())
		}
	}
	for _, b := range blocks {
		a.Free(b.pa, b.rank)
	}
	require.NoError(t, a.Validate())
	assert.Equal(t, initial.stats.FreePages, snapshot(a).stats.FreePages)
	assert.Equal(t, initial.stats.FreeBlocks, snapshot(a).stats.FreeBlocks)
}

func TestConcurrentAllocFree(t *testing.T) {
	a := newTestAllocator(t, freeMap(4096))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 2000; i++ {
				rank := rng.Intn(4)
				pa, err := a.Alloc(rank)
				if err != nil {
					continue
				}
				a.Free(pa, rank)
			}
		}(int64(g))
	}
	wg.Wait()
	require.NoError(t, a.Validate())
	assert.Equal(t, uint64(4096), a.Stats().FreePages)
}

func TestWriteJSON(t *testing.T) {
	a := newTestAllocator(t, freeMap(16))
	w := jwriter.NewWriter()
	a.WriteJSON(&w)
	require.NoError(t, w.Error())
	assert.JSONEq(t,
		`{"maxRank":11,"totalPages":16,"allocatedPages":0,"unmanagedPages":0,"freePages":16,
		"freeBlocks":[0,0,0,0,1,0,0,0,0,0,0,0]}`,
		string(w.Bytes()))
}

// helpers

func freeMap(pages uint64) physmem.MemoryMap {
	return physmem.MemoryMap{{Base: 0, Pages: pages, Type: physmem.Free}}
}

func newTestAllocator(t *testing.T, mm physmem.MemoryMap) *Allocator {
	t.Helper()
	a, err := New(mm, nil)
	require.NoError(t, err)
	return a
}

type state struct {
	stats Stats
	lists [][]physmem.PFN
	bits  [][]byte
}

// snapshot captures free lists and buddy bitmaps bit for bit.
func snapshot(a *Allocator) state {
	s := state{stats: a.Stats()}
	for r := 0; r <= a.MaxRank(); r++ {
		s.lists = append(s.lists, a.FreeBlocks(r))
		if bm := a.areas[r].buddy; bm != nil {
			s.bits = append(s.bits, append([]byte(nil), bm.Bytes()...))
		}
	}
	return s
}

// benchmarks

func BenchmarkAllocFree(b *testing.B) {
	a, _ := New(freeMap(1<<16), nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pa, err := a.Alloc(0)
		if err == nil {
			a.Free(pa, 0)
		}
	}
}

func BenchmarkAllocFreeRanks(b *testing.B) {
	a, _ := New(freeMap(1<<16), nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rank := i % 8
		pa, err := a.Alloc(rank)
		if err == nil {
			a.Free(pa, rank)
		}
	}
}
