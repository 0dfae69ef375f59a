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

package vregion

import (
	"testing"

	"github.com/cloudwego/kalloc/bpa"
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cloudwego/kalloc/vregion/pagetable"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const heapBase = physmem.VirtAddr(0xffff_c900_0000_0000)

type env struct {
	mem   *physmem.Memory
	pages *bpa.Allocator
	table *pagetable.Table
}

func newEnv(t *testing.T, pages uint64) *env {
	t.Helper()
	mem, err := physmem.New(pages)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	pa, err := bpa.New(physmem.MemoryMap{{Base: 0, Pages: pages, Type: physmem.Free}}, nil)
	require.NoError(t, err)
	tbl, err := pagetable.New(mem, pa, nil)
	require.NoError(t, err)
	return &env{mem: mem, pages: pa, table: tbl}
}

func (e *env) newRegion(t *testing.T, maxPages uint64, m Mapper) *Region {
	t.Helper()
	if m == nil {
		m = e.table
	}
	r, err := New(e.mem, heapBase, maxPages, e.pages, m, nil)
	require.NoError(t, err)
	return r
}

func TestNew(t *testing.T) {
	e := newEnv(t, 16)
	_, err := New(e.mem, heapBase+1, 4, e.pages, e.table, nil)
	assert.Error(t, err)
	_, err = New(e.mem, heapBase, 0, e.pages, e.table, nil)
	assert.Error(t, err)
	_, err = New(e.mem, physmem.VirtAddr(^uint64(0)&^(physmem.PageSize-1)), 2, e.pages, e.table, nil)
	assert.Error(t, err)

	r := e.newRegion(t, 8, nil)
	assert.Equal(t, heapBase, r.Base())
	assert.Equal(t, uint64(8*physmem.PageSize), r.Size())
	assert.True(t, r.Contains(heapBase+8*physmem.PageSize-1))
	assert.False(t, r.Contains(heapBase+8*physmem.PageSize))
	assert.Equal(t, uint64(0), r.Populated())
}

func TestPopulateRelease(t *testing.T) {
	e := newEnv(t, 32)
	r := e.newRegion(t, 16, nil)
	free := e.pages.Stats().FreePages

	require.NoError(t, r.Populate(2, 3))
	assert.Equal(t, uint64(3), r.Populated())
	assert.True(t, r.IsPopulated(2))
	assert.True(t, r.IsPopulated(4))
	assert.False(t, r.IsPopulated(5))

	pa, ok := r.Translate(heapBase + 3*physmem.PageSize + 10)
	require.True(t, ok)
	assert.Equal(t, make([]byte, 16), e.mem.Bytes(pa, 16), "fresh pages are zeroed")
	_, ok = r.Translate(heapBase)
	assert.False(t, ok)

	// Overlapping populate only adds the holes.
	require.NoError(t, r.Populate(0, 4))
	assert.Equal(t, uint64(5), r.Populated())

	require.NoError(t, r.Release(1, 10))
	assert.Equal(t, uint64(1), r.Populated())
	assert.True(t, r.IsPopulated(0))

	assert.True(t, errors.Is(r.Populate(15, 2), ErrOutOfRange))
	assert.True(t, errors.Is(r.Release(16, 1), ErrOutOfRange))
	assert.True(t, errors.Is(r.Populate(0, 0), ErrOutOfRange))

	r.Close()
	assert.Equal(t, uint64(0), r.Populated())
	// Only the page table pages remain in use.
	assert.Equal(t, free, e.pages.Stats().FreePages+uint64(e.table.Stats().Tables-1))
	assert.True(t, errors.Is(r.Populate(0, 1), ErrClosed))
	r.Close()
}

func TestPopulateRollback(t *testing.T) {
	// Root table plus three levels leave 4 pages for data.
	e := newEnv(t, 8)
	r := e.newRegion(t, 16, nil)
	require.NoError(t, r.Populate(0, 1))
	used := e.pages.Stats().AllocatedPages

	err := r.Populate(1, 8)
	assert.True(t, errors.Is(err, ErrNoMemory), "got %v", err)
	assert.True(t, errors.Is(err, bpa.ErrNoMemory), "page allocator cause lost: %v", err)
	assert.Equal(t, uint64(1), r.Populated())
	assert.Equal(t, used, e.pages.Stats().AllocatedPages)
	require.NoError(t, e.pages.Validate())
}

type failingMapper struct {
	Mapper
	left int
}

func (m *failingMapper) Map(va physmem.VirtAddr, pa physmem.PhysAddr, pages uint64, flags pagetable.Flags) error {
	if m.left == 0 {
		return errors.New("mapper refused")
	}
	m.left--
	return m.Mapper.Map(va, pa, pages, flags)
}

func TestMapperFailure(t *testing.T) {
	e := newEnv(t, 32)
	m := &failingMapper{Mapper: e.table, left: 2}
	r := e.newRegion(t, 8, m)
	before := e.pages.Stats().FreePages

	err := r.Populate(0, 4)
	require.Error(t, err)
	assert.Equal(t, uint64(0), r.Populated())
	assert.Equal(t, uint64(0), e.table.Stats().Mapped)
	assert.Equal(t, before, e.pages.Stats().FreePages)
}

func TestGrowShrink(t *testing.T) {
	e := newEnv(t, 32)
	r := e.newRegion(t, 8, nil)

	brk, err := r.Grow(0)
	require.NoError(t, err)
	assert.Equal(t, heapBase, brk)

	old, err := r.Grow(3)
	require.NoError(t, err)
	assert.Equal(t, heapBase, old)
	assert.Equal(t, heapBase+3*physmem.PageSize, r.Break())
	assert.Equal(t, uint64(3), r.Populated())

	_, err = r.Grow(6)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	require.NoError(t, r.Shrink(2))
	assert.Equal(t, heapBase+physmem.PageSize, r.Break())
	assert.Equal(t, uint64(1), r.Populated())
	assert.True(t, errors.Is(r.Shrink(2), ErrOutOfRange))
}

func TestFault(t *testing.T) {
	e := newEnv(t, 32)
	r := e.newRegion(t, 8, nil)

	va := heapBase + 5*physmem.PageSize + 100
	_, ok := r.Translate(va)
	assert.False(t, ok)

	require.NoError(t, r.Fault(va))
	assert.True(t, r.IsPopulated(5))
	require.NoError(t, r.Fault(va), "spurious faults are harmless")
	assert.Equal(t, uint64(1), r.Populated())

	assert.True(t, errors.Is(r.Fault(heapBase-1), ErrOutOfRange))

	p, err := r.Pointer(heapBase + 2*physmem.PageSize + 8)
	require.NoError(t, err)
	*(*uint64)(p) = 0xfeed
	pa, ok := r.Translate(heapBase + 2*physmem.PageSize + 8)
	require.True(t, ok)
	assert.Equal(t, uint64(0xfeed), *e.mem.Word(pa))
}
