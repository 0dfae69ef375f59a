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

package pagetable

import (
	"testing"

	"github.com/cloudwego/kalloc/bpa"
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const heapBase = physmem.VirtAddr(0xffff_c900_0000_0000)

func newTable(t *testing.T, pages uint64) (*Table, *bpa.Allocator) {
	t.Helper()
	mem, err := physmem.New(pages)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	pa, err := bpa.New(physmem.MemoryMap{{Base: 0, Pages: pages, Type: physmem.Free}}, nil)
	require.NoError(t, err)
	tbl, err := New(mem, pa, nil)
	require.NoError(t, err)
	return tbl, pa
}

func TestCanonical(t *testing.T) {
	assert.True(t, canonical(0))
	assert.True(t, canonical(0x0000_7fff_ffff_f000))
	assert.True(t, canonical(heapBase))
	assert.False(t, canonical(0x0000_8000_0000_0000))
	assert.False(t, canonical(0xfff0_0000_0000_0000))
}

func TestMapTranslate(t *testing.T) {
	tbl, _ := newTable(t, 64)
	assert.Equal(t, 1, tbl.Stats().Tables)

	require.NoError(t, tbl.Map(heapBase, 0x5000, 3, Write|NoExec))
	// One table per level below the root.
	assert.Equal(t, Stats{Tables: 4, Mapped: 3}, tbl.Stats())

	pa, ok := tbl.Translate(heapBase + 0x1234)
	require.True(t, ok)
	assert.Equal(t, physmem.PhysAddr(0x6234), pa)

	_, flags, ok := tbl.Lookup(heapBase + 0x2000)
	require.True(t, ok)
	assert.Equal(t, Write|NoExec, flags)

	_, ok = tbl.Translate(heapBase + 0x3000)
	assert.False(t, ok)
	_, ok = tbl.Translate(0x0000_8000_0000_0000)
	assert.False(t, ok)

	// A mapping far away needs its own chain of tables.
	require.NoError(t, tbl.Map(heapBase+1<<39, 0x9000, 1, 0))
	assert.Equal(t, 7, tbl.Stats().Tables)
}

func TestLookupFlags(t *testing.T) {
	tbl, _ := newTable(t, 64)
	tests := []struct {
		pa    physmem.PhysAddr
		flags Flags
	}{
		{0x7000, Write},
		{0x3f000, Write | User},
		{0xf_ffff_f000, NoExec},
		{0x1000, 0},
	}
	for i, tt := range tests {
		va := heapBase + physmem.VirtAddr(i)<<physmem.PageShift
		require.NoError(t, tbl.Map(va, tt.pa, 1, tt.flags))
		pa, flags, ok := tbl.Lookup(va)
		require.True(t, ok)
		assert.Equal(t, tt.pa, pa)
		assert.Equal(t, tt.flags, flags, "flags of %#x", tt.pa)
	}
}

func TestMapErrors(t *testing.T) {
	tbl, _ := newTable(t, 64)
	require.NoError(t, tbl.Map(heapBase+0x2000, 0x1000, 1, Write))

	err := tbl.Map(heapBase, 0x8000, 4, Write)
	assert.True(t, errors.Is(err, ErrMapped), "got %v", err)
	// The pages mapped before the conflict are rolled back.
	_, ok := tbl.Translate(heapBase)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), tbl.Stats().Mapped)

	assert.True(t, errors.Is(tbl.Map(heapBase+1, 0, 1, 0), ErrBadAddress))
	assert.True(t, errors.Is(tbl.Map(heapBase, 1, 1, 0), ErrBadAddress))
	assert.True(t, errors.Is(tbl.Map(heapBase, 0, 0, 0), ErrBadAddress))
	assert.True(t, errors.Is(tbl.Map(0x0000_7fff_ffff_f000, 0, 2, 0), ErrBadAddress))
}

func TestUnmap(t *testing.T) {
	tbl, _ := newTable(t, 64)
	require.NoError(t, tbl.Map(heapBase, 0x1000, 2, Write))

	err := tbl.Unmap(heapBase, 3)
	assert.True(t, errors.Is(err, ErrNotMapped))
	assert.Equal(t, uint64(2), tbl.Stats().Mapped, "a failed unmap removes nothing")

	require.NoError(t, tbl.Unmap(heapBase+0x1000, 1))
	assert.Equal(t, Stats{Tables: 4, Mapped: 1}, tbl.Stats())
	require.NoError(t, tbl.Unmap(heapBase, 1))
	assert.Equal(t, Stats{Tables: 1, Mapped: 0}, tbl.Stats(), "empty tables are freed")
}

func TestNoMemory(t *testing.T) {
	tbl, pages := newTable(t, 2)
	// The root took one page, the second level takes the other.
	err := tbl.Map(heapBase, 0, 1, 0)
	assert.True(t, errors.Is(err, ErrNoMemory), "got %v", err)
	assert.Equal(t, uint64(0), tbl.Stats().Mapped)
	assert.Equal(t, 1, tbl.Stats().Tables)
	assert.Equal(t, uint64(1), pages.Stats().FreePages)
	require.NoError(t, pages.Validate())
}

func TestClose(t *testing.T) {
	tbl, pages := newTable(t, 64)
	before := pages.Stats().FreePages + 1
	require.NoError(t, tbl.Map(heapBase, 0x1000, 1, 0))
	require.NoError(t, tbl.Map(heapBase+1<<30, 0x2000, 1, 0))
	tbl.Close()
	assert.Equal(t, 0, tbl.Stats().Tables)
	assert.Equal(t, before, pages.Stats().FreePages)
	tbl.Close()
}
