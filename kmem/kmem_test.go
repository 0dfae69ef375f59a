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

package kmem

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/cloudwego/kalloc/kcache"
	"github.com/cloudwego/kalloc/oma"
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cloudwego/kalloc/uma"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMap() physmem.MemoryMap {
	return physmem.MemoryMap{
		{Base: 0, Pages: 16, Type: physmem.Reserved},
		{Base: 16, Pages: 1008, Type: physmem.Free},
		{Base: 1024, Pages: 32, Type: physmem.Device},
		{Base: 1056, Pages: 992, Type: physmem.Free},
	}
}

func newKernel(t *testing.T, opt *Option) *Kernel {
	t.Helper()
	k, err := Init(testMap(), opt)
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

func TestInit(t *testing.T) {
	k := newKernel(t, nil)

	boot := k.Bootstrap()
	assert.Equal(t, physmem.Region{Base: 16, Pages: DefaultBootstrapPages, Type: physmem.Bootstrap}, boot)

	s := k.Stats()
	assert.Equal(t, uint64(2048), s.Pages.TotalPages)
	// The root page table takes one free page.
	assert.Equal(t, uint64(2000-DefaultBootstrapPages-1), s.Pages.FreePages)
	assert.Equal(t, uint64(48+DefaultBootstrapPages), s.Pages.UnmanagedPages)
	assert.True(t, s.Nodes.Bootstrap)
	assert.Equal(t, 1, s.PageTable.Tables)
	require.NoError(t, k.Validate())
}

func TestInitErrors(t *testing.T) {
	_, err := Init(physmem.MemoryMap{}, nil)
	assert.Error(t, err)

	noFree := physmem.MemoryMap{{Base: 0, Pages: 64, Type: physmem.Reserved}}
	_, err = Init(noFree, nil)
	assert.True(t, errors.Is(err, physmem.ErrNoBootstrapBlock), "got %v", err)

	opt := DefaultOption()
	opt.BootstrapPages = 2000
	_, err = Init(testMap(), opt)
	assert.True(t, errors.Is(err, physmem.ErrNoBootstrapBlock), "no single free region holds 2000 pages")

	opt = DefaultOption()
	opt.HeapPages = 0
	_, err = Init(testMap(), opt)
	assert.Error(t, err)
}

func TestAllocFree(t *testing.T) {
	for _, backend := range []uma.Backend{uma.Arena, uma.Bucket} {
		t.Run(backend.String(), func(t *testing.T) {
			opt := DefaultOption()
			opt.Backend = backend
			k := newKernel(t, opt)
			free := k.Pages().Stats().FreePages

			small, err := k.Alloc(20)
			require.NoError(t, err)
			assert.Equal(t, uint64(32), k.UMA().UsableSize(small))

			huge, err := k.Alloc(3 * physmem.PageSize)
			require.NoError(t, err)
			assert.Equal(t, uint64(4*physmem.PageSize), k.UMA().UsableSize(huge))
			// The huge record lives in the bootstrap arena.
			assert.Equal(t, uint64(1), k.Stats().Nodes.Live)
			assert.Equal(t, free-5, k.Pages().Stats().FreePages, "4 huge pages and one slab page")

			k.Free(small)
			k.Free(huge)
			assert.Equal(t, free, k.Pages().Stats().FreePages)
			assert.Equal(t, uint64(0), k.Stats().Nodes.Live)
			require.NoError(t, k.Validate())
		})
	}
}

func TestManyHugeRecords(t *testing.T) {
	k := newKernel(t, nil)
	bootCap := int(k.Stats().Nodes.Capacity)
	require.Greater(t, bootCap, 0)

	var vas []physmem.VirtAddr
	for i := 0; i < bootCap+10; i++ {
		va, err := k.Alloc(physmem.PageSize + 1)
		require.NoError(t, err)
		vas = append(vas, va)
	}
	s := k.Stats()
	assert.Equal(t, 2, s.Nodes.Arenas, "records spill from the bootstrap arena into a page allocator arena")
	assert.Equal(t, bootCap+10, s.UMA.HugeBlocks)
	require.NoError(t, k.Validate())

	for _, va := range vas {
		k.Free(va)
	}
	assert.Equal(t, 1, k.Stats().Nodes.Arenas)
	require.NoError(t, k.Validate())
}

func TestObjectAllocators(t *testing.T) {
	k := newKernel(t, nil)

	objs, err := k.NewObjectAllocator(48)
	require.NoError(t, err)
	pa, err := objs.Alloc()
	require.NoError(t, err)
	assert.False(t, k.Bootstrap().Base.Addr() <= pa && pa < k.Bootstrap().End().Addr())
	objs.Free(pa)

	type inode struct{ ino, size, mode uint64 }
	n, err := oma.NewObject[inode](objs)
	require.NoError(t, err)
	n.ino = 7
	oma.DeleteObject(objs, n)

	buckets, err := k.NewBucketAllocator(24)
	require.NoError(t, err)
	a, err := buckets.Alloc()
	require.NoError(t, err)
	b, err := buckets.Alloc()
	require.NoError(t, err)
	assert.NotEqual(t, a+24, b, "bucket allocations alternate scan direction")
	buckets.Free(a)
	buckets.Free(b)
	require.NoError(t, k.Validate())
}

func TestHeap(t *testing.T) {
	k := newKernel(t, nil)

	h1, err := k.NewHeap(16)
	require.NoError(t, err)
	h2, err := k.NewHeap(4)
	require.NoError(t, err)
	assert.Equal(t, DefaultHeapBase, h1.Base())
	assert.Equal(t, h1.Base()+17*physmem.PageSize, h2.Base(), "one guard page between regions")

	brk, err := h1.Grow(2)
	require.NoError(t, err)
	assert.Equal(t, h1.Base(), brk)
	pa, ok := k.PageTable().Translate(brk + 100)
	require.True(t, ok)
	assert.True(t, k.Memory().Contains(pa, 1))

	require.NoError(t, h2.Fault(h2.Base()+physmem.PageSize))
	assert.Equal(t, uint64(3), k.PageTable().Stats().Mapped)

	h1.Close()
	h2.Close()
	assert.Equal(t, uint64(0), k.PageTable().Stats().Mapped)

	_, err = k.NewHeap(0)
	assert.Error(t, err)
	_, err = k.NewHeap(DefaultHeapPages)
	assert.True(t, errors.Is(err, ErrHeapSpace))
}

func TestCache(t *testing.T) {
	k := newKernel(t, nil)
	c, err := k.NewCache(&kcache.Option{Buckets: 256, Capacity: 2})
	require.NoError(t, err)

	require.NoError(t, c.Put(1, 10))
	require.NoError(t, c.Put(2, 20))
	require.NoError(t, c.Put(3, 30))
	_, ok := c.Get(1)
	assert.False(t, ok, "evicted")
	v, ok := c.Get(3)
	require.True(t, ok)
	assert.Equal(t, uint64(30), v)
	require.NoError(t, c.Validate())
}

func TestCacheBadOption(t *testing.T) {
	k := newKernel(t, nil)
	for _, opt := range []*kcache.Option{
		{Buckets: 3, Capacity: 8},
		{Buckets: 0, Capacity: 8},
		{Buckets: 16, Capacity: 0},
	} {
		_, err := k.NewCache(opt)
		assert.Error(t, err, "%+v", opt)
	}
	// Rejected caches reserve no heap space.
	r, err := k.NewHeap(1)
	require.NoError(t, err)
	assert.Equal(t, DefaultHeapBase, r.Base())
}

func TestDumpJSON(t *testing.T) {
	k := newKernel(t, nil)
	va, err := k.Alloc(5 * physmem.PageSize)
	require.NoError(t, err)
	defer k.Free(va)

	var buf bytes.Buffer
	require.NoError(t, k.DumpJSON(&buf))

	var got struct {
		Bootstrap struct {
			Base  uint64 `json:"base"`
			Pages uint64 `json:"pages"`
		} `json:"bootstrap"`
		Pages struct {
			TotalPages uint64 `json:"totalPages"`
		} `json:"pages"`
		Nodes struct {
			Live int `json:"live"`
		} `json:"nodes"`
		UMA struct {
			Backend string `json:"backend"`
			Huge    struct {
				Blocks int `json:"blocks"`
				Pages  int `json:"pages"`
			} `json:"huge"`
		} `json:"uma"`
		PageTable struct {
			Tables int `json:"tables"`
		} `json:"pageTable"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got), buf.String())
	assert.Equal(t, uint64(16), got.Bootstrap.Base)
	assert.Equal(t, uint64(2048), got.Pages.TotalPages)
	assert.Equal(t, 1, got.Nodes.Live)
	assert.Equal(t, "arena", got.UMA.Backend)
	assert.Equal(t, 1, got.UMA.Huge.Blocks)
	assert.Equal(t, 8, got.UMA.Huge.Pages)
	assert.Equal(t, 1, got.PageTable.Tables)
}
