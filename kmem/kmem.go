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

// Package kmem boots the allocator stack from a memory map and exposes it as
// one Kernel value.
//
// Boot order: validate the map, carve the bootstrap block, bring up the buddy
// page allocator over the remaining free memory, seed the huge index node
// allocator from the bootstrap block, start the universal allocator and the
// kernel page table.
package kmem

import (
	"io"

	"github.com/cloudwego/kalloc/bpa"
	"github.com/cloudwego/kalloc/bucket"
	"github.com/cloudwego/kalloc/internal/spinlock"
	"github.com/cloudwego/kalloc/internal/xlog"
	"github.com/cloudwego/kalloc/kcache"
	"github.com/cloudwego/kalloc/oma"
	"github.com/cloudwego/kalloc/pagemap"
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cloudwego/kalloc/uma"
	"github.com/cloudwego/kalloc/vregion"
	"github.com/cloudwego/kalloc/vregion/pagetable"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

const (
	// DefaultBootstrapPages is the default size of the bootstrap block.
	DefaultBootstrapPages = 1

	// DefaultHeapBase is the start of the window NewHeap reserves regions in.
	DefaultHeapBase physmem.VirtAddr = 0xffff_c900_0000_0000

	// DefaultHeapPages is the size of that window, 32 TiB.
	DefaultHeapPages = 1 << 33
)

// ErrHeapSpace is returned when the heap window has no room for a region.
var ErrHeapSpace = errors.New("kmem: heap window exhausted")

// Option configures Init.
type Option struct {
	// MaxRank is the largest buddy block rank.
	MaxRank int

	// BootstrapPages is the size of the block carved for the first arena.
	BootstrapPages uint64

	// Backend selects the slab allocator behind the size classes.
	Backend uma.Backend

	// Backing selects how physical memory is simulated.
	Backing physmem.Backing

	// HeapBase and HeapPages define the virtual window of NewHeap.
	HeapBase  physmem.VirtAddr
	HeapPages uint64

	// Logger receives boot records and is handed to every allocator. Nil
	// discards them.
	Logger *slog.Logger
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		MaxRank:        bpa.DefaultMaxRank,
		BootstrapPages: DefaultBootstrapPages,
		Backend:        uma.Arena,
		Backing:        physmem.BackingMmap,
		HeapBase:       DefaultHeapBase,
		HeapPages:      DefaultHeapPages,
	}
}

// Kernel is a booted allocator stack.
type Kernel struct {
	mem    *physmem.Memory
	pages  *bpa.Allocator
	owners *pagemap.Map
	nodes  *oma.Allocator
	uma    *uma.Allocator
	table  *pagetable.Table
	boot   physmem.Region

	vaLock  spinlock.Lock
	nextVA  physmem.VirtAddr
	heapEnd physmem.VirtAddr

	log *slog.Logger
}

// Init boots the allocators over mm. A map without a free block large
// enough for the bootstrap arena fails with physmem.ErrNoBootstrapBlock.
func Init(mm physmem.MemoryMap, opt *Option) (*Kernel, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	log := xlog.Or(opt.Logger)
	if err := mm.Validate(); err != nil {
		return nil, errors.Wrap(err, "kmem: memory map")
	}
	if opt.HeapPages == 0 || opt.HeapBase+physmem.VirtAddr(opt.HeapPages<<physmem.PageShift) < opt.HeapBase {
		return nil, errors.Newf("kmem: bad heap window %#x of %d pages", opt.HeapBase, opt.HeapPages)
	}
	carved, boot, err := mm.CarveBootstrap(opt.BootstrapPages)
	if err != nil {
		log.Warn("kmem: no bootstrap block", "pages", opt.BootstrapPages, "free", mm.Count(physmem.Free))
		return nil, err
	}
	log.Debug("kmem: bootstrap block", "region", boot.String())

	mem, err := physmem.NewWithBacking(carved.TotalPages(), opt.Backing)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		mem:     mem,
		owners:  pagemap.New(carved.TotalPages()),
		boot:    boot,
		nextVA:  opt.HeapBase,
		heapEnd: opt.HeapBase + physmem.VirtAddr(opt.HeapPages<<physmem.PageShift),
		log:     log,
	}
	if err := k.start(carved, opt); err != nil {
		mem.Close()
		return nil, err
	}
	log.Debug("kmem: booted", "pages", carved.TotalPages(), "free", k.pages.Stats().FreePages)
	return k, nil
}

func (k *Kernel) start(mm physmem.MemoryMap, opt *Option) (err error) {
	k.pages, err = bpa.New(mm, &bpa.Option{MaxRank: opt.MaxRank, Logger: opt.Logger})
	if err != nil {
		return err
	}
	k.nodes, err = oma.NewBootstrap(k.mem, k.pages, k.owners, uma.HugeNodeSize,
		k.boot.Base.Addr(), k.boot.Pages, &oma.Option{MinObjects: oma.DefaultMinObjects, MaxRank: 0, Logger: opt.Logger})
	if err != nil {
		return errors.Wrap(err, "kmem: bootstrap arena")
	}
	k.uma, err = uma.New(k.mem, k.pages, k.owners, k.nodes, &uma.Option{
		MinSize:      uma.DefaultMinSize,
		MaxSmallSize: uma.DefaultMaxSmallSize,
		Backend:      opt.Backend,
		SlabMaxRank:  oma.DefaultMaxRank,
		Logger:       opt.Logger,
	})
	if err != nil {
		return err
	}
	k.table, err = pagetable.New(k.mem, k.pages, &pagetable.Option{Logger: opt.Logger})
	return err
}

// Memory returns the simulated physical memory.
func (k *Kernel) Memory() *physmem.Memory { return k.mem }

// Pages returns the buddy page allocator.
func (k *Kernel) Pages() *bpa.Allocator { return k.pages }

// UMA returns the universal allocator.
func (k *Kernel) UMA() *uma.Allocator { return k.uma }

// PageTable returns the kernel page table.
func (k *Kernel) PageTable() *pagetable.Table { return k.table }

// Bootstrap returns the carved bootstrap block.
func (k *Kernel) Bootstrap() physmem.Region { return k.boot }

// Alloc allocates size bytes from the universal allocator.
func (k *Kernel) Alloc(size int) (physmem.VirtAddr, error) {
	return k.uma.Alloc(size)
}

// Free releases memory obtained from Alloc.
func (k *Kernel) Free(va physmem.VirtAddr) {
	k.uma.Free(va)
}

// NewObjectAllocator returns an arena allocator for objects of objSize bytes.
func (k *Kernel) NewObjectAllocator(objSize int) (*oma.Allocator, error) {
	return oma.New(k.mem, k.pages, k.owners, objSize, &oma.Option{
		MinObjects: oma.DefaultMinObjects, MaxRank: oma.DefaultMaxRank, Logger: k.log,
	})
}

// NewBucketAllocator returns a bitmap allocator for objects of objSize bytes.
func (k *Kernel) NewBucketAllocator(objSize int) (*bucket.Allocator, error) {
	return bucket.New(k.mem, k.pages, k.owners, objSize, &bucket.Option{
		MinObjects: bucket.DefaultMinObjects, MaxRank: bucket.DefaultMaxRank, Logger: k.log,
	})
}

// NewHeap reserves a region of maxPages pages in the heap window. Regions
// are separated by an unmapped guard page.
func (k *Kernel) NewHeap(maxPages uint64) (*vregion.Region, error) {
	if maxPages == 0 {
		return nil, errors.New("kmem: heap of zero pages")
	}
	k.vaLock.Lock()
	base := k.nextVA
	span := (maxPages + 1) << physmem.PageShift
	if uint64(k.heapEnd-base) < span || span>>physmem.PageShift != maxPages+1 {
		k.vaLock.Unlock()
		return nil, errors.Wrapf(ErrHeapSpace, "%d pages", maxPages)
	}
	k.nextVA += physmem.VirtAddr(span)
	k.vaLock.Unlock()

	opt := vregion.DefaultOption()
	opt.Logger = k.log
	return vregion.New(k.mem, base, maxPages, k.pages, k.table, opt)
}

// NewCache creates a cache with its own heap region for the bucket heads
// and its own entry allocator.
func (k *Kernel) NewCache(opt *kcache.Option) (*kcache.Cache, error) {
	if opt == nil {
		opt = kcache.DefaultOption()
	}
	if opt.Buckets <= 0 || opt.Buckets&(opt.Buckets-1) != 0 {
		return nil, errors.Newf("kmem: cache buckets must be a power of two, got %d", opt.Buckets)
	}
	if opt.Capacity <= 0 {
		return nil, errors.Newf("kmem: cache capacity must be positive, got %d", opt.Capacity)
	}
	region, err := k.NewHeap(physmem.PagesFor(uint64(opt.Buckets) * physmem.WordSize))
	if err != nil {
		return nil, err
	}
	entries, err := k.NewObjectAllocator(kcache.EntrySize)
	if err != nil {
		region.Close()
		return nil, err
	}
	if opt.Logger == nil {
		o := *opt
		o.Logger = k.log
		opt = &o
	}
	c, err := kcache.New(k.mem, region, entries, opt)
	if err != nil {
		region.Close()
		return nil, err
	}
	return c, nil
}

// Stats is a snapshot of the whole stack.
type Stats struct {
	Pages     bpa.Stats
	Nodes     oma.Stats
	UMA       uma.Stats
	PageTable pagetable.Stats
	Bootstrap physmem.Region
}

// Stats returns the counters of every allocator.
func (k *Kernel) Stats() Stats {
	return Stats{
		Pages:     k.pages.Stats(),
		Nodes:     k.nodes.Stats(),
		UMA:       k.uma.Stats(),
		PageTable: k.table.Stats(),
		Bootstrap: k.boot,
	}
}

// Validate checks the invariants of the page allocator, the node arena and
// the universal allocator.
func (k *Kernel) Validate() error {
	if err := k.pages.Validate(); err != nil {
		return err
	}
	if err := k.nodes.Validate(); err != nil {
		return err
	}
	return k.uma.Validate()
}

// DumpJSON writes the allocator state as one JSON object.
func (k *Kernel) DumpJSON(w io.Writer) error {
	jw := jwriter.NewWriter()
	obj := jw.Object()
	b := obj.Name("bootstrap").Object()
	b.Name("base").Float64(float64(k.boot.Base))
	b.Name("pages").Float64(float64(k.boot.Pages))
	b.End()
	obj.Name("pages")
	k.pages.WriteJSON(&jw)
	obj.Name("nodes")
	k.nodes.WriteJSON(&jw)
	obj.Name("uma")
	k.uma.WriteJSON(&jw)
	pt := k.table.Stats()
	t := obj.Name("pageTable").Object()
	t.Name("tables").Int(pt.Tables)
	t.Name("mapped").Float64(float64(pt.Mapped))
	t.End()
	obj.End()
	if err := jw.Error(); err != nil {
		return errors.Wrap(err, "kmem: encode state")
	}
	_, err := w.Write(jw.Bytes())
	return errors.Wrap(err, "kmem: write state")
}

// Close releases the page table and the simulated memory. Nothing obtained
// from the kernel may be used afterwards.
func (k *Kernel) Close() error {
	k.table.Close()
	return k.mem.Close()
}
