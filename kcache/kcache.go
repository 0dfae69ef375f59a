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

// Package kcache implements a fixed size key/value cache built on the
// allocators: the bucket heads live in a virtual region, entries are objects
// of an arena allocator and the least recently used entry is evicted when the
// cache is full.
//
// Locks are always taken in the same order: the LRU lock, then a bucket lock.
// Peek takes a bucket lock alone and never waits for another lock while
// holding it.
package kcache

import (
	"sync/atomic"
	"unsafe"

	"github.com/cloudwego/kalloc/internal/hash"
	"github.com/cloudwego/kalloc/internal/spinlock"
	"github.com/cloudwego/kalloc/internal/xlog"
	"github.com/cloudwego/kalloc/oma"
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cloudwego/kalloc/vregion"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

const (
	// DefaultBuckets is the default number of hash buckets.
	DefaultBuckets = 1024

	// DefaultCapacity is the default number of entries.
	DefaultCapacity = 4096
)

// ErrNoMemory is returned when an entry or a bucket page cannot be allocated.
var ErrNoMemory = errors.New("kcache: out of memory")

// entry is stored in an object of the entry allocator. Links are direct map
// addresses of other entries, 0 terminates a list.
type entry struct {
	key   uint64
	value uint64
	hnext uint64 // next entry of the bucket chain
	lprev uint64 // towards the most recently used entry
	lnext uint64
}

// EntrySize is the object size the entry allocator must provide.
const EntrySize = int(unsafe.Sizeof(entry{}))

// Option configures a Cache.
type Option struct {
	// Buckets is the number of hash buckets, a power of two.
	Buckets int

	// Capacity is the number of entries kept before evicting.
	Capacity int

	Logger *slog.Logger
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{Buckets: DefaultBuckets, Capacity: DefaultCapacity}
}

// Stats is a snapshot of a Cache.
type Stats struct {
	Len       int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache maps uint64 keys to uint64 values.
type Cache struct {
	lru   spinlock.Lock
	locks []spinlock.Lock

	mem     *physmem.Memory
	region  *vregion.Region
	entries *oma.Allocator
	mask    uint64

	head, tail uint64 // most and least recently used
	n          int
	capacity   int

	hits, misses, evictions atomic.Uint64

	log *slog.Logger
}

// New creates a cache whose bucket heads occupy the start of region and
// whose entries come from entries. Bucket pages are populated on first use.
func New(mem *physmem.Memory, region *vregion.Region, entries *oma.Allocator, opt *Option) (*Cache, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	if opt.Buckets <= 0 || opt.Buckets&(opt.Buckets-1) != 0 {
		return nil, errors.Newf("kcache: Buckets must be a power of two, got %d", opt.Buckets)
	}
	if opt.Capacity <= 0 {
		return nil, errors.Newf("kcache: Capacity must be positive, got %d", opt.Capacity)
	}
	if need := uint64(opt.Buckets) * physmem.WordSize; region.Size() < need {
		return nil, errors.Newf("kcache: %d buckets need %d bytes, region has %d", opt.Buckets, need, region.Size())
	}
	if entries.ObjectSize() < EntrySize {
		return nil, errors.Newf("kcache: entry objects of %d bytes, need %d", entries.ObjectSize(), EntrySize)
	}
	return &Cache{
		locks:    make([]spinlock.Lock, opt.Buckets),
		mem:      mem,
		region:   region,
		entries:  entries,
		mask:     uint64(opt.Buckets - 1),
		capacity: opt.Capacity,
		log:      xlog.Or(opt.Logger),
	}, nil
}

func (c *Cache) bucket(key uint64) uint64 {
	return hash.Uint64(key) & c.mask
}

func (c *Cache) headVA(b uint64) physmem.VirtAddr {
	return c.region.Base() + physmem.VirtAddr(b*physmem.WordSize)
}

// headSlot returns the bucket head word. Without populate, a bucket whose
// page was never touched yields nil. The bucket lock must be held.
func (c *Cache) headSlot(b uint64, populate bool) (*uint64, error) {
	va := c.headVA(b)
	if !populate && !c.region.IsPopulated(uint64(va-c.region.Base())>>physmem.PageShift) {
		return nil, nil
	}
	p, err := c.region.Pointer(va)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "kcache: bucket %d", b), ErrNoMemory)
	}
	return (*uint64)(p), nil
}

func (c *Cache) entry(va uint64) *entry {
	pa, ok := c.mem.PhysOf(physmem.VirtAddr(va))
	if !ok {
		panic(errors.AssertionFailedf("kcache: entry link %#x outside the direct map", va))
	}
	return (*entry)(c.mem.Pointer(pa))
}

// find returns the link pointing at the entry of key and the entry's
// address, or a nil slot.
func (c *Cache) find(head *uint64, key uint64) (*uint64, uint64) {
	if head == nil {
		return nil, 0
	}
	for slot := head; *slot != 0; {
		e := c.entry(*slot)
		if e.key == key {
			return slot, *slot
		}
		slot = &e.hnext
	}
	return nil, 0
}

// Get returns the value of key and marks it most recently used.
func (c *Cache) Get(key uint64) (uint64, bool) {
	c.lru.Lock()
	defer c.lru.Unlock()
	b := c.bucket(key)
	c.locks[b].Lock()
	head, _ := c.headSlot(b, false)
	slot, va := c.find(head, key)
	var value uint64
	if slot != nil {
		value = c.entry(va).value
	}
	c.locks[b].Unlock()

	if slot == nil {
		c.misses.Add(1)
		return 0, false
	}
	c.hits.Add(1)
	c.touch(va)
	return value, true
}

// Peek returns the value of key without updating its recency.
func (c *Cache) Peek(key uint64) (uint64, bool) {
	b := c.bucket(key)
	c.locks[b].Lock()
	defer c.locks[b].Unlock()
	head, _ := c.headSlot(b, false)
	if slot, va := c.find(head, key); slot != nil {
		return c.entry(va).value, true
	}
	return 0, false
}

// Put sets the value of key, evicting the least recently used entry when
// the cache is full.
func (c *Cache) Put(key, value uint64) error {
	c.lru.Lock()
	defer c.lru.Unlock()
	b := c.bucket(key)

	c.locks[b].Lock()
	head, err := c.headSlot(b, true)
	if err != nil {
		c.locks[b].Unlock()
		return err
	}
	if slot, va := c.find(head, key); slot != nil {
		c.entry(va).value = value
		c.locks[b].Unlock()
		c.touch(va)
		return nil
	}
	c.locks[b].Unlock()

	// Inserts hold the LRU lock, so key cannot appear meanwhile.
	if c.n >= c.capacity {
		c.evictLocked()
		c.evictions.Add(1)
	}
	pa, err := c.entries.Alloc()
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "kcache: entry for key %d", key), ErrNoMemory)
	}
	va := uint64(c.mem.VirtOf(pa))
	e := c.entry(va)
	*e = entry{key: key, value: value}

	c.locks[b].Lock()
	e.hnext = *head
	*head = va
	c.locks[b].Unlock()

	c.pushFront(va)
	c.n++
	return nil
}

// Remove deletes key and reports whether it was present.
func (c *Cache) Remove(key uint64) bool {
	c.lru.Lock()
	defer c.lru.Unlock()
	b := c.bucket(key)
	c.locks[b].Lock()
	head, _ := c.headSlot(b, false)
	slot, va := c.find(head, key)
	if slot == nil {
		c.locks[b].Unlock()
		return false
	}
	*slot = c.entry(va).hnext
	c.locks[b].Unlock()
	c.drop(va)
	return true
}

// evictLocked removes the least recently used entry. The LRU lock must be
// held.
func (c *Cache) evictLocked() {
	va := c.tail
	e := c.entry(va)
	b := c.bucket(e.key)
	c.locks[b].Lock()
	head, _ := c.headSlot(b, false)
	slot := head
	for slot != nil && *slot != va {
		slot = &c.entry(*slot).hnext
	}
	if slot == nil {
		c.locks[b].Unlock()
		panic(errors.AssertionFailedf("kcache: LRU entry %d missing from bucket %d", e.key, b))
	}
	*slot = e.hnext
	c.locks[b].Unlock()
	c.drop(va)
}

// drop unlinks an entry, already out of its bucket, from the LRU list and
// frees it. The LRU lock must be held.
func (c *Cache) drop(va uint64) {
	c.unlinkLRU(va)
	pa, _ := c.mem.PhysOf(physmem.VirtAddr(va))
	c.entries.Free(pa)
	c.n--
}

func (c *Cache) pushFront(va uint64) {
	e := c.entry(va)
	e.lprev, e.lnext = 0, c.head
	if c.head != 0 {
		c.entry(c.head).lprev = va
	} else {
		c.tail = va
	}
	c.head = va
}

func (c *Cache) unlinkLRU(va uint64) {
	e := c.entry(va)
	if e.lprev != 0 {
		c.entry(e.lprev).lnext = e.lnext
	} else {
		c.head = e.lnext
	}
	if e.lnext != 0 {
		c.entry(e.lnext).lprev = e.lprev
	} else {
		c.tail = e.lprev
	}
	e.lprev, e.lnext = 0, 0
}

func (c *Cache) touch(va uint64) {
	if c.head == va {
		return
	}
	c.unlinkLRU(va)
	c.pushFront(va)
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.lru.Lock()
	defer c.lru.Unlock()
	return c.n
}

// Keys returns the keys from the most to the least recently used.
func (c *Cache) Keys() []uint64 {
	c.lru.Lock()
	defer c.lru.Unlock()
	keys := make([]uint64, 0, c.n)
	for va := c.head; va != 0; {
		e := c.entry(va)
		keys = append(keys, e.key)
		va = e.lnext
	}
	return keys
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Len:       c.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Validate checks that the LRU list and the bucket chains hold the same
// entries.
func (c *Cache) Validate() error {
	c.lru.Lock()
	defer c.lru.Unlock()
	n := 0
	prev := uint64(0)
	for va := c.head; va != 0; {
		e := c.entry(va)
		if e.lprev != prev {
			return errors.Newf("kcache: entry %d has a broken LRU link", e.key)
		}
		b := c.bucket(e.key)
		c.locks[b].Lock()
		head, _ := c.headSlot(b, false)
		slot, found := c.find(head, e.key)
		c.locks[b].Unlock()
		if slot == nil || found != va {
			return errors.Newf("kcache: entry %d is not in bucket %d", e.key, b)
		}
		n++
		prev = va
		va = e.lnext
	}
	if prev != c.tail || n != c.n {
		return errors.Newf("kcache: LRU list holds %d entries, %d counted", n, c.n)
	}
	return nil
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.lru.Lock()
	defer c.lru.Unlock()
	for c.tail != 0 {
		c.evictLocked()
	}
	c.log.Debug("kcache: purged")
}
