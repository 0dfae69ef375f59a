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

// Package pagetable implements a four level software page table whose table
// pages live in simulated physical memory.
//
// Virtual addresses are 48 bit canonical: each level consumes 9 bits above
// the 12 bit page offset. An entry holds the physical address of the next
// table (or of the mapped page at the last level) and its flag bits.
package pagetable

import (
	"github.com/cloudwego/kalloc/internal/spinlock"
	"github.com/cloudwego/kalloc/internal/xlog"
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

const (
	// Levels is the depth of the table.
	Levels = 4

	levelBits = 9
	entries   = 1 << levelBits
	vaBits    = physmem.PageShift + Levels*levelBits

	addrMask = (uint64(1)<<52 - 1) &^ (physmem.PageSize - 1)
)

// Flags are the permission bits of a mapping.
type Flags uint64

const (
	present Flags = 1 << 0

	// Write allows stores through the mapping.
	Write Flags = 1 << 1
	// User allows unprivileged access.
	User Flags = 1 << 2
	// NoExec forbids instruction fetches.
	NoExec Flags = 1 << 63

	flagMask = present | Write | User | NoExec
)

var (
	// ErrNoMemory is returned when a table page cannot be allocated.
	ErrNoMemory = errors.New("pagetable: out of memory")

	// ErrMapped is returned when mapping over an existing mapping.
	ErrMapped = errors.New("pagetable: already mapped")

	// ErrNotMapped is returned when unmapping a hole.
	ErrNotMapped = errors.New("pagetable: not mapped")

	// ErrBadAddress is returned for unaligned or non-canonical addresses.
	ErrBadAddress = errors.New("pagetable: bad address")
)

// PageAllocator supplies table pages. *bpa.Allocator implements it.
type PageAllocator interface {
	Alloc(rank int) (physmem.PhysAddr, error)
	Free(pa physmem.PhysAddr, rank int)
}

// Option configures a Table.
type Option struct {
	Logger *slog.Logger
}

// Table is a page table. It is safe for concurrent use.
type Table struct {
	lock   spinlock.Lock
	mem    *physmem.Memory
	pages  PageAllocator
	root   physmem.PhysAddr
	tables int
	mapped uint64
	log    *slog.Logger
}

// New allocates the root table.
func New(mem *physmem.Memory, pages PageAllocator, opt *Option) (*Table, error) {
	if opt == nil {
		opt = &Option{}
	}
	t := &Table{mem: mem, pages: pages, log: xlog.Or(opt.Logger)}
	root, err := t.newTable()
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

func (t *Table) newTable() (physmem.PhysAddr, error) {
	pa, err := t.pages.Alloc(0)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "pagetable: table page"), ErrNoMemory)
	}
	t.mem.Zero(pa, physmem.PageSize)
	t.tables++
	return pa, nil
}

func canonical(va physmem.VirtAddr) bool {
	top := int64(va) >> (vaBits - 1)
	return top == 0 || top == -1
}

func index(va physmem.VirtAddr, level int) uint64 {
	return uint64(va) >> (physmem.PageShift + level*levelBits) & (entries - 1)
}

func (t *Table) entry(table physmem.PhysAddr, i uint64) *uint64 {
	return t.mem.Word(table + physmem.PhysAddr(i*physmem.WordSize))
}

// walk returns the last level entry of va. With create it allocates the
// missing tables, otherwise it returns nil at the first hole.
func (t *Table) walk(va physmem.VirtAddr, create bool) (*uint64, error) {
	table := t.root
	for level := Levels - 1; level > 0; level-- {
		e := t.entry(table, index(va, level))
		if Flags(*e)&present == 0 {
			if !create {
				return nil, nil
			}
			next, err := t.newTable()
			if err != nil {
				return nil, err
			}
			*e = uint64(next) | uint64(present|Write)
		}
		table = physmem.PhysAddr(*e & addrMask)
	}
	return t.entry(table, index(va, 0)), nil
}

func checkRange(va physmem.VirtAddr, pages uint64) error {
	end := va + physmem.VirtAddr(pages<<physmem.PageShift) - 1
	if !va.PageAligned() || pages == 0 || !canonical(va) || !canonical(end) || end < va {
		return errors.Wrapf(ErrBadAddress, "%#x, %d pages", va, pages)
	}
	return nil
}

// Map maps pages pages starting at va to the physical range starting at pa.
// Either every page gets mapped or none does.
func (t *Table) Map(va physmem.VirtAddr, pa physmem.PhysAddr, pages uint64, flags Flags) error {
	if err := checkRange(va, pages); err != nil {
		return err
	}
	if !pa.PageAligned() {
		return errors.Wrapf(ErrBadAddress, "physical %#x", pa)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	for i := uint64(0); i < pages; i++ {
		v := va + physmem.VirtAddr(i<<physmem.PageShift)
		e, err := t.walk(v, true)
		if err == nil && Flags(*e)&present != 0 {
			err = errors.Wrapf(ErrMapped, "%#x", v)
		}
		if err != nil {
			t.unmapLocked(va, i)
			t.prune(t.root, v, Levels-1)
			return err
		}
		*e = uint64(pa)+i<<physmem.PageShift | uint64(flags&flagMask|present)
		t.mapped++
	}
	return nil
}

// Unmap removes the mappings of pages pages starting at va. Every page must
// be mapped, otherwise nothing is removed.
func (t *Table) Unmap(va physmem.VirtAddr, pages uint64) error {
	if err := checkRange(va, pages); err != nil {
		return err
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	for i := uint64(0); i < pages; i++ {
		v := va + physmem.VirtAddr(i<<physmem.PageShift)
		if e, _ := t.walk(v, false); e == nil || Flags(*e)&present == 0 {
			return errors.Wrapf(ErrNotMapped, "%#x", v)
		}
	}
	t.unmapLocked(va, pages)
	return nil
}

// unmapLocked clears mapped leaves and frees tables left empty.
func (t *Table) unmapLocked(va physmem.VirtAddr, pages uint64) {
	for i := uint64(0); i < pages; i++ {
		v := va + physmem.VirtAddr(i<<physmem.PageShift)
		if t.clear(t.root, v, Levels-1) {
			t.mapped--
		}
	}
}

// clear removes the leaf of va below table and reports whether there was
// one. Child tables that become empty are freed.
func (t *Table) clear(table physmem.PhysAddr, va physmem.VirtAddr, level int) bool {
	e := t.entry(table, index(va, level))
	if Flags(*e)&present == 0 {
		return false
	}
	if level == 0 {
		*e = 0
		return true
	}
	child := physmem.PhysAddr(*e & addrMask)
	ok := t.clear(child, va, level-1)
	if ok && t.empty(child) {
		*e = 0
		t.pages.Free(child, 0)
		t.tables--
	}
	return ok
}

// prune frees the empty tables on the path of va.
func (t *Table) prune(table physmem.PhysAddr, va physmem.VirtAddr, level int) {
	if level == 0 {
		return
	}
	e := t.entry(table, index(va, level))
	if Flags(*e)&present == 0 {
		return
	}
	child := physmem.PhysAddr(*e & addrMask)
	t.prune(child, va, level-1)
	if t.empty(child) {
		*e = 0
		t.pages.Free(child, 0)
		t.tables--
	}
}

func (t *Table) empty(table physmem.PhysAddr) bool {
	for i := uint64(0); i < entries; i++ {
		if *t.entry(table, i) != 0 {
			return false
		}
	}
	return true
}

// Translate returns the physical address va maps to.
func (t *Table) Translate(va physmem.VirtAddr) (physmem.PhysAddr, bool) {
	pa, _, ok := t.Lookup(va)
	return pa, ok
}

// Lookup returns the physical address and flags of the mapping of va.
func (t *Table) Lookup(va physmem.VirtAddr) (physmem.PhysAddr, Flags, bool) {
	if !canonical(va) {
		return 0, 0, false
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	e, _ := t.walk(va, false)
	if e == nil || Flags(*e)&present == 0 {
		return 0, 0, false
	}
	off := physmem.PhysAddr(uint64(va) & (physmem.PageSize - 1))
	return physmem.PhysAddr(*e&addrMask) + off, Flags(*e) & flagMask &^ present, true
}

// Stats is a snapshot of a Table.
type Stats struct {
	Tables int    // table pages, root included
	Mapped uint64 // mapped leaf pages
}

// Stats returns the table counters.
func (t *Table) Stats() Stats {
	t.lock.Lock()
	defer t.lock.Unlock()
	return Stats{Tables: t.tables, Mapped: t.mapped}
}

// Close frees every table page. Mapped pages are not freed, they belong to
// whoever mapped them.
func (t *Table) Close() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.tables == 0 {
		return
	}
	t.free(t.root, Levels-1)
	t.log.Debug("pagetable: closed", "mapped", t.mapped)
	t.mapped = 0
}

func (t *Table) free(table physmem.PhysAddr, level int) {
	if level > 0 {
		for i := uint64(0); i < entries; i++ {
			if e := *t.entry(table, i); Flags(e)&present != 0 {
				t.free(physmem.PhysAddr(e&addrMask), level-1)
			}
		}
	}
	t.pages.Free(table, 0)
	t.tables--
}
