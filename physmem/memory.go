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

package physmem

import (
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/cockroachdb/errors"
)

// Backing selects where the simulated RAM lives.
type Backing int

const (
	// BackingMmap uses an anonymous mapping outside the Go heap where the
	// platform supports it, and falls back to BackingHeap elsewhere.
	BackingMmap Backing = iota
	// BackingHeap uses a non-zeroed Go heap buffer.
	BackingHeap
)

// Memory is a simulated physical RAM starting at physical address 0.
//
// Pointers handed out by Memory stay valid until Close. Memory never holds
// Go pointers, so objects placed in it must not contain pointers either.
type Memory struct {
	data  []byte
	base  unsafe.Pointer
	pages uint64
	unmap func() error
}

// New returns a Memory of pages frames backed by an anonymous mapping.
func New(pages uint64) (*Memory, error) {
	return NewWithBacking(pages, BackingMmap)
}

// NewWithBacking returns a Memory of pages frames using the given backing.
// Page content is undefined, as it is for real RAM.
func NewWithBacking(pages uint64, b Backing) (*Memory, error) {
	if pages == 0 {
		return nil, errors.New("physmem: memory of zero pages")
	}
	size := pages << PageShift
	if size>>PageShift != pages || size > uint64(^uint(0)>>1) {
		return nil, errors.Newf("physmem: %d pages do not fit the address space", pages)
	}
	var (
		data  []byte
		unmap func() error
		err   error
	)
	switch b {
	case BackingMmap:
		data, unmap, err = mapAnon(int(size))
		if err != nil {
			return nil, errors.Wrapf(err, "physmem: map %d pages", pages)
		}
	case BackingHeap:
		data = dirtmake.Bytes(int(size), int(size))
		unmap = func() error { return nil }
	default:
		return nil, errors.Newf("physmem: unknown backing %d", b)
	}
	return &Memory{
		data:  data,
		base:  unsafe.Pointer(&data[0]),
		pages: pages,
		unmap: unmap,
	}, nil
}

// Pages returns the number of frames.
func (m *Memory) Pages() uint64 {
	return m.pages
}

// Size returns the size in bytes.
func (m *Memory) Size() uint64 {
	return m.pages << PageShift
}

// Contains reports whether [pa, pa+n) lies inside the memory.
func (m *Memory) Contains(pa PhysAddr, n uint64) bool {
	end := uint64(pa) + n
	return end >= uint64(pa) && end <= m.Size()
}

func (m *Memory) check(pa PhysAddr, n uint64) {
	if !m.Contains(pa, n) {
		panic(errors.AssertionFailedf("physmem: [%#x, +%d) outside of %d pages", pa, n, m.pages))
	}
}

// Bytes returns the n bytes at pa.
func (m *Memory) Bytes(pa PhysAddr, n int) []byte {
	m.check(pa, uint64(n))
	return m.data[pa : uint64(pa)+uint64(n) : uint64(pa)+uint64(n)]
}

// Page returns the bytes of frame pfn.
func (m *Memory) Page(pfn PFN) []byte {
	return m.Bytes(pfn.Addr(), PageSize)
}

// Pointer returns a pointer to the byte at pa.
func (m *Memory) Pointer(pa PhysAddr) unsafe.Pointer {
	m.check(pa, 1)
	return unsafe.Add(m.base, uintptr(pa))
}

// AddrOf returns the physical address of a pointer obtained from Pointer.
func (m *Memory) AddrOf(p unsafe.Pointer) PhysAddr {
	off := uintptr(p) - uintptr(m.base)
	if uintptr(p) < uintptr(m.base) || uint64(off) >= m.Size() {
		panic(errors.AssertionFailedf("physmem: pointer %p outside of memory", p))
	}
	return PhysAddr(off)
}

// Word returns the machine word at pa, which must be word aligned.
func (m *Memory) Word(pa PhysAddr) *uint64 {
	if pa&(WordSize-1) != 0 {
		panic(errors.AssertionFailedf("physmem: unaligned word at %#x", pa))
	}
	m.check(pa, WordSize)
	return (*uint64)(unsafe.Add(m.base, uintptr(pa)))
}

// Zero clears n bytes at pa.
func (m *Memory) Zero(pa PhysAddr, n int) {
	b := m.Bytes(pa, n)
	for i := range b {
		b[i] = 0
	}
}

// VirtOf returns the direct-map virtual address of pa.
func (m *Memory) VirtOf(pa PhysAddr) VirtAddr {
	return DirectMapBase + VirtAddr(pa)
}

// PhysOf returns the physical address behind a direct-map address.
// ok is false when va is outside the direct map of this memory.
func (m *Memory) PhysOf(va VirtAddr) (pa PhysAddr, ok bool) {
	if va < DirectMapBase || uint64(va-DirectMapBase) >= m.Size() {
		return 0, false
	}
	return PhysAddr(va - DirectMapBase), true
}

// Close releases the backing. Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.unmap == nil {
		return nil
	}
	err := m.unmap()
	m.unmap = nil
	m.data = nil
	m.base = nil
	return err
}
