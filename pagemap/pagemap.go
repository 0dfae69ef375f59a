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

// Package pagemap records which allocator owns each physical page.
//
// Slab allocators tag the pages of every arena they create, so a free of an
// arbitrary address resolves its owner in O(1) instead of scanning arena lists.
// Reads are lock free; a page is only written by the allocator that owns it.
package pagemap

import (
	"sync/atomic"

	"github.com/cloudwego/kalloc/physmem"
	"github.com/cockroachdb/errors"
)

// Owner identifies an allocator instance. The zero Owner means "untagged".
type Owner uint32

// None is the owner of untagged pages.
const None Owner = 0

// Map is a page-indexed owner table.
type Map struct {
	owners []uint32
	last   uint32
}

// New returns a table covering pages frames.
func New(pages uint64) *Map {
	return &Map{owners: make([]uint32, pages)}
}

// Pages returns the number of frames covered.
func (m *Map) Pages() uint64 {
	return uint64(len(m.owners))
}

// NewOwner returns a fresh owner id.
func (m *Map) NewOwner() Owner {
	return Owner(atomic.AddUint32(&m.last, 1))
}

func (m *Map) span(pfn physmem.PFN, n uint64) []uint32 {
	end := uint64(pfn) + n
	if end < uint64(pfn) || end > uint64(len(m.owners)) {
		panic(errors.AssertionFailedf("pagemap: frames [%d, +%d) outside of %d", pfn, n, len(m.owners)))
	}
	return m.owners[pfn:end]
}

// Set tags n frames from pfn with o. The frames must be untagged.
func (m *Map) Set(pfn physmem.PFN, n uint64, o Owner) {
	s := m.span(pfn, n)
	for i := range s {
		if !atomic.CompareAndSwapUint32(&s[i], uint32(None), uint32(o)) {
			panic(errors.AssertionFailedf("pagemap: frame %d already owned by %d", uint64(pfn)+uint64(i), atomic.LoadUint32(&s[i])))
		}
	}
}

// Clear untags n frames from pfn. The frames must be tagged with o.
func (m *Map) Clear(pfn physmem.PFN, n uint64, o Owner) {
	s := m.span(pfn, n)
	for i := range s {
		if !atomic.CompareAndSwapUint32(&s[i], uint32(o), uint32(None)) {
			panic(errors.AssertionFailedf("pagemap: frame %d not owned by %d", uint64(pfn)+uint64(i), o))
		}
	}
}

// Lookup returns the owner of pfn, or None when pfn is untagged or out of range.
func (m *Map) Lookup(pfn physmem.PFN) Owner {
	if uint64(pfn) >= uint64(len(m.owners)) {
		return None
	}
	return Owner(atomic.LoadUint32(&m.owners[pfn]))
}
