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

// Package physmem models the physical memory collaborators of the allocator
// core: page frame arithmetic, the boot memory map and a simulated RAM with a
// fixed-offset direct map for phys<->virt translation.
package physmem

const (
	// PageShift is log2(PageSize).
	PageShift = 12
	// PageSize is the size of a physical page frame.
	PageSize = 1 << PageShift
	// WordSize is the size of a machine word.
	WordSize = 8
)

// DirectMapBase is the virtual address at which physical address 0 is mapped.
const DirectMapBase VirtAddr = 0xffff_8880_0000_0000

// PFN is a physical page frame number.
type PFN uint64

// PhysAddr is a physical byte address.
type PhysAddr uint64

// VirtAddr is a kernel virtual byte address.
type VirtAddr uint64

// Addr returns the physical address of the first byte of the frame.
func (p PFN) Addr() PhysAddr {
	return PhysAddr(p) << PageShift
}

// PFN returns the frame holding a.
func (a PhysAddr) PFN() PFN {
	return PFN(a >> PageShift)
}

// PageAligned reports whether a is the first byte of a frame.
func (a PhysAddr) PageAligned() bool {
	return a&(PageSize-1) == 0
}

// PageAligned reports whether v is the first byte of a page.
func (v VirtAddr) PageAligned() bool {
	return v&(PageSize-1) == 0
}

// PagesFor returns the number of pages needed to hold n bytes.
func PagesFor(n uint64) uint64 {
	return (n + PageSize - 1) >> PageShift
}
