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
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrBadMemoryMap is returned when the boot memory map is malformed.
	ErrBadMemoryMap = errors.New("physmem: bad memory map")

	// ErrNoBootstrapBlock is returned when no free region can hold the bootstrap pool.
	// It is fatal at boot.
	ErrNoBootstrapBlock = errors.New("physmem: no free region for bootstrap pool")
)

// RegionType classifies a boot memory map entry.
type RegionType uint8

const (
	// Free memory is handed to the page allocator.
	Free RegionType = iota
	// Reserved memory is never handed out (firmware, kernel image).
	Reserved
	// Device memory backs MMIO windows.
	Device
	// Bootstrap memory is carved out of a free region for allocator metadata.
	Bootstrap
)

func (t RegionType) String() string {
	switch t {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Device:
		return "device"
	case Bootstrap:
		return "bootstrap"
	}
	return fmt.Sprintf("RegionType(%d)", uint8(t))
}

// Region is one boot memory map entry.
type Region struct {
	Base  PFN
	Pages uint64
	Type  RegionType
}

// End returns the first frame past the region.
func (r Region) End() PFN {
	return r.Base + PFN(r.Pages)
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x - %#x) %d pages %s", r.Base.Addr(), r.End().Addr(), r.Pages, r.Type)
}

// MemoryMap is the ordered list of regions reported at boot.
type MemoryMap []Region

// Validate checks that regions are non-empty, sorted and non-overlapping.
func (m MemoryMap) Validate() error {
	if len(m) == 0 {
		return errors.Wrap(ErrBadMemoryMap, "empty")
	}
	for i, r := range m {
		if r.Pages == 0 {
			return errors.Wrapf(ErrBadMemoryMap, "region %d is empty", i)
		}
		if r.End() < r.Base {
			return errors.Wrapf(ErrBadMemoryMap, "region %d wraps around", i)
		}
		if i > 0 && r.Base < m[i-1].End() {
			return errors.Wrapf(ErrBadMemoryMap, "region %d %s overlaps or precedes %s", i, r, m[i-1])
		}
	}
	return nil
}

// TotalPages returns the number of frames spanned from frame 0 to the end of
// the last region, holes included.
func (m MemoryMap) TotalPages() uint64 {
	if len(m) == 0 {
		return 0
	}
	return uint64(m[len(m)-1].End())
}

// Count returns the number of pages of type t.
func (m MemoryMap) Count(t RegionType) uint64 {
	var n uint64
	for _, r := range m {
		if r.Type == t {
			n += r.Pages
		}
	}
	return n
}

// CarveBootstrap splits the first free region holding at least pages frames
// and returns the new map plus the carved Bootstrap region.
// The receiver is left untouched.
func (m MemoryMap) CarveBootstrap(pages uint64) (MemoryMap, Region, error) {
	if pages == 0 {
		return nil, Region{}, errors.AssertionFailedf("physmem: bootstrap of zero pages")
	}
	for i, r := range m {
		if r.Type != Free || r.Pages < pages {
			continue
		}
		boot := Region{Base: r.Base, Pages: pages, Type: Bootstrap}
		out := make(MemoryMap, 0, len(m)+1)
		out = append(out, m[:i]...)
		out = append(out, boot)
		if r.Pages > pages {
			out = append(out, Region{Base: boot.End(), Pages: r.Pages - pages, Type: Free})
		}
		out = append(out, m[i+1:]...)
		return out, boot, nil
	}
	return nil, Region{}, errors.Wrapf(ErrNoBootstrapBlock, "need %d contiguous pages", pages)
}
