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

package oma

import (
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Stats is a snapshot of an Allocator.
type Stats struct {
	ObjectSize int
	Rank       int
	Arenas     int
	Live       uint64 // objects handed out and not yet freed
	Capacity   uint64 // objects all linked arenas can hold
	Bootstrap  bool
}

// Stats returns the allocator counters.
func (a *Allocator) Stats() Stats {
	a.lock.Lock()
	defer a.lock.Unlock()
	s := Stats{
		ObjectSize: int(a.objSize),
		Rank:       a.rank,
		Arenas:     a.arenas,
		Live:       a.live,
		Bootstrap:  a.boot != nilAddr,
	}
	for base := a.head; base != nilAddr; {
		h := a.headerAt(base)
		s.Capacity += uint64(h.capacity)
		base = h.next
	}
	return s
}

// Validate walks every arena and checks the headers, the list links and
// that the live count matches the bump pointers minus the free lists.
func (a *Allocator) Validate() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	var (
		arenas int
		live   uint64
		prev   = nilAddr
		boot   bool
	)
	for base := a.head; base != nilAddr; {
		h := a.headerAt(base)
		if h.magic != arenaMagic {
			return errors.Newf("oma: arena %#x has a bad magic %#x", base, h.magic)
		}
		if h.base != base || h.prev != prev {
			return errors.Newf("oma: arena %#x has broken links (base %#x prev %#x want %#x)", base, h.base, h.prev, prev)
		}
		if h.bump > h.capacity || h.allocNum > h.bump {
			return errors.Newf("oma: arena %#x counts out of range (alloc %d bump %d cap %d)", base, h.allocNum, h.bump, h.capacity)
		}
		if base == a.boot {
			boot = true
		} else if base&(a.arenaPages()<<physmem.PageShift-1) != 0 {
			return errors.Newf("oma: arena %#x is not aligned to its size", base)
		}
		if a.owners != nil && a.owners.Lookup(physmem.PhysAddr(base).PFN()) != a.owner {
			return errors.Newf("oma: arena %#x is not tagged with owner %d", base, a.owner)
		}

		free := uint32(0)
		for slot := h.freeHead; slot != nilAddr; slot = *a.mem.Word(physmem.PhysAddr(slot)) {
			off := slot - base
			if slot < base || off%a.objSize != 0 || off/a.objSize >= uint64(h.bump) {
				return errors.Newf("oma: arena %#x free list holds foreign slot %#x", base, slot)
			}
			free++
			if free > h.bump {
				return errors.Newf("oma: arena %#x free list has a cycle", base)
			}
		}
		if h.allocNum != h.bump-free {
			return errors.Newf("oma: arena %#x has %d objects, bump %d minus %d free", base, h.allocNum, h.bump, free)
		}
		if h.allocNum == 0 && h.flags&flagBootstrap == 0 {
			return errors.Newf("oma: empty arena %#x was not released", base)
		}

		live += uint64(h.allocNum)
		arenas++
		prev = base
		base = h.next
	}
	if arenas != a.arenas {
		return errors.Newf("oma: %d arenas linked, %d counted", arenas, a.arenas)
	}
	if live != a.live {
		return errors.Newf("oma: %d live objects in arenas, %d counted", live, a.live)
	}
	if a.boot != nilAddr && !boot {
		return errors.Newf("oma: bootstrap arena %#x is not linked", a.boot)
	}
	return nil
}

// WriteJSON writes the allocator counters as a JSON object.
func (a *Allocator) WriteJSON(w *jwriter.Writer) {
	s := a.Stats()
	obj := w.Object()
	obj.Name("objectSize").Int(s.ObjectSize)
	obj.Name("rank").Int(s.Rank)
	obj.Name("arenas").Int(s.Arenas)
	obj.Name("live").Float64(float64(s.Live))
	obj.Name("capacity").Float64(float64(s.Capacity))
	obj.Name("bootstrap").Bool(s.Bootstrap)
	obj.End()
}
