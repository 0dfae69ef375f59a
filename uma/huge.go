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

package uma

import (
	"unsafe"

	"github.com/cloudwego/kalloc/internal/hash"
	"github.com/cloudwego/kalloc/internal/spinlock"
	"github.com/cloudwego/kalloc/oma"
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cockroachdb/errors"
)

const nilAddr = ^uint64(0)

// hugeNode is one record of the huge allocation index, stored in an object
// of the node allocator. Children are physical addresses of other nodes.
type hugeNode struct {
	pfn   uint64
	rank  uint64
	prio  uint64
	left  uint64
	right uint64
}

// HugeNodeSize is the object size a node allocator must provide.
const HugeNodeSize = int(unsafe.Sizeof(hugeNode{}))

// hugeIndex maps the first frame of every huge block to its rank. It is a
// treap keyed by frame number with hashed priorities, so its shape does not
// depend on the allocation order.
type hugeIndex struct {
	lock  spinlock.Lock
	mem   *physmem.Memory
	nodes *oma.Allocator
	root  uint64
	count int
	pages uint64
}

func (h *hugeIndex) node(pa uint64) *hugeNode {
	return (*hugeNode)(h.mem.Pointer(physmem.PhysAddr(pa)))
}

// insert records a block. It fails only when no node can be allocated.
func (h *hugeIndex) insert(pfn physmem.PFN, rank int) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	pa, err := h.nodes.Alloc()
	if err != nil {
		return err
	}
	*h.node(uint64(pa)) = hugeNode{
		pfn:   uint64(pfn),
		rank:  uint64(rank),
		prio:  hash.Uint64(uint64(pfn)),
		left:  nilAddr,
		right: nilAddr,
	}
	h.root = h.insertAt(h.root, uint64(pa))
	h.count++
	h.pages += 1 << rank
	return nil
}

func (h *hugeIndex) insertAt(root, n uint64) uint64 {
	if root == nilAddr {
		return n
	}
	r, x := h.node(root), h.node(n)
	switch {
	case x.pfn < r.pfn:
		r.left = h.insertAt(r.left, n)
		if h.node(r.left).prio > r.prio {
			return h.rotateRight(root)
		}
	case x.pfn > r.pfn:
		r.right = h.insertAt(r.right, n)
		if h.node(r.right).prio > r.prio {
			return h.rotateLeft(root)
		}
	default:
		panic(errors.AssertionFailedf("uma: frame %d is already a huge block", x.pfn))
	}
	return root
}

func (h *hugeIndex) rotateRight(root uint64) uint64 {
	r := h.node(root)
	l := r.left
	r.left = h.node(l).right
	h.node(l).right = root
	return l
}

func (h *hugeIndex) rotateLeft(root uint64) uint64 {
	r := h.node(root)
	rt := r.right
	r.right = h.node(rt).left
	h.node(rt).left = root
	return rt
}

// remove drops the record of the block starting at pfn and returns its rank.
func (h *hugeIndex) remove(pfn physmem.PFN) (int, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	var found uint64 = nilAddr
	h.root = h.removeAt(h.root, uint64(pfn), &found)
	if found == nilAddr {
		return 0, false
	}
	rank := int(h.node(found).rank)
	h.nodes.Free(physmem.PhysAddr(found))
	h.count--
	h.pages -= 1 << rank
	return rank, true
}

func (h *hugeIndex) removeAt(root, pfn uint64, found *uint64) uint64 {
	if root == nilAddr {
		return nilAddr
	}
	r := h.node(root)
	switch {
	case pfn < r.pfn:
		r.left = h.removeAt(r.left, pfn, found)
		return root
	case pfn > r.pfn:
		r.right = h.removeAt(r.right, pfn, found)
		return root
	}
	// Rotate the node down until it has at most one child.
	switch {
	case r.left == nilAddr:
		*found = root
		return r.right
	case r.right == nilAddr:
		*found = root
		return r.left
	case h.node(r.left).prio > h.node(r.right).prio:
		top := h.rotateRight(root)
		h.node(top).right = h.removeAt(root, pfn, found)
		return top
	default:
		top := h.rotateLeft(root)
		h.node(top).left = h.removeAt(root, pfn, found)
		return top
	}
}

func (h *hugeIndex) lookup(pfn physmem.PFN) (int, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	for n := h.root; n != nilAddr; {
		x := h.node(n)
		switch {
		case uint64(pfn) < x.pfn:
			n = x.left
		case uint64(pfn) > x.pfn:
			n = x.right
		default:
			return int(x.rank), true
		}
	}
	return 0, false
}

// validate checks ordering, heap priorities and the counters.
func (h *hugeIndex) validate() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	var (
		count int
		pages uint64
	)
	var walk func(n, lo, hi uint64) error
	walk = func(n, lo, hi uint64) error {
		if n == nilAddr {
			return nil
		}
		x := h.node(n)
		if x.pfn < lo || x.pfn > hi {
			return errors.Newf("uma: huge index node %d outside [%d, %d]", x.pfn, lo, hi)
		}
		for _, c := range []uint64{x.left, x.right} {
			if c != nilAddr && h.node(c).prio > x.prio {
				return errors.Newf("uma: huge index node %d has a higher priority child", x.pfn)
			}
		}
		count++
		pages += 1 << x.rank
		if x.left != nilAddr {
			if err := walk(x.left, lo, x.pfn-1); err != nil {
				return err
			}
		}
		if x.right != nilAddr {
			return walk(x.right, x.pfn+1, hi)
		}
		return nil
	}
	if err := walk(h.root, 0, ^uint64(0)); err != nil {
		return err
	}
	if count != h.count || pages != h.pages {
		return errors.Newf("uma: huge index holds %d blocks of %d pages, counted %d and %d", count, pages, h.count, h.pages)
	}
	return nil
}
