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

package bucket

import (
	"github.com/cloudwego/kalloc/physmem"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Stats is a snapshot of an Allocator.
type Stats struct {
	ObjectSize int
	Rank       int
	Buckets    int
	Live       uint64
	Capacity   uint64
}

// Stats returns the allocator counters.
func (a *Allocator) Stats() Stats {
	a.lock.Lock()
	defer a.lock.Unlock()
	return Stats{
		ObjectSize: int(a.objSize),
		Rank:       a.rank,
		Buckets:    a.buckets,
		Live:       a.live,
		Capacity:   uint64(a.buckets) * uint64(a.capacity),
	}
}

// Validate checks every bucket header, the list links and that each
// allocation count matches its occupancy bitmap.
func (a *Allocator) Validate() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	var (
		buckets int
		live    uint64
		prev    = nilAddr
	)
	for base := a.head; base != nilAddr; {
		h := a.hdr(base)
		switch {
		case h.magic != bucketMagic:
			return errors.Newf("bucket: %#x has a bad magic %#x", base, h.magic)
		case h.base != base || h.prev != prev:
			return errors.Newf("bucket: %#x has broken links", base)
		case base&(a.size()-1) != 0:
			return errors.Newf("bucket: %#x is not aligned to its size", base)
		case int(h.capacity) != a.capacity:
			return errors.Newf("bucket: %#x capacity %d, want %d", base, h.capacity, a.capacity)
		}
		if n := a.occupancy(base).Count(true); n != int(h.allocNum) {
			return errors.Newf("bucket: %#x counts %d objects, bitmap has %d", base, h.allocNum, n)
		}
		if h.allocNum == 0 {
			return errors.Newf("bucket: empty bucket %#x was not released", base)
		}
		if a.owners != nil && a.owners.Lookup(physmem.PhysAddr(base).PFN()) != a.owner {
			return errors.Newf("bucket: %#x is not tagged with owner %d", base, a.owner)
		}
		live += uint64(h.allocNum)
		buckets++
		prev = base
		base = h.next
	}
	if buckets != a.buckets || live != a.live {
		return errors.Newf("bucket: counted %d buckets and %d objects, recorded %d and %d", buckets, live, a.buckets, a.live)
	}
	return nil
}

// WriteJSON writes the allocator counters as a JSON object.
func (a *Allocator) WriteJSON(w *jwriter.Writer) {
	s := a.Stats()
	obj := w.Object()
	obj.Name("objectSize").Int(s.ObjectSize)
	obj.Name("rank").Int(s.Rank)
	obj.Name("buckets").Int(s.Buckets)
	obj.Name("live").Float64(float64(s.Live))
	obj.Name("capacity").Float64(float64(s.Capacity))
	obj.End()
}
