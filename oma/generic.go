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
	"unsafe"

	"github.com/cockroachdb/errors"
)

// NewObject allocates a zeroed T from a. T must fit the object size and must not
// contain Go pointers, the memory is invisible to the garbage collector.
func NewObject[T any](a *Allocator) (*T, error) {
	var zero T
	if size := unsafe.Sizeof(zero); uint64(size) > a.objSize {
		return nil, errors.Wrapf(ErrObjectSize, "%T is %d bytes, objects are %d", zero, size, a.objSize)
	}
	pa, err := a.Alloc()
	if err != nil {
		return nil, err
	}
	p := (*T)(a.mem.Pointer(pa))
	*p = zero
	return p, nil
}

// DeleteObject returns an object obtained from NewObject.
func DeleteObject[T any](a *Allocator, p *T) {
	a.Free(a.mem.AddrOf(unsafe.Pointer(p)))
}
