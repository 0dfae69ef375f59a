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

// Package hash hashes the integer keys used by allocator indexes.
package hash

import (
	"encoding/binary"

	"github.com/bytedance/gopkg/util/xxhash3"
)

// Uint64 returns the xxhash3 of the little-endian encoding of v.
func Uint64(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return xxhash3.Hash(b[:])
}

// Bytes returns the xxhash3 of b.
func Bytes(b []byte) uint64 {
	return xxhash3.Hash(b)
}
