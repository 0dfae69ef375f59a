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

package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint64(t *testing.T) {
	assert.Equal(t, Uint64(42), Uint64(42))
	assert.Equal(t, Bytes([]byte{42, 0, 0, 0, 0, 0, 0, 0}), Uint64(42))

	seen := make(map[uint64]bool)
	for i := uint64(0); i < 1000; i++ {
		seen[Uint64(i<<12)] = true
	}
	assert.Equal(t, 1000, len(seen))
}
