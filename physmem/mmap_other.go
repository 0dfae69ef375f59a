//go:build !unix

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

import "github.com/bytedance/gopkg/lang/dirtmake"

// mapAnon falls back to the Go heap where anonymous mappings are unavailable.
func mapAnon(size int) ([]byte, func() error, error) {
	return dirtmake.Bytes(size, size), func() error { return nil }, nil
}
