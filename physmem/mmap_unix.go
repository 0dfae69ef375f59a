//go:build unix

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
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// mapAnon maps size bytes of zeroed, private, anonymous memory.
func mapAnon(size int) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	unmap := func() error {
		err := unix.Munmap(data)
		if errors.Is(err, unix.EINVAL) {
			// already unmapped
			return nil
		}
		return err
	}
	return data, unmap, nil
}
