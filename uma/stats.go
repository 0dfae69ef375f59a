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
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// ClassStats describes one size class.
type ClassStats struct {
	Size int
	Live int64
}

// Stats is a snapshot of an Allocator.
type Stats struct {
	Backend    Backend
	Classes    []ClassStats
	HugeBlocks int
	HugePages  uint64
}

// Stats returns the allocator counters.
func (u *Allocator) Stats() Stats {
	s := Stats{Backend: u.backend, Classes: make([]ClassStats, len(u.classes))}
	for i := range u.classes {
		s.Classes[i] = ClassStats{Size: u.ClassSize(i), Live: u.classes[i].live.Load()}
	}
	u.huge.lock.Lock()
	s.HugeBlocks, s.HugePages = u.huge.count, u.huge.pages
	u.huge.lock.Unlock()
	return s
}

// Validate checks every size class and the huge allocation index.
func (u *Allocator) Validate() error {
	for i := range u.classes {
		if err := u.classes[i].Validate(); err != nil {
			return errors.Wrapf(err, "size class %d", u.ClassSize(i))
		}
	}
	return u.huge.validate()
}

// WriteJSON writes the size classes and the huge allocation counters.
func (u *Allocator) WriteJSON(w *jwriter.Writer) {
	s := u.Stats()
	obj := w.Object()
	obj.Name("backend").String(s.Backend.String())
	classes := obj.Name("classes").Array()
	for i := range u.classes {
		u.classes[i].WriteJSON(w)
	}
	classes.End()
	huge := obj.Name("huge").Object()
	huge.Name("blocks").Int(s.HugeBlocks)
	huge.Name("pages").Float64(float64(s.HugePages))
	huge.End()
	obj.End()
}
