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

// Package spinlock provides a one-word lock for allocator state.
//
// Allocators are called from contexts that must not park, so waiters spin
// with CAS and yield the processor between attempts instead of queueing.
// The zero value is unlocked and the lock holds no pointers, so it can be
// embedded in structs that live in raw memory.
package spinlock

import (
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// spins before yielding the processor
const activeSpin = 64

// Lock is a spinlock. It must not be copied after first use.
type Lock struct {
	state uint32
}

// Lock acquires the lock, spinning until it is available.
func (l *Lock) Lock() {
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		return
	}
	l.lockSlow()
}

func (l *Lock) lockSlow() {
	for i := 0; ; i++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}
		if i >= activeSpin {
			runtime.Gosched()
			i = 0
		}
	}
}

// TryLock acquires the lock if it is free and reports whether it did.
func (l *Lock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Unlock releases the lock. Unlocking an unlocked lock panics.
func (l *Lock) Unlock() {
	if atomic.SwapUint32(&l.state, 0) != 1 {
		panic(errors.AssertionFailedf("spinlock: unlock of unlocked lock"))
	}
}

// Locked reports whether the lock is currently held.
func (l *Lock) Locked() bool {
	return atomic.LoadUint32(&l.state) != 0
}
