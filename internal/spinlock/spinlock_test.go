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

package spinlock

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestLockUnlock(t *testing.T) {
	var l Lock
	assert.False(t, l.Locked())
	l.Lock()
	assert.True(t, l.Locked())
	assert.False(t, l.TryLock())
	l.Unlock()
	assert.True(t, l.TryLock())
	l.Unlock()
	assert.Panics(t, func() { l.Unlock() })
}

func TestUnlockUnlockedIsAssertion(t *testing.T) {
	var l Lock
	defer func() {
		err, ok := recover().(error)
		assert.True(t, ok)
		assert.True(t, errors.HasAssertionFailure(err), "got %v", err)
	}()
	l.Unlock()
}

func TestMutualExclusion(t *testing.T) {
	var (
		l  Lock
		wg sync.WaitGroup
		n  int
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10000; i++ {
				l.Lock()
				n++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 80000, n)
}
