// Copyright 2023-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package maps

import (
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
)

// FrequencyTable counts occurrences of sample keys. It never evicts: once
// capacity keys are stored, new keys are rejected while existing keys keep
// being incremented.
type FrequencyTable struct {
	capacity int64
	size     atomic.Int64
	counts   *xsync.MapOf[SampleKey, *atomic.Uint32]
}

func NewFrequencyTable(capacity int) *FrequencyTable {
	return &FrequencyTable{
		capacity: int64(capacity),
		counts:   xsync.NewMapOf[SampleKey, *atomic.Uint32](xsync.WithPresize(capacity)),
	}
}

// Increment bumps the count of key, inserting it with a count of one if it
// is not present yet. The lookup and the insert are not atomic as a whole:
// if another writer inserts the same key in between, ErrExists is returned
// and this occurrence is lost. ErrFull is returned if key is new and the
// table is at capacity.
func (t *FrequencyTable) Increment(key SampleKey) error {
	if c, ok := t.counts.Load(key); ok {
		c.Inc()
		return nil
	}

	// Reserve a slot first so that concurrent inserts can't overshoot.
	if t.size.Inc() > t.capacity {
		t.size.Dec()
		return ErrFull
	}
	if _, loaded := t.counts.LoadOrStore(key, atomic.NewUint32(1)); loaded {
		t.size.Dec()
		return ErrExists
	}
	return nil
}

// Count returns the current count of key.
func (t *FrequencyTable) Count(key SampleKey) (uint32, bool) {
	c, ok := t.counts.Load(key)
	if !ok {
		return 0, false
	}
	return c.Load(), true
}

func (t *FrequencyTable) Len() int {
	return int(t.size.Load())
}

func (t *FrequencyTable) Capacity() int {
	return int(t.capacity)
}

// Range calls f for every entry until f returns false.
func (t *FrequencyTable) Range(f func(key SampleKey, count uint32) bool) {
	t.counts.Range(func(key SampleKey, c *atomic.Uint32) bool {
		return f(key, c.Load())
	})
}

// Drain removes every entry and calls f with its final count. Increments
// racing with the removal of their entry are lost.
func (t *FrequencyTable) Drain(f func(key SampleKey, count uint32)) {
	t.counts.Range(func(key SampleKey, _ *atomic.Uint32) bool {
		c, ok := t.counts.LoadAndDelete(key)
		if !ok {
			return true
		}
		t.size.Dec()
		f(key, c.Load())
		return true
	})
}
