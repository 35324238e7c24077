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
	"fmt"
	"math/bits"
	"slices"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"

	"github.com/parca-dev/parca-sampler/pkg/byteorder"
	"github.com/parca-dev/parca-sampler/pkg/stack"
)

type stackBucket struct {
	hash   uint64
	frames []uint64
}

// StackTraceStore is the generic stack capture facility's table: it hands
// out small integer ids for stacks, the same way bpf_get_stackid does for a
// BPF_MAP_TYPE_STACK_TRACE map. An id is the stack's content hash masked to
// the number of buckets. Stacks whose hash matches the occupant of their
// bucket reuse its id without comparing frames; a different stack landing
// in an occupied bucket replaces its occupant.
type StackTraceStore struct {
	buckets []atomic.Pointer[stackBucket]
	mask    uint64
}

// NewStackTraceStore allocates capacity buckets. capacity is rounded up to
// the next power of two.
func NewStackTraceStore(capacity int) *StackTraceStore {
	if capacity < 1 {
		capacity = 1
	}
	n := uint64(1) << bits.Len64(uint64(capacity-1))
	return &StackTraceStore{
		buckets: make([]atomic.Pointer[stackBucket], n),
		mask:    n - 1,
	}
}

// StackID stores frames and returns their id, or NoStack if frames is empty.
// At most stack.MaxDepth frames are kept.
func (s *StackTraceStore) StackID(frames []uint64) int64 {
	if len(frames) == 0 {
		return NoStack
	}
	if len(frames) > stack.MaxDepth {
		frames = frames[:stack.MaxDepth]
	}

	var buf [stack.Size]byte
	h := xxhash.Sum64(buf[:byteorder.PutAddresses(buf[:], frames)])
	id := h & s.mask

	if b := s.buckets[id].Load(); b != nil && b.hash == h {
		return int64(id)
	}
	s.buckets[id].Store(&stackBucket{hash: h, frames: slices.Clone(frames)})
	return int64(id)
}

// Lookup returns the stack stored under id. The returned slice must not be
// modified.
func (s *StackTraceStore) Lookup(id int64) ([]uint64, error) {
	if id < 0 || uint64(id) > s.mask {
		return nil, fmt.Errorf("stack id %d out of range", id)
	}
	b := s.buckets[id].Load()
	if b == nil {
		return nil, fmt.Errorf("stack id %d: %w", id, ErrNotFound)
	}
	return b.frames, nil
}

// Delete empties the bucket of id.
func (s *StackTraceStore) Delete(id int64) {
	if id < 0 || uint64(id) > s.mask {
		return
	}
	s.buckets[id].Store(nil)
}

// Len counts occupied buckets. It is linear in the capacity.
func (s *StackTraceStore) Len() int {
	n := 0
	for i := range s.buckets {
		if s.buckets[i].Load() != nil {
			n++
		}
	}
	return n
}

func (s *StackTraceStore) Capacity() int {
	return len(s.buckets)
}
