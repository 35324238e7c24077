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
	"slices"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
)

// ManualStackStore maps content hashes to user stacks unwound by the frame
// pointer walker. Updates overwrite unconditionally, so two different stacks
// colliding on the same hash keep only the last one written.
type ManualStackStore struct {
	capacity int64
	size     atomic.Int64
	stacks   *xsync.MapOf[uint32, []uint64]
}

func NewManualStackStore(capacity int) *ManualStackStore {
	return &ManualStackStore{
		capacity: int64(capacity),
		stacks:   xsync.NewMapOf[uint32, []uint64](xsync.WithPresize(capacity)),
	}
}

// Update stores a copy of frames under hash. It returns ErrFull if hash is
// not present and the store is at capacity.
func (s *ManualStackStore) Update(hash uint32, frames []uint64) error {
	var err error
	s.stacks.Compute(hash, func(_ []uint64, loaded bool) ([]uint64, bool) {
		if !loaded && s.size.Inc() > s.capacity {
			s.size.Dec()
			err = ErrFull
			// Deleting a missing key leaves the map untouched.
			return nil, true
		}
		return slices.Clone(frames), false
	})
	return err
}

// Lookup returns the stack stored under hash. The returned slice must not
// be modified.
func (s *ManualStackStore) Lookup(hash uint32) ([]uint64, error) {
	frames, ok := s.stacks.Load(hash)
	if !ok {
		return nil, fmt.Errorf("stack hash %#x: %w", hash, ErrNotFound)
	}
	return frames, nil
}

func (s *ManualStackStore) Delete(hash uint32) {
	if _, ok := s.stacks.LoadAndDelete(hash); ok {
		s.size.Dec()
	}
}

func (s *ManualStackStore) Len() int {
	return int(s.size.Load())
}

func (s *ManualStackStore) Capacity() int {
	return int(s.capacity)
}
