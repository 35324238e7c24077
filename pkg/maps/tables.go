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
	"context"
)

// Tables bundles the shared tables of one sampling session.
type Tables struct {
	Counts       *FrequencyTable
	Stacks       *StackTraceStore
	ManualStacks *ManualStackStore
}

// NewTables creates every table with the given capacity.
func NewTables(size int) *Tables {
	return &Tables{
		Counts:       NewFrequencyTable(size),
		Stacks:       NewStackTraceStore(size),
		ManualStacks: NewManualStackStore(size),
	}
}

// DrainCounts removes every aggregated sample, calling fn with its count.
func (t *Tables) DrainCounts(ctx context.Context, fn func(key SampleKey, count uint32)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.Counts.Drain(fn)
	return nil
}

func (t *Tables) LookupStack(id int64) ([]uint64, error) {
	return t.Stacks.Lookup(id)
}

func (t *Tables) LookupManualStack(hash int64) ([]uint64, error) {
	return t.ManualStacks.Lookup(uint32(hash))
}

// ClearStacks removes stacks that were referenced by drained samples.
func (t *Tables) ClearStacks(ids, hashes []int64) error {
	for _, id := range ids {
		t.Stacks.Delete(id)
	}
	for _, h := range hashes {
		t.ManualStacks.Delete(uint32(h))
	}
	return nil
}
