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

package profiler

import (
	"context"
	"io"

	"github.com/parca-dev/parca-sampler/pkg/maps"
)

// Source is the output side of a set of sampling tables, either the
// in-process maps.Tables or the maps of a BPF sample handler.
type Source interface {
	// DrainCounts calls fn for every aggregated sample and removes it.
	DrainCounts(ctx context.Context, fn func(key maps.SampleKey, count uint32)) error
	LookupStack(id int64) ([]uint64, error)
	LookupManualStack(hash int64) ([]uint64, error)
	// ClearStacks removes stacks once no drained sample refers to them.
	ClearStacks(ids, hashes []int64) error
}

var _ Source = (*maps.Tables)(nil)

type RawSample struct {
	Comm        string
	UserStack   []uint64
	KernelStack []uint64
	Value       uint64
}

type ProcessRawData struct {
	PID        uint32
	RawSamples []RawSample
}

type RawData []ProcessRawData

// Writer is implemented by *profile.Profile.
type Writer interface {
	Write(io.Writer) error
	WriteUncompressed(io.Writer) error
}
