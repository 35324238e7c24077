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

// Package synthetic provides a simulated host for the sampler: address
// spaces holding frame record chains, a generic stack walker over them and
// a workload delivering sampling triggers for a set of processes.
package synthetic

import (
	"github.com/parca-dev/parca-sampler/pkg/stack/unwind"
)

// frameStride is the distance between two consecutive frame records.
const frameStride = 0x30

// Memory is a sparse address space containing only frame records. It must
// be fully built before it is read from; concurrent reads are safe.
type Memory struct {
	frames map[uint64]unwind.Frame
}

func NewMemory() *Memory {
	return &Memory{frames: make(map[uint64]unwind.Frame)}
}

// Store places a frame record at addr.
func (m *Memory) Store(addr uint64, f unwind.Frame) {
	m.frames[addr] = f
}

// Chain lays out one frame record per return address at increasing
// addresses starting at base, innermost first, and returns the frame
// pointer of the innermost record. The outermost record ends the chain.
func (m *Memory) Chain(base uint64, returns []uint64) uint64 {
	if len(returns) == 0 {
		return 0
	}
	fp := base
	for i, ret := range returns {
		var next uint64
		if i < len(returns)-1 {
			next = fp + frameStride
		}
		m.frames[fp] = unwind.Frame{Next: next, Return: ret}
		fp = next
	}
	return base
}

func (m *Memory) ReadFrame(addr uint64) (unwind.Frame, error) {
	f, ok := m.frames[addr]
	if !ok {
		return unwind.Frame{}, unwind.ErrFault
	}
	return f, nil
}

func (m *Memory) Len() int {
	return len(m.frames)
}
