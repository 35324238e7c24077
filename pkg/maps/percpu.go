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
	"github.com/parca-dev/parca-sampler/pkg/stack"
)

// PerCPUStacks holds one scratch stack per execution unit. A buffer is
// owned by the handler running on its unit for the duration of a single
// invocation and is never shared with other units. Contents are not cleared
// between invocations.
type PerCPUStacks struct {
	stacks []stack.Raw
}

func NewPerCPUStacks(units int) *PerCPUStacks {
	return &PerCPUStacks{stacks: make([]stack.Raw, units)}
}

// Get returns the scratch stack of cpu, or nil if cpu is out of range.
func (p *PerCPUStacks) Get(cpu int) *stack.Raw {
	if cpu < 0 || cpu >= len(p.stacks) {
		return nil
	}
	return &p.stacks[cpu]
}

func (p *PerCPUStacks) Units() int {
	return len(p.stacks)
}
