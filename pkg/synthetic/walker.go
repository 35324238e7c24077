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

package synthetic

import (
	"github.com/parca-dev/parca-sampler/pkg/sampler"
	"github.com/parca-dev/parca-sampler/pkg/stack/unwind"
)

var _ sampler.StackWalker = (*Walker)(nil)

// Walker is the host's generic stack capture facility. User stacks are read
// from the task's own memory, kernel stacks from the shared kernel memory.
type Walker struct {
	Kernel unwind.FrameReader
}

func (w *Walker) WalkKernel(ev *sampler.Event, buf []uint64) int {
	if ev.KernelRegs.PC == 0 || w.Kernel == nil {
		return 0
	}
	return walk(&ev.KernelRegs, w.Kernel, buf)
}

func (w *Walker) WalkUser(ev *sampler.Event, buf []uint64) int {
	if ev.Memory == nil {
		return 0
	}
	return walk(&ev.Regs, ev.Memory, buf)
}

func walk(regs *unwind.Registers, mem unwind.FrameReader, buf []uint64) int {
	if len(buf) == 0 {
		return 0
	}
	n := 0
	buf[n] = regs.PC
	n++

	fp := regs.FP
	for n < len(buf) && fp != 0 {
		f, err := mem.ReadFrame(fp)
		if err != nil {
			break
		}
		buf[n] = f.Return
		n++
		if f.Next <= fp {
			break
		}
		fp = f.Next
	}
	return n
}
