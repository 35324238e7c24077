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

package sampler

import (
	"github.com/parca-dev/parca-sampler/pkg/stack/unwind"
)

// Event is the interrupted context delivered with a sampling trigger.
type Event struct {
	// CPU is the execution unit that received the trigger. It selects the
	// scratch buffer used while handling the event.
	CPU int
	// PID is the id of the interrupted thread, TGID the id of its process.
	PID  uint32
	TGID uint32
	Comm string

	// Regs is the interrupted user context.
	Regs unwind.Registers
	// KernelRegs is the interrupted kernel context, zero if the trigger hit
	// while running in user mode.
	KernelRegs unwind.Registers
	// Memory reads the user address space of the interrupted task.
	Memory unwind.FrameReader
}

// StackWalker is the host's generic stack capture facility. Both methods
// write at most len(buf) return addresses into buf and return how many were
// written, or a value <= 0 if no stack could be captured.
type StackWalker interface {
	WalkKernel(ev *Event, buf []uint64) int
	WalkUser(ev *Event, buf []uint64) int
}
