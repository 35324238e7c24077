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

package unwind

import (
	"errors"

	"github.com/parca-dev/parca-sampler/pkg/stack"
)

// ARM64 processor state bits, see arch/arm64/include/uapi/asm/ptrace.h.
const (
	PSRMode32Bit = 0x00000010
	PSRModeEL0t  = 0x00000000
	PSRModeMask  = 0x0000000f
)

// ErrFault is returned by FrameReaders when the requested memory is not
// mapped or could not be read completely.
var ErrFault = errors.New("bad address")

// Registers is the part of the interrupted user context the frame pointer
// unwinder needs.
type Registers struct {
	PC uint64
	// FP is the frame pointer register, x29 on arm64 and rbp on x86-64.
	FP     uint64
	PState uint64
}

// CompatMode reports whether the interrupted task was running in AArch32
// user mode, where the frame record layout does not apply.
func (r *Registers) CompatMode() bool {
	return r.PState&(PSRMode32Bit|PSRModeMask) == (PSRMode32Bit | PSRModeEL0t)
}

// Frame is a frame record as laid out on the stack by the standard
// prologue: the caller's frame pointer followed by the return address.
type Frame struct {
	Next   uint64
	Return uint64
}

// FrameReader reads frame records from the address space of the
// interrupted task. Reads are fallible: unmapped or unreadable memory
// returns an error instead of faulting.
type FrameReader interface {
	ReadFrame(addr uint64) (Frame, error)
}

// FramePointer reconstructs a user stack by walking the frame record chain
// starting at regs.FP. The interrupted program counter is always recorded
// first. It returns the number of valid entries written to st; entries past
// that are left untouched.
//
// It backports the arm64 user stack walker from
// https://github.com/torvalds/linux/commit/33c222aeda14596ca5b9a1a3002858c6c3565ddd
// which, unlike the kernel's generic facility, does not lose leaf frames
// that have no frame record yet.
func FramePointer(regs *Registers, mem FrameReader, st *stack.Raw) int {
	n := 0
	st[n] = regs.PC
	n++

	if regs.CompatMode() {
		return n
	}

	fp := regs.FP
	for i := 1; i < stack.MaxDepth; i++ {
		if fp == 0 {
			break
		}
		if fp&0x7 != 0 {
			break
		}
		frame, err := mem.ReadFrame(fp)
		if err != nil {
			break
		}
		st[n] = frame.Return
		n++
		// Stacks grow down, so callers' records must live at higher addresses.
		if frame.Next <= fp {
			break
		}
		fp = frame.Next
	}
	return n
}
