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

// Package maps holds the bounded tables shared by every execution unit
// running the sampler. Their shapes mirror the BPF maps of the kernel-side
// handler: a counts hash, a stack trace map, a manually unwound stacks hash
// and a per-CPU scratch array.
package maps

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultSize is the default capacity of every shared table.
// Always needs to be in sync with PROFILE_MAPS_SIZE in the BPF program.
const DefaultSize = 16384

// NoStack is stored in a SampleKey stack reference when no stack is
// available, either because collection is disabled or because capture failed.
const NoStack int64 = -1

// HasStack reports whether ref refers to a stored stack. Any negative ref is
// a capture failure: a BPF handler stores the negative errno returned by
// bpf_get_stackid, e.g. -EFAULT or -EEXIST, not only NoStack.
func HasStack(ref int64) bool {
	return ref >= 0
}

// SampleFlags describe how a sample's stacks were obtained.
type SampleFlags uint32

const (
	FlagNone SampleFlags = 0
	// FlagUserStackManual marks user stacks unwound by the frame pointer
	// walker; UserStack then holds a key into the ManualStackStore.
	FlagUserStackManual SampleFlags = 1
)

var (
	// ErrFull is returned when a new key is rejected because the table is at
	// capacity. Existing keys keep being served.
	ErrFull = errors.New("table is full")
	// ErrExists is returned when a concurrent writer inserted the same key
	// first.
	ErrExists = errors.New("key already exists")
	// ErrNotFound is returned when looking up a stack that is not stored.
	ErrNotFound = errors.New("not found")
)

// SampleKey identifies an aggregated sample. Keys are compared structurally.
type SampleKey struct {
	PID         uint32
	Flags       SampleFlags
	KernelStack int64
	UserStack   int64
	Comm        [16]byte
}

// NewSampleKey returns a key for pid with no stacks attached.
func NewSampleKey(pid uint32, comm string) SampleKey {
	k := SampleKey{
		PID:         pid,
		Flags:       FlagNone,
		KernelStack: NoStack,
		UserStack:   NoStack,
	}
	copy(k.Comm[:], comm)
	return k
}

// ManualUserStack reports whether UserStack refers to the ManualStackStore.
func (k SampleKey) ManualUserStack() bool {
	return k.Flags&FlagUserStackManual != 0
}

// CommString returns the task name up to the first NUL byte.
func (k SampleKey) CommString() string {
	s := string(k.Comm[:])
	if i := strings.IndexByte(s, 0); i >= 0 {
		return s[:i]
	}
	return s
}

func (k SampleKey) String() string {
	return fmt.Sprintf("pid=%d comm=%q flags=%d kernel_stack=%d user_stack=%d",
		k.PID, k.CommString(), k.Flags, k.KernelStack, k.UserStack)
}
