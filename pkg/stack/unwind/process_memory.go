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

//go:build linux

package unwind

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/parca-dev/parca-sampler/pkg/byteorder"
)

const frameSize = 16

// ProcessMemory reads frame records from another process with
// process_vm_readv(2). It requires the same permissions as ptrace attach.
type ProcessMemory struct {
	pid int
}

func NewProcessMemory(pid int) *ProcessMemory {
	return &ProcessMemory{pid: pid}
}

// Read copies len(p) bytes at addr from the process into p.
func (m *ProcessMemory) Read(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &p[0]}}
	local[0].SetLen(len(p))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(p)}}

	n, err := unix.ProcessVMReadv(m.pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("read pid %d at %#x: %w", m.pid, addr, err)
	}
	if n != len(p) {
		return fmt.Errorf("read pid %d at %#x: short read of %d bytes: %w", m.pid, addr, n, ErrFault)
	}
	return nil
}

func (m *ProcessMemory) ReadFrame(addr uint64) (Frame, error) {
	var buf [frameSize]byte
	if err := m.Read(addr, buf[:]); err != nil {
		return Frame{}, err
	}
	order := byteorder.GetHostByteOrder()
	return Frame{
		Next:   order.Uint64(buf[0:8]),
		Return: order.Uint64(buf[8:16]),
	}, nil
}
