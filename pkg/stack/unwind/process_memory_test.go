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
	"os"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestProcessMemoryReadsOwnFrames(t *testing.T) {
	record := &[2]uint64{0x7ffd0040, 0x401234}

	mem := NewProcessMemory(os.Getpid())
	frame, err := mem.ReadFrame(uint64(uintptr(unsafe.Pointer(record))))
	runtime.KeepAlive(record)

	require.NoError(t, err)
	require.Equal(t, Frame{Next: 0x7ffd0040, Return: 0x401234}, frame)
}

func TestProcessMemoryUnmapped(t *testing.T) {
	mem := NewProcessMemory(os.Getpid())
	_, err := mem.ReadFrame(0x8)
	require.Error(t, err)
}
