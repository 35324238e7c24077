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

package hash

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-sampler/pkg/byteorder"
	"github.com/parca-dev/parca-sampler/pkg/stack"
)

func isLittleEndian() bool {
	return byteorder.GetHostByteOrder() == binary.LittleEndian
}

func TestMurmurHash2ReferenceVectors(t *testing.T) {
	if !isLittleEndian() {
		t.Skip("reference vectors are computed on a little-endian host")
	}

	tests := []struct {
		name string
		data string
		seed uint32
		want uint32
	}{
		{name: "empty", data: "", seed: 0, want: 0x0},
		{name: "hello", data: "hello", seed: 0, want: 0xe56129cb},
		{name: "hello seeded", data: "hello", seed: 0x9747b28c, want: 0x7f1ddbbd},
		{name: "sentence", data: "The quick brown fox jumps over the lazy dog", seed: 0, want: 0x212729d0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, MurmurHash2([]byte(tt.data), tt.seed))
		})
	}
}

func TestStackReferenceVector(t *testing.T) {
	if !isLittleEndian() {
		t.Skip("reference vectors are computed on a little-endian host")
	}

	var st stack.Raw
	st[0] = 0x400123
	st[1] = 0x400456
	st[2] = 0x7f0000001000

	require.Equal(t, uint32(0x69f3e32a), Stack(&st, 3))
	require.Equal(t, uint32(0x9932ff31), Stack(&st, 1))
}

func TestStackIgnoresStaleEntries(t *testing.T) {
	var a, b stack.Raw
	for i := range a {
		a[i] = uint64(i + 1)
		b[i] = uint64(i + 1)
	}
	// Entries past n must not influence the hash.
	b[10] = 0xdeadbeef
	b[stack.MaxDepth-1] = 0

	require.Equal(t, Stack(&a, 10), Stack(&b, 10))
	require.NotEqual(t, Stack(&a, 11), Stack(&b, 11))
}

func TestStackIsDeterministic(t *testing.T) {
	var st stack.Raw
	for i := range st {
		st[i] = 0x1000 + uint64(i)*0x10
	}
	first := Stack(&st, stack.MaxDepth)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Stack(&st, stack.MaxDepth))
	}
}

func TestContentIsStable(t *testing.T) {
	a := Content([]byte("sampling:\n  tgid_filter: 42\n"))
	b := Content([]byte("sampling:\n  tgid_filter: 42\n"))
	c := Content([]byte("sampling:\n  tgid_filter: 43\n"))

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, Content(nil), a)
}
