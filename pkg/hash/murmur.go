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
	"github.com/parca-dev/parca-sampler/pkg/byteorder"
	"github.com/parca-dev/parca-sampler/pkg/stack"
)

const (
	murmurM = 0x5bd1e995
	murmurR = 24
)

// MurmurHash2 is Austin Appleby's 32-bit MurmurHash2. Blocks are read in host
// byte order so that hashes computed here match the ones computed by the BPF
// program on the same machine.
func MurmurHash2(data []byte, seed uint32) uint32 {
	order := byteorder.GetHostByteOrder()
	h := seed ^ uint32(len(data))

	for len(data) >= 4 {
		k := order.Uint32(data)
		k *= murmurM
		k ^= k >> murmurR
		k *= murmurM

		h *= murmurM
		h ^= k

		data = data[4:]
	}

	switch len(data) {
	case 3:
		h ^= uint32(data[2]) << 16
		fallthrough
	case 2:
		h ^= uint32(data[1]) << 8
		fallthrough
	case 1:
		h ^= uint32(data[0])
		h *= murmurM
	}

	h ^= h >> 13
	h *= murmurM
	h ^= h >> 15
	return h
}

// Stack hashes the first n addresses of st, i.e. exactly n*8 bytes, with seed 0.
func Stack(st *stack.Raw, n int) uint32 {
	if n < 0 {
		n = 0
	}
	if n > stack.MaxDepth {
		n = stack.MaxDepth
	}
	var buf [stack.Size]byte
	size := byteorder.PutAddresses(buf[:], st[:n])
	return MurmurHash2(buf[:size], 0)
}
