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

package byteorder

import (
	"encoding/binary"
	"unsafe"
)

var byteOrder binary.ByteOrder

// In lack of binary.HostEndian ...
func init() {
	byteOrder = determineHostByteOrder()
}

// GetHostByteOrder returns the current byte-order.
func GetHostByteOrder() binary.ByteOrder {
	return byteOrder
}

func determineHostByteOrder() binary.ByteOrder {
	var i int32 = 0x01020304
	u := unsafe.Pointer(&i)
	pb := (*byte)(u)
	if *pb == 0x04 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// PutAddresses encodes addrs into dst as consecutive 8-byte words in host
// byte order, the layout the kernel uses for stack map values. It returns the
// number of bytes written; dst must hold at least len(addrs)*8 bytes.
func PutAddresses(dst []byte, addrs []uint64) int {
	for i, addr := range addrs {
		byteOrder.PutUint64(dst[i*8:], addr)
	}
	return len(addrs) * 8
}

// Addresses decodes host byte order 8-byte words from src into dst until a
// zero address is found or either side is exhausted. It returns the number
// of addresses decoded.
func Addresses(dst []uint64, src []byte) int {
	n := 0
	for ; n < len(dst) && (n+1)*8 <= len(src); n++ {
		addr := byteOrder.Uint64(src[n*8:])
		if addr == 0 {
			break
		}
		dst[n] = addr
	}
	return n
}
