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

package bpfmaps

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-sampler/pkg/byteorder"
	"github.com/parca-dev/parca-sampler/pkg/config"
	"github.com/parca-dev/parca-sampler/pkg/maps"
	"github.com/parca-dev/parca-sampler/pkg/stack"
)

func TestLayout(t *testing.T) {
	require.Equal(t, 40, binary.Size(sampleKey{}))
	require.Equal(t, 8, binary.Size(bssArg{}))
}

func TestSampleKeyConversion(t *testing.T) {
	k := sampleKey{PID: 7, Flags: 1, KernStack: -1, UserStack: 0x1234}
	copy(k.Comm[:], "bash")

	got := k.toSampleKey()
	want := maps.NewSampleKey(7, "bash")
	want.Flags = maps.FlagUserStackManual
	want.UserStack = 0x1234
	require.Equal(t, want, got)
	require.True(t, got.ManualUserStack())
}

func TestNewBSSArg(t *testing.T) {
	require.Equal(t, bssArg{CollectUser: 1, CollectKernel: 1}, newBSSArg(config.DefaultSampling()))
	require.Equal(t, bssArg{TGIDFilter: 42}, newBSSArg(config.Sampling{TGIDFilter: 42}))
}

func TestDecodeStack(t *testing.T) {
	var value [stack.Size]byte
	byteorder.PutAddresses(value[:], []uint64{0x401000, 0x402000})
	require.Equal(t, []uint64{0x401000, 0x402000}, decodeStack(value[:]))
	require.Empty(t, decodeStack(make([]byte, stack.Size)))
}

// newTestMaps creates unpinned maps with the layout of the BPF program. It
// skips the test when BPF maps cannot be created, e.g. without CAP_BPF.
func newTestMaps(t *testing.T) *Maps {
	t.Helper()

	specs := []*ebpf.MapSpec{
		{Name: CountsMapName, Type: ebpf.Hash, KeySize: 40, ValueSize: 4, MaxEntries: 16},
		// Stack trace maps cannot be written from user space.
		{Name: StacksMapName, Type: ebpf.Hash, KeySize: 4, ValueSize: stack.Size, MaxEntries: 16},
		{Name: ManualStacksMapName, Type: ebpf.Hash, KeySize: 4, ValueSize: stack.Size, MaxEntries: 16},
		{Name: ArgsMapName, Type: ebpf.Array, KeySize: 4, ValueSize: 8, MaxEntries: 1},
	}
	created := make([]*ebpf.Map, 0, len(specs))
	for _, spec := range specs {
		m, err := ebpf.NewMap(spec)
		if err != nil {
			for _, c := range created {
				c.Close()
			}
			t.Skipf("creating BPF maps: %v", err)
		}
		created = append(created, m)
	}

	m := New(log.NewNopLogger(), created[0], created[1], created[2], created[3])
	t.Cleanup(func() { m.Close() })
	return m
}

func TestWriteConfig(t *testing.T) {
	m := newTestMaps(t)

	require.NoError(t, m.Reloader().Reloader(&config.Config{Sampling: config.Sampling{TGIDFilter: 9, CollectKernel: true}}))

	var arg bssArg
	require.NoError(t, m.args.Lookup(uint32(0), &arg))
	require.Equal(t, bssArg{TGIDFilter: 9, CollectKernel: 1}, arg)
}

func TestDrainAndClear(t *testing.T) {
	m := newTestMaps(t)

	var value [stack.Size]byte
	byteorder.PutAddresses(value[:], []uint64{0xa, 0xb, 0xc})
	require.NoError(t, m.stacks.Put(uint32(3), value[:]))
	require.NoError(t, m.manualStacks.Put(uint32(0xbeef), value[:]))

	k := sampleKey{PID: 10, KernStack: 3, UserStack: 0xbeef, Flags: 1}
	copy(k.Comm[:], "worker")
	require.NoError(t, m.counts.Put(&k, uint32(5)))

	got := map[maps.SampleKey]uint32{}
	require.NoError(t, m.DrainCounts(context.Background(), func(key maps.SampleKey, count uint32) {
		got[key] = count
	}))
	require.Equal(t, map[maps.SampleKey]uint32{k.toSampleKey(): 5}, got)

	frames, err := m.LookupStack(3)
	require.NoError(t, err)
	require.Equal(t, []uint64{0xa, 0xb, 0xc}, frames)

	frames, err = m.LookupManualStack(0xbeef)
	require.NoError(t, err)
	require.Equal(t, []uint64{0xa, 0xb, 0xc}, frames)

	// Drained.
	require.NoError(t, m.DrainCounts(context.Background(), func(maps.SampleKey, uint32) {
		t.Fatal("unexpected sample")
	}))

	require.NoError(t, m.ClearStacks([]int64{3}, []int64{0xbeef, 0xdead}))
	_, err = m.LookupStack(3)
	require.ErrorIs(t, err, maps.ErrNotFound)
	_, err = m.LookupManualStack(0xbeef)
	require.ErrorIs(t, err, maps.ErrNotFound)
	_, err = m.LookupStack(-1)
	require.ErrorIs(t, err, maps.ErrNotFound)
}
