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
	"runtime"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-sampler/pkg/config"
	"github.com/parca-dev/parca-sampler/pkg/hash"
	"github.com/parca-dev/parca-sampler/pkg/maps"
	"github.com/parca-dev/parca-sampler/pkg/stack"
	"github.com/parca-dev/parca-sampler/pkg/stack/unwind"
)

type fakeWalker struct {
	kernel []uint64
	user   []uint64
}

func (w *fakeWalker) WalkKernel(_ *Event, buf []uint64) int {
	return copy(buf, w.kernel)
}

func (w *fakeWalker) WalkUser(_ *Event, buf []uint64) int {
	return copy(buf, w.user)
}

type fakeMemory map[uint64]unwind.Frame

func (m fakeMemory) ReadFrame(addr uint64) (unwind.Frame, error) {
	f, ok := m[addr]
	if !ok {
		return unwind.Frame{}, unwind.ErrFault
	}
	return f, nil
}

// chain returns a memory with frame records for returns at base, base+0x10...
func chain(base uint64, returns ...uint64) fakeMemory {
	m := fakeMemory{}
	for i, ret := range returns {
		addr := base + uint64(i)*0x10
		next := addr + 0x10
		if i == len(returns)-1 {
			next = 0
		}
		m[addr] = unwind.Frame{Next: next, Return: ret}
	}
	return m
}

type testSetup struct {
	holder  *config.Holder
	tables  *maps.Tables
	sampler *Sampler
}

func newTestSetup(t *testing.T, size int, walker StackWalker, opts ...Option) *testSetup {
	t.Helper()

	holder := config.NewHolder()
	holder.Publish(config.DefaultSampling())
	tables := maps.NewTables(size)
	return &testSetup{
		holder:  holder,
		tables:  tables,
		sampler: New(holder, tables, maps.NewPerCPUStacks(4), walker, opts...),
	}
}

func (ts *testSetup) keys() map[maps.SampleKey]uint32 {
	res := map[maps.SampleKey]uint32{}
	ts.tables.Counts.Range(func(key maps.SampleKey, count uint32) bool {
		res[key] = count
		return true
	})
	return res
}

func userEvent(pid, tgid uint32) *Event {
	return &Event{
		CPU:    1,
		PID:    pid,
		TGID:   tgid,
		Comm:   "worker",
		Regs:   unwind.Registers{PC: 0x401000, FP: 0x7000},
		Memory: chain(0x7000, 0x402000, 0x403000),
	}
}

func TestArchitectureDefault(t *testing.T) {
	require.Equal(t, runtime.GOARCH == "arm64", manualUserStacksDefault)

	ts := newTestSetup(t, 16, &fakeWalker{})
	require.Equal(t, manualUserStacksDefault, ts.sampler.ManualUserStacks())

	ts = newTestSetup(t, 16, &fakeWalker{}, WithManualUserStacks(!manualUserStacksDefault))
	require.Equal(t, !manualUserStacksDefault, ts.sampler.ManualUserStacks())
}

func TestHandleIdleTask(t *testing.T) {
	ts := newTestSetup(t, 16, &fakeWalker{kernel: []uint64{1}, user: []uint64{2}})

	ts.sampler.Handle(userEvent(0, 0))

	require.Equal(t, 0, ts.tables.Counts.Len())
	require.Equal(t, 0, ts.tables.Stacks.Len())
	require.Equal(t, 0, ts.tables.ManualStacks.Len())
	require.Equal(t, Stats{Samples: 1, FilteredIdle: 1}, ts.sampler.Stats())
}

func TestHandleMissingConfig(t *testing.T) {
	ts := newTestSetup(t, 16, &fakeWalker{kernel: []uint64{1}, user: []uint64{2}})
	ts.holder.Withdraw()

	ts.sampler.Handle(userEvent(10, 10))
	require.Equal(t, 0, ts.tables.Counts.Len())
	require.Equal(t, 0, ts.tables.Stacks.Len())
	require.Equal(t, uint64(1), ts.sampler.Stats().MissingConfig)

	// Publishing takes effect on the next sample.
	ts.holder.Publish(config.DefaultSampling())
	ts.sampler.Handle(userEvent(10, 10))
	require.Equal(t, 1, ts.tables.Counts.Len())
}

func TestHandleTGIDFilter(t *testing.T) {
	ts := newTestSetup(t, 16, &fakeWalker{kernel: []uint64{1}, user: []uint64{2}})
	ts.holder.Publish(config.Sampling{TGIDFilter: 42, CollectUser: true, CollectKernel: true})

	ts.sampler.Handle(userEvent(43, 43))
	ts.sampler.Handle(userEvent(100, 7))
	// A thread of the filtered process.
	ts.sampler.Handle(userEvent(44, 42))
	ts.sampler.Handle(userEvent(42, 42))

	keys := ts.keys()
	require.Len(t, keys, 1)
	for k, count := range keys {
		require.Equal(t, uint32(42), k.PID)
		require.Equal(t, uint32(2), count)
	}
	require.Equal(t, uint64(2), ts.sampler.Stats().FilteredTGID)
	require.Equal(t, uint64(2), ts.sampler.Stats().Aggregated)
}

func TestHandleKeyUsesProcessID(t *testing.T) {
	ts := newTestSetup(t, 16, &fakeWalker{}, WithManualUserStacks(false))
	ts.holder.Publish(config.Sampling{})

	ev := userEvent(11, 10)
	ev.Comm = "a-very-long-thread-name"
	ts.sampler.Handle(ev)

	want := maps.NewSampleKey(10, "a-very-long-thre")
	count, ok := ts.tables.Counts.Count(want)
	require.True(t, ok)
	require.Equal(t, uint32(1), count)
	require.Equal(t, "a-very-long-thre", want.CommString())
}

func TestHandleCollectionDisabled(t *testing.T) {
	ts := newTestSetup(t, 16, &fakeWalker{kernel: []uint64{1}, user: []uint64{2}}, WithManualUserStacks(true))
	ts.holder.Publish(config.Sampling{})

	ts.sampler.Handle(userEvent(10, 10))

	want := maps.NewSampleKey(10, "worker")
	count, ok := ts.tables.Counts.Count(want)
	require.True(t, ok)
	require.Equal(t, uint32(1), count)
	require.Equal(t, 0, ts.tables.Stacks.Len())
	require.Equal(t, 0, ts.tables.ManualStacks.Len())

	// Disabled collection is not a capture failure.
	stats := ts.sampler.Stats()
	require.Zero(t, stats.KernelCaptureFailed)
	require.Zero(t, stats.UserCaptureFailed)
}

func TestHandleGenericStacks(t *testing.T) {
	kernel := []uint64{0xffffffff81000010, 0xffffffff81000020}
	user := []uint64{0x401000, 0x402000, 0x403000}
	ts := newTestSetup(t, 16, &fakeWalker{kernel: kernel, user: user}, WithManualUserStacks(false))

	ts.sampler.Handle(userEvent(10, 10))
	ts.sampler.Handle(userEvent(10, 10))

	keys := ts.keys()
	require.Len(t, keys, 1)
	for k, count := range keys {
		require.Equal(t, uint32(2), count)
		require.Equal(t, maps.FlagNone, k.Flags)
		require.False(t, k.ManualUserStack())

		got, err := ts.tables.LookupStack(k.KernelStack)
		require.NoError(t, err)
		require.Equal(t, kernel, got)

		got, err = ts.tables.LookupStack(k.UserStack)
		require.NoError(t, err)
		require.Equal(t, user, got)
	}
}

func TestHandleCaptureFailure(t *testing.T) {
	ts := newTestSetup(t, 16, &fakeWalker{user: []uint64{0x401000}}, WithManualUserStacks(false))

	ts.sampler.Handle(userEvent(10, 10))

	keys := ts.keys()
	require.Len(t, keys, 1)
	for k, count := range keys {
		// Still counted, with degraded stack detail.
		require.Equal(t, uint32(1), count)
		require.Equal(t, maps.NoStack, k.KernelStack)
		require.NotEqual(t, maps.NoStack, k.UserStack)
	}
	require.Equal(t, uint64(1), ts.sampler.Stats().KernelCaptureFailed)
}

func TestHandleScratchOutOfRange(t *testing.T) {
	ts := newTestSetup(t, 16, &fakeWalker{kernel: []uint64{1}, user: []uint64{2}}, WithManualUserStacks(true))

	ev := userEvent(10, 10)
	ev.CPU = 99
	ts.sampler.Handle(ev)

	want := maps.NewSampleKey(10, "worker")
	want.Flags = maps.FlagUserStackManual
	_, ok := ts.tables.Counts.Count(want)
	require.True(t, ok)
}

func TestHandleManualUserStack(t *testing.T) {
	ts := newTestSetup(t, 16, &fakeWalker{kernel: []uint64{0xffffffff81000010}}, WithManualUserStacks(true))

	ts.sampler.Handle(userEvent(10, 10))
	ts.sampler.Handle(userEvent(10, 10))

	wantFrames := []uint64{0x401000, 0x402000, 0x403000}
	var st stack.Raw
	copy(st[:], wantFrames)
	wantHash := hash.Stack(&st, len(wantFrames))

	keys := ts.keys()
	require.Len(t, keys, 1)
	for k, count := range keys {
		require.Equal(t, uint32(2), count)
		require.Equal(t, maps.FlagUserStackManual, k.Flags)
		require.Equal(t, int64(wantHash), k.UserStack)

		got, err := ts.tables.LookupManualStack(k.UserStack)
		require.NoError(t, err)
		require.Equal(t, wantFrames, got)
	}
	require.Equal(t, 1, ts.tables.ManualStacks.Len())
}

func TestHandleManualUserStackCompatMode(t *testing.T) {
	ts := newTestSetup(t, 16, &fakeWalker{}, WithManualUserStacks(true))
	ts.holder.Publish(config.Sampling{CollectUser: true})

	ev := userEvent(10, 10)
	ev.Regs.PState = unwind.PSRMode32Bit | unwind.PSRModeEL0t
	ts.sampler.Handle(ev)

	require.Len(t, ts.keys(), 1)
	for k := range ts.keys() {
		got, err := ts.tables.LookupManualStack(k.UserStack)
		require.NoError(t, err)
		require.Equal(t, []uint64{0x401000}, got)
	}
}

func TestHandleManualUserStackUnreadableMemory(t *testing.T) {
	ts := newTestSetup(t, 16, &fakeWalker{}, WithManualUserStacks(true))
	ts.holder.Publish(config.Sampling{CollectUser: true})

	ev := userEvent(10, 10)
	ev.Memory = nil
	ts.sampler.Handle(ev)

	// The walk stops at the first read, leaving the program counter.
	require.Len(t, ts.keys(), 1)
	for k := range ts.keys() {
		got, err := ts.tables.LookupManualStack(k.UserStack)
		require.NoError(t, err)
		require.Equal(t, []uint64{0x401000}, got)
	}
}

func TestHandleManualStoreFull(t *testing.T) {
	ts := newTestSetup(t, 1, &fakeWalker{}, WithManualUserStacks(true))
	ts.tables.Counts = maps.NewFrequencyTable(16)
	ts.holder.Publish(config.Sampling{CollectUser: true})

	ts.sampler.Handle(userEvent(10, 10))
	ev := userEvent(11, 11)
	ev.Regs.PC = 0x409000
	ts.sampler.Handle(ev)

	want := maps.NewSampleKey(11, "worker")
	want.Flags = maps.FlagUserStackManual
	count, ok := ts.tables.Counts.Count(want)
	require.True(t, ok)
	require.Equal(t, uint32(1), count)

	stats := ts.sampler.Stats()
	require.Equal(t, uint64(1), stats.ManualStoreFull)
	require.Equal(t, uint64(1), stats.UserCaptureFailed)
	require.Equal(t, uint64(2), stats.Aggregated)
}

func TestHandleCountsFull(t *testing.T) {
	ts := newTestSetup(t, 2, &fakeWalker{}, WithManualUserStacks(false))
	ts.holder.Publish(config.Sampling{})

	for pid := uint32(1); pid <= 3; pid++ {
		ts.sampler.Handle(userEvent(pid, pid))
	}
	// Existing keys keep counting.
	ts.sampler.Handle(userEvent(1, 1))

	keys := ts.keys()
	require.Len(t, keys, 2)
	require.Equal(t, uint32(2), keys[maps.NewSampleKey(1, "worker")])
	require.Equal(t, uint32(1), keys[maps.NewSampleKey(2, "worker")])

	stats := ts.sampler.Stats()
	require.Equal(t, uint64(1), stats.CountsFull)
	require.Equal(t, uint64(3), stats.Aggregated)
}

func TestHandleConcurrent(t *testing.T) {
	ts := newTestSetup(t, maps.DefaultSize, &fakeWalker{kernel: []uint64{1, 2}, user: []uint64{3, 4}})

	const (
		units   = 4
		samples = 500
	)
	var wg sync.WaitGroup
	for cpu := 0; cpu < units; cpu++ {
		cpu := cpu
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < samples; i++ {
				ev := userEvent(uint32(1+i%3), uint32(1+i%3))
				ev.CPU = cpu
				ts.sampler.Handle(ev)
			}
		}()
	}
	wg.Wait()

	var total uint64
	for k, count := range ts.keys() {
		require.NotZero(t, k.PID)
		total += uint64(count)
	}

	stats := ts.sampler.Stats()
	require.Equal(t, uint64(units*samples), stats.Samples)
	// Lost insert races are the only undercount.
	require.Equal(t, stats.Aggregated, total)
	require.Equal(t, stats.Samples, stats.Aggregated+stats.InsertRace)
}

func TestMetricsCollector(t *testing.T) {
	ts := newTestSetup(t, 16, &fakeWalker{user: []uint64{1}}, WithManualUserStacks(false))
	ts.sampler.Handle(userEvent(0, 0))
	ts.sampler.Handle(userEvent(10, 10))

	c := NewMetricsCollector(ts.sampler)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	// 6 outcomes, 2 capture failure stacks, 1 store full, 3 tables x 2.
	require.Equal(t, 15, testutil.CollectAndCount(c))
	require.Equal(t, float64(1), gatherValue(t, reg, "parca_sampler_samples_total", "outcome", "aggregated"))
	require.Equal(t, float64(1), gatherValue(t, reg, "parca_sampler_samples_total", "outcome", "filtered_pid0"))
	require.Equal(t, float64(1), gatherValue(t, reg, "parca_sampler_table_entries", "table", "counts"))
}

func gatherValue(t *testing.T, reg prometheus.Gatherer, name, label, value string) float64 {
	t.Helper()

	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() != label || lp.GetValue() != value {
					continue
				}
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("series %s{%s=%q} not found", name, label, value)
	return 0
}
