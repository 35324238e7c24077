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
	"errors"

	"github.com/parca-dev/parca-sampler/pkg/config"
	"github.com/parca-dev/parca-sampler/pkg/hash"
	"github.com/parca-dev/parca-sampler/pkg/maps"
	"github.com/parca-dev/parca-sampler/pkg/stack"
	"github.com/parca-dev/parca-sampler/pkg/stack/unwind"
)

// Sampler aggregates sampling triggers into the shared tables.
//
// Handle may be called concurrently from any number of execution units, as
// long as each unit passes its own CPU index. It never blocks and never
// returns an error: filtered, dropped and degraded samples are only visible
// in the aggregated data and in Stats.
type Sampler struct {
	config  *config.Holder
	tables  *maps.Tables
	scratch *maps.PerCPUStacks
	walker  StackWalker

	manualUserStacks bool

	stats counters
}

type Option func(*Sampler)

// WithManualUserStacks overrides the architecture default for unwinding
// user stacks with the frame pointer walker instead of the host's generic
// facility.
func WithManualUserStacks(manual bool) Option {
	return func(s *Sampler) {
		s.manualUserStacks = manual
	}
}

func New(
	cfg *config.Holder,
	tables *maps.Tables,
	scratch *maps.PerCPUStacks,
	walker StackWalker,
	opts ...Option,
) *Sampler {
	s := &Sampler{
		config:           cfg,
		tables:           tables,
		scratch:          scratch,
		walker:           walker,
		manualUserStacks: manualUserStacksDefault,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ManualUserStacks reports which user stack path the sampler takes.
func (s *Sampler) ManualUserStacks() bool {
	return s.manualUserStacks
}

// Handle records one sample. All early returns happen before any table is
// written to.
func (s *Sampler) Handle(ev *Event) {
	s.stats.samples.Inc()

	// Idle and kernel threads.
	if ev.PID == 0 {
		s.stats.filteredIdle.Inc()
		return
	}

	cfg := s.config.Load()
	if cfg == nil {
		s.stats.missingConfig.Inc()
		return
	}

	if cfg.TGIDFilter != 0 && ev.TGID != cfg.TGIDFilter {
		s.stats.filteredTGID.Inc()
		return
	}

	key := maps.NewSampleKey(ev.TGID, ev.Comm)
	scratch := s.scratch.Get(ev.CPU)

	if cfg.CollectKernel {
		key.KernelStack = s.genericStack(scratch, ev, s.walker.WalkKernel)
		if key.KernelStack == maps.NoStack {
			s.stats.kernelCaptureFailed.Inc()
		}
	}

	if cfg.CollectUser {
		if s.manualUserStacks {
			key.Flags = maps.FlagUserStackManual
			key.UserStack = s.manualUserStack(scratch, ev)
		} else {
			key.UserStack = s.genericStack(scratch, ev, s.walker.WalkUser)
		}
		if key.UserStack == maps.NoStack {
			s.stats.userCaptureFailed.Inc()
		}
	}

	if err := s.tables.Counts.Increment(key); err != nil {
		if errors.Is(err, maps.ErrFull) {
			s.stats.countsFull.Inc()
		} else {
			s.stats.insertRace.Inc()
		}
		return
	}
	s.stats.aggregated.Inc()
}

func (s *Sampler) genericStack(scratch *stack.Raw, ev *Event, walk func(*Event, []uint64) int) int64 {
	if scratch == nil {
		return maps.NoStack
	}
	n := walk(ev, scratch[:])
	if n <= 0 {
		return maps.NoStack
	}
	if n > stack.MaxDepth {
		n = stack.MaxDepth
	}
	return s.tables.Stacks.StackID(scratch[:n])
}

func (s *Sampler) manualUserStack(scratch *stack.Raw, ev *Event) int64 {
	if scratch == nil {
		return maps.NoStack
	}
	mem := ev.Memory
	if mem == nil {
		mem = unmapped{}
	}

	n := unwind.FramePointer(&ev.Regs, mem, scratch)
	h := hash.Stack(scratch, n)
	if err := s.tables.ManualStacks.Update(h, scratch[:n]); err != nil {
		s.stats.manualStoreFull.Inc()
		return maps.NoStack
	}
	return int64(h)
}

// unmapped is the address space of a task whose memory cannot be read.
type unmapped struct{}

func (unmapped) ReadFrame(uint64) (unwind.Frame, error) {
	return unwind.Frame{}, unwind.ErrFault
}
