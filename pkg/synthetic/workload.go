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

package synthetic

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/pprof/profile"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/parca-sampler/pkg/process"
	"github.com/parca-dev/parca-sampler/pkg/sampler"
	"github.com/parca-dev/parca-sampler/pkg/stack/unwind"
)

const (
	userTextBase   = 0x400000
	userStackBase  = 0x7ffc00000000
	kernelTextBase = 0xffffffff81000000
	kernelStack    = 0xffffc90000000000
	textSize       = 0x100000

	stacksPerProcess = 8
	kernelStacks     = 4
	maxFrames        = 24
)

// CallSite is an interrupted context: a program counter and the frame
// pointer of the innermost frame record.
type CallSite struct {
	Regs unwind.Registers
}

type Process struct {
	PID     uint32
	Comm    string
	Threads []uint32
	Memory  *Memory
	Sites   []CallSite
}

// Workload is a fixed set of processes whose threads are interrupted at
// random call sites.
type Workload struct {
	Processes []*Process
	Kernel    *Memory

	kernelSites []CallSite
	seed        int64
}

type WorkloadOption func(*workloadOptions)

type workloadOptions struct {
	seed      int64
	processes int
	threads   int
	firstPID  uint32
}

func WithSeed(seed int64) WorkloadOption {
	return func(o *workloadOptions) { o.seed = seed }
}

func WithProcesses(processes, threadsPerProcess int) WorkloadOption {
	return func(o *workloadOptions) {
		o.processes = processes
		o.threads = threadsPerProcess
	}
}

// WithFirstPID sets the pid of the first process. Synthetic pids are
// consecutive.
func WithFirstPID(pid uint32) WorkloadOption {
	return func(o *workloadOptions) { o.firstPID = pid }
}

func NewWorkload(opts ...WorkloadOption) *Workload {
	o := &workloadOptions{
		seed:      1,
		processes: 4,
		threads:   2,
		firstPID:  1000,
	}
	for _, opt := range opts {
		opt(o)
	}

	rng := rand.New(rand.NewSource(o.seed))
	w := &Workload{
		Kernel: NewMemory(),
		seed:   o.seed,
	}

	for i := 0; i < kernelStacks; i++ {
		w.kernelSites = append(w.kernelSites, newCallSite(rng, w.Kernel, kernelTextBase, kernelStack+uint64(i)*0x10000))
	}

	tid := o.firstPID + uint32(o.processes)
	for p := 0; p < o.processes; p++ {
		proc := &Process{
			PID:    o.firstPID + uint32(p),
			Comm:   fmt.Sprintf("synthetic-%d", p),
			Memory: NewMemory(),
		}
		// The main thread shares its id with the process.
		proc.Threads = append(proc.Threads, proc.PID)
		for t := 1; t < o.threads; t++ {
			proc.Threads = append(proc.Threads, tid)
			tid++
		}
		for s := 0; s < stacksPerProcess; s++ {
			base := userStackBase + uint64(p)<<24 + uint64(s)*0x10000
			proc.Sites = append(proc.Sites, newCallSite(rng, proc.Memory, userTextBase, base))
		}
		w.Processes = append(w.Processes, proc)
	}

	return w
}

func newCallSite(rng *rand.Rand, mem *Memory, text, stackBase uint64) CallSite {
	frames := 1 + rng.Intn(maxFrames)
	returns := make([]uint64, frames)
	for i := range returns {
		returns[i] = text + uint64(rng.Intn(textSize))&^0x3
	}
	return CallSite{
		Regs: unwind.Registers{
			PC: text + uint64(rng.Intn(textSize))&^0x3,
			FP: mem.Chain(stackBase, returns),
		},
	}
}

// Fill sets ev to a trigger on cpu interrupting a random thread. About one
// in ten triggers hits the idle task, and about a third interrupt a thread
// in kernel mode.
func (w *Workload) Fill(rng *rand.Rand, cpu int, ev *sampler.Event) {
	*ev = sampler.Event{CPU: cpu, Comm: "swapper"}
	if len(w.Processes) == 0 || rng.Intn(10) == 0 {
		return
	}

	proc := w.Processes[rng.Intn(len(w.Processes))]
	ev.PID = proc.Threads[rng.Intn(len(proc.Threads))]
	ev.TGID = proc.PID
	ev.Comm = proc.Comm
	ev.Regs = proc.Sites[rng.Intn(len(proc.Sites))].Regs
	ev.Memory = proc.Memory
	if rng.Intn(3) == 0 {
		ev.KernelRegs = w.kernelSites[rng.Intn(len(w.kernelSites))].Regs
	}
}

var _ process.MappingSource = (*Workload)(nil)

// MappingForPID returns the text mapping of a synthetic process. The
// workload's pids are made up and may belong to unrelated processes on the
// host, so profiles of a synthetic run must resolve mappings here instead of
// in procfs.
func (w *Workload) MappingForPID(pid uint32) ([]*profile.Mapping, error) {
	for _, proc := range w.Processes {
		if proc.PID != pid {
			continue
		}
		return []*profile.Mapping{{
			Start: userTextBase,
			Limit: userTextBase + textSize,
			File:  "/synthetic/" + proc.Comm,
		}}, nil
	}
	return nil, process.ErrNotFound
}

// Walker returns a generic stack walker for the workload's address spaces.
func (w *Workload) Walker() *Walker {
	return &Walker{Kernel: w.Kernel}
}

// Run triggers handle on units execution units every interval until ctx is
// done. Each unit runs on its own goroutine and reuses a single Event.
func (w *Workload) Run(ctx context.Context, units int, interval time.Duration, handle func(*sampler.Event)) error {
	g, ctx := errgroup.WithContext(ctx)
	for cpu := 0; cpu < units; cpu++ {
		cpu := cpu
		g.Go(func() error {
			rng := rand.New(rand.NewSource(w.seed + int64(cpu)))
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			var ev sampler.Event
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					w.Fill(rng, cpu, &ev)
					handle(&ev)
				}
			}
		})
	}
	return g.Wait()
}
