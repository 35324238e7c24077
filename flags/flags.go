// Copyright 2022-2024 The Parca Authors
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
//

package flags

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alecthomas/kong"

	"github.com/parca-dev/parca-sampler/pkg/maps"
)

var (
	version string
	commit  string
	date    string
)

const (
	// We sample at 19Hz (19 times per second) because it is a prime number,
	// and primes are good to avoid collisions with other things
	// that may be happening periodically on a machine.
	// In particular, 100 samples per second means every 10ms
	// which is a frequency that may very well be used by user code,
	// so a CPU profile could show a periodic workload on-CPU 100% of the time
	// which is misleading.
	defaultCPUSamplingFrequency = 19

	// Above this the trigger rate noticeably competes with the sampled
	// workload.
	maxAdvicedCPUSamplingFrequency = 150
)

// Version returns the build version string.
func Version() string {
	return fmt.Sprintf("parca-sampler, version %s (commit: %s, date: %s)", version, commit, date)
}

func vars() kong.Vars {
	return kong.Vars{
		"default_cpu_sampling_frequency": strconv.Itoa(defaultCPUSamplingFrequency),
		"default_table_size":             strconv.Itoa(maps.DefaultSize),
	}
}

// Parse parses the process arguments. Parse errors exit the process.
func Parse() (Flags, error) {
	flags := Flags{}
	kong.Parse(&flags, vars())
	if err := flags.Validate(); err != nil {
		return Flags{}, err
	}
	return flags, nil
}

// ParseArgs parses args without exiting on error.
func ParseArgs(args []string) (Flags, error) {
	flags := Flags{}
	parser, err := kong.New(&flags, vars(), kong.Name("parca-sampler"))
	if err != nil {
		return Flags{}, fmt.Errorf("create parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return Flags{}, err
	}
	if err := flags.Validate(); err != nil {
		return Flags{}, err
	}
	return flags, nil
}

type Flags struct {
	Log         FlagsLogs `embed:""                         prefix:"log-"`
	HTTPAddress string    `default:"127.0.0.1:7072"         help:"Address to bind HTTP server to."`
	Version     bool      `help:"Show application version."`

	ConfigPath string `default:"" help:"Path to config file. Without one the default sampling config is used."`

	// pprof.
	MutexProfileFraction int `default:"0" help:"Fraction of mutex profile samples to collect."`
	BlockProfileRate     int `default:"0" help:"Sample rate for block profile."`

	Sampling   FlagsSampling   `embed:"" prefix:"sampling-"`
	Profiling  FlagsProfiling  `embed:"" prefix:"profiling-"`
	LocalStore FlagsLocalStore `embed:"" prefix:"local-store-"`
	BPF        FlagsBPF        `embed:"" prefix:"bpf-"`
	Synthetic  FlagsSynthetic  `embed:"" prefix:"synthetic-"`
}

func (f Flags) Validate() error {
	if f.Profiling.Duration <= 0 {
		return errors.New("profiling duration must be positive")
	}
	if f.Profiling.CPUSamplingFrequency <= 0 {
		return fmt.Errorf("cpu sampling frequency must be positive, got %d", f.Profiling.CPUSamplingFrequency)
	}
	if f.Sampling.TableSize <= 0 {
		return fmt.Errorf("table size must be positive, got %d", f.Sampling.TableSize)
	}
	if f.BPF.PinPath == "" {
		if f.Synthetic.Processes <= 0 || f.Synthetic.Threads <= 0 {
			return errors.New("synthetic workload needs at least one process with one thread")
		}
		if f.Synthetic.Units < 0 {
			return fmt.Errorf("synthetic units must not be negative, got %d", f.Synthetic.Units)
		}
	}
	return nil
}

// ManualUserStacks returns the user stack override, and false if the
// architecture default applies.
func (f FlagsSampling) ManualUserStacks() (manual, set bool) {
	switch f.UserStackUnwinder {
	case "manual":
		return true, true
	case "generic":
		return false, true
	default:
		return false, false
	}
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// FlagsSampling provides flags for the in-process sampler.
type FlagsSampling struct {
	UserStackUnwinder string `default:"auto"                  enum:"auto,manual,generic" help:"How user stacks are captured. auto picks frame pointer unwinding on arm64 and the generic walker elsewhere."`
	TableSize         int    `default:"${default_table_size}" help:"Capacity of the counts and stack tables."`
}

// FlagsProfiling provides profiling configuration flags.
type FlagsProfiling struct {
	Duration             time.Duration `default:"10s"                               help:"The profiling duration, the time between two drains of the counts table."`
	CPUSamplingFrequency int           `default:"${default_cpu_sampling_frequency}" help:"The frequency at which profiling data is collected, e.g., 19 samples per second."`
}

// AdvicedFrequency reports whether the sampling frequency is within the
// range that does not disturb the sampled workload.
func (f FlagsProfiling) AdvicedFrequency() bool {
	return f.CPUSamplingFrequency <= maxAdvicedCPUSamplingFrequency
}

// FlagsLocalStore provides local store configuration flags.
type FlagsLocalStore struct {
	Directory string `default:"./tmp/profiles" help:"The local directory to store the profiling data."`
}

// FlagsBPF provides flags for draining a kernel-resident handler.
type FlagsBPF struct {
	PinPath       string `help:"Directory holding the pinned counts, stacks, manual_stacks and args maps. When set, profiles are drained from these maps instead of the synthetic workload."`
	MemlockRlimit uint64 `default:"0" help:"The value for the maximum number of bytes of memory that may be locked into RAM. 0 means no limit."`
}

// FlagsSynthetic provides flags for the synthetic workload.
type FlagsSynthetic struct {
	Processes int   `default:"4" help:"Number of simulated processes."`
	Threads   int   `default:"2" help:"Number of threads per simulated process."`
	Seed      int64 `default:"1" help:"Seed of the workload generator."`
	Units     int   `default:"0" help:"Number of execution units to trigger on. 0 means one per online CPU."`
}
