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

package cpuinfo

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const onlineCPUsPath = "/sys/devices/system/cpu/online"

type InclusiveRange struct {
	First uint64
	Last  uint64
}

type CPUSet []InclusiveRange

func (s CPUSet) Num() uint64 {
	ret := uint64(0)
	for _, cpuRange := range s {
		ret += (cpuRange.Last - cpuRange.First + 1)
	}
	return ret
}

// Max returns the highest CPU id in the set plus one, which is the number of
// per-CPU slots needed to index every online CPU directly.
func (s CPUSet) Max() uint64 {
	ret := uint64(0)
	for _, cpuRange := range s {
		if cpuRange.Last+1 > ret {
			ret = cpuRange.Last + 1
		}
	}
	return ret
}

func OnlineCPUs() (CPUSet, error) {
	buf, err := os.ReadFile(onlineCPUsPath)
	if err != nil {
		return nil, err
	}
	return parseCPUSet(string(buf))
}

// parseCPUSet parses the kernel's cpulist format, e.g. "0-3,5,7-8".
func parseCPUSet(s string) (CPUSet, error) {
	ret := make([]InclusiveRange, 0)
	s = strings.Trim(s, "\n ")
	for _, cpuRange := range strings.Split(s, ",") {
		if len(cpuRange) == 0 {
			continue
		}
		from, to, found := strings.Cut(cpuRange, "-")
		first, err := strconv.ParseUint(from, 10, 32)
		if err != nil {
			return nil, err
		}
		var last uint64
		if found {
			var err error
			last, err = strconv.ParseUint(to, 10, 32)
			if err != nil {
				return nil, err
			}
		} else {
			last = first
		}
		if last < first {
			return nil, fmt.Errorf("last online CPU in range (%d) less than first (%d)", last, first)
		}
		ret = append(ret, InclusiveRange{First: first, Last: last})
	}
	return ret, nil
}

// NumUnits returns the number of execution units to allocate per-CPU state
// for. It falls back to runtime.NumCPU when sysfs is not readable.
func NumUnits(logger log.Logger) int {
	cpus, err := OnlineCPUs()
	if err != nil || len(cpus) == 0 {
		level.Debug(logger).Log("msg", "failed to read online CPUs, using runtime.NumCPU", "err", err)
		return runtime.NumCPU()
	}
	return int(cpus.Max())
}
