// Copyright 2022-2023 The Parca Authors
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

package rlimit

import (
	"fmt"

	"github.com/cilium/ebpf/rlimit"
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// BumpMemlock sets the memlock limit the pinned maps are accounted against
// and returns the limit in effect afterwards. A limit of 0 removes it.
// Kernels from 5.11 account map memory to the cgroup and ignore it.
func BumpMemlock(limit uint64) (unix.Rlimit, error) {
	if limit == 0 {
		if err := rlimit.RemoveMemlock(); err != nil {
			return unix.Rlimit{}, fmt.Errorf("failed to remove memlock rlimit: %w", err)
		}
	} else {
		rLimit := unix.Rlimit{Cur: limit, Max: limit}
		if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &rLimit); err != nil {
			return unix.Rlimit{}, fmt.Errorf("failed to increase rlimit: %w", err)
		}
	}

	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rLimit); err != nil {
		return rLimit, fmt.Errorf("failed to get rlimit: %w", err)
	}
	return rLimit, nil
}

func HumanizeRLimit(val uint64) string {
	if val == unix.RLIM_INFINITY {
		return "unlimited"
	}
	return humanize.IBytes(val)
}
