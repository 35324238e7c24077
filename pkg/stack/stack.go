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

package stack

// MaxDepth is the maximum number of addresses recorded for a single stack.
// Always needs to be in sync with PERF_MAX_STACK_DEPTH in the BPF program.
const MaxDepth = 127

// Raw is a fixed-size buffer of return addresses. Only a prefix of it is
// meaningful; the number of valid entries is tracked by whoever filled it.
type Raw [MaxDepth]uint64

// Size is the size of a Raw stack in bytes.
const Size = MaxDepth * 8
