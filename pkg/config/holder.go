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

package config

import (
	"go.uber.org/atomic"
)

// Holder publishes immutable Sampling snapshots to the sample handler.
// Readers get a consistent record even while the control plane publishes a
// new one; a change takes effect on the next Load.
type Holder struct {
	current atomic.Pointer[Sampling]
}

// NewHolder returns a Holder with nothing published. Handlers treat that
// as missing configuration and skip every sample.
func NewHolder() *Holder {
	return &Holder{}
}

func (h *Holder) Publish(s Sampling) {
	h.current.Store(&s)
}

// Load returns the latest published snapshot, or nil if there is none.
// The returned value must not be modified.
func (h *Holder) Load() *Sampling {
	return h.current.Load()
}

// Withdraw removes the published snapshot.
func (h *Holder) Withdraw() {
	h.current.Store(nil)
}

// Reloader returns a ComponentReloader publishing the sampling section of
// every reloaded config.
func (h *Holder) Reloader() ComponentReloader {
	return ComponentReloader{
		Name: "sampling",
		Reloader: func(cfg *Config) error {
			h.Publish(cfg.Sampling)
			return nil
		},
	}
}
