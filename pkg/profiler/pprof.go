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

package profiler

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	pprofprofile "github.com/google/pprof/profile"

	"github.com/parca-dev/parca-sampler/pkg/process"
)

const (
	commLabel = "comm"

	kernelMappingFile = "[kernel.kallsyms]"
	userMappingFile   = "[user]"
)

// Converter turns the raw samples of one process into a pprof profile.
// Locations are address-only; symbolization happens downstream.
type Converter struct {
	logger  log.Logger
	metrics *metrics

	pid        uint32
	mappings   *process.Mapping
	noMappings bool

	kernelMapping *pprofprofile.Mapping
	// userMapping holds addresses outside every known mapping of the
	// process, e.g. when it already exited.
	userMapping *pprofprofile.Mapping

	kernelLocationIndex map[uint64]*pprofprofile.Location
	addrLocationIndex   map[uint64]*pprofprofile.Location

	result *pprofprofile.Profile
}

func newConverter(
	logger log.Logger,
	m *metrics,
	source process.MappingSource,
	pid uint32,
	captureTime time.Time,
	periodNS int64,
) *Converter {
	return &Converter{
		logger:  log.With(logger, "pid", pid),
		metrics: m,

		pid:      pid,
		mappings: process.NewMapping(source),

		kernelMapping: &pprofprofile.Mapping{File: kernelMappingFile},
		userMapping:   &pprofprofile.Mapping{File: userMappingFile},

		kernelLocationIndex: map[uint64]*pprofprofile.Location{},
		addrLocationIndex:   map[uint64]*pprofprofile.Location{},

		result: &pprofprofile.Profile{
			TimeNanos:     captureTime.UnixNano(),
			DurationNanos: int64(time.Since(captureTime)),
			Period:        periodNS,
			SampleType: []*pprofprofile.ValueType{{
				Type: "samples",
				Unit: "count",
			}},
			PeriodType: &pprofprofile.ValueType{
				Type: "cpu",
				Unit: "nanoseconds",
			},
		},
	}
}

// Convert builds the profile. It is intended to only be used once.
func (c *Converter) Convert(rawData []RawSample) *pprofprofile.Profile {
	userFallbackUsed := false

	for _, sample := range rawData {
		pprofSample := &pprofprofile.Sample{
			Value:    []int64{int64(sample.Value)},
			Location: make([]*pprofprofile.Location, 0, len(sample.UserStack)+len(sample.KernelStack)),
			Label:    make(map[string][]string),
		}

		// Leaf first, kernel frames on top of the user frames they
		// interrupted.
		for _, addr := range sample.KernelStack {
			pprofSample.Location = append(pprofSample.Location, c.addKernelLocation(addr))
		}

		for _, addr := range sample.UserStack {
			m := c.userAddrMapping(addr)
			if m == nil {
				c.metrics.frameDrop.WithLabelValues(labelFrameDropReasonMappingNil).Inc()
				m = c.userMapping
				userFallbackUsed = true
			}
			pprofSample.Location = append(pprofSample.Location, c.addAddrLocation(m, addr))
		}

		if sample.Comm != "" {
			pprofSample.Label[commLabel] = append(pprofSample.Label[commLabel], sample.Comm)
		}

		c.result.Sample = append(c.result.Sample, pprofSample)
	}

	// pprof uses 1-indexing to be able to differentiate from 0 (unset).
	mappings := c.mappings.AllMappings(1)
	if len(c.kernelLocationIndex) > 0 {
		c.kernelMapping.ID = uint64(len(mappings)) + 1
		mappings = append(mappings, c.kernelMapping)
	}
	if userFallbackUsed {
		c.userMapping.ID = uint64(len(mappings)) + 1
		mappings = append(mappings, c.userMapping)
	}
	c.result.Mapping = mappings

	return c.result
}

func (c *Converter) userAddrMapping(addr uint64) *pprofprofile.Mapping {
	if c.noMappings {
		return nil
	}
	m, err := c.mappings.PIDAddrMapping(c.pid, addr)
	if err != nil {
		level.Debug(c.logger).Log("msg", "failed to get process mappings", "err", err)
		c.noMappings = true
		return nil
	}
	return m
}

func (c *Converter) addKernelLocation(addr uint64) *pprofprofile.Location {
	if l, ok := c.kernelLocationIndex[addr]; ok {
		return l
	}

	l := &pprofprofile.Location{
		ID:      uint64(len(c.result.Location)) + 1,
		Mapping: c.kernelMapping,
		Address: addr,
	}

	c.kernelLocationIndex[addr] = l
	c.result.Location = append(c.result.Location, l)

	return l
}

func (c *Converter) addAddrLocation(m *pprofprofile.Mapping, addr uint64) *pprofprofile.Location {
	if l, ok := c.addrLocationIndex[addr]; ok {
		return l
	}

	l := &pprofprofile.Location{
		ID:      uint64(len(c.result.Location)) + 1,
		Mapping: m,
		Address: addr,
	}

	c.addrLocationIndex[addr] = l
	c.result.Location = append(c.result.Location, l)

	return l
}
