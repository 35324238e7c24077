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
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"

	"github.com/parca-dev/parca-sampler/pkg/maps"
	"github.com/parca-dev/parca-sampler/pkg/process"
)

const profileName = "parca_sampler_cpu"

// Collector periodically drains a Source into one pprof profile per process
// and hands them to a ProfileStore. Every drain starts a new aggregation
// window: drained samples and the stacks they referenced are removed.
type Collector struct {
	logger  log.Logger
	metrics *metrics

	source   Source
	store    ProfileStore
	mappings process.MappingSource

	profilingDuration time.Duration
	samplingPeriod    int64

	mtx                            sync.RWMutex
	lastError                      error
	processLastErrors              map[uint32]error
	lastProfileStartedAt           time.Time
	lastSuccessfulProfileStartedAt time.Time
}

func NewCollector(
	logger log.Logger,
	reg prometheus.Registerer,
	source Source,
	store ProfileStore,
	mappings process.MappingSource,
	profilingDuration time.Duration,
	samplingFrequency uint64,
) *Collector {
	if samplingFrequency == 0 {
		samplingFrequency = 1
	}
	return &Collector{
		logger:            log.With(logger, "component", "collector"),
		metrics:           newMetrics(reg),
		source:            source,
		store:             store,
		mappings:          mappings,
		profilingDuration: profilingDuration,
		// Period is the time between two samples, e.g. 19Hz is every
		// ~0.05s or 52,631,578 nanoseconds.
		samplingPeriod:       int64(1e9 / samplingFrequency),
		processLastErrors:    map[uint32]error{},
		lastProfileStartedAt: time.Now(),
	}
}

func (c *Collector) Name() string {
	return profileName
}

func (c *Collector) LastProfileStartedAt() time.Time {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.lastProfileStartedAt
}

func (c *Collector) LastSuccessfulProfileStartedAt() time.Time {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.lastSuccessfulProfileStartedAt
}

func (c *Collector) LastError() error {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.lastError
}

func (c *Collector) ProcessLastErrors() map[uint32]error {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	res := make(map[uint32]error, len(c.processLastErrors))
	for pid, err := range c.processLastErrors {
		res[pid] = err
	}
	return res
}

// Run collects a profile every profiling duration until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	level.Debug(c.logger).Log("msg", "starting collector", "duration", c.profilingDuration)

	ticker := time.NewTicker(c.profilingDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := c.CollectOnce(ctx); err != nil {
			level.Warn(c.logger).Log("msg", "failed to collect profiles", "err", err)
		}
	}
}

// CollectOnce drains the source and stores the resulting profiles.
func (c *Collector) CollectOnce(ctx context.Context) error {
	captureTime := c.LastProfileStartedAt()

	obtainStart := time.Now()
	rawData, err := c.obtainRawData(ctx)
	if err != nil {
		c.metrics.obtainAttempts.WithLabelValues(labelError).Inc()
		c.report(err, nil)
		return fmt.Errorf("obtain raw data: %w", err)
	}
	c.metrics.obtainAttempts.WithLabelValues(labelSuccess).Inc()
	c.metrics.obtainDuration.Observe(time.Since(obtainStart).Seconds())

	processLastErrors := map[uint32]error{}
	for _, perProcessRawData := range rawData {
		pid := perProcessRawData.PID
		processLastErrors[pid] = nil

		pprof := newConverter(
			c.logger,
			c.metrics,
			c.mappings,
			pid,
			captureTime,
			c.samplingPeriod,
		).Convert(perProcessRawData.RawSamples)

		labelSet := model.LabelSet{
			model.MetricNameLabel: model.LabelValue(c.Name()),
			"pid":                 model.LabelValue(strconv.FormatUint(uint64(pid), 10)),
		}

		if err := c.store.Store(ctx, labelSet, pprof); err != nil {
			c.metrics.storeAttempts.WithLabelValues(labelError).Inc()
			level.Warn(c.logger).Log("msg", "failed to write profile", "pid", pid, "err", err)
			processLastErrors[pid] = err
			continue
		}
		c.metrics.storeAttempts.WithLabelValues(labelSuccess).Inc()
	}
	c.report(nil, processLastErrors)
	return nil
}

// obtainRawData drains the aggregated samples, resolves their stacks and
// groups them by process. Stacks referenced by drained samples are removed
// afterwards.
func (c *Collector) obtainRawData(ctx context.Context) (RawData, error) {
	var (
		samples      = map[uint32][]RawSample{}
		knownStacks  = map[int64]struct{}{}
		knownManual  = map[int64]struct{}{}
		totalSamples uint64
		drained      int
	)

	err := c.source.DrainCounts(ctx, func(key maps.SampleKey, count uint32) {
		drained++
		if count == 0 {
			c.metrics.stackDrop.WithLabelValues(labelStackDropReasonZeroCount).Inc()
			return
		}

		var kernelStack, userStack []uint64
		if maps.HasStack(key.KernelStack) {
			knownStacks[key.KernelStack] = struct{}{}
		}
		kernelStack = c.readStack(labelKernel, key.KernelStack, c.source.LookupStack)

		if key.ManualUserStack() {
			if maps.HasStack(key.UserStack) {
				knownManual[key.UserStack] = struct{}{}
			}
			userStack = c.readStack(labelManualUser, key.UserStack, c.source.LookupManualStack)
		} else {
			if maps.HasStack(key.UserStack) {
				knownStacks[key.UserStack] = struct{}{}
			}
			userStack = c.readStack(labelUser, key.UserStack, c.source.LookupStack)
		}

		if len(kernelStack) == 0 && len(userStack) == 0 {
			c.metrics.stackDrop.WithLabelValues(labelStackDropReasonEmpty).Inc()
			return
		}

		totalSamples += uint64(count)
		samples[key.PID] = append(samples[key.PID], RawSample{
			Comm:        key.CommString(),
			UserStack:   userStack,
			KernelStack: kernelStack,
			Value:       uint64(count),
		})
	})
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(knownStacks))
	for id := range knownStacks {
		ids = append(ids, id)
	}
	hashes := make([]int64, 0, len(knownManual))
	for h := range knownManual {
		hashes = append(hashes, h)
	}
	if err := c.source.ClearStacks(ids, hashes); err != nil {
		level.Debug(c.logger).Log("msg", "failed to clear stacks", "err", err)
	}

	pids := make([]uint32, 0, len(samples))
	for pid := range samples {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	rawData := make(RawData, 0, len(pids))
	for _, pid := range pids {
		rawData = append(rawData, ProcessRawData{PID: pid, RawSamples: samples[pid]})
	}

	level.Debug(c.logger).Log(
		"msg", "drained sampling tables",
		"keys", humanize.Comma(int64(drained)),
		"samples", humanize.Comma(int64(totalSamples)),
		"processes", len(rawData),
		"stacks", len(ids)+len(hashes),
	)
	return rawData, nil
}

func (c *Collector) readStack(stack string, id int64, lookup func(int64) ([]uint64, error)) []uint64 {
	if !maps.HasStack(id) {
		c.metrics.readMapAttempts.WithLabelValues(stack, labelMissing).Inc()
		return nil
	}
	frames, err := lookup(id)
	if err != nil {
		c.metrics.readMapAttempts.WithLabelValues(stack, labelError).Inc()
		if !errors.Is(err, maps.ErrNotFound) {
			level.Debug(c.logger).Log("msg", "failed to read stack", "stack", stack, "id", id, "err", err)
		}
		return nil
	}
	c.metrics.readMapAttempts.WithLabelValues(stack, labelSuccess).Inc()
	return frames
}

func (c *Collector) report(lastError error, processLastErrors map[uint32]error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if lastError == nil {
		c.lastSuccessfulProfileStartedAt = c.lastProfileStartedAt
		c.lastProfileStartedAt = time.Now()
		c.processLastErrors = processLastErrors
	}
	c.lastError = lastError
}
