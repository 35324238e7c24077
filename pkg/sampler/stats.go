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
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	outcomeFilteredIdle  = "filtered_pid0"
	outcomeFilteredTGID  = "filtered_tgid"
	outcomeMissingConfig = "missing_config"
	outcomeCountsFull    = "counts_full"
	outcomeInsertRace    = "insert_race"
	outcomeAggregated    = "aggregated"

	labelKernel = "kernel"
	labelUser   = "user"
)

type counters struct {
	samples             atomic.Uint64
	filteredIdle        atomic.Uint64
	filteredTGID        atomic.Uint64
	missingConfig       atomic.Uint64
	countsFull          atomic.Uint64
	insertRace          atomic.Uint64
	aggregated          atomic.Uint64
	kernelCaptureFailed atomic.Uint64
	userCaptureFailed   atomic.Uint64
	manualStoreFull     atomic.Uint64
}

// Stats is a snapshot of the sampler's outcome counters. Every handled
// sample ends in exactly one of FilteredIdle, FilteredTGID, MissingConfig,
// CountsFull, InsertRace or Aggregated. Capture failures are counted in
// addition to the outcome, since such samples are still aggregated.
//
// The snapshot is not atomic as a whole: counters bumped while it is taken
// may not add up.
type Stats struct {
	Samples       uint64
	FilteredIdle  uint64
	FilteredTGID  uint64
	MissingConfig uint64
	CountsFull    uint64
	InsertRace    uint64
	Aggregated    uint64

	KernelCaptureFailed uint64
	// UserCaptureFailed includes samples whose manual stack could not be
	// stored, see ManualStoreFull.
	UserCaptureFailed uint64
	ManualStoreFull   uint64
}

func (s *Sampler) Stats() Stats {
	return Stats{
		Samples:             s.stats.samples.Load(),
		FilteredIdle:        s.stats.filteredIdle.Load(),
		FilteredTGID:        s.stats.filteredTGID.Load(),
		MissingConfig:       s.stats.missingConfig.Load(),
		CountsFull:          s.stats.countsFull.Load(),
		InsertRace:          s.stats.insertRace.Load(),
		Aggregated:          s.stats.aggregated.Load(),
		KernelCaptureFailed: s.stats.kernelCaptureFailed.Load(),
		UserCaptureFailed:   s.stats.userCaptureFailed.Load(),
		ManualStoreFull:     s.stats.manualStoreFull.Load(),
	}
}

var (
	descSamples = prometheus.NewDesc(
		"parca_sampler_samples_total",
		"Sampling triggers handled, by outcome.",
		[]string{"outcome"}, nil,
	)
	descCaptureFailures = prometheus.NewDesc(
		"parca_sampler_stack_capture_failures_total",
		"Samples aggregated without a stack because capture failed.",
		[]string{"stack"}, nil,
	)
	descManualStoreFull = prometheus.NewDesc(
		"parca_sampler_manual_stack_store_full_total",
		"Manually unwound user stacks dropped because the store was full.",
		nil, nil,
	)
	descTableEntries = prometheus.NewDesc(
		"parca_sampler_table_entries",
		"Entries currently stored in a shared table.",
		[]string{"table"}, nil,
	)
	descTableMaxEntries = prometheus.NewDesc(
		"parca_sampler_table_max_entries",
		"Maximum entries in a shared table.",
		[]string{"table"}, nil,
	)
)

type metricsCollector struct {
	s *Sampler
}

// NewMetricsCollector exposes the sampler's counters and the occupancy of
// its tables.
func NewMetricsCollector(s *Sampler) prometheus.Collector {
	return &metricsCollector{s: s}
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descSamples
	ch <- descCaptureFailures
	ch <- descManualStoreFull
	ch <- descTableEntries
	ch <- descTableMaxEntries
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.s.Stats()

	ch <- prometheus.MustNewConstMetric(descSamples, prometheus.CounterValue, float64(stats.FilteredIdle), outcomeFilteredIdle)
	ch <- prometheus.MustNewConstMetric(descSamples, prometheus.CounterValue, float64(stats.FilteredTGID), outcomeFilteredTGID)
	ch <- prometheus.MustNewConstMetric(descSamples, prometheus.CounterValue, float64(stats.MissingConfig), outcomeMissingConfig)
	ch <- prometheus.MustNewConstMetric(descSamples, prometheus.CounterValue, float64(stats.CountsFull), outcomeCountsFull)
	ch <- prometheus.MustNewConstMetric(descSamples, prometheus.CounterValue, float64(stats.InsertRace), outcomeInsertRace)
	ch <- prometheus.MustNewConstMetric(descSamples, prometheus.CounterValue, float64(stats.Aggregated), outcomeAggregated)

	ch <- prometheus.MustNewConstMetric(descCaptureFailures, prometheus.CounterValue, float64(stats.KernelCaptureFailed), labelKernel)
	ch <- prometheus.MustNewConstMetric(descCaptureFailures, prometheus.CounterValue, float64(stats.UserCaptureFailed), labelUser)
	ch <- prometheus.MustNewConstMetric(descManualStoreFull, prometheus.CounterValue, float64(stats.ManualStoreFull))

	tables := c.s.tables
	for _, t := range []struct {
		name     string
		len, cap int
	}{
		{"counts", tables.Counts.Len(), tables.Counts.Capacity()},
		{"stacks", tables.Stacks.Len(), tables.Stacks.Capacity()},
		{"manual_stacks", tables.ManualStacks.Len(), tables.ManualStacks.Capacity()},
	} {
		ch <- prometheus.MustNewConstMetric(descTableEntries, prometheus.GaugeValue, float64(t.len), t.name)
		ch <- prometheus.MustNewConstMetric(descTableMaxEntries, prometheus.GaugeValue, float64(t.cap), t.name)
	}
}
