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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelUser       = "user"
	labelKernel     = "kernel"
	labelManualUser = "manual_user"
	labelError      = "error"
	labelMissing    = "missing"
	labelSuccess    = "success"

	labelStackDropReasonZeroCount = "read_stack_count_zero"
	labelStackDropReasonEmpty     = "empty"

	labelFrameDropReasonMappingNil = "mapping_nil"
)

type metrics struct {
	// profile level
	obtainAttempts *prometheus.CounterVec
	obtainDuration prometheus.Histogram
	storeAttempts  *prometheus.CounterVec

	// stack level
	stackDrop       *prometheus.CounterVec
	readMapAttempts *prometheus.CounterVec

	// frame level
	frameDrop *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		obtainAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_sampler_profiler_attempts_total",
				Help: "Total number of attempts to obtain a profile.",
			},
			[]string{"status"},
		),
		obtainDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:                        "parca_sampler_profiler_attempt_duration_seconds",
				Help:                        "The duration it takes to drain profiles from the sampling tables.",
				NativeHistogramBucketFactor: 1.1,
			},
		),
		storeAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_sampler_profiler_store_attempts_total",
				Help: "Total number of attempts to store a per-process profile.",
			},
			[]string{"status"},
		),
		stackDrop: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_sampler_profiler_stack_drop_total",
				Help: "Total number of stacks dropped from the profile.",
			},
			[]string{"reason"},
		),
		readMapAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_sampler_profiler_map_read_attempts_total",
				Help: "Number of attempts to read stacks from the sampling tables.",
			},
			[]string{"stack", "status"},
		),
		frameDrop: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_sampler_profiler_frame_drop_total",
				Help: "Number of addresses attributed to a fallback mapping.",
			},
			[]string{"reason"},
		),
	}
	m.obtainAttempts.WithLabelValues(labelSuccess)
	m.obtainAttempts.WithLabelValues(labelError)

	m.storeAttempts.WithLabelValues(labelSuccess)
	m.storeAttempts.WithLabelValues(labelError)

	m.stackDrop.WithLabelValues(labelStackDropReasonZeroCount)
	m.stackDrop.WithLabelValues(labelStackDropReasonEmpty)

	for _, stack := range []string{labelUser, labelKernel, labelManualUser} {
		m.readMapAttempts.WithLabelValues(stack, labelSuccess)
		m.readMapAttempts.WithLabelValues(stack, labelError)
		m.readMapAttempts.WithLabelValues(stack, labelMissing)
	}

	m.frameDrop.WithLabelValues(labelFrameDropReasonMappingNil)

	return m
}
