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
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-sampler/pkg/config"
	"github.com/parca-dev/parca-sampler/pkg/maps"
	"github.com/parca-dev/parca-sampler/pkg/process"
	"github.com/parca-dev/parca-sampler/pkg/profiler"
	"github.com/parca-dev/parca-sampler/pkg/sampler"
)

type memStore struct {
	mtx      sync.Mutex
	profiles map[uint32]*profile.Profile
}

func (s *memStore) Store(_ context.Context, labels model.LabelSet, prof profiler.Writer) error {
	pid, err := strconv.ParseUint(string(labels["pid"]), 10, 32)
	if err != nil {
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.profiles[uint32(pid)] = prof.(*profile.Profile) //nolint:forcetypeassert
	return nil
}

func TestWorkloadMappingForPID(t *testing.T) {
	t.Parallel()

	w := NewWorkload(WithProcesses(2, 1), WithFirstPID(1000))

	m, err := w.MappingForPID(1001)
	require.NoError(t, err)
	require.Equal(t, []*profile.Mapping{{
		Start: userTextBase,
		Limit: userTextBase + textSize,
		File:  "/synthetic/synthetic-1",
	}}, m)

	// Callers own the result.
	m[0].File = "changed"
	again, err := w.MappingForPID(1001)
	require.NoError(t, err)
	require.Equal(t, "/synthetic/synthetic-1", again[0].File)

	_, err = w.MappingForPID(1)
	require.ErrorIs(t, err, process.ErrNotFound)
}

// A synthetic run must never resolve mappings of host processes that happen
// to share a pid with the workload.
func TestWorkloadProfilesUseWorkloadMappings(t *testing.T) {
	t.Parallel()

	const units = 2

	w := NewWorkload()
	holder := config.NewHolder()
	holder.Publish(config.DefaultSampling())
	tables := maps.NewTables(maps.DefaultSize)
	s := sampler.New(holder, tables, maps.NewPerCPUStacks(units), w.Walker())

	rng := rand.New(rand.NewSource(3))
	var ev sampler.Event
	for i := 0; i < 500; i++ {
		w.Fill(rng, i%units, &ev)
		s.Handle(&ev)
	}

	store := &memStore{profiles: map[uint32]*profile.Profile{}}
	c := profiler.NewCollector(log.NewNopLogger(), prometheus.NewRegistry(), tables, store, w, 10*time.Millisecond, 100)
	require.NoError(t, c.CollectOnce(context.Background()))
	require.NotEmpty(t, store.profiles)

	comms := map[uint32]string{}
	for _, p := range w.Processes {
		comms[p.PID] = p.Comm
	}

	var userFrames int
	for pid, p := range store.profiles {
		require.NoError(t, p.CheckValid())
		comm, ok := comms[pid]
		require.True(t, ok, "profile of unknown pid %d", pid)

		for _, sample := range p.Sample {
			for _, l := range sample.Location {
				if l.Address < userTextBase || l.Address >= userTextBase+textSize {
					continue
				}
				userFrames++
				require.Equal(t, "/synthetic/"+comm, l.Mapping.File, "pid %d addr %#x", pid, l.Address)
			}
		}
	}
	require.Positive(t, userFrames)
}
