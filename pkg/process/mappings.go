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

package process

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"
	"github.com/prometheus/procfs"

	"github.com/parca-dev/parca-sampler/pkg/hash"
)

var ErrNotFound = errors.New("process mappings not found")

// MappingSource provides the executable mappings of a process. Every call
// returns mappings the caller may modify.
type MappingSource interface {
	MappingForPID(pid uint32) ([]*profile.Mapping, error)
}

var _ MappingSource = (*MappingFileCache)(nil)

// MappingFileCache caches the executable mappings of processes read from
// procfs, converting them again only when they changed.
type MappingFileCache struct {
	procfs.FS
	logger log.Logger

	mtx        sync.Mutex
	cache      map[uint32][]*profile.Mapping
	pidMapHash map[uint32]uint64
}

// NewMappingFileCache reads mappings from fs, usually procfs.NewDefaultFS().
func NewMappingFileCache(logger log.Logger, fs procfs.FS) *MappingFileCache {
	return &MappingFileCache{
		FS:         fs,
		logger:     logger,
		cache:      map[uint32][]*profile.Mapping{},
		pidMapHash: map[uint32]uint64{},
	}
}

// MappingForPID returns copies of the executable mappings of pid.
func (c *MappingFileCache) MappingForPID(pid uint32) ([]*profile.Mapping, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	m, err := c.mappingForPID(pid)
	if err != nil {
		return nil, err
	}

	res := make([]*profile.Mapping, 0, len(m))
	for _, mapping := range m {
		c := &profile.Mapping{}
		// This shallow copy is sufficient as profile.Mapping does not contain
		// any pointers.
		*c = *mapping
		res = append(res, c)
	}

	return res, nil
}

func (c *MappingFileCache) mappingForPID(pid uint32) ([]*profile.Mapping, error) {
	proc, err := c.Proc(int(pid))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open proc %d: %w", pid, err)
	}

	procMaps, err := proc.ProcMaps()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read proc maps for proc %d: %w", pid, err)
	}

	// We only ever care about executable mappings.
	executableMaps := make([]*procfs.ProcMap, 0, len(procMaps))
	for _, m := range procMaps {
		if m.Perms != nil && m.Perms.Execute {
			executableMaps = append(executableMaps, m)
		}
	}

	h := fingerprint(executableMaps)
	if cached, ok := c.pidMapHash[pid]; ok && cached == h {
		return c.cache[pid], nil
	}

	mapping := make([]*profile.Mapping, 0, len(executableMaps))
	for _, m := range executableMaps {
		mapping = append(mapping, convertToPprof(m))
	}
	level.Debug(c.logger).Log("msg", "converted process mappings", "pid", pid, "mappings", len(mapping))

	c.pidMapHash[pid] = h
	c.cache[pid] = mapping
	return mapping, nil
}

// fingerprint identifies the parts of the mappings that end up in pprof.
func fingerprint(procMaps []*procfs.ProcMap) uint64 {
	buf := make([]byte, 0, len(procMaps)*64)
	for _, m := range procMaps {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.StartAddr))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.EndAddr))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Offset))
		buf = append(buf, m.Pathname...)
		buf = append(buf, 0)
	}
	return hash.Content(buf)
}

func convertToPprof(m *procfs.ProcMap) *profile.Mapping {
	path := m.Pathname
	if path == "" {
		// Anonymous executable memory, most likely JIT compiled code.
		path = "jit"
	}
	return &profile.Mapping{
		Start:  uint64(m.StartAddr),
		Limit:  uint64(m.EndAddr),
		Offset: uint64(m.Offset),
		File:   path,
	}
}

// Forget drops the cached mappings of pid.
func (c *MappingFileCache) Forget(pid uint32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	delete(c.cache, pid)
	delete(c.pidMapHash, pid)
}

// Mapping resolves addresses to the mappings of the processes seen while
// building a single profile.
type Mapping struct {
	source      MappingSource
	pidMappings map[uint32][]*profile.Mapping
	pids        []uint32
}

func NewMapping(source MappingSource) *Mapping {
	return &Mapping{
		source:      source,
		pidMappings: map[uint32][]*profile.Mapping{},
		pids:        []uint32{},
	}
}

// PIDAddrMapping returns the mapping of pid that contains addr, or nil.
func (m *Mapping) PIDAddrMapping(pid uint32, addr uint64) (*profile.Mapping, error) {
	maps, ok := m.pidMappings[pid]
	if !ok {
		var err error
		maps, err = m.source.MappingForPID(pid)
		if err != nil {
			return nil, err
		}
		m.pidMappings[pid] = maps
		m.pids = append(m.pids, pid)
	}

	return mappingForAddr(maps, addr), nil
}

// AllMappings returns every mapping seen so far and assigns them pprof IDs,
// starting at firstID.
func (m *Mapping) AllMappings(firstID uint64) []*profile.Mapping {
	res := []*profile.Mapping{}
	i := firstID
	for _, pid := range m.pids {
		for _, mapping := range m.pidMappings[pid] {
			mapping.ID = i
			res = append(res, mapping)
			i++
		}
	}
	return res
}

func mappingForAddr(mapping []*profile.Mapping, addr uint64) *profile.Mapping {
	for _, m := range mapping {
		if m.Start <= addr && addr < m.Limit {
			return m
		}
	}

	return nil
}
