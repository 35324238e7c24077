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

package bpfmaps

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-sampler/pkg/byteorder"
	"github.com/parca-dev/parca-sampler/pkg/config"
	"github.com/parca-dev/parca-sampler/pkg/maps"
	"github.com/parca-dev/parca-sampler/pkg/stack"
)

const (
	CountsMapName       = "counts"
	StacksMapName       = "stacks"
	ManualStacksMapName = "manual_stacks"
	ArgsMapName         = "args"
)

// sampleKey must be kept in sync with struct sample_key in the BPF program.
type sampleKey struct {
	PID       uint32
	Flags     uint32
	KernStack int64
	UserStack int64
	Comm      [16]byte
}

func (k sampleKey) toSampleKey() maps.SampleKey {
	return maps.SampleKey{
		PID:         k.PID,
		Flags:       maps.SampleFlags(k.Flags),
		KernelStack: k.KernStack,
		UserStack:   k.UserStack,
		Comm:        k.Comm,
	}
}

// bssArg must be kept in sync with struct bss_arg in the BPF program.
type bssArg struct {
	TGIDFilter    uint32
	CollectUser   uint8
	CollectKernel uint8
	_             [2]byte
}

func newBSSArg(s config.Sampling) bssArg {
	arg := bssArg{TGIDFilter: s.TGIDFilter}
	if s.CollectUser {
		arg.CollectUser = 1
	}
	if s.CollectKernel {
		arg.CollectKernel = 1
	}
	return arg
}

// Maps gives access to the tables of a sample handler running as a BPF
// program. The program and its maps are loaded and pinned by someone else.
type Maps struct {
	logger log.Logger

	counts       *ebpf.Map
	stacks       *ebpf.Map
	manualStacks *ebpf.Map
	args         *ebpf.Map
}

// New takes ownership of the given maps.
func New(logger log.Logger, counts, stacks, manualStacks, args *ebpf.Map) *Maps {
	return &Maps{
		logger:       logger,
		counts:       counts,
		stacks:       stacks,
		manualStacks: manualStacks,
		args:         args,
	}
}

// OpenPinned opens the maps pinned in dir under their names in the BPF
// program.
func OpenPinned(logger log.Logger, dir string) (*Maps, error) {
	names := []string{CountsMapName, StacksMapName, ManualStacksMapName, ArgsMapName}
	opened := make([]*ebpf.Map, 0, len(names))
	for _, name := range names {
		m, err := ebpf.LoadPinnedMap(filepath.Join(dir, name), nil)
		if err != nil {
			for _, o := range opened {
				o.Close()
			}
			return nil, fmt.Errorf("load pinned map %s: %w", name, err)
		}
		opened = append(opened, m)
	}
	level.Debug(logger).Log("msg", "opened pinned maps", "dir", dir)
	return New(logger, opened[0], opened[1], opened[2], opened[3]), nil
}

// WriteConfig updates the config record read by the BPF handler. The
// handler picks it up on its next invocation.
func (m *Maps) WriteConfig(s config.Sampling) error {
	if err := m.args.Update(uint32(0), newBSSArg(s), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("update %s: %w", ArgsMapName, err)
	}
	return nil
}

// Reloader returns a ComponentReloader writing every reloaded config to the
// BPF handler.
func (m *Maps) Reloader() config.ComponentReloader {
	return config.ComponentReloader{
		Name: "bpf",
		Reloader: func(cfg *config.Config) error {
			return m.WriteConfig(cfg.Sampling)
		},
	}
}

// DrainCounts calls fn for every aggregated sample and deletes the samples
// afterwards. Samples aggregated into an existing key between reading and
// deleting it are lost.
func (m *Maps) DrainCounts(ctx context.Context, fn func(key maps.SampleKey, count uint32)) error {
	var (
		key   sampleKey
		count uint32
		keys  []sampleKey
	)
	it := m.counts.Iterate()
	for it.Next(&key, &count) {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(key.toSampleKey(), count)
		keys = append(keys, key)
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", CountsMapName, err)
	}

	for i := range keys {
		if err := m.counts.Delete(&keys[i]); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			level.Debug(m.logger).Log("msg", "failed to delete sample", "key", keys[i].toSampleKey(), "err", err)
		}
	}
	return nil
}

func (m *Maps) LookupStack(id int64) ([]uint64, error) {
	return lookupStack(m.stacks, id)
}

func (m *Maps) LookupManualStack(hash int64) ([]uint64, error) {
	return lookupStack(m.manualStacks, hash)
}

func lookupStack(m *ebpf.Map, id int64) ([]uint64, error) {
	if id < 0 {
		return nil, fmt.Errorf("stack id %d: %w", id, maps.ErrNotFound)
	}
	b, err := m.LookupBytes(uint32(id))
	if err != nil {
		return nil, fmt.Errorf("lookup stack %d: %w", id, err)
	}
	if b == nil {
		return nil, fmt.Errorf("stack id %d: %w", id, maps.ErrNotFound)
	}
	return decodeStack(b), nil
}

// decodeStack reads a fixed-size stack value. Unused slots are zero.
func decodeStack(b []byte) []uint64 {
	var st stack.Raw
	return st[:byteorder.Addresses(st[:], b)]
}

// ClearStacks deletes stacks referenced by drained samples.
func (m *Maps) ClearStacks(ids, hashes []int64) error {
	var errs []error
	for _, id := range ids {
		if err := m.stacks.Delete(uint32(id)); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			errs = append(errs, fmt.Errorf("delete stack %d: %w", id, err))
		}
	}
	for _, h := range hashes {
		if err := m.manualStacks.Delete(uint32(h)); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			errs = append(errs, fmt.Errorf("delete manual stack %#x: %w", h, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Maps) Close() error {
	var errs []error
	for _, mp := range []*ebpf.Map{m.counts, m.stacks, m.manualStacks, m.args} {
		if mp == nil {
			continue
		}
		if err := mp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
