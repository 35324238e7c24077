// Copyright 2022-2024 The Parca Authors
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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/procfs"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/parca-sampler/flags"
	bpfmaps "github.com/parca-dev/parca-sampler/pkg/bpf/maps"
	"github.com/parca-dev/parca-sampler/pkg/buildinfo"
	"github.com/parca-dev/parca-sampler/pkg/config"
	"github.com/parca-dev/parca-sampler/pkg/cpuinfo"
	"github.com/parca-dev/parca-sampler/pkg/logger"
	"github.com/parca-dev/parca-sampler/pkg/maps"
	"github.com/parca-dev/parca-sampler/pkg/process"
	"github.com/parca-dev/parca-sampler/pkg/profiler"
	"github.com/parca-dev/parca-sampler/pkg/rlimit"
	"github.com/parca-dev/parca-sampler/pkg/sampler"
	"github.com/parca-dev/parca-sampler/pkg/synthetic"
)

func main() {
	f, err := flags.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if f.Version {
		fmt.Println(flags.Version())
		os.Exit(0)
	}

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "parca-sampler")

	if !f.Profiling.AdvicedFrequency() {
		level.Warn(logger).Log("msg", "cpu sampling frequency is too high, it can impact overall machine performance", "frequency", f.Profiling.CPUSamplingFrequency)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	runtime.SetMutexProfileFraction(f.MutexProfileFraction)
	runtime.SetBlockProfileRate(f.BlockProfileRate)

	if err := run(logger, reg, f); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, reg *prometheus.Registry, f flags.Flags) error {
	var (
		ctx = context.Background()
		g   okrun.Group

		holder    = config.NewHolder()
		reloaders = []config.ComponentReloader{holder.Reloader()}
		source    profiler.Source
		mappings  process.MappingSource
	)

	sampling := config.DefaultSampling()
	if f.ConfigPath != "" {
		cfg, err := config.LoadFile(f.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		sampling = cfg.Sampling
	}
	holder.Publish(sampling)
	level.Info(logger).Log("msg", "sampling config", "tgid_filter", sampling.TGIDFilter, "collect_user", sampling.CollectUser, "collect_kernel", sampling.CollectKernel)

	if f.BPF.PinPath != "" {
		rLimit, err := rlimit.BumpMemlock(f.BPF.MemlockRlimit)
		if err != nil {
			level.Warn(logger).Log("msg", "failed to set memlock rlimit", "err", err)
		} else {
			level.Debug(logger).Log("msg", "memlock rlimit", "cur", rlimit.HumanizeRLimit(rLimit.Cur), "max", rlimit.HumanizeRLimit(rLimit.Max))
		}

		bpfMaps, err := bpfmaps.OpenPinned(logger, f.BPF.PinPath)
		if err != nil {
			return fmt.Errorf("failed to open pinned maps: %w", err)
		}
		defer bpfMaps.Close()

		if err := bpfMaps.WriteConfig(sampling); err != nil {
			return fmt.Errorf("failed to write sampling config: %w", err)
		}
		reloaders = append(reloaders, bpfMaps.Reloader())
		source = bpfMaps

		pfs, err := procfs.NewDefaultFS()
		if err != nil {
			return fmt.Errorf("failed to open procfs: %w", err)
		}
		mappings = process.NewMappingFileCache(logger, pfs)
		level.Info(logger).Log("msg", "draining pinned BPF maps", "dir", f.BPF.PinPath)
	} else {
		tables := maps.NewTables(f.Sampling.TableSize)
		source = tables

		units := f.Synthetic.Units
		if units == 0 {
			units = cpuinfo.NumUnits(logger)
		}

		workload := synthetic.NewWorkload(
			synthetic.WithSeed(f.Synthetic.Seed),
			synthetic.WithProcesses(f.Synthetic.Processes, f.Synthetic.Threads),
		)
		mappings = workload

		var opts []sampler.Option
		if manual, set := f.Sampling.ManualUserStacks(); set {
			opts = append(opts, sampler.WithManualUserStacks(manual))
		}
		s := sampler.New(holder, tables, maps.NewPerCPUStacks(units), workload.Walker(), opts...)
		reg.MustRegister(sampler.NewMetricsCollector(s))

		level.Info(logger).Log(
			"msg", "running synthetic workload",
			"units", units,
			"processes", len(workload.Processes),
			"manual_user_stacks", s.ManualUserStacks(),
		)

		ctx, cancel := context.WithCancel(ctx)
		interval := time.Second / time.Duration(f.Profiling.CPUSamplingFrequency)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: sampler")
			defer level.Debug(logger).Log("msg", "stopped: sampler")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "sampler"), func(ctx context.Context) {
				err = workload.Run(ctx, units, interval, s.Handle)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	if err := os.MkdirAll(f.LocalStore.Directory, 0o755); err != nil {
		return fmt.Errorf("failed to create local store directory: %w", err)
	}
	level.Info(logger).Log("msg", "local profile storage is enabled", "dir", f.LocalStore.Directory)

	collector := profiler.NewCollector(
		logger,
		reg,
		source,
		profiler.NewFileStore(f.LocalStore.Directory),
		mappings,
		f.Profiling.Duration,
		uint64(f.Profiling.CPUSamplingFrequency),
	)
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: profiler", "name", collector.Name())
			defer level.Debug(logger).Log("msg", "stopped: profiler", "name", collector.Name())

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", collector.Name()), func(ctx context.Context) {
				err = collector.Run(ctx)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(error) {
			cancel()
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Run group for http server.
	{
		srv := &http.Server{
			Addr:         f.HTTPAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}

		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: http server")
			defer level.Debug(logger).Log("msg", "stopped: http server")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "http_server"), func(_ context.Context) {
				err = srv.ListenAndServe()
			})

			return err
		}, func(error) {
			srv.Close()
		})
	}

	if f.ConfigPath != "" {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		cfgReloader, err := config.NewConfigReloader(logger, reg, f.ConfigPath, reloaders)
		if err != nil {
			level.Error(logger).Log("msg", "failed to instantiate config file reloader", "err", err)
			return err
		}

		g.Add(
			func() error {
				level.Debug(logger).Log("msg", "starting: config file reloader")
				defer level.Debug(logger).Log("msg", "stopped: config file reloader")

				var err error
				runtimepprof.Do(ctx, runtimepprof.Labels("component", "config_file_reloader"), func(_ context.Context) {
					err = cfgReloader.Run(ctx)
				})

				return err
			},
			func(error) {
				cancel()
			},
		)
	}

	if bi, err := buildinfo.FetchBuildInfo(); err != nil {
		level.Debug(logger).Log("msg", "failed to read build info", "err", err)
	} else {
		level.Debug(logger).Log("msg", "build info", "go", bi.GoVersion, "arch", bi.GoArch, "os", bi.GoOs, "revision", bi.VcsRevision, "modified", bi.VcsModified)
	}

	logger.Log("msg", "starting...", "http_address", f.HTTPAddress)

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, os.Kill))
	err := g.Run()
	var sigErr okrun.SignalError
	if errors.As(err, &sigErr) {
		level.Info(logger).Log("msg", "shutting down", "signal", sigErr.Signal)
		return nil
	}
	return err
}
