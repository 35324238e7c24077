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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/parca-sampler/pkg/hash"
)

// ComponentReloader is called with every successfully parsed config.
type ComponentReloader struct {
	Name     string
	Reloader func(*Config) error
}

type reloaderMetrics struct {
	reloads        *prometheus.CounterVec
	lastSuccessful prometheus.Gauge
}

func newReloaderMetrics(reg prometheus.Registerer) *reloaderMetrics {
	m := &reloaderMetrics{
		reloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_sampler_config_reloads_total",
				Help: "Total number of configuration reload attempts.",
			},
			[]string{"status"},
		),
		lastSuccessful: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "parca_sampler_config_last_reload_successful",
				Help: "Whether the last configuration reload attempt was successful.",
			},
		),
	}
	m.reloads.WithLabelValues("success")
	m.reloads.WithLabelValues("error")
	return m
}

// ConfigReloader watches a config file and hands every changed, valid
// version of it to the registered ComponentReloaders. The directory is
// watched rather than the file so that editors replacing the file and
// symlink swaps (as done for Kubernetes ConfigMaps) are noticed.
type ConfigReloader struct {
	logger    log.Logger
	metrics   *reloaderMetrics
	filename  string
	target    string
	watcher   *fsnotify.Watcher
	reloaders []ComponentReloader

	lastHash uint64
}

func NewConfigReloader(
	logger log.Logger,
	reg prometheus.Registerer,
	filename string,
	reloaders []ComponentReloader,
) (*ConfigReloader, error) {
	filename = filepath.Clean(filename)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	r := &ConfigReloader{
		logger:    log.With(logger, "component", "config_reloader"),
		metrics:   newReloaderMetrics(reg),
		filename:  filename,
		watcher:   watcher,
		reloaders: reloaders,
	}

	if err := r.watch(); err != nil {
		watcher.Close()
		return nil, err
	}

	// Start from the current content so that events not changing it are
	// not reported as reloads.
	if content, err := os.ReadFile(filename); err == nil {
		r.lastHash = hash.Content(content)
	}

	return r, nil
}

// watch adds the config directory, and the directory of the symlink target
// if it differs, to the watcher.
func (r *ConfigReloader) watch() error {
	if err := r.watcher.Add(filepath.Dir(r.filename)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.filename), err)
	}

	target, err := filepath.EvalSymlinks(r.filename)
	if err != nil {
		// The file may not exist yet.
		r.target = r.filename
		return nil
	}
	r.target = target
	if filepath.Dir(target) != filepath.Dir(r.filename) {
		if err := r.watcher.Add(filepath.Dir(target)); err != nil {
			level.Warn(r.logger).Log("msg", "failed to watch symlink target directory", "target", target, "err", err)
		}
	}
	return nil
}

func (r *ConfigReloader) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == r.filename || name == r.target
}

// Run watches the config file until ctx is canceled.
func (r *ConfigReloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	level.Debug(r.logger).Log("msg", "watching config file", "filename", r.filename)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-r.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !r.relevant(event) {
				continue
			}
			if err := r.reload(); err != nil {
				r.metrics.reloads.WithLabelValues("error").Inc()
				r.metrics.lastSuccessful.Set(0)
				level.Error(r.logger).Log("msg", "failed to reload config", "filename", r.filename, "err", err)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			level.Warn(r.logger).Log("msg", "config watcher error", "err", err)
		}
	}
}

func (r *ConfigReloader) reload() error {
	content, err := os.ReadFile(r.filename)
	if err != nil {
		return err
	}
	h := hash.Content(content)
	if h == r.lastHash {
		return nil
	}

	cfg, err := Load(content)
	if err != nil {
		return err
	}

	// A symlink swap may have moved the target.
	if target, err := filepath.EvalSymlinks(r.filename); err == nil && target != r.target {
		r.target = target
		if filepath.Dir(target) != filepath.Dir(r.filename) {
			if err := r.watcher.Add(filepath.Dir(target)); err != nil {
				level.Warn(r.logger).Log("msg", "failed to watch config symlink target", "target", target, "err", err)
			}
		}
	}

	var errs []error
	for _, reloader := range r.reloaders {
		if err := reloader.Reloader(cfg); err != nil {
			errs = append(errs, fmt.Errorf("reload %s: %w", reloader.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		// The content is not marked as applied, the next event retries it.
		return err
	}
	r.lastHash = h

	r.metrics.reloads.WithLabelValues("success").Inc()
	r.metrics.lastSuccessful.Set(1)
	level.Info(r.logger).Log("msg", "config reloaded", "filename", r.filename)
	return nil
}
