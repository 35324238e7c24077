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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/common/model"
)

type ProfileStore interface {
	Store(ctx context.Context, labels model.LabelSet, prof Writer) error
}

// FileStore writes gzipped profiles to a local directory.
type FileStore struct {
	dir string
	// pool of gzip encoders helps to reduce GC pressure.
	pool sync.Pool
}

func NewFileStore(dirPath string) *FileStore {
	return &FileStore{
		dir: dirPath,
		pool: sync.Pool{New: func() interface{} {
			return gzip.NewWriter(nil)
		}},
	}
}

func (fw *FileStore) Store(_ context.Context, labels model.LabelSet, prof Writer) error {
	path := fmt.Sprintf("%s_%s_%03d.pb.gz", string(labels["pid"]), string(labels[model.MetricNameLabel]), time.Now().UnixNano())

	if err := os.MkdirAll(fw.dir, 0o755); err != nil {
		return fmt.Errorf("could not use dir, %s: %w", fw.dir, err)
	}

	f, err := os.OpenFile(filepath.Join(fw.dir, path), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := fw.pool.Get().(*gzip.Writer) //nolint:forcetypeassert
	defer fw.pool.Put(zw)
	zw.Reset(f)
	if err := prof.WriteUncompressed(zw); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	return f.Close()
}
