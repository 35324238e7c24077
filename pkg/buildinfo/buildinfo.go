// Copyright 2022 The Parca Authors
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


package buildinfo

import (
	"errors"
	"runtime/debug"
)

type BuildInfo struct {
	GoVersion, GoArch, GoOs, VcsRevision, VcsTime string
	VcsModified                                   bool
}

// FetchBuildInfo reads the settings the Go toolchain embedded into the
// running binary.
func FetchBuildInfo() (*BuildInfo, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("can't read the build info")
	}
	return fromSettings(bi.GoVersion, bi.Settings), nil
}

func fromSettings(goVersion string, settings []debug.BuildSetting) *BuildInfo {
	buildInfo := BuildInfo{GoVersion: goVersion}

	for _, setting := range settings {
		key := setting.Key
		value := setting.Value

		switch key {
		case "GOARCH":
			buildInfo.GoArch = value
		case "GOOS":
			buildInfo.GoOs = value
		case "vcs.revision":
			buildInfo.VcsRevision = value
		case "vcs.time":
			buildInfo.VcsTime = value
		case "vcs.modified":
			buildInfo.VcsModified = value == "true"
		}
	}

	return &buildInfo
}
