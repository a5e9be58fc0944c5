// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package finalizer

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/livekit/egress-control/pkg/registry"
	"github.com/livekit/egress-control/pkg/types"
	"github.com/livekit/egress-control/pkg/util"
)

// resolveFile returns the local recording for a job, or "" if none exists.
// Reported and tracked paths are trusted first. Directory scans key on the egress id;
// only results without structured file info fall back to the room's recording name,
// and then to the newest file overall.
func (f *Finalizer) resolveFile(result *types.TerminalResult, job registry.EgressJob, roomName string) (string, bool) {
	var candidates []string
	if result.Filename != "" {
		candidates = append(candidates, f.reportedPaths(result.Filename)...)
	}
	if job.Filepath != "" {
		candidates = append(candidates, job.Filepath)
	}
	for _, c := range candidates {
		if isFile(c) {
			return c, false
		}
	}

	if f.conf.OutputDir == "" {
		return "", false
	}
	degraded := !result.Detailed
	return locate(f.conf.OutputDir, result.EgressID, roomName, degraded, degraded && !result.Failed())
}

// reportedPaths maps a filename from the egress api onto local paths. Relative names
// only resolve under the output directory.
func (f *Finalizer) reportedPaths(filename string) []string {
	var paths []string
	if path.IsAbs(filename) {
		paths = append(paths, filename)
	} else if rel := path.Clean(filename); f.conf.OutputDir != "" && rel != ".." && !strings.HasPrefix(rel, "../") {
		paths = append(paths, path.Join(f.conf.OutputDir, rel))
	}
	if f.conf.OutputDir != "" {
		// reported paths are relative to the media server's mount
		paths = append(paths, path.Join(f.conf.OutputDir, path.Base(filename)))
	}
	return paths
}

func locate(dir, egressID, roomName string, allowRoom, allowAny bool) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	var byID, byRoom, newest candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		c := candidate{path: path.Join(dir, name), modTime: info.ModTime()}
		if egressID != "" && strings.Contains(name, egressID) {
			byID.replaceIfNewer(c)
		}
		if allowRoom && util.IsRecordingFilename(name, roomName) {
			byRoom.replaceIfNewer(c)
		}
		newest.replaceIfNewer(c)
	}

	switch {
	case byID.path != "":
		return byID.path, false
	case byRoom.path != "":
		return byRoom.path, true
	case allowAny && newest.path != "":
		return newest.path, true
	default:
		return "", false
	}
}

type candidate struct {
	path    string
	modTime time.Time
}

func (c *candidate) replaceIfNewer(o candidate) {
	if c.path == "" || o.modTime.After(c.modTime) {
		*c = o
	}
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
