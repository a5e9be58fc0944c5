// Copyright 2023 LiveKit, Inc.
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

package registry

import (
	"sort"
	"time"

	"github.com/linkdata/deadlock"
)

// EgressJob is the metadata this process keeps for an egress it started.
type EgressJob struct {
	EgressID      string            `json:"recordingId"`
	RoomName      string            `json:"roomName"`
	RoomReference string            `json:"roomUrl,omitempty"`
	Filepath      string            `json:"filepath"`
	Preferences   map[string]any    `json:"preferences,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	StartedAt     time.Time         `json:"startedAt"`
}

// Registry tracks egress jobs from a successful start until finalization.
// It is not persisted.
type Registry struct {
	mu   deadlock.RWMutex
	jobs map[string]*EgressJob
}

func New() *Registry {
	return &Registry{
		jobs: make(map[string]*EgressJob),
	}
}

func (r *Registry) Put(job *EgressJob) {
	r.mu.Lock()
	r.jobs[job.EgressID] = job
	r.mu.Unlock()
}

// Get returns a copy so callers never share the stored job.
func (r *Registry) Get(egressID string) (EgressJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[egressID]
	if !ok {
		return EgressJob{}, false
	}
	return *job, true
}

// Remove deletes the job and returns what was stored, if anything.
func (r *Registry) Remove(egressID string) (EgressJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[egressID]
	if !ok {
		return EgressJob{}, false
	}
	delete(r.jobs, egressID)
	return *job, true
}

// List returns all tracked jobs, oldest first.
func (r *Registry) List() []EgressJob {
	r.mu.RLock()
	jobs := make([]EgressJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, *job)
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].EgressID < jobs[j].EgressID
		}
		return jobs[i].StartedAt.Before(jobs[j].StartedAt)
	})
	return jobs
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.jobs)
}
