/*
Copyright 2018 The Zpoold Authors. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package job runs long pool operations as cancellable background jobs with
// progress reporting, named mutual exclusion and completion events.
package job

import (
	"context"
	"sync"

	"github.com/coreos/pkg/capnslog"
	"github.com/google/uuid"
)

var logger = capnslog.NewPackageLogger("github.com/zpoold/zpoold", "job")

// State is the lifecycle phase of a job.
type State string

const (
	StateWaiting State = "WAITING"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
)

// Job is one background operation. Progress only moves forward; a stale
// report from an earlier phase never rolls the percentage back.
type Job struct {
	ID   string
	Name string

	mu          sync.Mutex
	state       State
	progress    int
	description string
	result      interface{}
	err         error

	done   chan struct{}
	cancel context.CancelFunc
}

// SetProgress reports progress. Percentages below the current value are
// clamped so progress stays monotonic.
func (j *Job) SetProgress(percent int, description string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if percent > j.progress {
		j.progress = percent
	}
	j.description = description
	logger.Debugf("job %s (%s): %d%% %s", j.Name, j.ID, j.progress, description)
}

// Progress returns the current percentage and phase description.
func (j *Job) Progress() (int, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress, j.description
}

// State returns the lifecycle phase.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns the operation result, valid once the job succeeded.
func (j *Job) Result() interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Err returns the terminal error of a failed job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Cancel requests cooperative cancellation. The operation observes it at its
// next progress checkpoint; cleanup steps still run.
func (j *Job) Cancel() {
	j.cancel()
}

// Wait blocks until the job reaches a terminal state or the context runs
// out, returning the job's terminal error.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-j.done:
		return j.Err()
	}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = s
}

func (j *Job) finish(result interface{}, err error) {
	j.mu.Lock()
	if err != nil {
		j.state = StateFailed
		j.err = err
	} else {
		j.state = StateSuccess
		j.progress = 100
		j.result = result
	}
	j.mu.Unlock()
	close(j.done)
}

func newJob(name string) (*Job, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		ID:     uuid.New().String(),
		Name:   name,
		state:  StateWaiting,
		done:   make(chan struct{}),
		cancel: cancel,
	}, ctx
}
