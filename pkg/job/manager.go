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

package job

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Fn is the body of a background job. It reports through the job and stops
// early when the context is cancelled; the returned value becomes the job
// result.
type Fn func(ctx context.Context, j *Job) (interface{}, error)

// Manager starts jobs, bounds their concurrency and serializes jobs sharing
// a lock name. Locks are scoped by name so operations on different pools do
// not serialize against each other.
type Manager struct {
	sem *semaphore.Weighted
	bus *EventBus

	mu    sync.Mutex
	jobs  map[string]*Job
	locks map[string]*sync.Mutex
}

// NewManager returns a manager allowing up to maxConcurrent jobs to run at
// once. Completion events go to the bus when one is given.
func NewManager(maxConcurrent int64, bus *EventBus) *Manager {
	return &Manager{
		sem:   semaphore.NewWeighted(maxConcurrent),
		bus:   bus,
		jobs:  map[string]*Job{},
		locks: map[string]*sync.Mutex{},
	}
}

// Run starts fn as a background job holding the named lock. The returned job
// is already registered and can be waited on immediately.
func (m *Manager) Run(name, lockName string, fn Fn) *Job {
	j, ctx := newJob(name)

	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()

	go func() {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			j.finish(nil, err)
			m.publish(j)
			return
		}
		defer m.sem.Release(1)

		lock := m.lock(lockName)
		lock.Lock()
		defer lock.Unlock()

		// cancelled while queued
		if ctx.Err() != nil {
			j.finish(nil, ctx.Err())
			m.publish(j)
			return
		}

		j.setState(StateRunning)
		result, err := fn(ctx, j)
		j.finish(result, err)
		m.publish(j)
	}()

	return j
}

// Get returns a job by id.
func (m *Manager) Get(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

// Forget drops a terminal job from the registry.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

func (m *Manager) lock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

func (m *Manager) publish(j *Job) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(Event{
		Topic: "job." + string(j.State()),
		Data:  map[string]string{"id": j.ID, "name": j.Name},
	})
}
