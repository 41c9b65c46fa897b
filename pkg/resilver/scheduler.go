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

package resilver

import (
	"context"
	"time"

	"github.com/zpoold/zpoold/pkg/registry"
)

// Scheduler periodically re-evaluates the scan policies of all registered
// pools and applies the matching throttle profile. The tunables are module
// wide, so the window of any one pool is enough to boost.
type Scheduler struct {
	Registry *registry.Registry
	Tunables *Tunables

	// Interval between evaluations, defaults to a minute.
	Interval time.Duration

	// Now is overridable for tests.
	Now func() time.Time

	// applied remembers the last profile written so unchanged decisions do
	// not rewrite the parameters every tick
	applied *Profile
}

// Run evaluates until the context is cancelled. It runs on its own timer,
// independent of any pool operation.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.Interval
	if interval == 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Evaluate()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evaluate()
		}
	}
}

// Evaluate performs one decision and applies it.
func (s *Scheduler) Evaluate() {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}

	pools, err := s.Registry.ListPools()
	if err != nil {
		logger.Errorf("failed to list pools for scan scheduling: %v", err)
		return
	}

	profile := Background
	for _, pool := range pools {
		policy, err := s.Registry.GetResilverPolicy(pool.ID)
		if err != nil {
			logger.Errorf("failed to load scan policy of pool %s: %v", pool.Name, err)
			continue
		}
		if ShouldBoost(now, policy) {
			profile = Aggressive
			break
		}
	}

	if s.applied != nil && *s.applied == profile {
		return
	}
	if err := s.Tunables.Apply(profile); err != nil {
		logger.Errorf("failed to apply scan throttle profile: %v", err)
		return
	}
	s.applied = &profile
	logger.Infof("scan throttle profile applied: delay=%d min_time=%d idle=%d",
		profile.Delay, profile.MinTime, profile.Idle)
}
