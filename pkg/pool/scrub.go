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

package pool

import (
	"strconv"
	"strings"

	"github.com/zpoold/zpoold/pkg/registry"
	"github.com/zpoold/zpoold/pkg/util/kvstore"
	"github.com/zpoold/zpoold/pkg/zpool"
)

// Scrub starts a scrub on the pool, or stops a running one.
func (s *Service) Scrub(id string, stop bool) error {
	rec, err := s.registry.GetPool(id)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return &NotFoundError{Kind: "pool", Ref: id}
		}
		return err
	}
	if err := zpool.Scrub(s.context.GetExecutor(), rec.Name, stop); err != nil {
		return err
	}
	s.publish("pool.changed", map[string]string{"pool": rec.ID, "op": "scrub"})
	return nil
}

// ScrubPause pauses a running scrub on the pool.
func (s *Service) ScrubPause(id string) error {
	rec, err := s.registry.GetPool(id)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return &NotFoundError{Kind: "pool", Ref: id}
		}
		return err
	}
	if err := zpool.ScrubPause(s.context.GetExecutor(), rec.Name); err != nil {
		return err
	}
	s.publish("pool.changed", map[string]string{"pool": rec.ID, "op": "scrub"})
	return nil
}

// Upgrade raises the pool's feature flags to the versions the host supports.
func (s *Service) Upgrade(id string) error {
	rec, err := s.registry.GetPool(id)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return &NotFoundError{Kind: "pool", Ref: id}
		}
		return err
	}

	executor := s.context.GetExecutor()
	upgraded, err := zpool.IsUpgraded(executor, rec.Name)
	if err != nil {
		return err
	}
	if upgraded {
		return nil
	}
	if err := zpool.Upgrade(executor, rec.Name); err != nil {
		return err
	}
	s.publish("pool.changed", map[string]string{"pool": rec.ID, "op": "upgrade"})
	return nil
}

// GetResilverPolicy returns a pool's resilver priority policy.
func (s *Service) GetResilverPolicy(id string) (registry.ResilverPolicy, error) {
	if _, err := s.registry.GetPool(id); err != nil {
		if kvstore.IsNotExist(err) {
			return registry.ResilverPolicy{}, &NotFoundError{Kind: "pool", Ref: id}
		}
		return registry.ResilverPolicy{}, err
	}
	return s.registry.GetResilverPolicy(id)
}

// ResilverUpdate validates and stores a pool's resilver priority policy,
// returning the stored policy.
func (s *Service) ResilverUpdate(id string, policy registry.ResilverPolicy) (registry.ResilverPolicy, error) {
	if _, err := s.registry.GetPool(id); err != nil {
		if kvstore.IsNotExist(err) {
			return registry.ResilverPolicy{}, &NotFoundError{Kind: "pool", Ref: id}
		}
		return registry.ResilverPolicy{}, err
	}

	v := &ValidationErrors{}
	if !validTimeOfDay(policy.Begin) {
		v.Add("begin", "%q is not a valid HH:MM time", policy.Begin)
	}
	if !validTimeOfDay(policy.End) {
		v.Add("end", "%q is not a valid HH:MM time", policy.End)
	}
	if policy.Enabled && len(policy.Weekdays) == 0 {
		v.Add("weekdays", "an enabled policy needs at least one weekday")
	}
	for _, day := range policy.Weekdays {
		if day < 1 || day > 7 {
			v.Add("weekdays", "weekday %d is out of range, use 1 (Monday) through 7 (Sunday)", day)
		}
	}
	if err := v.OrNil(); err != nil {
		return registry.ResilverPolicy{}, err
	}

	if err := s.registry.SetResilverPolicy(id, policy); err != nil {
		return registry.ResilverPolicy{}, err
	}
	return s.registry.GetResilverPolicy(id)
}

// validTimeOfDay accepts HH:MM on a 24 hour clock.
func validTimeOfDay(value string) bool {
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return false
	}
	return true
}
