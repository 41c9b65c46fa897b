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
	"context"
	"strings"

	"github.com/zpoold/zpoold/pkg/encryption"
	"github.com/zpoold/zpoold/pkg/registry"
	"github.com/zpoold/zpoold/pkg/util/kvstore"
	"github.com/zpoold/zpoold/pkg/zpool"
)

// SyncEncrypted reconciles the encrypted member records of a pool against
// its live topology: providers that appeared gain a record, providers that
// left lose theirs. A pool that is not imported is left alone.
func (s *Service) SyncEncrypted(id string) error {
	rec, err := s.registry.GetPool(id)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return &NotFoundError{Kind: "pool", Ref: id}
		}
		return err
	}

	executor := s.context.GetExecutor()
	state, err := zpool.PoolState(executor, rec.Name)
	if err != nil {
		return err
	}
	if state == "" {
		return nil
	}

	tree, err := zpool.Status(executor, rec.Name)
	if err != nil {
		return err
	}

	live := map[string]string{} // provider -> backing disk
	for _, name := range tree.Devices() {
		if !strings.HasPrefix(name, encryption.MapperPrefix) {
			continue
		}
		nodeID, ok := tree.FindDevice(name)
		if !ok {
			continue
		}
		live[name] = tree.Node(nodeID).Disk
	}

	records, err := s.registry.ListEncryptedDisks(rec.ID)
	if err != nil {
		return err
	}
	recorded := map[string]*registry.EncryptedDisk{}
	for i := range records {
		recorded[records[i].Provider] = records[i]
	}

	for provider, disk := range live {
		if existing, ok := recorded[provider]; ok {
			if disk != "" && existing.Disk != disk {
				existing.Disk = disk
				if err := s.registry.UpdateEncryptedDisk(existing); err != nil {
					return err
				}
			}
			continue
		}
		logger.Infof("recording encrypted member %s of %s", provider, rec.Name)
		err := s.registry.AddEncryptedDisk(&registry.EncryptedDisk{
			PoolID: rec.ID, Disk: disk, Provider: provider,
		})
		if err != nil {
			return err
		}
	}
	for provider, record := range recorded {
		if _, ok := live[provider]; ok {
			continue
		}
		logger.Infof("dropping departed encrypted member %s of %s", provider, rec.Name)
		if err := s.registry.DeleteEncryptedDisk(record.ID); err != nil {
			return err
		}
	}
	return nil
}

// WatchEvents keeps encrypted member records current by running a
// reconciliation after every pool change. It returns when ctx is done.
func (s *Service) WatchEvents(ctx context.Context) {
	if s.bus == nil {
		return
	}
	events, cancel := s.bus.Subscribe("pool.changed")
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			id := event.Data["pool"]
			if id == "" {
				continue
			}
			go func() {
				if err := s.SyncEncrypted(id); err != nil && !IsNotFound(err) {
					logger.Warningf("failed to reconcile encrypted members of pool %s: %v", id, err)
				}
			}()
		}
	}
}
