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

package host

import (
	"github.com/pkg/errors"

	"github.com/zpoold/zpoold/pkg/registry"
	"github.com/zpoold/zpoold/pkg/util/exec"
	"github.com/zpoold/zpoold/pkg/util/kvstore"
	"github.com/zpoold/zpoold/pkg/zpool"
)

const (
	sysDatasetStore = "system_dataset"
	sysDatasetKey   = "pool"

	// name of the dataset holding shared system configuration on a pool
	sysDatasetName = ".system"
)

// SystemDataset tracks which pool hosts the shared system configuration
// dataset. An empty pool name means it lives on the boot device.
type SystemDataset struct {
	Executor exec.Executor
	Store    kvstore.KeyValueStore
	Registry *registry.Registry
}

// PoolName returns the pool currently hosting the system dataset.
func (s *SystemDataset) PoolName() (string, error) {
	name, err := s.Store.GetValue(sysDatasetStore, sysDatasetKey)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return name, nil
}

// Relocate moves the system dataset off the named pool, onto another
// imported pool when one exists and back to the boot device otherwise.
func (s *SystemDataset) Relocate(fromPool string) error {
	target, err := s.pickTarget(fromPool)
	if err != nil {
		return err
	}

	if target != "" {
		dataset := target + "/" + sysDatasetName
		if output, err := s.Executor.ExecuteCommandWithCombinedOutput(
			"zfs", "create", "-p", dataset); err != nil {
			return errors.Wrapf(err, "failed to create system dataset %q. %s", dataset, output)
		}
		logger.Infof("system dataset moved from pool %s to pool %s", fromPool, target)
	} else {
		logger.Infof("system dataset moved from pool %s to the boot device", fromPool)
	}
	return s.Store.SetValue(sysDatasetStore, sysDatasetKey, target)
}

// pickTarget chooses the first imported pool other than the one being
// vacated, or empty for the boot device.
func (s *SystemDataset) pickTarget(fromPool string) (string, error) {
	pools, err := s.Registry.ListPools()
	if err != nil {
		return "", err
	}
	for _, rec := range pools {
		if rec.Name == fromPool {
			continue
		}
		state, err := zpool.PoolState(s.Executor, rec.Name)
		if err != nil {
			return "", err
		}
		if state != "" {
			return rec.Name, nil
		}
	}
	return "", nil
}
