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
	"sort"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/zpoold/zpoold/pkg/attachments"
	"github.com/zpoold/zpoold/pkg/util/kvstore"
)

// vmDeviceRecord is the stored shape of one workload device binding.
type vmDeviceRecord struct {
	Path     string `yaml:"path"`
	Workload string `yaml:"workload"`
}

// workloadPoolKey marks the pool whose storage the workload supervisor is
// currently using. Bindings on any other pool do not count as attached.
const (
	workloadStore   = "workloads"
	workloadPoolKey = "active_pool_mount"
)

// VMStore is the store-backed workload device service. The actual workload
// supervisor runs out of process; this side only owns the device bindings
// and the active-pool marker it consults.
type VMStore struct {
	Store kvstore.KeyValueStore
}

// DevicesOnPool returns the device binding ids rooted under a pool mount,
// but only while that pool is the active workload storage pool.
func (v *VMStore) DevicesOnPool(mountPath string) ([]string, error) {
	active, err := v.Store.GetValue(workloadStore, workloadPoolKey)
	if err != nil && !kvstore.IsNotExist(err) {
		return nil, err
	}
	if active != mountPath {
		return nil, nil
	}

	records, err := v.Store.GetStore(attachments.SubsystemVMDevices)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, raw := range records {
		rec := vmDeviceRecord{}
		if err := yaml.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, errors.Wrapf(err, "bad vm device record %q", id)
		}
		if attachments.PathMatches(rec.Path, mountPath) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteDevice removes one device binding.
func (v *VMStore) DeleteDevice(id string) error {
	if err := v.Store.DeleteValue(attachments.SubsystemVMDevices, id); err != nil && !kvstore.IsNotExist(err) {
		return err
	}
	return nil
}

// StopWorkloads clears the active-pool marker when it points at the given
// mount, so the supervisor stops handing out devices from it. The supervisor
// shuts the workloads down on its own once the marker is gone.
func (v *VMStore) StopWorkloads(mountPath string) error {
	active, err := v.Store.GetValue(workloadStore, workloadPoolKey)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return nil
		}
		return err
	}
	if active != mountPath {
		return nil
	}
	logger.Infof("releasing workload storage pool %s", mountPath)
	return v.Store.DeleteValue(workloadStore, workloadPoolKey)
}
