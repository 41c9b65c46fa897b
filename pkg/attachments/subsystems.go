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

package attachments

import (
	"sort"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/zpoold/zpoold/pkg/util/kvstore"
)

// Subsystem store names, also used as the subsystem names in attachment
// listings.
const (
	SubsystemShares      = "shares"
	SubsystemExtents     = "extents"
	SubsystemSnapshots   = "snapshot_tasks"
	SubsystemReplication = "replication_tasks"
	SubsystemVMDevices   = "vm_devices"
)

// pathRecord is the stored shape of a path-rooted dependent.
type pathRecord struct {
	Path string `yaml:"path"`
}

// PathSubsystem matches dependents by the storage path persisted in their
// records: exact equality with the pool mount path or anything below it.
type PathSubsystem struct {
	name  string
	store kvstore.KeyValueStore
}

// NewPathSubsystem returns a subsystem over the store of the given name.
func NewPathSubsystem(name string, store kvstore.KeyValueStore) *PathSubsystem {
	return &PathSubsystem{name: name, store: store}
}

func (s *PathSubsystem) Name() string {
	return s.name
}

func (s *PathSubsystem) Find(mountPath string) ([]string, error) {
	records, err := s.store.GetStore(s.name)
	if err != nil {
		return nil, err
	}

	var ids []string
	for id, raw := range records {
		rec := pathRecord{}
		if err := yaml.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, errors.Wrapf(err, "bad %s record %q", s.name, id)
		}
		if PathMatches(rec.Path, mountPath) {
			ids = append(ids, id)
		}
	}
	// store iteration order is random, listings should not be
	sort.Strings(ids)
	return ids, nil
}

func (s *PathSubsystem) Delete(id string) error {
	if err := s.store.DeleteValue(s.name, id); err != nil && !kvstore.IsNotExist(err) {
		return err
	}
	return nil
}

// VMService is the collaborator consulted for workload device bindings. A
// binding counts as attached only while the pool is the active workload
// storage pool.
type VMService interface {
	DevicesOnPool(mountPath string) ([]string, error)
	DeleteDevice(id string) error
	StopWorkloads(mountPath string) error
}

// VMSubsystem adapts a VMService into the attachment machinery.
type VMSubsystem struct {
	Service VMService
}

func (s *VMSubsystem) Name() string {
	return SubsystemVMDevices
}

func (s *VMSubsystem) Find(mountPath string) ([]string, error) {
	return s.Service.DevicesOnPool(mountPath)
}

func (s *VMSubsystem) Delete(id string) error {
	return s.Service.DeleteDevice(id)
}

// NewDefaultTracker wires the standard subsystems in teardown order: shares
// first, then extents, snapshot tasks, replication rows and finally vm
// device rows.
func NewDefaultTracker(store kvstore.KeyValueStore, vm VMService) *Tracker {
	return NewTracker(
		NewPathSubsystem(SubsystemShares, store),
		NewPathSubsystem(SubsystemExtents, store),
		NewPathSubsystem(SubsystemSnapshots, store),
		NewPathSubsystem(SubsystemReplication, store),
		&VMSubsystem{Service: vm},
	)
}
