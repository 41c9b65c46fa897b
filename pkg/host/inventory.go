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

// Package host provides the production implementations of the collaborator
// interfaces the pool orchestrator depends on: disk inventory, system
// dataset placement, workload device bindings and credential checks.
package host

import (
	"strings"

	"github.com/coreos/pkg/capnslog"

	"github.com/zpoold/zpoold/pkg/registry"
	"github.com/zpoold/zpoold/pkg/util/exec"
	"github.com/zpoold/zpoold/pkg/util/sys"
	"github.com/zpoold/zpoold/pkg/zpool"
)

var logger = capnslog.NewPackageLogger("github.com/zpoold/zpoold", "host")

// Inventory answers which disks the host has and which are spoken for: the
// boot disk and every member of a registered pool count as reserved.
type Inventory struct {
	Executor exec.Executor
	Registry *registry.Registry
}

// Exists reports whether the host has a whole disk of the given name.
func (i *Inventory) Exists(disk string) (bool, error) {
	disks, err := sys.ListDisks(i.Executor)
	if err != nil {
		return false, err
	}
	for _, d := range disks {
		if d.Name == disk {
			return true, nil
		}
	}
	return false, nil
}

// ReservedBy names what holds a disk, or empty when the disk is free.
func (i *Inventory) ReservedBy(disk string) (string, error) {
	boot, err := i.bootDisk()
	if err != nil {
		return "", err
	}
	if disk == boot {
		return "the boot device", nil
	}

	pools, err := i.Registry.ListPools()
	if err != nil {
		return "", err
	}
	for _, rec := range pools {
		members, err := i.poolDisks(rec)
		if err != nil {
			return "", err
		}
		for _, member := range members {
			if member == disk {
				return "pool " + rec.Name, nil
			}
		}
	}
	return "", nil
}

// poolDisks lists a pool's member disks: the live topology when the pool is
// imported, its encrypted member records otherwise.
func (i *Inventory) poolDisks(rec *registry.PoolRecord) ([]string, error) {
	state, err := zpool.PoolState(i.Executor, rec.Name)
	if err != nil {
		return nil, err
	}
	if state != "" {
		tree, err := zpool.Status(i.Executor, rec.Name)
		if err != nil {
			return nil, err
		}
		return tree.Disks(), nil
	}

	records, err := i.Registry.ListEncryptedDisks(rec.ID)
	if err != nil {
		return nil, err
	}
	var disks []string
	for _, d := range records {
		disks = append(disks, d.Disk)
	}
	return disks, nil
}

// bootDisk finds the whole disk backing the root filesystem, or empty when
// it cannot be determined (root on tmpfs, nfs, ...).
func (i *Inventory) bootDisk() (string, error) {
	output, err := i.Executor.ExecuteCommandWithOutput(
		"findmnt", "--noheadings", "--output", "SOURCE", "/")
	if err != nil {
		logger.Warningf("failed to find the root filesystem source: %v", err)
		return "", nil
	}
	source := strings.TrimSpace(output)
	if !strings.HasPrefix(source, "/dev/") {
		return "", nil
	}
	return sys.ParentDisk(i.Executor, strings.TrimPrefix(source, "/dev/"))
}
