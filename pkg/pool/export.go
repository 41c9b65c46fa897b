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
	"os"

	"github.com/zpoold/zpoold/pkg/job"
	"github.com/zpoold/zpoold/pkg/registry"
	"github.com/zpoold/zpoold/pkg/util/kvstore"
	"github.com/zpoold/zpoold/pkg/util/sys"
	"github.com/zpoold/zpoold/pkg/zpool"
)

// ExportRequest takes a pool out of the system. With Cascade every dependent
// resource is deleted first; with Destroy the on-disk structures and labels
// are wiped instead of cleanly exported.
type ExportRequest struct {
	Cascade bool
	Destroy bool
}

// Export removes a pool as a background job.
func (s *Service) Export(id string, req ExportRequest) *job.Job {
	return s.jobs.Run("pool.export", "pool_export", func(ctx context.Context, j *job.Job) (interface{}, error) {
		if err := s.doExport(ctx, j, id, req); err != nil {
			return nil, err
		}
		return true, nil
	})
}

func (s *Service) doExport(ctx context.Context, j *job.Job, id string, req ExportRequest) error {
	rec, err := s.registry.GetPool(id)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return &NotFoundError{Kind: "pool", Ref: id}
		}
		return err
	}

	executor := s.context.GetExecutor()
	mount := s.mountPoint(rec.Name)

	j.SetProgress(5, "computing attachments")
	list, err := s.tracker.Attachments(mount)
	if err != nil {
		return err
	}
	if req.Cascade && !list.Empty() {
		j.SetProgress(10, "deleting attachments")
		logger.Infof("cascading delete over dependents of %s: %s", rec.Name, list)
		if err := s.tracker.CascadeDelete(list); err != nil {
			return err
		}
	}

	j.SetProgress(20, "stopping workloads")
	if err := s.vm.StopWorkloads(mount); err != nil {
		return err
	}

	j.SetProgress(30, "checking system dataset")
	sysdsPool, err := s.sysds.PoolName()
	if err != nil {
		return err
	}
	if sysdsPool == rec.Name {
		logger.Infof("relocating the system dataset off %s", rec.Name)
		if err := s.sysds.Relocate(rec.Name); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// collect the member disks before the pool goes away
	state, err := zpool.PoolState(executor, rec.Name)
	if err != nil {
		return err
	}
	imported := state != ""
	var disks []string
	if imported {
		tree, err := zpool.Status(executor, rec.Name)
		if err != nil {
			return err
		}
		disks = tree.Disks()
	}
	encDisks, err := s.registry.ListEncryptedDisks(rec.ID)
	if err != nil {
		return err
	}
	for _, d := range encDisks {
		disks = appendUnique(disks, d.Disk)
	}

	j.SetProgress(40, "removing swap")
	sys.SwapRemoveDisks(executor, disks)

	if req.Destroy {
		j.SetProgress(60, "destroying pool")
		if imported {
			if err := zpool.Destroy(executor, rec.Name); err != nil {
				return err
			}
		}
		j.SetProgress(80, "wiping member disks")
		for _, d := range encDisks {
			if err := s.enc.Detach(d.Provider); err != nil {
				logger.Warningf("failed to detach %s: %v", d.Provider, err)
			}
		}
		for _, disk := range disks {
			if err := sys.DestroyDiskLabel(executor, disk); err != nil {
				logger.Warningf("failed to wipe disk %s: %v", disk, err)
			}
		}
		if rec.Encryption > registry.EncryptionNone {
			if err := s.enc.RemoveKey(rec.ID); err != nil {
				return err
			}
		}
	} else {
		j.SetProgress(60, "exporting pool")
		if imported {
			if err := zpool.Export(executor, rec.Name, true); err != nil {
				return err
			}
		}
		j.SetProgress(80, "detaching encryption")
		for _, d := range encDisks {
			if err := s.enc.Detach(d.Provider); err != nil {
				return err
			}
		}
	}

	j.SetProgress(90, "removing registration")
	if err := s.registry.DeletePool(rec.ID); err != nil {
		return err
	}
	if err := os.Remove(mount); err != nil && !os.IsNotExist(err) {
		logger.Warningf("failed to remove mountpoint %s: %v", mount, err)
	}

	s.publish("pool.changed", map[string]string{"pool": rec.ID, "op": "export"})
	return nil
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
