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
	"fmt"

	"github.com/google/uuid"

	"github.com/zpoold/zpoold/pkg/job"
	"github.com/zpoold/zpoold/pkg/registry"
	"github.com/zpoold/zpoold/pkg/util/kvstore"
	"github.com/zpoold/zpoold/pkg/util/sys"
	"github.com/zpoold/zpoold/pkg/zpool"
)

// CreateRequest asks for a new pool.
type CreateRequest struct {
	Name     string
	Encrypt  bool
	Topology TopologySpec
}

// preparedMember is one disk formatted for pool membership.
type preparedMember struct {
	Disk       string
	DataPart   string
	PartUUID   string
	DevicePath string // the path the pool consumes
	Provider   string // encryption mapping name, empty on plain members
}

// Create builds a new pool as a background job. The job result is the new
// *Pool.
func (s *Service) Create(req CreateRequest) *job.Job {
	return s.jobs.Run("pool.create", "pool_createupdate", func(ctx context.Context, j *job.Job) (interface{}, error) {
		return s.doCreate(ctx, j, req)
	})
}

func (s *Service) doCreate(ctx context.Context, j *job.Job, req CreateRequest) (result *Pool, retErr error) {
	v := &ValidationErrors{}
	if req.Name == "" {
		v.Add("name", "a pool name is required")
	}
	if existing, err := s.registry.GetPoolByName(req.Name); err != nil {
		return nil, err
	} else if existing != nil {
		v.Add("name", "a pool named %q already exists", req.Name)
	}
	s.validateTopology(v, req.Topology, nil, true)
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	j.SetProgress(5, "request validated")

	executor := s.context.GetExecutor()
	rec := &registry.PoolRecord{ID: uuid.New().String(), Name: req.Name}

	keyPath := ""
	if req.Encrypt {
		var err error
		if keyPath, err = s.enc.GenerateKey(rec.ID); err != nil {
			return nil, err
		}
		rec.Encryption = registry.EncryptionKeyfile
		rec.KeyPath = keyPath
	}

	var members []*preparedMember
	poolCreated := false
	registered := false

	// any failure once state exists rolls everything back, leaving the
	// system as if create was never attempted; rollback failures are logged
	// but never mask the original error
	defer func() {
		if retErr == nil {
			return
		}
		if poolCreated {
			if err := zpool.Destroy(executor, req.Name); err != nil {
				logger.Errorf("rollback: failed to destroy pool %s: %v", req.Name, err)
			}
		}
		if registered {
			if err := s.registry.DeletePool(rec.ID); err != nil {
				logger.Errorf("rollback: failed to remove registry row of %s: %v", req.Name, err)
			}
		}
		for _, m := range members {
			if m.Provider == "" {
				continue
			}
			if err := s.enc.Detach(m.Provider); err != nil {
				logger.Errorf("rollback: failed to detach %s: %v", m.Provider, err)
			}
		}
		if req.Encrypt {
			if err := s.enc.RemoveKey(rec.ID); err != nil {
				logger.Errorf("rollback: failed to remove key of %s: %v", req.Name, err)
			}
		}
	}()

	dataDisks := map[string]bool{}
	for _, g := range req.Topology.Data {
		for _, d := range g.Disks {
			dataDisks[d] = true
		}
	}

	// one disk at a time, 15% of the job overall
	disks := req.Topology.AllDisks()
	for i, disk := range disks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		j.SetProgress(5+(i+1)*15/len(disks), fmt.Sprintf("formatting disk %s (%d of %d)", disk, i+1, len(disks)))

		m, err := s.prepareDisk(disk, dataDisks[disk], keyPath)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}

	j.SetProgress(25, "creating pool")
	layout, err := buildLayout(req.Topology, members)
	if err != nil {
		return nil, err
	}
	if err := zpool.Create(executor, req.Name, s.mountPoint(req.Name), layout); err != nil {
		return nil, err
	}
	poolCreated = true
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	guid, err := zpool.GUID(executor, req.Name)
	if err != nil {
		return nil, err
	}
	rec.GUID = guid

	j.SetProgress(60, "registering pool")
	if err := s.registry.CreatePool(rec); err != nil {
		return nil, err
	}
	registered = true
	if err := s.registry.SetResilverPolicy(rec.ID, registry.DefaultResilverPolicy()); err != nil {
		return nil, err
	}

	j.SetProgress(80, "recording encrypted members")
	for _, m := range members {
		if m.Provider == "" {
			continue
		}
		err := s.registry.AddEncryptedDisk(&registry.EncryptedDisk{
			PoolID: rec.ID, Disk: m.Disk, Provider: m.Provider,
		})
		if err != nil {
			return nil, err
		}
	}

	sys.SwapConfigure(executor, swapDisks(dataDisks))
	s.publish("pool.changed", map[string]string{"pool": rec.ID, "op": "create"})
	j.SetProgress(95, "finishing")
	return s.view(rec)
}

// UpdateRequest extends a pool with additional device groups.
type UpdateRequest struct {
	Topology TopologySpec
}

// Update extends a pool as a background job. The job result is the updated
// *Pool.
func (s *Service) Update(id string, req UpdateRequest) *job.Job {
	return s.jobs.Run("pool.update", "pool_createupdate", func(ctx context.Context, j *job.Job) (interface{}, error) {
		return s.doUpdate(ctx, j, id, req)
	})
}

func (s *Service) doUpdate(ctx context.Context, j *job.Job, id string, req UpdateRequest) (result *Pool, retErr error) {
	rec, err := s.registry.GetPool(id)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return nil, &NotFoundError{Kind: "pool", Ref: id}
		}
		return nil, err
	}

	executor := s.context.GetExecutor()
	tree, err := zpool.Status(executor, rec.Name)
	if err != nil {
		return nil, err
	}

	v := &ValidationErrors{}
	if len(req.Topology.AllDisks()) == 0 {
		v.Add("topology", "nothing to add")
	}
	// the existing layout constrains the delta: its data vdevs (including
	// plain leaves, seen as synthetic stripes) fix the redundancy type
	s.validateTopology(v, req.Topology, existingDataType(tree), false)
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	j.SetProgress(5, "request validated")

	keyPath := ""
	if rec.Encryption > registry.EncryptionNone {
		keyPath = rec.KeyPath
	}

	var members []*preparedMember
	defer func() {
		if retErr == nil {
			return
		}
		for _, m := range members {
			if m.Provider == "" {
				continue
			}
			if err := s.enc.Detach(m.Provider); err != nil {
				logger.Errorf("rollback: failed to detach %s: %v", m.Provider, err)
			}
		}
	}()

	dataDisks := map[string]bool{}
	for _, g := range req.Topology.Data {
		for _, d := range g.Disks {
			dataDisks[d] = true
		}
	}

	disks := req.Topology.AllDisks()
	for i, disk := range disks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		j.SetProgress(5+(i+1)*15/len(disks), fmt.Sprintf("formatting disk %s (%d of %d)", disk, i+1, len(disks)))

		m, err := s.prepareDisk(disk, dataDisks[disk], keyPath)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}

	j.SetProgress(40, "extending pool")
	layout, err := buildLayout(req.Topology, members)
	if err != nil {
		return nil, err
	}
	if err := zpool.Extend(executor, rec.Name, layout); err != nil {
		return nil, err
	}

	j.SetProgress(80, "recording encrypted members")
	for _, m := range members {
		if m.Provider == "" {
			continue
		}
		err := s.registry.AddEncryptedDisk(&registry.EncryptedDisk{
			PoolID: rec.ID, Disk: m.Disk, Provider: m.Provider,
		})
		if err != nil {
			return nil, err
		}
	}

	sys.SwapConfigure(executor, swapDisks(dataDisks))
	s.publish("pool.changed", map[string]string{"pool": rec.ID, "op": "update"})
	return s.view(rec)
}

// prepareDisk wipes and partitions a disk, encrypts the data partition when
// a key is given, and returns the device path the pool should consume.
func (s *Service) prepareDisk(disk string, withSwap bool, keyPath string) (*preparedMember, error) {
	executor := s.context.GetExecutor()

	swapGB := 0
	if withSwap {
		swapGB = s.context.SwapSizeGB
	}
	_, dataPart, err := sys.FormatDisk(executor, disk, swapGB)
	if err != nil {
		return nil, err
	}
	partUUID, err := sys.PartUUID(executor, dataPart)
	if err != nil {
		return nil, err
	}

	m := &preparedMember{Disk: disk, DataPart: dataPart, PartUUID: partUUID}
	if keyPath == "" {
		m.DevicePath = fmt.Sprintf("/dev/disk/by-partuuid/%s", partUUID)
		return m, nil
	}

	mapper, err := s.enc.Encrypt(dataPart, keyPath)
	if err != nil {
		return nil, err
	}
	m.Provider = mapper
	m.DevicePath = fmt.Sprintf("/dev/mapper/%s", mapper)
	return m, nil
}

// buildLayout substitutes the prepared device paths into the requested
// layout.
func buildLayout(spec TopologySpec, members []*preparedMember) (zpool.Layout, error) {
	byDisk := map[string]string{}
	for _, m := range members {
		byDisk[m.Disk] = m.DevicePath
	}
	resolve := func(disks []string) ([]string, error) {
		paths := make([]string, 0, len(disks))
		for _, d := range disks {
			path, ok := byDisk[d]
			if !ok {
				return nil, fmt.Errorf("disk %s was not prepared", d)
			}
			paths = append(paths, path)
		}
		return paths, nil
	}

	layout := zpool.Layout{}
	for _, g := range spec.Data {
		paths, err := resolve(g.Disks)
		if err != nil {
			return layout, err
		}
		layout.Data = append(layout.Data, zpool.VdevSpec{Type: g.Type, Devices: paths})
	}
	var err error
	if layout.Cache, err = resolve(spec.Cache); err != nil {
		return layout, err
	}
	if layout.Log, err = resolve(spec.Log); err != nil {
		return layout, err
	}
	if layout.Spare, err = resolve(spec.Spare); err != nil {
		return layout, err
	}
	return layout, nil
}

func swapDisks(dataDisks map[string]bool) []string {
	var disks []string
	for d := range dataDisks {
		disks = append(disks, d)
	}
	return disks
}
