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

// Package pool is the orchestration layer over everything else: it drives
// the multi-step state machines for creating, importing, modifying, locking
// and exporting pools, running each mutating operation as a cancellable
// background job.
package pool

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/coreos/pkg/capnslog"

	"github.com/zpoold/zpoold/pkg/attachments"
	"github.com/zpoold/zpoold/pkg/clusterd"
	"github.com/zpoold/zpoold/pkg/encryption"
	"github.com/zpoold/zpoold/pkg/job"
	"github.com/zpoold/zpoold/pkg/registry"
	"github.com/zpoold/zpoold/pkg/topology"
	"github.com/zpoold/zpoold/pkg/util/kvstore"
	"github.com/zpoold/zpoold/pkg/zpool"
)

var logger = capnslog.NewPackageLogger("github.com/zpoold/zpoold", "pool")

// Pool lifecycle status values. Status is derived live from the system on
// every inspection, never cached.
const (
	StatusAbsent   = "ABSENT"
	StatusLocked   = "LOCKED"
	StatusOnline   = "ONLINE"
	StatusDegraded = "DEGRADED"
)

// DiskInventory is the collaborator answering which disks exist and which
// are spoken for.
type DiskInventory interface {
	// Exists reports whether the host has the disk.
	Exists(disk string) (bool, error)
	// ReservedBy names what holds the disk (boot device, another pool, a
	// pending operation), or empty when the disk is free.
	ReservedBy(disk string) (string, error)
}

// SystemDataset is the collaborator owning the shared system configuration
// dataset.
type SystemDataset interface {
	// PoolName returns the pool currently hosting the system dataset, or
	// empty when it lives on the boot device.
	PoolName() (string, error)
	// Relocate moves the system dataset off the named pool.
	Relocate(fromPool string) error
}

// AuthService re-validates an administrative credential before secrets are
// changed or removed.
type AuthService interface {
	CheckPassword(username, password string) error
}

// Service is the pool lifecycle orchestrator.
type Service struct {
	context   *clusterd.Context
	registry  *registry.Registry
	enc       *encryption.Manager
	tracker   *attachments.Tracker
	jobs      *job.Manager
	bus       *job.EventBus
	inventory DiskInventory
	vm        attachments.VMService
	sysds     SystemDataset
	auth      AuthService
}

// Deps bundles the collaborators a Service needs beyond the shared context.
type Deps struct {
	Registry  *registry.Registry
	Tracker   *attachments.Tracker
	Jobs      *job.Manager
	Bus       *job.EventBus
	Inventory DiskInventory
	VM        attachments.VMService
	SysDS     SystemDataset
	Auth      AuthService
}

// NewService assembles the orchestrator.
func NewService(context *clusterd.Context, deps Deps) *Service {
	return &Service{
		context:   context,
		registry:  deps.Registry,
		enc:       &encryption.Manager{Executor: context.GetExecutor(), KeyDir: context.KeyDir},
		tracker:   deps.Tracker,
		jobs:      deps.Jobs,
		bus:       deps.Bus,
		inventory: deps.Inventory,
		vm:        deps.VM,
		sysds:     deps.SysDS,
		auth:      deps.Auth,
	}
}

// Pool is the externally visible view of one pool.
type Pool struct {
	ID         string
	Name       string
	GUID       string
	Encryption registry.EncryptionLevel
	Status     string
	MountPoint string
	Topology   *topology.Tree
	Scan       topology.ScanStatus
}

// mountPoint is where a pool's root dataset mounts.
func (s *Service) mountPoint(name string) string {
	return filepath.Join(s.context.MountRoot, name)
}

// Get returns one pool with its live status and topology.
func (s *Service) Get(id string) (*Pool, error) {
	rec, err := s.registry.GetPool(id)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return nil, &NotFoundError{Kind: "pool", Ref: id}
		}
		return nil, err
	}
	return s.view(rec)
}

// List returns every registered pool with live status.
func (s *Service) List() ([]*Pool, error) {
	recs, err := s.registry.ListPools()
	if err != nil {
		return nil, err
	}
	pools := make([]*Pool, 0, len(recs))
	for _, rec := range recs {
		p, err := s.view(rec)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// view derives the live state of a registered pool.
func (s *Service) view(rec *registry.PoolRecord) (*Pool, error) {
	p := &Pool{
		ID:         rec.ID,
		Name:       rec.Name,
		GUID:       rec.GUID,
		Encryption: rec.Encryption,
		MountPoint: s.mountPoint(rec.Name),
	}

	executor := s.context.GetExecutor()
	state, err := zpool.PoolState(executor, rec.Name)
	if err != nil {
		return nil, err
	}
	if state == "" {
		p.Status = StatusAbsent
		if rec.Encryption > registry.EncryptionNone {
			p.Status = StatusLocked
		}
		return p, nil
	}
	p.Status = state

	tree, err := zpool.Status(executor, rec.Name)
	if err != nil {
		return nil, err
	}
	p.Topology = tree
	p.Scan = tree.Scan
	return p, nil
}

// GetDisks enumerates the physical disks of a pool's live topology. A pool
// that is not imported has no live topology; its encrypted member records
// still know the disks.
func (s *Service) GetDisks(id string) ([]string, error) {
	p, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Topology != nil {
		return p.Topology.Disks(), nil
	}

	records, err := s.registry.ListEncryptedDisks(id)
	if err != nil {
		return nil, err
	}
	var disks []string
	for _, d := range records {
		disks = appendUnique(disks, d.Disk)
	}
	sort.Strings(disks)
	return disks, nil
}

// Attachments computes the dependent resources rooted under a pool.
func (s *Service) Attachments(id string) (*attachments.AttachmentList, error) {
	rec, err := s.registry.GetPool(id)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return nil, &NotFoundError{Kind: "pool", Ref: id}
		}
		return nil, err
	}
	return s.tracker.Attachments(s.mountPoint(rec.Name))
}

func (s *Service) publish(topic string, data map[string]string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(job.Event{Topic: topic, Data: data})
}

func replaceLock(poolID string) string {
	return fmt.Sprintf("pool_replace_%s", poolID)
}
