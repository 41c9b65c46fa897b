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
	"github.com/zpoold/zpoold/pkg/job"
	"github.com/zpoold/zpoold/pkg/registry"
	"github.com/zpoold/zpoold/pkg/topology"
	"github.com/zpoold/zpoold/pkg/util/kvstore"
	"github.com/zpoold/zpoold/pkg/util/sys"
	"github.com/zpoold/zpoold/pkg/zpool"
)

// ReplaceRequest swaps a pool member for a new disk.
type ReplaceRequest struct {
	Label      string
	Disk       string
	Force      bool
	Passphrase []byte
}

// Replace swaps out a member as a background job. The lock is scoped per
// pool so replaces on different pools run concurrently.
func (s *Service) Replace(id string, req ReplaceRequest) *job.Job {
	return s.jobs.Run("pool.replace", replaceLock(id), func(ctx context.Context, j *job.Job) (interface{}, error) {
		if err := s.doReplace(ctx, j, id, req); err != nil {
			return nil, err
		}
		return true, nil
	})
}

func (s *Service) doReplace(ctx context.Context, j *job.Job, id string, req ReplaceRequest) (retErr error) {
	rec, err := s.registry.GetPool(id)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return &NotFoundError{Kind: "pool", Ref: id}
		}
		return err
	}

	executor := s.context.GetExecutor()
	tree, err := zpool.Status(executor, rec.Name)
	if err != nil {
		return err
	}
	nodeID, ok := tree.FindDevice(req.Label)
	if !ok {
		return &NotFoundError{Kind: "member", Ref: req.Label}
	}
	node := tree.Node(nodeID)

	v := &ValidationErrors{}
	exists, err := s.inventory.Exists(req.Disk)
	if err != nil {
		return err
	}
	if !exists {
		v.Add("disk", "disk %s does not exist", req.Disk)
	} else {
		if reservedBy, err := s.inventory.ReservedBy(req.Disk); err != nil {
			return err
		} else if reservedBy != "" {
			v.Add("disk", "disk %s is in use by %s", req.Disk, reservedBy)
		}
		if !req.Force {
			clean, err := sys.CheckDiskClean(executor, req.Disk)
			if err != nil {
				return err
			}
			if !clean {
				v.Add("disk", "disk %s carries existing partitions, use force to overwrite", req.Disk)
			}
		}
	}
	if rec.Encryption == registry.EncryptionPassphrase {
		if len(req.Passphrase) == 0 {
			v.Add("passphrase", "the pool requires a passphrase")
		} else if err := s.checkPassphrase(rec, req.Passphrase); err != nil {
			v.Add("passphrase", "the passphrase is not valid")
		}
	}
	if err := v.OrNil(); err != nil {
		return err
	}
	j.SetProgress(10, "request validated")

	// neither disk may stay swapped while it changes hands
	oldDisk := node.Disk
	sys.SwapRemoveDisks(executor, []string{oldDisk, req.Disk})
	defer sys.SwapConfigure(executor, []string{oldDisk, req.Disk})

	keyPath := ""
	if rec.Encryption > registry.EncryptionNone {
		keyPath = rec.KeyPath
	}

	j.SetProgress(30, "formatting replacement disk")
	m, err := s.prepareDisk(req.Disk, true, keyPath)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil && m.Provider != "" {
			if err := s.enc.Detach(m.Provider); err != nil {
				logger.Errorf("failed to detach %s after failed replace: %v", m.Provider, err)
			}
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}

	j.SetProgress(50, "replacing device")
	target := memberTarget(node)
	if err := zpool.Replace(executor, rec.Name, target, m.DevicePath); err != nil {
		return err
	}

	j.SetProgress(70, "verifying vdev health")
	if err := s.detachStaleMember(rec.Name, target, node); err != nil {
		return err
	}

	// swap the encrypted member record over to the new provider
	if m.Provider != "" {
		if old, err := s.registry.FindEncryptedDiskByProvider(rec.ID, node.Name); err != nil {
			return err
		} else if old != nil {
			if err := s.registry.DeleteEncryptedDisk(old.ID); err != nil {
				return err
			}
		}
		err := s.registry.AddEncryptedDisk(&registry.EncryptedDisk{
			PoolID: rec.ID, Disk: m.Disk, Provider: m.Provider,
		})
		if err != nil {
			return err
		}
	}

	s.publish("pool.changed", map[string]string{"pool": rec.ID, "op": "replace"})
	return nil
}

// detachStaleMember drops the outgoing member when the replace left its vdev
// unhealthy instead of resilvering.
func (s *Service) detachStaleMember(poolName, target string, old *topology.Node) error {
	executor := s.context.GetExecutor()
	tree, err := zpool.Status(executor, poolName)
	if err != nil {
		return err
	}
	staleID, ok := tree.FindDevice(target)
	if !ok {
		return nil
	}
	parent := tree.Node(tree.Node(staleID).Parent)
	if parent.Status == "ONLINE" || parent.Status == "DEGRADED" {
		return nil
	}
	logger.Warningf("vdev %s is %s after replace, detaching stale member %s", parent.Name, parent.Status, old.Name)
	return zpool.Detach(executor, poolName, target)
}

// checkPassphrase proves a passphrase unlocks the pool by testing it against
// one encrypted member.
func (s *Service) checkPassphrase(rec *registry.PoolRecord, passphrase []byte) error {
	disks, err := s.registry.ListEncryptedDisks(rec.ID)
	if err != nil {
		return err
	}
	if len(disks) == 0 {
		return &NotFoundError{Kind: "encrypted member of pool", Ref: rec.Name}
	}
	return s.enc.TestPassphrase(providerDevice(disks[0].Provider), passphrase)
}

// providerDevice maps an encryption provider name back to the partition
// device it sits on, relative to /dev.
func providerDevice(provider string) string {
	return "disk/by-partuuid/" + partUUIDOfProvider(provider)
}

func partUUIDOfProvider(provider string) string {
	return strings.TrimPrefix(provider, encryption.MapperPrefix)
}

// memberOp is one of the single-member operations.
type memberOp string

const (
	opDetach  memberOp = "detach"
	opOffline memberOp = "offline"
	opOnline  memberOp = "online"
	opRemove  memberOp = "remove"
)

// Detach drops a member from its mirror.
func (s *Service) Detach(id, label string) *job.Job {
	return s.memberJob(id, label, opDetach)
}

// Offline takes a member out of service.
func (s *Service) Offline(id, label string) *job.Job {
	return s.memberJob(id, label, opOffline)
}

// Online returns an offlined member to service.
func (s *Service) Online(id, label string) *job.Job {
	return s.memberJob(id, label, opOnline)
}

// Remove deletes a member or group from the pool.
func (s *Service) Remove(id, label string) *job.Job {
	return s.memberJob(id, label, opRemove)
}

func (s *Service) memberJob(id, label string, op memberOp) *job.Job {
	return s.jobs.Run("pool."+string(op), replaceLock(id), func(ctx context.Context, j *job.Job) (interface{}, error) {
		if err := s.doMemberOp(j, id, label, op); err != nil {
			return nil, err
		}
		return true, nil
	})
}

func (s *Service) doMemberOp(j *job.Job, id, label string, op memberOp) error {
	rec, err := s.registry.GetPool(id)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return &NotFoundError{Kind: "pool", Ref: id}
		}
		return err
	}

	executor := s.context.GetExecutor()
	tree, err := zpool.Status(executor, rec.Name)
	if err != nil {
		return err
	}
	nodeID, ok := tree.FindDevice(label)
	if !ok {
		return &NotFoundError{Kind: "member", Ref: label}
	}
	node := tree.Node(nodeID)
	target := memberTarget(node)
	j.SetProgress(20, string(op))

	switch op {
	case opDetach:
		if err := zpool.Detach(executor, rec.Name, target); err != nil {
			return err
		}
		sys.SwapRemoveDisks(executor, []string{node.Disk})
	case opOffline:
		if err := zpool.Offline(executor, rec.Name, target); err != nil {
			return err
		}
		sys.SwapRemoveDisks(executor, []string{node.Disk})
		if err := s.teardownMemberEncryption(rec, node); err != nil {
			return err
		}
	case opRemove:
		if err := zpool.Remove(executor, rec.Name, target); err != nil {
			return err
		}
		sys.SwapRemoveDisks(executor, []string{node.Disk})
		if err := s.teardownMemberEncryption(rec, node); err != nil {
			return err
		}
	case opOnline:
		if err := zpool.Online(executor, rec.Name, target); err != nil {
			return err
		}
		sys.SwapConfigure(executor, []string{node.Disk})
	}

	s.publish("pool.changed", map[string]string{"pool": rec.ID, "op": string(op)})
	return nil
}

// teardownMemberEncryption closes a member's encryption layer and drops its
// record.
func (s *Service) teardownMemberEncryption(rec *registry.PoolRecord, node *topology.Node) error {
	if !strings.HasPrefix(node.Name, encryption.MapperPrefix) {
		return nil
	}
	if err := s.enc.Detach(node.Name); err != nil {
		return err
	}
	old, err := s.registry.FindEncryptedDiskByProvider(rec.ID, node.Name)
	if err != nil {
		return err
	}
	if old != nil {
		return s.registry.DeleteEncryptedDisk(old.ID)
	}
	return nil
}

// memberTarget picks the identifier handed to the pool tooling: the stable
// guid when known, else the device path, else the bare name.
func memberTarget(node *topology.Node) string {
	if node.GUID != "" {
		return node.GUID
	}
	if node.Path != "" {
		return node.Path
	}
	return node.Name
}
