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

// Package registry persists the pool metadata that must survive the pool
// being exported or locked: identity, encryption level, key file location,
// the per-pool scan policy and the encrypted member records. Live pool state
// is never cached here.
package registry

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/zpoold/zpoold/pkg/util/kvstore"
)

const (
	poolStore     = "pools"
	policyStore   = "resilver_policies"
	encDiskStore  = "encrypted_disks"
)

// EncryptionLevel is how far a pool's members are protected.
type EncryptionLevel int

const (
	EncryptionNone       EncryptionLevel = 0
	EncryptionKeyfile    EncryptionLevel = 1
	EncryptionPassphrase EncryptionLevel = 2
)

// PoolRecord is the persisted identity of one pool.
type PoolRecord struct {
	ID         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	GUID       string          `yaml:"guid"`
	Encryption EncryptionLevel `yaml:"encryption"`
	KeyPath    string          `yaml:"keyPath,omitempty"`
}

// ResilverPolicy is the time window during which background scans run at
// high priority. Weekdays count 1=Monday through 7=Sunday.
type ResilverPolicy struct {
	Enabled  bool   `yaml:"enabled"`
	Begin    string `yaml:"begin"`
	End      string `yaml:"end"`
	Weekdays []int  `yaml:"weekdays"`
}

// DefaultResilverPolicy is the policy every pool starts with.
func DefaultResilverPolicy() ResilverPolicy {
	return ResilverPolicy{
		Enabled:  false,
		Begin:    "18:00",
		End:      "09:00",
		Weekdays: []int{1, 2, 3, 4, 5, 6, 7},
	}
}

// EncryptedDisk links a pool to one encrypted member: the physical disk and
// the encryption provider created on it.
type EncryptedDisk struct {
	ID       string `yaml:"id"`
	PoolID   string `yaml:"poolId"`
	Disk     string `yaml:"disk"`
	Provider string `yaml:"provider"`
}

// Registry reads and writes the persisted records.
type Registry struct {
	store kvstore.KeyValueStore
}

// New returns a registry over the given store.
func New(store kvstore.KeyValueStore) *Registry {
	return &Registry{store: store}
}

// CreatePool persists a new pool record, assigning an id when the record has
// none. Pool names are unique.
func (r *Registry) CreatePool(rec *PoolRecord) error {
	if existing, err := r.GetPoolByName(rec.Name); err == nil && existing != nil {
		return errors.Errorf("a pool named %q is already registered", rec.Name)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	return r.putPool(rec)
}

// UpdatePool rewrites an existing pool record.
func (r *Registry) UpdatePool(rec *PoolRecord) error {
	if _, err := r.GetPool(rec.ID); err != nil {
		return err
	}
	return r.putPool(rec)
}

func (r *Registry) putPool(rec *PoolRecord) error {
	raw, err := yaml.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal pool record")
	}
	return r.store.SetValue(poolStore, rec.ID, string(raw))
}

// GetPool returns the record of the pool id, or a store NotExistError.
func (r *Registry) GetPool(id string) (*PoolRecord, error) {
	raw, err := r.store.GetValue(poolStore, id)
	if err != nil {
		return nil, err
	}
	rec := &PoolRecord{}
	if err := yaml.Unmarshal([]byte(raw), rec); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal pool record %q", id)
	}
	return rec, nil
}

// GetPoolByName returns the record of the named pool, or nil when no pool
// carries the name.
func (r *Registry) GetPoolByName(name string) (*PoolRecord, error) {
	pools, err := r.ListPools()
	if err != nil {
		return nil, err
	}
	for _, rec := range pools {
		if rec.Name == name {
			return rec, nil
		}
	}
	return nil, nil
}

// ListPools returns every registered pool.
func (r *Registry) ListPools() ([]*PoolRecord, error) {
	raw, err := r.store.GetStore(poolStore)
	if err != nil {
		return nil, err
	}
	var pools []*PoolRecord
	for id, value := range raw {
		rec := &PoolRecord{}
		if err := yaml.Unmarshal([]byte(value), rec); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal pool record %q", id)
		}
		pools = append(pools, rec)
	}
	return pools, nil
}

// DeletePool removes a pool record together with its scan policy and
// encrypted disk records.
func (r *Registry) DeletePool(id string) error {
	if err := r.store.DeleteValue(poolStore, id); err != nil {
		return err
	}
	if err := r.store.DeleteValue(policyStore, id); err != nil && !kvstore.IsNotExist(err) {
		return err
	}
	return r.DeleteEncryptedDisksOfPool(id)
}

// GetResilverPolicy returns the pool's scan policy, falling back to the
// default when none was ever written.
func (r *Registry) GetResilverPolicy(poolID string) (ResilverPolicy, error) {
	raw, err := r.store.GetValue(policyStore, poolID)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return DefaultResilverPolicy(), nil
		}
		return ResilverPolicy{}, err
	}
	policy := ResilverPolicy{}
	if err := yaml.Unmarshal([]byte(raw), &policy); err != nil {
		return ResilverPolicy{}, errors.Wrapf(err, "failed to unmarshal scan policy of pool %q", poolID)
	}
	return policy, nil
}

// SetResilverPolicy writes the pool's scan policy.
func (r *Registry) SetResilverPolicy(poolID string, policy ResilverPolicy) error {
	raw, err := yaml.Marshal(policy)
	if err != nil {
		return errors.Wrap(err, "failed to marshal scan policy")
	}
	return r.store.SetValue(policyStore, poolID, string(raw))
}

// AddEncryptedDisk persists an encrypted member record, assigning an id when
// the record has none.
func (r *Registry) AddEncryptedDisk(d *EncryptedDisk) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	raw, err := yaml.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "failed to marshal encrypted disk record")
	}
	return r.store.SetValue(encDiskStore, d.ID, string(raw))
}

// UpdateEncryptedDisk rewrites an existing encrypted member record.
func (r *Registry) UpdateEncryptedDisk(d *EncryptedDisk) error {
	if _, err := r.store.GetValue(encDiskStore, d.ID); err != nil {
		return err
	}
	raw, err := yaml.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "failed to marshal encrypted disk record")
	}
	return r.store.SetValue(encDiskStore, d.ID, string(raw))
}

// ListEncryptedDisks returns the encrypted member records of one pool.
func (r *Registry) ListEncryptedDisks(poolID string) ([]*EncryptedDisk, error) {
	raw, err := r.store.GetStore(encDiskStore)
	if err != nil {
		return nil, err
	}
	var disks []*EncryptedDisk
	for id, value := range raw {
		d := &EncryptedDisk{}
		if err := yaml.Unmarshal([]byte(value), d); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal encrypted disk record %q", id)
		}
		if d.PoolID == poolID {
			disks = append(disks, d)
		}
	}
	return disks, nil
}

// FindEncryptedDiskByProvider returns the record carrying the provider, or
// nil when none does.
func (r *Registry) FindEncryptedDiskByProvider(poolID, provider string) (*EncryptedDisk, error) {
	disks, err := r.ListEncryptedDisks(poolID)
	if err != nil {
		return nil, err
	}
	for _, d := range disks {
		if d.Provider == provider {
			return d, nil
		}
	}
	return nil, nil
}

// DeleteEncryptedDisk removes one encrypted member record.
func (r *Registry) DeleteEncryptedDisk(id string) error {
	if err := r.store.DeleteValue(encDiskStore, id); err != nil && !kvstore.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteEncryptedDisksOfPool removes every encrypted member record of a
// pool.
func (r *Registry) DeleteEncryptedDisksOfPool(poolID string) error {
	disks, err := r.ListEncryptedDisks(poolID)
	if err != nil {
		return err
	}
	for _, d := range disks {
		if err := r.DeleteEncryptedDisk(d.ID); err != nil {
			return err
		}
	}
	return nil
}
