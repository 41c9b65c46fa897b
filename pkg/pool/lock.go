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
	"crypto/rand"

	"github.com/zpoold/zpoold/pkg/job"
	"github.com/zpoold/zpoold/pkg/registry"
	"github.com/zpoold/zpoold/pkg/util/kvstore"
	"github.com/zpoold/zpoold/pkg/util/sys"
	"github.com/zpoold/zpoold/pkg/zpool"
)

// Credential is the administrative credential re-validated before existing
// secrets are changed or removed.
type Credential struct {
	Username string
	Password string
}

func (s *Service) lockedRecord(id string) (*registry.PoolRecord, error) {
	rec, err := s.registry.GetPool(id)
	if err != nil {
		if kvstore.IsNotExist(err) {
			return nil, &NotFoundError{Kind: "pool", Ref: id}
		}
		return nil, err
	}
	if rec.Encryption == registry.EncryptionNone {
		v := &ValidationErrors{}
		v.Add("id", "pool %q is not encrypted", rec.Name)
		return nil, v
	}
	return rec, nil
}

// Lock exports an encrypted pool and closes every encryption mapping, as a
// background job.
func (s *Service) Lock(id string, passphrase []byte) *job.Job {
	return s.jobs.Run("pool.lock", "lock_pool", func(ctx context.Context, j *job.Job) (interface{}, error) {
		if err := s.doLock(ctx, j, id, passphrase); err != nil {
			return nil, err
		}
		return true, nil
	})
}

func (s *Service) doLock(ctx context.Context, j *job.Job, id string, passphrase []byte) error {
	rec, err := s.lockedRecord(id)
	if err != nil {
		return err
	}

	v := &ValidationErrors{}
	if rec.Encryption != registry.EncryptionPassphrase {
		v.Add("id", "pool %q has no passphrase to lock with", rec.Name)
	}
	sysdsPool, err := s.sysds.PoolName()
	if err != nil {
		return err
	}
	if sysdsPool == rec.Name {
		// the system dataset must move elsewhere before this pool can lock
		v.Add("id", "pool %q hosts the system dataset and cannot be locked", rec.Name)
	}
	if !v.Any() {
		if err := s.checkPassphrase(rec, passphrase); err != nil {
			v.Add("passphrase", "the passphrase is not valid")
		}
	}
	if err := v.OrNil(); err != nil {
		return err
	}
	j.SetProgress(20, "passphrase verified")

	executor := s.context.GetExecutor()
	encDisks, err := s.registry.ListEncryptedDisks(rec.ID)
	if err != nil {
		return err
	}

	j.SetProgress(40, "stopping workloads")
	if err := s.vm.StopWorkloads(s.mountPoint(rec.Name)); err != nil {
		return err
	}

	j.SetProgress(60, "exporting pool")
	var disks []string
	for _, d := range encDisks {
		disks = appendUnique(disks, d.Disk)
	}
	sys.SwapRemoveDisks(executor, disks)
	if err := zpool.Export(executor, rec.Name, true); err != nil {
		return err
	}

	j.SetProgress(80, "closing encryption mappings")
	failed := 0
	for _, d := range encDisks {
		if err := s.enc.Detach(d.Provider); err != nil {
			logger.Errorf("failed to close %s: %v", d.Provider, err)
			failed++
		}
	}
	if failed > 0 {
		return &OperationError{Op: "lock", Total: len(encDisks), Failed: failed}
	}

	s.publish("pool.changed", map[string]string{"pool": rec.ID, "op": "lock"})
	return nil
}

// UnlockRequest opens a locked pool with either the stored key file (no
// secret given), a passphrase, or a recovery key.
type UnlockRequest struct {
	Passphrase  []byte
	RecoveryKey []byte
}

// Unlock opens every encryption mapping and imports the pool, as a
// background job. Partial attach failures do not stop the import attempt;
// they surface afterwards in a consolidated error.
func (s *Service) Unlock(id string, req UnlockRequest) *job.Job {
	return s.jobs.Run("pool.unlock", "unlock_pool", func(ctx context.Context, j *job.Job) (interface{}, error) {
		if err := s.doUnlock(ctx, j, id, req); err != nil {
			return nil, err
		}
		return true, nil
	})
}

func (s *Service) doUnlock(ctx context.Context, j *job.Job, id string, req UnlockRequest) error {
	rec, err := s.lockedRecord(id)
	if err != nil {
		return err
	}

	encDisks, err := s.registry.ListEncryptedDisks(rec.ID)
	if err != nil {
		return err
	}
	if len(encDisks) == 0 {
		return &NotFoundError{Kind: "encrypted member of pool", Ref: rec.Name}
	}

	secret := req.Passphrase
	if len(secret) == 0 {
		secret = req.RecoveryKey
	}

	j.SetProgress(10, "opening encryption mappings")
	failed := 0
	var attached []string
	for _, d := range encDisks {
		device := providerDevice(d.Provider)
		partUUID := partUUIDOfProvider(d.Provider)

		var attachErr error
		if len(secret) > 0 {
			_, attachErr = s.enc.AttachWithPassphrase(partUUID, secret)
		} else {
			_, attachErr = s.enc.Attach(partUUID, rec.KeyPath)
		}
		if attachErr != nil {
			logger.Errorf("failed to open %s: %v", device, attachErr)
			failed++
			continue
		}
		attached = append(attached, d.Provider)
	}

	// the import still runs with partial failures, redundancy may carry it
	j.SetProgress(60, "importing pool")
	importErr := zpool.Import(s.context.GetExecutor(), rec.GUID, rec.Name, s.context.MountRoot)
	if importErr != nil {
		cleanupFailed := 0
		for _, provider := range attached {
			if err := s.enc.Detach(provider); err != nil {
				logger.Errorf("failed to close %s during cleanup: %v", provider, err)
				cleanupFailed++
			}
		}
		if failed > 0 {
			return &OperationError{Op: "unlock", Total: len(encDisks), Failed: failed, CleanupFailed: cleanupFailed}
		}
		return importErr
	}
	if failed > 0 {
		return &OperationError{Op: "unlock", Total: len(encDisks), Failed: failed}
	}

	j.SetProgress(80, "restoring swap")
	var disks []string
	for _, d := range encDisks {
		disks = appendUnique(disks, d.Disk)
	}
	sys.SwapConfigure(s.context.GetExecutor(), disks)

	if err := s.SyncEncrypted(rec.ID); err != nil {
		logger.Warningf("failed to reconcile encrypted members of %s: %v", rec.Name, err)
	}
	s.publish("pool.changed", map[string]string{"pool": rec.ID, "op": "unlock"})
	return nil
}

// Rekey replaces the pool's key material on every encrypted member, as a
// background job.
func (s *Service) Rekey(id string, admin Credential) *job.Job {
	return s.jobs.Run("pool.rekey", replaceLock(id), func(ctx context.Context, j *job.Job) (interface{}, error) {
		if err := s.doRekey(j, id, admin); err != nil {
			return nil, err
		}
		return true, nil
	})
}

func (s *Service) doRekey(j *job.Job, id string, admin Credential) error {
	rec, err := s.lockedRecord(id)
	if err != nil {
		return err
	}
	if err := s.checkAdmin(admin); err != nil {
		return err
	}

	encDisks, err := s.registry.ListEncryptedDisks(rec.ID)
	if err != nil {
		return err
	}
	devices := make([]string, 0, len(encDisks))
	for _, d := range encDisks {
		devices = append(devices, providerDevice(d.Provider))
	}

	j.SetProgress(20, "replacing key material")
	if err := s.enc.Rekey(rec.ID, devices); err != nil {
		return err
	}
	s.publish("pool.changed", map[string]string{"pool": rec.ID, "op": "rekey"})
	return nil
}

// RecoveryKeyAdd generates fresh recovery key material and installs it on
// every encrypted member. The job result is the raw key for the caller to
// save; it is not persisted anywhere.
func (s *Service) RecoveryKeyAdd(id string, admin Credential) *job.Job {
	return s.jobs.Run("pool.recoverykey_add", replaceLock(id), func(ctx context.Context, j *job.Job) (interface{}, error) {
		return s.doRecoveryKeyAdd(j, id, admin)
	})
}

func (s *Service) doRecoveryKeyAdd(j *job.Job, id string, admin Credential) ([]byte, error) {
	rec, err := s.lockedRecord(id)
	if err != nil {
		return nil, err
	}
	if err := s.checkAdmin(admin); err != nil {
		return nil, err
	}

	encDisks, err := s.registry.ListEncryptedDisks(rec.ID)
	if err != nil {
		return nil, err
	}

	key := make([]byte, 64)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	j.SetProgress(20, "installing recovery key")
	for _, d := range encDisks {
		if err := s.enc.AddRecoveryKey(providerDevice(d.Provider), rec.KeyPath, key); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// RecoveryKeyRm revokes the recovery key on every encrypted member.
func (s *Service) RecoveryKeyRm(id string, admin Credential) *job.Job {
	return s.jobs.Run("pool.recoverykey_rm", replaceLock(id), func(ctx context.Context, j *job.Job) (interface{}, error) {
		if err := s.doRecoveryKeyRm(j, id, admin); err != nil {
			return nil, err
		}
		return true, nil
	})
}

func (s *Service) doRecoveryKeyRm(j *job.Job, id string, admin Credential) error {
	rec, err := s.lockedRecord(id)
	if err != nil {
		return err
	}
	if err := s.checkAdmin(admin); err != nil {
		return err
	}

	encDisks, err := s.registry.ListEncryptedDisks(rec.ID)
	if err != nil {
		return err
	}
	j.SetProgress(20, "revoking recovery key")
	for _, d := range encDisks {
		if err := s.enc.RemoveRecoveryKey(providerDevice(d.Provider), rec.KeyPath); err != nil {
			return err
		}
	}
	return nil
}

// PassphraseRequest sets, changes or removes the passphrase of an encrypted
// pool. A nil passphrase removes it.
type PassphraseRequest struct {
	Passphrase []byte
	Admin      Credential
}

// Passphrase updates the passphrase slot on every encrypted member, as a
// background job. First setting a passphrase on a keyfile-only pool needs no
// administrative credential; changing or removing an existing one does.
func (s *Service) Passphrase(id string, req PassphraseRequest) *job.Job {
	return s.jobs.Run("pool.passphrase", replaceLock(id), func(ctx context.Context, j *job.Job) (interface{}, error) {
		if err := s.doPassphrase(j, id, req); err != nil {
			return nil, err
		}
		return true, nil
	})
}

func (s *Service) doPassphrase(j *job.Job, id string, req PassphraseRequest) error {
	rec, err := s.lockedRecord(id)
	if err != nil {
		return err
	}

	removing := len(req.Passphrase) == 0
	firstSet := !removing && rec.Encryption == registry.EncryptionKeyfile

	v := &ValidationErrors{}
	sysdsPool, err := s.sysds.PoolName()
	if err != nil {
		return err
	}
	if sysdsPool == rec.Name && !removing {
		// removal is the only passphrase transition allowed on the pool
		// hosting the system dataset
		v.Add("passphrase", "pool %q hosts the system dataset, a passphrase may only be removed", rec.Name)
	}
	if removing && rec.Encryption != registry.EncryptionPassphrase {
		v.Add("passphrase", "pool %q has no passphrase to remove", rec.Name)
	}
	if err := v.OrNil(); err != nil {
		return err
	}

	if !firstSet {
		if err := s.checkAdmin(req.Admin); err != nil {
			return err
		}
	}

	encDisks, err := s.registry.ListEncryptedDisks(rec.ID)
	if err != nil {
		return err
	}

	if removing {
		j.SetProgress(20, "removing passphrase")
		for _, d := range encDisks {
			if err := s.enc.RemovePassphrase(providerDevice(d.Provider), rec.KeyPath); err != nil {
				return err
			}
		}
		rec.Encryption = registry.EncryptionKeyfile
	} else {
		j.SetProgress(20, "setting passphrase")
		for _, d := range encDisks {
			if err := s.enc.SetPassphrase(providerDevice(d.Provider), rec.KeyPath, req.Passphrase); err != nil {
				return err
			}
		}
		rec.Encryption = registry.EncryptionPassphrase
	}

	return s.registry.UpdatePool(rec)
}

func (s *Service) checkAdmin(admin Credential) error {
	if err := s.auth.CheckPassword(admin.Username, admin.Password); err != nil {
		v := &ValidationErrors{}
		v.Add("admin", "the administrative credential is not valid")
		return v
	}
	return nil
}
