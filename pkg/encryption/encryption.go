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

// Package encryption manages the per-disk block encryption layer of a pool:
// key file lifecycle, formatting members, opening and closing the mappings,
// and the passphrase and recovery key slots.
package encryption

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/zpoold/zpoold/pkg/util/exec"
	"github.com/zpoold/zpoold/pkg/util/sys"
)

var logger = capnslog.NewPackageLogger("github.com/zpoold/zpoold", "encryption")

const cryptsetupCmd = "cryptsetup"

// Key slot assignment. The pool key always sits in slot 0 so the other
// artifacts can be added and revoked without touching it.
const (
	SlotKey        = 0
	SlotRecovery   = 1
	SlotPassphrase = 2
)

// MapperPrefix prefixes every mapping name created by this manager.
const MapperPrefix = "luks-"

// Manager drives the encryption tooling. KeyDir holds one key file per
// encrypted pool.
type Manager struct {
	Executor exec.Executor
	KeyDir   string
}

// KeyPath returns the path of the key file for a pool.
func (m *Manager) KeyPath(poolID string) string {
	return filepath.Join(m.KeyDir, fmt.Sprintf("pool_%s.key", poolID))
}

// GenerateKey creates a fresh random key file for a pool and returns its
// path. An existing key file is never overwritten.
func (m *Manager) GenerateKey(poolID string) (string, error) {
	if err := os.MkdirAll(m.KeyDir, 0o700); err != nil {
		return "", errors.Wrap(err, "failed to create key directory")
	}

	path := m.KeyPath(poolID)
	if _, err := os.Stat(path); err == nil {
		return "", errors.Errorf("key file for pool %s already exists", poolID)
	}

	key := make([]byte, 64)
	if _, err := rand.Read(key); err != nil {
		return "", errors.Wrap(err, "failed to generate key material")
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return "", errors.Wrap(err, "failed to write key file")
	}
	return path, nil
}

// SaveKey persists uploaded key material for a pool, replacing any existing
// key file.
func (m *Manager) SaveKey(poolID string, key []byte) (string, error) {
	if err := os.MkdirAll(m.KeyDir, 0o700); err != nil {
		return "", errors.Wrap(err, "failed to create key directory")
	}
	path := m.KeyPath(poolID)
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return "", errors.Wrap(err, "failed to write key file")
	}
	return path, nil
}

// RemoveKey deletes a pool's key file. Missing files are not an error.
func (m *Manager) RemoveKey(poolID string) error {
	if err := os.Remove(m.KeyPath(poolID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove key file")
	}
	return nil
}

// MapperName returns the mapping name used for a partition uuid.
func MapperName(partUUID string) string {
	return MapperPrefix + partUUID
}

// Encrypt formats a partition with the pool key and opens the mapping.
// Returns the mapping name, derived from the partition uuid so it survives
// device renames.
func (m *Manager) Encrypt(partition, keyPath string) (string, error) {
	device := fmt.Sprintf("/dev/%s", partition)
	if output, err := m.Executor.ExecuteCommandWithCombinedOutput(
		cryptsetupCmd, "--batch-mode", "--key-file", keyPath, "--key-slot", strconv.Itoa(SlotKey),
		"luksFormat", "--type", "luks2", device); err != nil {
		return "", errors.Wrapf(err, "failed to encrypt %q. %s", partition, output)
	}

	partUUID, err := sys.PartUUID(m.Executor, partition)
	if err != nil {
		return "", err
	}
	return m.Attach(partUUID, keyPath)
}

// Attach opens the encryption mapping of a partition uuid using a key file.
// Returns the mapping name.
func (m *Manager) Attach(partUUID, keyPath string) (string, error) {
	mapper := MapperName(partUUID)
	device := fmt.Sprintf("/dev/disk/by-partuuid/%s", partUUID)
	if output, err := m.Executor.ExecuteCommandWithCombinedOutput(
		cryptsetupCmd, "--key-file", keyPath, "open", device, mapper); err != nil {
		if strings.Contains(output, "already exists") {
			return mapper, nil
		}
		return "", errors.Wrapf(err, "failed to attach %q. %s", partUUID, output)
	}
	return mapper, nil
}

// AttachWithPassphrase opens the encryption mapping of a partition uuid
// using a passphrase or recovery key instead of the pool key file.
func (m *Manager) AttachWithPassphrase(partUUID string, passphrase []byte) (string, error) {
	var mapper string
	err := m.withSecretFile(passphrase, func(secretPath string) error {
		var err error
		mapper, err = m.Attach(partUUID, secretPath)
		return err
	})
	return mapper, err
}

// Detach closes an encryption mapping. Closing a mapping that is not open is
// not an error.
func (m *Manager) Detach(mapper string) error {
	if output, err := m.Executor.ExecuteCommandWithCombinedOutput(
		cryptsetupCmd, "close", mapper); err != nil {
		if strings.Contains(output, "not active") || exec.ExitStatus(err) == 4 {
			return nil
		}
		return errors.Wrapf(err, "failed to detach %q. %s", mapper, output)
	}
	return nil
}

// TestKey proves a key file can unlock a device without opening a mapping.
func (m *Manager) TestKey(device, keyPath string) error {
	if output, err := m.Executor.ExecuteCommandWithCombinedOutput(
		cryptsetupCmd, "--key-file", keyPath, "--test-passphrase", "open", fmt.Sprintf("/dev/%s", device)); err != nil {
		return errors.Wrapf(err, "key does not unlock %q. %s", device, output)
	}
	return nil
}

// TestPassphrase proves a passphrase can unlock a device.
func (m *Manager) TestPassphrase(device string, passphrase []byte) error {
	return m.withSecretFile(passphrase, func(secretPath string) error {
		return m.TestKey(device, secretPath)
	})
}

// SetPassphrase writes a passphrase into its key slot on a device,
// authorized by the pool key. Any previous passphrase is revoked first.
func (m *Manager) SetPassphrase(device, keyPath string, passphrase []byte) error {
	// killing an empty slot fails, ignore it
	if err := m.killSlot(device, keyPath, SlotPassphrase); err != nil {
		logger.Debugf("no passphrase slot to revoke on %s", device)
	}
	return m.withSecretFile(passphrase, func(secretPath string) error {
		return m.addKey(device, keyPath, secretPath, SlotPassphrase)
	})
}

// RemovePassphrase revokes the passphrase slot on a device.
func (m *Manager) RemovePassphrase(device, keyPath string) error {
	return m.killSlot(device, keyPath, SlotPassphrase)
}

// AddRecoveryKey writes recovery key material into its slot on a device,
// revoking any previous recovery key.
func (m *Manager) AddRecoveryKey(device, keyPath string, recoveryKey []byte) error {
	if err := m.killSlot(device, keyPath, SlotRecovery); err != nil {
		logger.Debugf("no recovery slot to revoke on %s", device)
	}
	return m.withSecretFile(recoveryKey, func(secretPath string) error {
		return m.addKey(device, keyPath, secretPath, SlotRecovery)
	})
}

// RemoveRecoveryKey revokes the recovery key slot on a device.
func (m *Manager) RemoveRecoveryKey(device, keyPath string) error {
	return m.killSlot(device, keyPath, SlotRecovery)
}

// HasPassphraseSlot reports whether a device carries a passphrase.
func (m *Manager) HasPassphraseSlot(device string) (bool, error) {
	output, err := m.Executor.ExecuteCommandWithCombinedOutput(
		cryptsetupCmd, "luksDump", fmt.Sprintf("/dev/%s", device))
	if err != nil {
		return false, errors.Wrapf(err, "failed to dump header of %q. %s", device, output)
	}
	return strings.Contains(output, fmt.Sprintf("%d: luks2", SlotPassphrase)), nil
}

// ChangeKey replaces the pool key slot on a device with new key material,
// authorized by the old key.
func (m *Manager) ChangeKey(device, oldKeyPath, newKeyPath string) error {
	if output, err := m.Executor.ExecuteCommandWithCombinedOutput(
		cryptsetupCmd, "--key-file", oldKeyPath, "--key-slot", strconv.Itoa(SlotKey),
		"luksChangeKey", fmt.Sprintf("/dev/%s", device), newKeyPath); err != nil {
		return errors.Wrapf(err, "failed to change key on %q. %s", device, output)
	}
	return nil
}

func (m *Manager) addKey(device, keyPath, newKeyPath string, slot int) error {
	if output, err := m.Executor.ExecuteCommandWithCombinedOutput(
		cryptsetupCmd, "--key-file", keyPath, "--key-slot", strconv.Itoa(slot),
		"luksAddKey", fmt.Sprintf("/dev/%s", device), newKeyPath); err != nil {
		return errors.Wrapf(err, "failed to add key to %q. %s", device, output)
	}
	return nil
}

func (m *Manager) killSlot(device, keyPath string, slot int) error {
	if output, err := m.Executor.ExecuteCommandWithCombinedOutput(
		cryptsetupCmd, "--batch-mode", "--key-file", keyPath,
		"luksKillSlot", fmt.Sprintf("/dev/%s", device), strconv.Itoa(slot)); err != nil {
		return errors.Wrapf(err, "failed to revoke slot %d on %q. %s", slot, device, output)
	}
	return nil
}

// withSecretFile runs fn with the secret staged in a private temp file. The
// tooling only reads secrets from files, never from arguments.
func (m *Manager) withSecretFile(secret []byte, fn func(path string) error) error {
	f, err := os.CreateTemp(m.KeyDir, ".secret-*")
	if err != nil {
		return errors.Wrap(err, "failed to stage secret")
	}
	defer os.Remove(f.Name())

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to protect secret")
	}
	if _, err := f.Write(secret); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to stage secret")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to stage secret")
	}
	return fn(f.Name())
}
