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

package encryption

import (
	"crypto/rand"
	"fmt"
	"os"
)

// RekeyError reports a partially failed rekey: how many devices rejected the
// new key and, separately, how many could not be reverted to the old key
// afterwards.
type RekeyError struct {
	Total        int
	Failed       int
	RevertFailed int
}

func (e *RekeyError) Error() string {
	msg := fmt.Sprintf("failed to rekey %d of %d devices", e.Failed, e.Total)
	if e.RevertFailed > 0 {
		msg += fmt.Sprintf(", and %d devices could not be reverted to the previous key", e.RevertFailed)
	}
	return msg
}

// Rekey replaces a pool's key material on every given device. The swap is
// transactional: if any device rejects the new key, devices already rekeyed
// are reverted and the key file stays unchanged. When a revert also fails
// the new key is preserved next to the key file so the stranded devices
// remain unlockable.
func (m *Manager) Rekey(poolID string, devices []string) error {
	oldKey := m.KeyPath(poolID)
	newKey := oldKey + ".new"

	key := make([]byte, 64)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	if err := os.WriteFile(newKey, key, 0o600); err != nil {
		return err
	}

	var changed []string
	for i, device := range devices {
		if err := m.ChangeKey(device, oldKey, newKey); err != nil {
			logger.Errorf("rekey of %s failed, reverting %d devices: %v", device, len(changed), err)
			rekeyErr := &RekeyError{Total: len(devices), Failed: len(devices) - i}

			for _, done := range changed {
				if revertErr := m.ChangeKey(done, newKey, oldKey); revertErr != nil {
					logger.Errorf("failed to revert %s to the previous key: %v", done, revertErr)
					rekeyErr.RevertFailed++
				}
			}

			if rekeyErr.RevertFailed > 0 {
				stranded := oldKey + ".rekey_failed"
				if renameErr := os.Rename(newKey, stranded); renameErr == nil {
					logger.Errorf("devices remain on the key saved at %s", stranded)
				}
			} else {
				os.Remove(newKey)
			}
			return rekeyErr
		}
		changed = append(changed, device)
	}

	return os.Rename(newKey, oldKey)
}
