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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpoold/zpoold/pkg/registry"
)

func scriptVaultEncrypted(h *harness) {
	vaultStatus := `  pool: vault
 state: ONLINE
  scan: none requested
config:

	NAME                     STATE     READ WRITE CKSUM
	vault                    ONLINE       0     0     0
	  luks-` + uuidA + `  ONLINE       0     0     0

errors: No known data errors
`
	vaultGUIDStatus := `  pool: vault
 state: ONLINE
  scan: none requested
config:

	NAME                     STATE     READ WRITE CKSUM
	vault                    ONLINE       0     0     0
	  7777                   ONLINE       0     0     0

errors: No known data errors
`
	h.script.on("zpool get -H -o value health vault", "ONLINE\n")
	h.script.on("zpool status -P vault", vaultStatus)
	h.script.on("zpool status -g -P vault", vaultGUIDStatus)
	h.script.on("cryptsetup status luks-"+uuidA, "/dev/mapper/luks-"+uuidA+" is active.\n  device:  /dev/sda2\n")
	h.script.on("lsblk --noheadings --nodeps --output PKNAME /dev/sda2", "sda\n")
}

func TestSyncEncryptedAddsLiveProviders(t *testing.T) {
	h := newHarness(t)
	rec := h.addPool(t, &registry.PoolRecord{
		ID: "p1", Name: "vault", GUID: "111",
		Encryption: registry.EncryptionKeyfile, KeyPath: "/keys/p1.key",
	})
	scriptVaultEncrypted(h)

	require.NoError(t, h.svc.SyncEncrypted(rec.ID))

	encDisks, err := h.registry.ListEncryptedDisks(rec.ID)
	require.NoError(t, err)
	require.Len(t, encDisks, 1)
	assert.Equal(t, "luks-"+uuidA, encDisks[0].Provider)
	assert.Equal(t, "sda", encDisks[0].Disk)
}

func TestSyncEncryptedDropsDepartedProviders(t *testing.T) {
	h := newHarness(t)
	rec := h.addPool(t, &registry.PoolRecord{
		ID: "p1", Name: "vault", GUID: "111",
		Encryption: registry.EncryptionKeyfile, KeyPath: "/keys/p1.key",
	})
	require.NoError(t, h.registry.AddEncryptedDisk(&registry.EncryptedDisk{
		ID: "e1", PoolID: rec.ID, Disk: "sda", Provider: "luks-" + uuidA,
	}))
	require.NoError(t, h.registry.AddEncryptedDisk(&registry.EncryptedDisk{
		ID: "e2", PoolID: rec.ID, Disk: "sdb", Provider: "luks-" + uuidB,
	}))
	scriptVaultEncrypted(h)

	require.NoError(t, h.svc.SyncEncrypted(rec.ID))

	encDisks, err := h.registry.ListEncryptedDisks(rec.ID)
	require.NoError(t, err)
	require.Len(t, encDisks, 1)
	assert.Equal(t, "luks-"+uuidA, encDisks[0].Provider)
}

func TestSyncEncryptedIdempotent(t *testing.T) {
	h := newHarness(t)
	rec := h.addPool(t, &registry.PoolRecord{
		ID: "p1", Name: "vault", GUID: "111",
		Encryption: registry.EncryptionKeyfile, KeyPath: "/keys/p1.key",
	})
	scriptVaultEncrypted(h)

	require.NoError(t, h.svc.SyncEncrypted(rec.ID))
	require.NoError(t, h.svc.SyncEncrypted(rec.ID))

	encDisks, err := h.registry.ListEncryptedDisks(rec.ID)
	require.NoError(t, err)
	assert.Len(t, encDisks, 1)
}

func TestSyncEncryptedSkipsUnimportedPool(t *testing.T) {
	h := newHarness(t)
	rec := h.addPool(t, &registry.PoolRecord{
		ID: "p1", Name: "vault", GUID: "111",
		Encryption: registry.EncryptionKeyfile, KeyPath: "/keys/p1.key",
	})
	require.NoError(t, h.registry.AddEncryptedDisk(&registry.EncryptedDisk{
		ID: "e1", PoolID: rec.ID, Disk: "sda", Provider: "luks-" + uuidA,
	}))
	h.poolAbsent("vault")

	// a locked pool keeps its records, they are needed for the next unlock
	require.NoError(t, h.svc.SyncEncrypted(rec.ID))
	encDisks, err := h.registry.ListEncryptedDisks(rec.ID)
	require.NoError(t, err)
	assert.Len(t, encDisks, 1)
}
