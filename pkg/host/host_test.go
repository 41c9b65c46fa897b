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

package host

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpoold/zpoold/pkg/attachments"
	"github.com/zpoold/zpoold/pkg/registry"
	exectest "github.com/zpoold/zpoold/pkg/util/exec/exectest"
	"github.com/zpoold/zpoold/pkg/util/kvstore"
)

const lsblkDisks = `NAME="sda" SIZE="4000787030016" TYPE="disk" SERIAL="WD-1"
NAME="sdb" SIZE="4000787030016" TYPE="disk" SERIAL="WD-2"
NAME="sda1" SIZE="2147483648" TYPE="part" SERIAL=""
`

func TestInventoryExists(t *testing.T) {
	executor := &exectest.MockExecutor{
		MockExecuteCommandWithOutput: func(command string, arg ...string) (string, error) {
			return lsblkDisks, nil
		},
	}
	inv := &Inventory{Executor: executor, Registry: registry.New(kvstore.NewMemoryStore())}

	exists, err := inv.Exists("sdb")
	require.NoError(t, err)
	assert.True(t, exists)

	// partitions are not disks
	exists, err = inv.Exists("sda1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInventoryReservedByBootDevice(t *testing.T) {
	executor := &exectest.MockExecutor{
		MockExecuteCommandWithOutput: func(command string, arg ...string) (string, error) {
			line := command + " " + strings.Join(arg, " ")
			switch {
			case strings.HasPrefix(line, "findmnt"):
				return "/dev/sda2\n", nil
			case strings.Contains(line, "PKNAME"):
				return "sda\n", nil
			}
			return "", nil
		},
	}
	inv := &Inventory{Executor: executor, Registry: registry.New(kvstore.NewMemoryStore())}

	reserved, err := inv.ReservedBy("sda")
	require.NoError(t, err)
	assert.Equal(t, "the boot device", reserved)

	reserved, err = inv.ReservedBy("sdb")
	require.NoError(t, err)
	assert.Empty(t, reserved)
}

func TestInventoryReservedByLockedPoolRecords(t *testing.T) {
	store := kvstore.NewMemoryStore()
	reg := registry.New(store)
	require.NoError(t, reg.CreatePool(&registry.PoolRecord{ID: "p1", Name: "vault", GUID: "111"}))
	require.NoError(t, reg.AddEncryptedDisk(&registry.EncryptedDisk{
		ID: "e1", PoolID: "p1", Disk: "sdb", Provider: "luks-x",
	}))

	executor := &exectest.MockExecutor{
		MockExecuteCommandWithCombinedOutput: func(command string, arg ...string) (string, error) {
			line := command + " " + strings.Join(arg, " ")
			if strings.Contains(line, "health vault") {
				return "cannot open 'vault': no such pool", &exectest.MockError{Status: 1}
			}
			return "", nil
		},
	}
	inv := &Inventory{Executor: executor, Registry: reg}

	reserved, err := inv.ReservedBy("sdb")
	require.NoError(t, err)
	assert.Equal(t, "pool vault", reserved)
}

func TestSystemDatasetDefaultsToBootDevice(t *testing.T) {
	s := &SystemDataset{
		Executor: &exectest.MockExecutor{},
		Store:    kvstore.NewMemoryStore(),
		Registry: registry.New(kvstore.NewMemoryStore()),
	}
	name, err := s.PoolName()
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestSystemDatasetRelocatePicksImportedPool(t *testing.T) {
	store := kvstore.NewMemoryStore()
	reg := registry.New(store)
	require.NoError(t, reg.CreatePool(&registry.PoolRecord{ID: "p1", Name: "tank", GUID: "111"}))
	require.NoError(t, reg.CreatePool(&registry.PoolRecord{ID: "p2", Name: "backup", GUID: "222"}))

	var calls []string
	executor := &exectest.MockExecutor{
		MockExecuteCommandWithCombinedOutput: func(command string, arg ...string) (string, error) {
			line := command + " " + strings.Join(arg, " ")
			calls = append(calls, line)
			if strings.Contains(line, "health backup") {
				return "ONLINE\n", nil
			}
			if strings.Contains(line, "health") {
				return "cannot open: no such pool", &exectest.MockError{Status: 1}
			}
			return "", nil
		},
	}
	s := &SystemDataset{Executor: executor, Store: store, Registry: reg}
	require.NoError(t, s.Store.SetValue("system_dataset", "pool", "tank"))

	require.NoError(t, s.Relocate("tank"))

	name, err := s.PoolName()
	require.NoError(t, err)
	assert.Equal(t, "backup", name)

	created := false
	for _, line := range calls {
		if strings.Contains(line, "zfs create -p backup/.system") {
			created = true
		}
	}
	assert.True(t, created)
}

func TestSystemDatasetRelocateFallsBackToBoot(t *testing.T) {
	store := kvstore.NewMemoryStore()
	reg := registry.New(store)
	require.NoError(t, reg.CreatePool(&registry.PoolRecord{ID: "p1", Name: "tank", GUID: "111"}))

	executor := &exectest.MockExecutor{
		MockExecuteCommandWithCombinedOutput: func(command string, arg ...string) (string, error) {
			return "cannot open: no such pool", &exectest.MockError{Status: 1}
		},
	}
	s := &SystemDataset{Executor: executor, Store: store, Registry: reg}

	require.NoError(t, s.Relocate("tank"))
	name, err := s.PoolName()
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestVMStoreActivePoolRule(t *testing.T) {
	store := kvstore.NewMemoryStore()
	vm := &VMStore{Store: store}
	require.NoError(t, store.SetValue(attachments.SubsystemVMDevices, "dev1", "path: /mnt/tank/vm/disk0\n"))

	// not the active pool: the binding does not count as attached
	ids, err := vm.DevicesOnPool("/mnt/tank")
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, store.SetValue(workloadStore, workloadPoolKey, "/mnt/tank"))
	ids, err = vm.DevicesOnPool("/mnt/tank")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev1"}, ids)

	require.NoError(t, vm.StopWorkloads("/mnt/tank"))
	ids, err = vm.DevicesOnPool("/mnt/tank")
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, vm.DeleteDevice("dev1"))
	_, err = store.GetValue(attachments.SubsystemVMDevices, "dev1")
	assert.True(t, kvstore.IsNotExist(err))
}

func TestFileAuth(t *testing.T) {
	sum := sha256.Sum256([]byte("hunter2"))
	path := filepath.Join(t.TempDir(), "users.ini")
	content := "[users]\nroot = " + hex.EncodeToString(sum[:]) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	auth := &FileAuth{Path: path}
	assert.NoError(t, auth.CheckPassword("root", "hunter2"))
	assert.Error(t, auth.CheckPassword("root", "wrong"))
	assert.Error(t, auth.CheckPassword("nobody", "hunter2"))
}
