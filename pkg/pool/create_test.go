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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpoold/zpoold/pkg/registry"
	"github.com/zpoold/zpoold/pkg/topology"
	exectest "github.com/zpoold/zpoold/pkg/util/exec/exectest"
)

const (
	uuidA = "0f0e0d0c-1111-4222-8333-444455556666"
	uuidB = "0f0e0d0c-2222-4222-8333-444455556666"
	uuidC = "0f0e0d0c-3333-4222-8333-444455556666"
)

const tankStatus = `  pool: tank
 state: ONLINE
  scan: none requested
config:

	NAME                                          STATE     READ WRITE CKSUM
	tank                                          ONLINE       0     0     0
	  /dev/disk/by-partuuid/` + uuidA + `  ONLINE       0     0     0

errors: No known data errors
`

const tankGUIDStatus = `  pool: tank
 state: ONLINE
  scan: none requested
config:

	NAME                                          STATE     READ WRITE CKSUM
	tank                                          ONLINE       0     0     0
	  7777                                        ONLINE       0     0     0

errors: No known data errors
`

// scriptTankOnline wires everything Get needs for an imported single-disk
// pool named tank on sda.
func scriptTankOnline(h *harness) {
	h.script.on("zpool get -H -o value health tank", "ONLINE\n")
	h.script.on("zpool status -P tank", tankStatus)
	h.script.on("zpool status -g -P tank", tankGUIDStatus)
	h.script.on("blkid --match-token PARTUUID="+uuidA+" --output device", "/dev/sda2\n")
	h.script.on("lsblk --noheadings --nodeps --output PKNAME /dev/sda2", "sda\n")
}

func TestCreateValidationAggregates(t *testing.T) {
	h := newHarness(t)
	h.inventory.disks["sda"] = true
	h.inventory.disks["sdb"] = true
	h.inventory.disks["sdd"] = true
	h.inventory.reserved["sdd"] = "boot"

	j := h.svc.Create(CreateRequest{
		Name: "tank",
		Topology: TopologySpec{
			Data: []VdevGroupSpec{
				{Type: topology.Mirror, Disks: []string{"sda", "sdb"}},
				{Type: topology.Raidz1, Disks: []string{"sdc", "sdd"}},
			},
			Cache: []string{"sda"},
		},
	})
	err := wait(t, j)
	require.Error(t, err)

	v, ok := err.(*ValidationErrors)
	require.True(t, ok, "expected aggregated validation errors, got %v", err)
	violations := v.Violations()

	// every problem surfaces in one response: the raidz group is short and
	// mismatched, one disk is missing, one reserved, one duplicated
	assert.Len(t, violations, 5)
	assert.Contains(t, v.Error(), "requires at least 3 disks")
	assert.Contains(t, v.Error(), "does not match mirror")
	assert.Contains(t, v.Error(), "disk sdc does not exist")
	assert.Contains(t, v.Error(), "disk sdd is in use by boot")
	assert.Contains(t, v.Error(), "disk sda is used more than once")

	// validation failures leave nothing behind
	rec, err := h.registry.GetPoolByName("tank")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, h.script.called(t, "sgdisk"))
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	h := newHarness(t)
	h.addPool(t, &registry.PoolRecord{ID: "p1", Name: "tank", GUID: "111"})
	h.inventory.disks["sda"] = true

	j := h.svc.Create(CreateRequest{
		Name: "tank",
		Topology: TopologySpec{
			Data: []VdevGroupSpec{{Type: topology.Stripe, Disks: []string{"sda"}}},
		},
	})
	err := wait(t, j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `a pool named "tank" already exists`)
}

func TestCreateStripePool(t *testing.T) {
	h := newHarness(t)
	h.inventory.disks["sda"] = true
	h.script.on("blkid --output value --match-tag PARTUUID /dev/sda2", uuidA+"\n")
	h.script.on("zpool get -H -o value guid tank", "111222333\n")
	scriptTankOnline(h)

	j := h.svc.Create(CreateRequest{
		Name: "tank",
		Topology: TopologySpec{
			Data: []VdevGroupSpec{{Type: topology.Stripe, Disks: []string{"sda"}}},
		},
	})
	require.NoError(t, wait(t, j))

	p, ok := j.Result().(*Pool)
	require.True(t, ok)
	assert.Equal(t, "tank", p.Name)
	assert.Equal(t, StatusOnline, p.Status)
	assert.Equal(t, "111222333", p.GUID)
	assert.Equal(t, registry.EncryptionNone, p.Encryption)
	require.NotNil(t, p.Topology)
	assert.Equal(t, []string{"sda"}, p.Topology.Disks())

	// the data partition is consumed by stable partuuid path
	assert.True(t, h.script.called(t, "--new=1:0:+2G --typecode=1:8200"))
	assert.True(t, h.script.called(t, "zpool create"))
	assert.True(t, h.script.called(t, "/dev/disk/by-partuuid/"+uuidA))
	assert.True(t, h.script.called(t, "swapon /dev/sda1"))

	rec, err := h.registry.GetPoolByName("tank")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "111222333", rec.GUID)

	// a fresh pool starts with the default scan policy
	policy, err := h.registry.GetResilverPolicy(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.DefaultResilverPolicy(), policy)
}

func TestCreateEncryptedPool(t *testing.T) {
	h := newHarness(t)
	h.inventory.disks["sda"] = true
	h.script.on("blkid --output value --match-tag PARTUUID /dev/sda2", uuidA+"\n")
	h.script.on("zpool get -H -o value guid vault", "444555666\n")
	h.script.on("zpool get -H -o value health vault", "ONLINE\n")
	h.script.on("zpool status -P vault", tankStatus)
	h.script.on("zpool status -g -P vault", tankGUIDStatus)
	h.script.on("blkid --match-token PARTUUID="+uuidA+" --output device", "/dev/sda2\n")
	h.script.on("lsblk --noheadings --nodeps --output PKNAME /dev/sda2", "sda\n")

	j := h.svc.Create(CreateRequest{
		Name:    "vault",
		Encrypt: true,
		Topology: TopologySpec{
			Data: []VdevGroupSpec{{Type: topology.Stripe, Disks: []string{"sda"}}},
		},
	})
	require.NoError(t, wait(t, j))

	rec, err := h.registry.GetPoolByName("vault")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, registry.EncryptionKeyfile, rec.Encryption)
	assert.FileExists(t, rec.KeyPath)

	// the data partition went through the encryption layer
	assert.True(t, h.script.called(t, "luksFormat --type luks2 /dev/sda2"))
	assert.True(t, h.script.called(t, "open /dev/disk/by-partuuid/"+uuidA+" luks-"+uuidA))

	encDisks, err := h.registry.ListEncryptedDisks(rec.ID)
	require.NoError(t, err)
	require.Len(t, encDisks, 1)
	assert.Equal(t, "sda", encDisks[0].Disk)
	assert.Equal(t, "luks-"+uuidA, encDisks[0].Provider)
}

func TestCreateRollsBackOnFailure(t *testing.T) {
	h := newHarness(t)
	h.inventory.disks["sda"] = true
	h.script.on("blkid --output value --match-tag PARTUUID /dev/sda2", uuidA+"\n")
	h.script.fail("zpool create", "one or more devices is busy", &exectest.MockError{Status: 1})

	j := h.svc.Create(CreateRequest{
		Name:    "vault",
		Encrypt: true,
		Topology: TopologySpec{
			Data: []VdevGroupSpec{{Type: topology.Stripe, Disks: []string{"sda"}}},
		},
	})
	err := wait(t, j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "devices is busy")

	// no registry row, no key file, the encryption mapping closed again
	rec, regErr := h.registry.GetPoolByName("vault")
	require.NoError(t, regErr)
	assert.Nil(t, rec)
	keys, globErr := filepath.Glob(filepath.Join(h.svc.context.KeyDir, "*"))
	require.NoError(t, globErr)
	assert.Empty(t, keys)
	assert.True(t, h.script.called(t, "cryptsetup close luks-"+uuidA))
	// creation never got far enough for a destroy
	assert.False(t, h.script.called(t, "zpool destroy"))
}

func TestCreateRollsBackAfterPoolExists(t *testing.T) {
	h := newHarness(t)
	h.inventory.disks["sda"] = true
	h.script.on("blkid --output value --match-tag PARTUUID /dev/sda2", uuidA+"\n")
	h.script.fail("zpool get -H -o value guid tank", "", &exectest.MockError{Status: 1})

	j := h.svc.Create(CreateRequest{
		Name: "tank",
		Topology: TopologySpec{
			Data: []VdevGroupSpec{{Type: topology.Stripe, Disks: []string{"sda"}}},
		},
	})
	require.Error(t, wait(t, j))

	// the half-made pool is destroyed again
	assert.True(t, h.script.called(t, "zpool destroy -f tank"))
	rec, err := h.registry.GetPoolByName("tank")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpdateRejectsMismatchedVdevType(t *testing.T) {
	h := newHarness(t)
	rec := h.addPool(t, &registry.PoolRecord{ID: "p1", Name: "tank", GUID: "111"})
	h.inventory.disks["sdb"] = true
	h.inventory.disks["sdc"] = true

	// the live pool is a single stripe disk, wrapped as a synthetic stripe
	h.script.on("zpool status -P tank", tankStatus)
	h.script.on("zpool status -g -P tank", tankGUIDStatus)
	h.script.on("blkid --match-token PARTUUID="+uuidA+" --output device", "/dev/sda2\n")
	h.script.on("lsblk --noheadings --nodeps --output PKNAME /dev/sda2", "sda\n")

	j := h.svc.Update(rec.ID, UpdateRequest{
		Topology: TopologySpec{
			Data: []VdevGroupSpec{{Type: topology.Mirror, Disks: []string{"sdb", "sdc"}}},
		},
	})
	err := wait(t, j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mirror does not match stripe")
	assert.False(t, h.script.called(t, "zpool add"))
}

func TestUpdateExtendsWithMatchingGroup(t *testing.T) {
	h := newHarness(t)
	rec := h.addPool(t, &registry.PoolRecord{ID: "p1", Name: "tank", GUID: "111"})
	h.inventory.disks["sdb"] = true
	scriptTankOnline(h)
	h.script.on("blkid --output value --match-tag PARTUUID /dev/sdb2", uuidB+"\n")

	j := h.svc.Update(rec.ID, UpdateRequest{
		Topology: TopologySpec{
			Data: []VdevGroupSpec{{Type: topology.Stripe, Disks: []string{"sdb"}}},
		},
	})
	require.NoError(t, wait(t, j))

	assert.True(t, h.script.called(t, "zpool add -f tank /dev/disk/by-partuuid/"+uuidB))
	assert.True(t, h.script.called(t, "swapon /dev/sdb1"))
}

func TestMountPointPlacement(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, filepath.Join("/mnt", "tank"), h.svc.mountPoint("tank"))
}
