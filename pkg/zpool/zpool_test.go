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

package zpool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpoold/zpoold/pkg/topology"
	"github.com/zpoold/zpoold/pkg/util/exec/exectest"
)

func TestCreateArgs(t *testing.T) {
	var got []string
	executor := &exectest.MockExecutor{
		MockExecuteCommandWithCombinedOutput: func(command string, arg ...string) (string, error) {
			assert.Equal(t, "zpool", command)
			got = arg
			return "", nil
		},
	}

	layout := Layout{
		Data: []VdevSpec{
			{Type: topology.Mirror, Devices: []string{"/dev/mapper/luks-a", "/dev/mapper/luks-b"}},
			{Type: topology.Mirror, Devices: []string{"/dev/mapper/luks-c", "/dev/mapper/luks-d"}},
		},
		Cache: []string{"/dev/sde1"},
		Spare: []string{"/dev/sdf2"},
	}
	require.NoError(t, Create(executor, "tank", "/mnt/tank", layout))

	joined := strings.Join(got, " ")
	assert.Contains(t, joined, "mountpoint=/mnt/tank")
	assert.Contains(t, joined,
		"tank mirror /dev/mapper/luks-a /dev/mapper/luks-b mirror /dev/mapper/luks-c /dev/mapper/luks-d cache /dev/sde1 spare /dev/sdf2")
}

func TestCreateStripeOmitsKeyword(t *testing.T) {
	var got []string
	executor := &exectest.MockExecutor{
		MockExecuteCommandWithCombinedOutput: func(command string, arg ...string) (string, error) {
			got = arg
			return "", nil
		},
	}

	layout := Layout{Data: []VdevSpec{{Type: topology.Stripe, Devices: []string{"/dev/sda2", "/dev/sdb2"}}}}
	require.NoError(t, Create(executor, "tank", "/mnt/tank", layout))
	assert.NotContains(t, got, "stripe")
	assert.True(t, strings.HasSuffix(strings.Join(got, " "), "tank /dev/sda2 /dev/sdb2"))
}

func TestImportArgs(t *testing.T) {
	var got []string
	executor := &exectest.MockExecutor{
		MockExecuteCommandWithCombinedOutput: func(command string, arg ...string) (string, error) {
			got = arg
			return "", nil
		},
	}

	require.NoError(t, Import(executor, "1234567890", "newname", "/mnt"))
	assert.Equal(t, []string{"import", "-f", "-R", "/mnt", "1234567890", "newname"}, got)
}

func TestParseFindImport(t *testing.T) {
	output := `   pool: tank
     id: 7098916550875757753
  state: ONLINE
 action: The pool can be imported using its name or numeric identifier.
 config:

	tank        ONLINE
	  mirror-0  ONLINE
	    sda2    ONLINE
	    sdb2    ONLINE

   pool: dozer
     id: 11072228782368683235
  state: DEGRADED
 status: One or more devices are missing from the system.
 config:

	dozer       DEGRADED
	  sdc2      ONLINE
`
	pools := parseFindImport(output)
	require.Len(t, pools, 2)
	assert.Equal(t, ImportablePool{Name: "tank", GUID: "7098916550875757753", Status: "ONLINE"}, pools[0])
	assert.Equal(t, "dozer", pools[1].Name)
	assert.Equal(t, "DEGRADED", pools[1].Status)
}

func TestPoolState(t *testing.T) {
	executor := &exectest.MockExecutor{
		MockExecuteCommandWithCombinedOutput: func(command string, arg ...string) (string, error) {
			return "ONLINE\n", nil
		},
	}

	state, err := PoolState(executor, "tank")
	require.NoError(t, err)
	assert.Equal(t, "ONLINE", state)
}

func TestPoolStateNotImported(t *testing.T) {
	// zpool prints the diagnostic on stderr and exits nonzero; stdout stays
	// empty, so only the combined output carries "no such pool"
	executor := &exectest.MockExecutor{
		MockExecuteCommandWithOutput: func(command string, arg ...string) (string, error) {
			return "", &exectest.MockError{Status: 1}
		},
		MockExecuteCommandWithCombinedOutput: func(command string, arg ...string) (string, error) {
			return "cannot open 'tank': no such pool", &exectest.MockError{Status: 1}
		},
	}

	state, err := PoolState(executor, "tank")
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestPoolStateCommandFailure(t *testing.T) {
	executor := &exectest.MockExecutor{
		MockExecuteCommandWithCombinedOutput: func(command string, arg ...string) (string, error) {
			return "internal error: out of memory", &exectest.MockError{Status: 1}
		},
	}

	_, err := PoolState(executor, "tank")
	assert.Error(t, err)
}

func TestIsUpgraded(t *testing.T) {
	props := "version\t-\nfeature@async_destroy\tenabled\nfeature@hole_birth\tactive\n"
	executor := &exectest.MockExecutor{
		MockExecuteCommandWithOutput: func(command string, arg ...string) (string, error) {
			return props, nil
		},
	}

	upgraded, err := IsUpgraded(executor, "tank")
	require.NoError(t, err)
	assert.True(t, upgraded)

	props = "version\t-\nfeature@async_destroy\tdisabled\n"
	upgraded, err = IsUpgraded(executor, "tank")
	require.NoError(t, err)
	assert.False(t, upgraded)

	props = "version\t28\n"
	upgraded, err = IsUpgraded(executor, "tank")
	require.NoError(t, err)
	assert.False(t, upgraded)
}

func TestResolveDiskEncrypted(t *testing.T) {
	executor := &exectest.MockExecutor{
		MockExecuteCommandWithCombinedOutput: func(command string, arg ...string) (string, error) {
			assert.Equal(t, "cryptsetup", command)
			return `/dev/mapper/luks-aaaa is active and is in use.
  type:    LUKS2
  cipher:  aes-xts-plain64
  device:  /dev/sdb2
`, nil
		},
		MockExecuteCommandWithOutput: func(command string, arg ...string) (string, error) {
			assert.Equal(t, "lsblk", command)
			return "sdb\n", nil
		},
	}

	resolver := &DiskResolver{Executor: executor, Pool: "tank"}
	disk, err := resolver.ResolveDisk("luks-aaaa")
	require.NoError(t, err)
	assert.Equal(t, "sdb", disk)
}

func TestResolveDiskInactiveMapping(t *testing.T) {
	executor := &exectest.MockExecutor{
		MockExecuteCommandWithCombinedOutput: func(command string, arg ...string) (string, error) {
			return "Device luks-aaaa not active.", &exectest.MockError{Status: 4}
		},
	}

	resolver := &DiskResolver{Executor: executor, Pool: "tank"}
	disk, err := resolver.ResolveDisk("luks-aaaa")
	require.NoError(t, err)
	assert.Empty(t, disk)
}

func TestResolveDiskByGUID(t *testing.T) {
	statusOut := `config:

	NAME          STATE     READ WRITE CKSUM
	tank          ONLINE       0     0     0
	  /dev/sda2   ONLINE       0     0     0
`
	guidOut := `config:

	NAME                     STATE     READ WRITE CKSUM
	tank                     ONLINE       0     0     0
	  11558224567673662701   ONLINE       0     0     0
`
	executor := &exectest.MockExecutor{
		MockExecuteCommandWithOutput: func(command string, arg ...string) (string, error) {
			if command == "zpool" {
				for _, a := range arg {
					if a == "-g" {
						return guidOut, nil
					}
				}
				return statusOut, nil
			}
			// lsblk parent lookup
			return "sda\n", nil
		},
	}

	resolver := &DiskResolver{Executor: executor, Pool: "tank"}
	disk, err := resolver.ResolveDisk("11558224567673662701")
	require.NoError(t, err)
	assert.Equal(t, "sda", disk)
}

func TestLooksLikePartUUID(t *testing.T) {
	assert.True(t, looksLikePartUUID("6ea77ff1-a9cf-4b34-a928-15b1f3dbe875"))
	assert.False(t, looksLikePartUUID("sda2"))
	assert.False(t, looksLikePartUUID("luks-6ea77ff1-a9cf-4b34-a928-15b1f3dbe875"))
}
