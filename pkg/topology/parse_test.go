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

package topology

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mirrorStatus = `  pool: tank
 state: ONLINE
  scan: scrub repaired 0B in 00:05:12 with 0 errors on Sun Aug  2 00:29:13 2026
config:

	NAME          STATE     READ WRITE CKSUM
	tank          ONLINE       0     0     0
	  mirror-0    ONLINE       0     0     0
	    sda2      ONLINE       0     0     0
	    sdb2      ONLINE       0     0     0
	  mirror-1    ONLINE       0     0     0
	    sdc2      ONLINE       0     0     0
	    sdd2      ONLINE       0     0     3
	logs
	  sde1        ONLINE       0     0     0
	cache
	  sdf1        ONLINE       0     0     0
	spares
	  sdg2        AVAIL

errors: No known data errors
`

func TestParseMirrorPool(t *testing.T) {
	tree, err := Parse(mirrorStatus)
	require.NoError(t, err)

	assert.Equal(t, "tank", tree.Pool)
	assert.Equal(t, ScanStatus{Function: "scrub", State: "finished", Percent: 100}, tree.Scan)
	require.Len(t, tree.Roots, 4)

	dataID, ok := tree.Root(RoleData)
	require.True(t, ok)
	data := tree.Node(dataID)
	require.Len(t, data.Children, 2)

	m0 := tree.Node(data.Children[0])
	assert.Equal(t, KindVdev, m0.Kind)
	assert.Equal(t, Mirror, m0.Type)
	require.Len(t, m0.Children, 2)
	assert.Equal(t, "sda2", tree.Node(m0.Children[0]).Name)

	m1 := tree.Node(data.Children[1])
	assert.Equal(t, uint64(3), tree.Node(m1.Children[1]).Checksum)

	// log and cache orphans are wrapped into synthetic stripes
	logID, ok := tree.Root(RoleLog)
	require.True(t, ok)
	wrapper := tree.Node(tree.Node(logID).Children[0])
	assert.Equal(t, KindVdev, wrapper.Kind)
	assert.Equal(t, Stripe, wrapper.Type)
	assert.Equal(t, "sde1", tree.Node(wrapper.Children[0]).Name)
}

func TestParseLevelSkipAfterShallowerRow(t *testing.T) {
	// sde1 skips a nesting level; the mirror of the earlier subtree must not
	// adopt it
	raw := `config:

	NAME          STATE     READ WRITE CKSUM
	tank          ONLINE       0     0     0
	  mirror-0    ONLINE       0     0     0
	    sda2      ONLINE       0     0     0
	    sdb2      ONLINE       0     0     0
	logs
	    sde1      ONLINE       0     0     0
`
	_, err := Parse(raw)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, err.Error(), "skips a nesting level")
}

func TestParseDeviceOrder(t *testing.T) {
	tree, err := Parse(mirrorStatus)
	require.NoError(t, err)

	want := []string{"sda2", "sdb2", "sdc2", "sdd2", "sde1", "sdf1", "sdg2"}
	if diff := cmp.Diff(want, tree.Devices()); diff != "" {
		t.Errorf("unexpected device listing (-want +got):\n%s", diff)
	}
}

func TestParseNoConfigSection(t *testing.T) {
	_, err := Parse("  pool: tank\n state: ONLINE\n")
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestParseReplacingSkipped(t *testing.T) {
	raw := `config:

	NAME             STATE     READ WRITE CKSUM
	tank             DEGRADED     0     0     0
	  mirror-0       DEGRADED     0     0     0
	    replacing-0  DEGRADED     0     0     0
	      sda2       OFFLINE      0     0     0
	      sdc2       ONLINE       0     0     0
	    sdb2         ONLINE       0     0     0
`
	tree, err := Parse(raw)
	require.NoError(t, err)

	dataID, _ := tree.Root(RoleData)
	mirror := tree.Node(tree.Node(dataID).Children[0])
	// both replacing members hang off the mirror directly
	require.Len(t, mirror.Children, 3)
	assert.Equal(t, "sda2", tree.Node(mirror.Children[0]).Name)
	assert.Equal(t, "sdc2", tree.Node(mirror.Children[1]).Name)
	assert.Equal(t, "sdb2", tree.Node(mirror.Children[2]).Name)
}

func TestParseNestedSpare(t *testing.T) {
	raw := `config:

	NAME           STATE     READ WRITE CKSUM
	tank           DEGRADED     0     0     0
	  mirror-0     DEGRADED     0     0     0
	    spare-0    DEGRADED     0     0     0
	      sda2     UNAVAIL      0     0     0
	      sdg2     ONLINE       0     0     0
	    sdb2       ONLINE       0     0     0
	spares
	  sdg2         INUSE
`
	tree, err := Parse(raw)
	require.NoError(t, err)

	dataID, _ := tree.Root(RoleData)
	mirror := tree.Node(tree.Node(dataID).Children[0])
	require.Len(t, mirror.Children, 2)

	spare := tree.Node(mirror.Children[0])
	assert.Equal(t, KindVdev, spare.Kind)
	assert.Equal(t, Spare, spare.Type)
	require.Len(t, spare.Children, 2)
	assert.Equal(t, "UNAVAIL", tree.Node(spare.Children[0]).Status)
}

func TestParseDevicePaths(t *testing.T) {
	raw := `config:

	NAME                          STATE     READ WRITE CKSUM
	tank                          ONLINE       0     0     0
	  mirror-0                    ONLINE       0     0     0
	    /dev/mapper/luks-aaaa     ONLINE       0     0     0
	    /dev/sdb2                 ONLINE       0     0     0
`
	tree, err := Parse(raw)
	require.NoError(t, err)

	dataID, _ := tree.Root(RoleData)
	mirror := tree.Node(tree.Node(dataID).Children[0])
	dev := tree.Node(mirror.Children[0])
	assert.Equal(t, "luks-aaaa", dev.Name)
	assert.Equal(t, "/dev/mapper/luks-aaaa", dev.Path)
}

func TestParseWithGUIDs(t *testing.T) {
	raw := `config:

	NAME          STATE     READ WRITE CKSUM
	tank          ONLINE       0     0     0
	  mirror-0    ONLINE       0     0     0
	    /dev/sda2 ONLINE       0     0     0
	    /dev/sdb2 ONLINE       0     0     0
`
	guidRaw := `config:

	NAME                     STATE     READ WRITE CKSUM
	tank                     ONLINE       0     0     0
	  6165387285599229432    ONLINE       0     0     0
	    11558224567673662701 ONLINE       0     0     0
	    17339179305247974590 ONLINE       0     0     0
`
	tree, err := ParseWithGUIDs(raw, guidRaw)
	require.NoError(t, err)

	dataID, _ := tree.Root(RoleData)
	mirror := tree.Node(tree.Node(dataID).Children[0])
	assert.Equal(t, "6165387285599229432", mirror.GUID)
	assert.Equal(t, "11558224567673662701", tree.Node(mirror.Children[0]).GUID)

	id, ok := tree.FindDevice("17339179305247974590")
	require.True(t, ok)
	assert.Equal(t, "sdb2", tree.Node(id).Name)
}

func TestParseResilverProgress(t *testing.T) {
	raw := `  pool: tank
 state: DEGRADED
  scan: resilver in progress since Sun Aug 16 19:10:04 2026
	1.21T scanned at 1.41G/s, 386G issued at 450M/s, 1.21T total
	386G resilvered, 31.13% done, 00:31:53 to go
config:

	NAME        STATE     READ WRITE CKSUM
	tank        DEGRADED     0     0     0
	  sda2      ONLINE       0     0     0
`
	tree, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, tree.Scan.Resilvering())
	assert.InDelta(t, 31.13, tree.Scan.Percent, 0.001)
}
