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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVdevType(t *testing.T) {
	tests := []struct {
		name   string
		vtype  VdevType
		isVdev bool
	}{
		{"mirror-0", Mirror, true},
		{"MIRROR", Mirror, true},
		{"raidz1-2", Raidz1, true},
		{"raidz", Raidz1, true},
		{"raidz2-0", Raidz2, true},
		{"raidz3", Raidz3, true},
		{"spare-0", Spare, true},
		{"stripe", Stripe, true},
		{"sda2", Stripe, false},
		// device names sharing a keyword prefix are not groups
		{"sparse0", Stripe, false},
		{"mirrored_disk", Stripe, false},
	}
	for _, tt := range tests {
		vtype, isVdev := ParseVdevType(tt.name)
		assert.Equal(t, tt.isVdev, isVdev, tt.name)
		if tt.isVdev {
			assert.Equal(t, tt.vtype, vtype, tt.name)
		}
	}
}

func TestMinMembers(t *testing.T) {
	assert.Equal(t, 1, Stripe.MinMembers())
	assert.Equal(t, 2, Mirror.MinMembers())
	assert.Equal(t, 3, Raidz1.MinMembers())
	assert.Equal(t, 4, Raidz2.MinMembers())
	assert.Equal(t, 5, Raidz3.MinMembers())
	assert.Equal(t, 1, Spare.MinMembers())
}

// orphanTree builds a root with one bare device child, bypassing Parse.
func orphanTree() *Tree {
	tree := &Tree{Pool: "tank"}
	root := tree.add(Node{Kind: KindRoot, Name: "tank", Role: RoleData, Parent: NoParent})
	tree.add(Node{Kind: KindDevice, Name: "sda2", Status: "ONLINE", Parent: root})
	return tree
}

func TestValidateWrapsOrphans(t *testing.T) {
	tree := orphanTree()
	tree.Validate()

	rootID, _ := tree.Root(RoleData)
	root := tree.Node(rootID)
	require.Len(t, root.Children, 1)

	wrapper := tree.Node(root.Children[0])
	assert.Equal(t, KindVdev, wrapper.Kind)
	assert.Equal(t, Stripe, wrapper.Type)
	require.Len(t, wrapper.Children, 1)

	dev := tree.Node(wrapper.Children[0])
	assert.Equal(t, "sda2", dev.Name)
	assert.Equal(t, root.Children[0], dev.Parent)
}

func TestValidateIdempotent(t *testing.T) {
	tree := orphanTree()
	tree.Validate()
	nodes := len(tree.Nodes)

	tree.Validate()
	assert.Len(t, tree.Nodes, nodes)
}

func TestValidatePreservesSiblingOrder(t *testing.T) {
	tree := &Tree{Pool: "tank"}
	root := tree.add(Node{Kind: KindRoot, Name: "tank", Role: RoleData, Parent: NoParent})
	tree.add(Node{Kind: KindDevice, Name: "sda2", Parent: root})
	m := tree.add(Node{Kind: KindVdev, Name: "mirror-0", Type: Mirror, Parent: root})
	tree.add(Node{Kind: KindDevice, Name: "sdb2", Parent: m})
	tree.add(Node{Kind: KindDevice, Name: "sdc2", Parent: root})
	tree.Validate()

	children := tree.Node(root).Children
	require.Len(t, children, 3)
	assert.Equal(t, "sda2", tree.Node(tree.Node(children[0]).Children[0]).Name)
	assert.Equal(t, "mirror-0", tree.Node(children[1]).Name)
	assert.Equal(t, "sdc2", tree.Node(tree.Node(children[2]).Children[0]).Name)
}

func TestFindNotOnline(t *testing.T) {
	tree, err := Parse(`config:

	NAME          STATE     READ WRITE CKSUM
	tank          DEGRADED     0     0     0
	  mirror-0    DEGRADED     0     0     0
	    sda2      UNAVAIL      0     0     0
	    sdb2      ONLINE       0     0     0
	spares
	  sdg2        AVAIL
`)
	require.NoError(t, err)

	notOnline := tree.FindNotOnline()
	require.Len(t, notOnline, 1)
	assert.Equal(t, "sda2", tree.Node(notOnline[0]).Name)
}

type mapResolver map[string]string

func (r mapResolver) ResolveDisk(device string) (string, error) {
	return r[device], nil
}

func TestResolveDisksAndEnumerate(t *testing.T) {
	tree, err := Parse(mirrorStatus)
	require.NoError(t, err)

	tree.ResolveDisks(mapResolver{
		"sda2": "sda", "sdb2": "sdb", "sdc2": "sdc", "sdd2": "sdd",
		"sde1": "sde", "sdf1": "sdf",
		// sdg2 stays unresolved
	})

	assert.Equal(t,
		[]string{"sda2", "sdb2", "sdc2", "sdd2", "sde1", "sdf1", "sdg2"},
		tree.Devices())
	assert.Equal(t,
		[]string{"sda", "sdb", "sdc", "sdd", "sde", "sdf"},
		tree.Disks())
}

func TestFindDeviceByPath(t *testing.T) {
	tree, err := Parse(`config:

	NAME            STATE     READ WRITE CKSUM
	tank            ONLINE       0     0     0
	  /dev/sda2     ONLINE       0     0     0
`)
	require.NoError(t, err)

	id, ok := tree.FindDevice("/dev/sda2")
	require.True(t, ok)
	assert.Equal(t, "sda2", tree.Node(id).Name)

	_, ok = tree.FindDevice("sdz9")
	assert.False(t, ok)
}
