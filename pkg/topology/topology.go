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

// Package topology models a pool's device tree: roots grouping vdevs by role,
// vdevs grouping member devices by redundancy type, and leaf devices that may
// resolve down to a physical disk. A tree is parsed from pool status output,
// never mutated in place; every status refresh builds a new tree.
package topology

import (
	"path"
	"strings"

	"github.com/coreos/pkg/capnslog"
)

var logger = capnslog.NewPackageLogger("github.com/zpoold/zpoold", "topology")

// VdevType is the redundancy scheme of a device group.
type VdevType int

const (
	Stripe VdevType = iota
	Mirror
	Raidz1
	Raidz2
	Raidz3
	Spare
)

func (t VdevType) String() string {
	switch t {
	case Stripe:
		return "stripe"
	case Mirror:
		return "mirror"
	case Raidz1:
		return "raidz1"
	case Raidz2:
		return "raidz2"
	case Raidz3:
		return "raidz3"
	case Spare:
		return "spare"
	}
	return "unknown"
}

// MinMembers is the smallest member count a group of this type can be created
// with.
func (t VdevType) MinMembers() int {
	switch t {
	case Mirror:
		return 2
	case Raidz1:
		return 3
	case Raidz2:
		return 4
	case Raidz3:
		return 5
	}
	return 1
}

// vdevKeywords maps group keywords to their type. The raidz variants come
// before the bare "raidz" keyword so a prefix match never misclassifies them.
var vdevKeywords = []struct {
	keyword string
	vtype   VdevType
}{
	{"raidz3", Raidz3},
	{"raidz2", Raidz2},
	{"raidz1", Raidz1},
	{"raidz", Raidz1},
	{"mirror", Mirror},
	{"spare", Spare},
	{"stripe", Stripe},
}

// ParseVdevType classifies a group name by its leading keyword, matched
// case-insensitively with an optional "-N" ordinal suffix. Returns false for
// names that are not group keywords, i.e. devices.
func ParseVdevType(name string) (VdevType, bool) {
	name = strings.ToLower(name)
	for _, k := range vdevKeywords {
		if name == k.keyword || strings.HasPrefix(name, k.keyword+"-") {
			return k.vtype, true
		}
	}
	return Stripe, false
}

// Kind tags the variant of a tree node.
type Kind int

const (
	KindRoot Kind = iota
	KindVdev
	KindDevice
)

// RootRole identifies what a root group contributes to the pool.
type RootRole string

const (
	RoleData  RootRole = "data"
	RoleLog   RootRole = "log"
	RoleCache RootRole = "cache"
	RoleSpare RootRole = "spare"
)

// NodeID addresses a node inside its tree's arena.
type NodeID int

// NoParent is the parent id of root nodes.
const NoParent NodeID = -1

// Node is one entry of the tree arena. Parent and Children are arena indexes
// rather than pointers so the tree stays an acyclic value that can be
// replaced wholesale.
type Node struct {
	Kind   Kind
	Name   string
	Status string

	// io error counters from the status report
	Read     uint64
	Write    uint64
	Checksum uint64

	Parent   NodeID
	Children []NodeID

	// Role is set on roots only.
	Role RootRole

	// Type is set on vdevs only.
	Type VdevType

	// Path is the device path when the status report carries full paths.
	Path string

	// GUID is the stable vdev identifier, filled in when the tree is parsed
	// from a pair of reports, see ParseWithGUIDs.
	GUID string

	// Disk is the physical disk backing a device, empty while unresolved.
	// Unresolved is a valid terminal state.
	Disk string
}

// Tree is the parsed topology of one pool.
type Tree struct {
	Pool  string
	Scan  ScanStatus
	Nodes []Node
	Roots []NodeID
}

// ScanStatus summarizes the scan line of a status report.
type ScanStatus struct {
	Function string // "scrub" or "resilver", empty when no scan ran
	State    string // "scanning", "finished" or "canceled"
	Percent  float64
}

// Resilvering reports whether a resilver is currently running on the pool.
func (s ScanStatus) Resilvering() bool {
	return s.Function == "resilver" && s.State == "scanning"
}

func (t *Tree) add(n Node) NodeID {
	id := NodeID(len(t.Nodes))
	t.Nodes = append(t.Nodes, n)
	if n.Parent != NoParent {
		t.Nodes[n.Parent].Children = append(t.Nodes[n.Parent].Children, id)
	} else {
		t.Roots = append(t.Roots, id)
	}
	return id
}

// Node returns the node at id. The id must come from this tree.
func (t *Tree) Node(id NodeID) *Node {
	return &t.Nodes[id]
}

// Root returns the root of the given role, or false when the pool has no
// such group.
func (t *Tree) Root(role RootRole) (NodeID, bool) {
	for _, id := range t.Roots {
		if t.Nodes[id].Role == role {
			return id, true
		}
	}
	return 0, false
}

// Validate normalizes the tree shape: any leaf device hanging directly under
// a root is moved into a synthetic stripe group so every root-to-device path
// has uniform depth. Sibling order is preserved and running Validate again is
// a no-op.
func (t *Tree) Validate() {
	for _, rootID := range t.Roots {
		root := &t.Nodes[rootID]
		for i, childID := range root.Children {
			child := &t.Nodes[childID]
			if child.Kind != KindDevice {
				continue
			}

			wrapper := Node{
				Kind:   KindVdev,
				Name:   Stripe.String(),
				Type:   Stripe,
				Status: child.Status,
				Parent: rootID,
			}
			wrapperID := NodeID(len(t.Nodes))
			t.Nodes = append(t.Nodes, wrapper)

			// splice the wrapper into the child's slot to keep order
			t.Nodes[rootID].Children[i] = wrapperID
			t.Nodes[wrapperID].Children = []NodeID{childID}
			t.Nodes[childID].Parent = wrapperID
		}
	}
}

// FindNotOnline collects every leaf device whose status is not ONLINE or
// AVAIL, in tree order.
func (t *Tree) FindNotOnline() []NodeID {
	var out []NodeID
	t.walk(func(id NodeID, n *Node) {
		if n.Kind == KindDevice && n.Status != "ONLINE" && n.Status != "AVAIL" {
			out = append(out, id)
		}
	})
	return out
}

// Devices enumerates the names of all leaf devices across every root group,
// in tree order.
func (t *Tree) Devices() []string {
	var out []string
	t.walk(func(_ NodeID, n *Node) {
		if n.Kind == KindDevice {
			out = append(out, n.Name)
		}
	})
	return out
}

// Disks enumerates the resolved physical disks across every root group, in
// tree order. Unresolved devices are skipped.
func (t *Tree) Disks() []string {
	var out []string
	t.walk(func(_ NodeID, n *Node) {
		if n.Kind == KindDevice && n.Disk != "" {
			out = append(out, n.Disk)
		}
	})
	return out
}

// FindDevice locates a leaf device by label: its guid, its name, its device
// path or the path basename. Depth-first so the first match in tree order
// wins.
func (t *Tree) FindDevice(label string) (NodeID, bool) {
	var found NodeID
	ok := false
	t.walk(func(id NodeID, n *Node) {
		if ok || n.Kind != KindDevice {
			return
		}
		if n.GUID == label || n.Name == label || n.Path == label ||
			(n.Path != "" && path.Base(n.Path) == label) {
			found, ok = id, true
		}
	})
	return found, ok
}

// walk visits every node depth-first in sibling order.
func (t *Tree) walk(visit func(NodeID, *Node)) {
	var rec func(NodeID)
	rec = func(id NodeID) {
		visit(id, &t.Nodes[id])
		for _, c := range t.Nodes[id].Children {
			rec(c)
		}
	}
	for _, r := range t.Roots {
		rec(r)
	}
}

// Resolver maps a device name from a status report down to its physical
// disk, following encryption and partition indirections. An empty disk with
// nil error means the device could not be resolved, which is valid.
type Resolver interface {
	ResolveDisk(device string) (string, error)
}

// ResolveDisks fills in the Disk field of every leaf device using the given
// resolver. Resolution failures are logged and leave the device unresolved.
func (t *Tree) ResolveDisks(r Resolver) {
	t.walk(func(_ NodeID, n *Node) {
		if n.Kind != KindDevice {
			return
		}
		name := n.Name
		if n.Path != "" {
			name = path.Base(n.Path)
		}
		disk, err := r.ResolveDisk(name)
		if err != nil {
			logger.Warningf("failed to resolve device %s: %v", name, err)
			return
		}
		n.Disk = disk
	})
}
