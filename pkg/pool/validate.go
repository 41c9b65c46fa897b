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
	"fmt"

	"github.com/zpoold/zpoold/pkg/topology"
)

// VdevGroupSpec is one requested device group.
type VdevGroupSpec struct {
	Type  topology.VdevType
	Disks []string
}

// TopologySpec is the requested device layout of a create or update. Cache,
// log and spare are single groups, a pool carries at most one of each.
type TopologySpec struct {
	Data  []VdevGroupSpec
	Cache []string
	Log   []string
	Spare []string
}

// AllDisks lists every disk the spec references, data groups first, in
// request order.
func (t TopologySpec) AllDisks() []string {
	var disks []string
	for _, g := range t.Data {
		disks = append(disks, g.Disks...)
	}
	disks = append(disks, t.Cache...)
	disks = append(disks, t.Log...)
	disks = append(disks, t.Spare...)
	return disks
}

// validateTopology collects every violation in a requested layout. When
// existingType is set the request extends a pool whose data vdevs already
// have that redundancy type, and the new groups must match it. All
// violations are aggregated before any is reported.
func (s *Service) validateTopology(v *ValidationErrors, spec TopologySpec, existingType *topology.VdevType, requireData bool) {
	if requireData && len(spec.Data) == 0 {
		v.Add("topology.data", "at least one data vdev group is required")
	}

	groupType := existingType
	for i, g := range spec.Data {
		field := fmt.Sprintf("topology.data.%d", i)
		if len(g.Disks) < g.Type.MinMembers() {
			v.Add(field, "a %s vdev requires at least %d disks, got %d",
				g.Type, g.Type.MinMembers(), len(g.Disks))
		}
		if groupType == nil {
			t := g.Type
			groupType = &t
		} else if g.Type != *groupType {
			v.Add(field, "all data vdevs must share one redundancy type, %s does not match %s",
				g.Type, *groupType)
		}
	}

	seen := map[string]bool{}
	for _, disk := range spec.AllDisks() {
		if seen[disk] {
			v.Add("topology", "disk %s is used more than once", disk)
			continue
		}
		seen[disk] = true

		exists, err := s.inventory.Exists(disk)
		if err != nil {
			v.Add("topology", "failed to inspect disk %s: %v", disk, err)
			continue
		}
		if !exists {
			v.Add("topology", "disk %s does not exist", disk)
			continue
		}
		reservedBy, err := s.inventory.ReservedBy(disk)
		if err != nil {
			v.Add("topology", "failed to inspect disk %s: %v", disk, err)
			continue
		}
		if reservedBy != "" {
			v.Add("topology", "disk %s is in use by %s", disk, reservedBy)
		}
	}
}

// existingDataType reads the redundancy type of a pool's current data vdevs.
// Plain-disk leaves were already wrapped into synthetic stripe groups by the
// parser, so the first data child is always a vdev.
func existingDataType(tree *topology.Tree) *topology.VdevType {
	dataID, ok := tree.Root(topology.RoleData)
	if !ok {
		return nil
	}
	for _, childID := range tree.Node(dataID).Children {
		child := tree.Node(childID)
		if child.Kind == topology.KindVdev {
			t := child.Type
			return &t
		}
	}
	return nil
}
