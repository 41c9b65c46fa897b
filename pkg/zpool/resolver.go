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
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/zpoold/zpoold/pkg/topology"
	"github.com/zpoold/zpoold/pkg/util/exec"
	"github.com/zpoold/zpoold/pkg/util/sys"
)

// DiskResolver maps device names from a status report down to physical
// disks. It peels indirections in order: the encryption layer, then the
// partition label, then the raw provider. A purely numeric name is a vdev
// guid and is first mapped back to its device path.
type DiskResolver struct {
	Executor exec.Executor
	Pool     string
}

func (r *DiskResolver) ResolveDisk(device string) (string, error) {
	if isNumeric(device) {
		devPath, err := VdevPathByGUID(r.Executor, r.Pool, device)
		if err != nil {
			return "", err
		}
		if devPath == "" {
			return "", nil
		}
		device = path.Base(devPath)
	}

	if strings.HasPrefix(device, "luks-") {
		backing, err := backingDevice(r.Executor, device)
		if err != nil {
			return "", err
		}
		if backing == "" {
			return "", nil
		}
		device = path.Base(backing)
	}

	if looksLikePartUUID(device) {
		resolved, err := sys.DeviceFromPartUUID(r.Executor, device)
		if err != nil {
			return "", err
		}
		if resolved == "" {
			return "", nil
		}
		device = resolved
	}

	return sys.ParentDisk(r.Executor, device)
}

// VdevPathByGUID returns the device path of the vdev carrying the guid, or
// empty when the pool has no such member.
func VdevPathByGUID(executor exec.Executor, pool, guid string) (string, error) {
	raw, err := executor.ExecuteCommandWithOutput(zpoolCmd, "status", "-P", pool)
	if err != nil {
		return "", errors.Wrapf(err, "failed to get status of pool %q", pool)
	}
	guidRaw, err := executor.ExecuteCommandWithOutput(zpoolCmd, "status", "-g", "-P", pool)
	if err != nil {
		return "", errors.Wrapf(err, "failed to get guid status of pool %q", pool)
	}

	// note: no disk resolution here, that would recurse into this lookup
	tree, err := topology.ParseWithGUIDs(raw, guidRaw)
	if err != nil {
		return "", err
	}
	id, ok := tree.FindDevice(guid)
	if !ok {
		return "", nil
	}
	return tree.Node(id).Path, nil
}

// backingDevice returns the device under an open encryption mapping, or
// empty when the mapping does not exist.
func backingDevice(executor exec.Executor, mapperName string) (string, error) {
	output, err := executor.ExecuteCommandWithCombinedOutput("cryptsetup", "status", mapperName)
	if err != nil {
		if strings.Contains(output, "not active") || exec.ExitStatus(err) == 4 {
			return "", nil
		}
		return "", errors.Wrapf(err, "failed to inspect encryption mapping %q", mapperName)
	}

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "device:") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "device:")), nil
		}
	}
	return "", nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func looksLikePartUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if r != '-' {
				return false
			}
			continue
		}
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
		if !isHex {
			return false
		}
	}
	return true
}
