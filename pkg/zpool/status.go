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

	"github.com/pkg/errors"

	"github.com/zpoold/zpoold/pkg/topology"
	"github.com/zpoold/zpoold/pkg/util/exec"
)

// Status inspects a pool and returns its topology tree with vdev guids
// attached and physical disks resolved.
func Status(executor exec.Executor, pool string) (*topology.Tree, error) {
	raw, err := executor.ExecuteCommandWithOutput(zpoolCmd, "status", "-P", pool)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get status of pool %q", pool)
	}
	guidRaw, err := executor.ExecuteCommandWithOutput(zpoolCmd, "status", "-g", "-P", pool)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get guid status of pool %q", pool)
	}

	tree, err := topology.ParseWithGUIDs(raw, guidRaw)
	if err != nil {
		return nil, err
	}
	tree.ResolveDisks(&DiskResolver{Executor: executor, Pool: pool})
	return tree, nil
}

// PoolState returns the live state of a pool (ONLINE, DEGRADED, ...) or
// empty when the pool is not imported. The combined output is inspected
// because zpool prints the "no such pool" diagnostic on stderr.
func PoolState(executor exec.Executor, pool string) (string, error) {
	output, err := executor.ExecuteCommandWithCombinedOutput(
		zpoolCmd, "get", "-H", "-o", "value", "health", pool)
	if err != nil {
		if strings.Contains(output, "no such pool") {
			return "", nil
		}
		return "", errors.Wrapf(err, "failed to read health of pool %q", pool)
	}
	return strings.TrimSpace(output), nil
}

// ImportablePool is one exported-but-present pool discovered on the host's
// disks.
type ImportablePool struct {
	Name     string
	GUID     string
	Status   string
	Hostname string
}

// FindImport scans attached disks for pools that could be imported.
func FindImport(executor exec.Executor) ([]ImportablePool, error) {
	output, err := executor.ExecuteCommandWithOutput(zpoolCmd, "import")
	if err != nil {
		// nothing importable also exits nonzero
		if strings.TrimSpace(output) == "" {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to scan for importable pools")
	}
	return parseFindImport(output), nil
}

// parseFindImport walks the block-per-pool output of an import scan.
func parseFindImport(output string) []ImportablePool {
	var pools []ImportablePool
	var current *ImportablePool

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "pool:"):
			if current != nil {
				pools = append(pools, *current)
			}
			current = &ImportablePool{Name: strings.TrimSpace(strings.TrimPrefix(trimmed, "pool:"))}
		case current == nil:
			continue
		case strings.HasPrefix(trimmed, "id:"):
			current.GUID = strings.TrimSpace(strings.TrimPrefix(trimmed, "id:"))
		case strings.HasPrefix(trimmed, "state:"):
			current.Status = strings.TrimSpace(strings.TrimPrefix(trimmed, "state:"))
		case strings.HasPrefix(trimmed, "hostname:"):
			current.Hostname = strings.Trim(strings.TrimSpace(strings.TrimPrefix(trimmed, "hostname:")), "'")
		}
	}
	if current != nil {
		pools = append(pools, *current)
	}
	return pools
}
