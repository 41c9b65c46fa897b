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

package resilver

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// DefaultTunablesRoot is where the kernel module exposes the scan throttle
// parameters.
const DefaultTunablesRoot = "/sys/module/zfs/parameters"

// Tunables writes scan throttle profiles to the kernel. Root is overridable
// for tests.
type Tunables struct {
	Root string
}

func (t *Tunables) root() string {
	if t.Root == "" {
		return DefaultTunablesRoot
	}
	return t.Root
}

// Apply writes the three parameters of a profile.
func (t *Tunables) Apply(p Profile) error {
	params := map[string]int{
		"zfs_resilver_delay":       p.Delay,
		"zfs_resilver_min_time_ms": p.MinTime,
		"zfs_scan_idle":            p.Idle,
	}
	for name, value := range params {
		path := filepath.Join(t.root(), name)
		if err := os.WriteFile(path, []byte(strconv.Itoa(value)), 0o644); err != nil {
			return errors.Wrapf(err, "failed to set %s", name)
		}
	}
	return nil
}
