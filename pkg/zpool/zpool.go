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

// Package zpool wraps the pool management command line tools. Nothing in here
// decides policy, it only turns requests into commands and output back into
// structures.
package zpool

import (
	"fmt"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/zpoold/zpoold/pkg/topology"
	"github.com/zpoold/zpoold/pkg/util/exec"
)

var logger = capnslog.NewPackageLogger("github.com/zpoold/zpoold", "zpool")

const zpoolCmd = "zpool"

// VdevSpec is one device group of a create or extend request. Devices are
// full device paths.
type VdevSpec struct {
	Type    topology.VdevType
	Devices []string
}

// Layout is the complete device layout of a create or extend request.
type Layout struct {
	Data  []VdevSpec
	Cache []string
	Log   []string
	Spare []string
}

// vdevArgs flattens a layout into command arguments.
func (l Layout) vdevArgs() []string {
	var args []string
	for _, spec := range l.Data {
		if spec.Type != topology.Stripe {
			args = append(args, spec.Type.String())
		}
		args = append(args, spec.Devices...)
	}
	if len(l.Cache) > 0 {
		args = append(args, "cache")
		args = append(args, l.Cache...)
	}
	if len(l.Log) > 0 {
		args = append(args, "log")
		args = append(args, l.Log...)
	}
	if len(l.Spare) > 0 {
		args = append(args, "spare")
		args = append(args, l.Spare...)
	}
	return args
}

// Create builds a new pool with the given layout, mounted under mountPoint.
func Create(executor exec.Executor, name, mountPoint string, layout Layout) error {
	args := []string{
		"create",
		"-o", "failmode=continue",
		"-o", "autoexpand=on",
		"-O", "compression=lz4",
		"-O", "aclmode=passthrough",
		"-O", fmt.Sprintf("mountpoint=%s", mountPoint),
		name,
	}
	args = append(args, layout.vdevArgs()...)
	if output, err := executor.ExecuteCommandWithCombinedOutput(zpoolCmd, args...); err != nil {
		return errors.Wrapf(err, "failed to create pool %q. %s", name, output)
	}
	return nil
}

// Extend adds the layout's device groups to an existing pool.
func Extend(executor exec.Executor, name string, layout Layout) error {
	args := append([]string{"add", "-f", name}, layout.vdevArgs()...)
	if output, err := executor.ExecuteCommandWithCombinedOutput(zpoolCmd, args...); err != nil {
		return errors.Wrapf(err, "failed to extend pool %q. %s", name, output)
	}
	return nil
}

// Replace swaps the member identified by label with a new device and kicks
// off the resilver.
func Replace(executor exec.Executor, pool, label, newDevice string) error {
	if output, err := executor.ExecuteCommandWithCombinedOutput(
		zpoolCmd, "replace", pool, label, newDevice); err != nil {
		return errors.Wrapf(err, "failed to replace %q in pool %q. %s", label, pool, output)
	}
	return nil
}

// Detach removes a member from its mirror or replacing group.
func Detach(executor exec.Executor, pool, label string) error {
	if output, err := executor.ExecuteCommandWithCombinedOutput(
		zpoolCmd, "detach", pool, label); err != nil {
		return errors.Wrapf(err, "failed to detach %q from pool %q. %s", label, pool, output)
	}
	return nil
}

// Offline takes a member out of service without removing it from the pool.
func Offline(executor exec.Executor, pool, label string) error {
	if output, err := executor.ExecuteCommandWithCombinedOutput(
		zpoolCmd, "offline", pool, label); err != nil {
		return errors.Wrapf(err, "failed to offline %q in pool %q. %s", label, pool, output)
	}
	return nil
}

// Online returns an offlined member to service.
func Online(executor exec.Executor, pool, label string) error {
	if output, err := executor.ExecuteCommandWithCombinedOutput(
		zpoolCmd, "online", pool, label); err != nil {
		return errors.Wrapf(err, "failed to online %q in pool %q. %s", label, pool, output)
	}
	return nil
}

// Remove deletes a member or group from the pool entirely.
func Remove(executor exec.Executor, pool, label string) error {
	if output, err := executor.ExecuteCommandWithCombinedOutput(
		zpoolCmd, "remove", pool, label); err != nil {
		return errors.Wrapf(err, "failed to remove %q from pool %q. %s", label, pool, output)
	}
	return nil
}

// Export cleanly exports a pool.
func Export(executor exec.Executor, pool string, force bool) error {
	args := []string{"export"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, pool)
	if output, err := executor.ExecuteCommandWithCombinedOutput(zpoolCmd, args...); err != nil {
		return errors.Wrapf(err, "failed to export pool %q. %s", pool, output)
	}
	return nil
}

// Destroy tears down a pool's on-disk structures.
func Destroy(executor exec.Executor, pool string) error {
	if output, err := executor.ExecuteCommandWithCombinedOutput(
		zpoolCmd, "destroy", "-f", pool); err != nil {
		return errors.Wrapf(err, "failed to destroy pool %q. %s", pool, output)
	}
	return nil
}

// Import brings in an exported pool by guid, optionally renaming it. All
// datasets mount under mountRoot.
func Import(executor exec.Executor, guid, name, mountRoot string) error {
	args := []string{"import", "-f", "-R", mountRoot, guid}
	if name != "" {
		args = append(args, name)
	}
	if output, err := executor.ExecuteCommandWithCombinedOutput(zpoolCmd, args...); err != nil {
		return errors.Wrapf(err, "failed to import pool %q. %s", guid, output)
	}
	return nil
}

// Scrub starts an integrity scan on the pool, or stops the running one.
func Scrub(executor exec.Executor, pool string, stop bool) error {
	args := []string{"scrub"}
	if stop {
		args = append(args, "-s")
	}
	args = append(args, pool)
	if output, err := executor.ExecuteCommandWithCombinedOutput(zpoolCmd, args...); err != nil {
		return errors.Wrapf(err, "failed to scrub pool %q. %s", pool, output)
	}
	return nil
}

// ScrubPause pauses a running scrub. Resuming is another Scrub start.
func ScrubPause(executor exec.Executor, pool string) error {
	if output, err := executor.ExecuteCommandWithCombinedOutput(
		zpoolCmd, "scrub", "-p", pool); err != nil {
		return errors.Wrapf(err, "failed to pause scrub of pool %q. %s", pool, output)
	}
	return nil
}

// GUID returns the pool's stable unique identifier.
func GUID(executor exec.Executor, pool string) (string, error) {
	output, err := executor.ExecuteCommandWithOutput(
		zpoolCmd, "get", "-H", "-o", "value", "guid", pool)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read guid of pool %q", pool)
	}
	return strings.TrimSpace(output), nil
}

// Upgrade enables all supported feature flags on the pool.
func Upgrade(executor exec.Executor, pool string) error {
	if output, err := executor.ExecuteCommandWithCombinedOutput(
		zpoolCmd, "upgrade", pool); err != nil {
		return errors.Wrapf(err, "failed to upgrade pool %q. %s", pool, output)
	}
	return nil
}

// IsUpgraded reports whether the pool is on the feature flag format with
// every feature enabled.
func IsUpgraded(executor exec.Executor, pool string) (bool, error) {
	output, err := executor.ExecuteCommandWithOutput(
		zpoolCmd, "get", "-H", "-o", "property,value", "all", pool)
	if err != nil {
		return false, errors.Wrapf(err, "failed to read properties of pool %q", pool)
	}

	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// a legacy version number instead of "-" means pre feature flags
		if fields[0] == "version" && fields[1] != "-" {
			return false, nil
		}
		if strings.HasPrefix(fields[0], "feature@") && fields[1] == "disabled" {
			return false, nil
		}
	}
	return true, nil
}
