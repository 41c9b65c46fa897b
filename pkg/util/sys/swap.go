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

package sys

import (
	"fmt"
	"strings"

	"github.com/zpoold/zpoold/pkg/util/exec"
)

// SwapRemoveDisks takes the swap partitions of the given disks out of system
// swap use. Disks without an active swap partition are skipped silently;
// a device must never stay swapped while it is being replaced or wiped.
func SwapRemoveDisks(executor exec.Executor, disks []string) {
	for _, disk := range disks {
		if disk == "" {
			continue
		}
		part := PartitionName(disk, 1)
		if output, err := executor.ExecuteCommandWithCombinedOutput(
			"swapoff", fmt.Sprintf("/dev/%s", part)); err != nil {
			if !strings.Contains(output, "Invalid argument") && !strings.Contains(output, "No such file") {
				logger.Warningf("failed to remove %s from swap: %v", part, err)
			}
		}
	}
}

// SwapConfigure (re)enables swap on the swap partitions of the given disks.
// Partitions that are already active or carry no swap signature are left
// alone.
func SwapConfigure(executor exec.Executor, disks []string) {
	for _, disk := range disks {
		if disk == "" {
			continue
		}
		part := PartitionName(disk, 1)
		device := fmt.Sprintf("/dev/%s", part)
		if output, err := executor.ExecuteCommandWithCombinedOutput("swapon", device); err != nil {
			if strings.Contains(output, "already") {
				continue
			}
			// partition may be blank after a fresh format
			if _, mkErr := executor.ExecuteCommandWithCombinedOutput("mkswap", device); mkErr != nil {
				logger.Warningf("failed to configure swap on %s: %v", part, err)
				continue
			}
			if _, onErr := executor.ExecuteCommandWithCombinedOutput("swapon", device); onErr != nil {
				logger.Warningf("failed to enable swap on %s: %v", part, onErr)
			}
		}
	}
}
