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

// Package sys knows how to inspect and prepare the block devices a pool is
// built from: partitioning, wiping, partition uuid lookup and swap
// membership.
package sys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/zpoold/zpoold/pkg/util/exec"
)

var logger = capnslog.NewPackageLogger("github.com/zpoold/zpoold", "sys")

const (
	sgdiskCmd = "sgdisk"
	lsblkCmd  = "lsblk"
	blkidCmd  = "blkid"

	// GPT partition type guids written by FormatDisk.
	swapPartType = "8200"
	zfsPartType  = "bf01"
)

// Disk describes a physical disk as reported by lsblk.
type Disk struct {
	Name   string
	Size   uint64
	Serial string
}

// ListDisks enumerates whole disks (no partitions, no dm devices) present on
// the host.
func ListDisks(executor exec.Executor) ([]Disk, error) {
	output, err := executor.ExecuteCommandWithOutput(
		lsblkCmd, "--all", "--noheadings", "--bytes", "--nodeps", "--pairs", "--output", "NAME,SIZE,TYPE,SERIAL")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list block devices")
	}

	var disks []Disk
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		props := parseKeyValuePairString(line)
		if props["TYPE"] != "disk" {
			continue
		}
		d := Disk{Name: props["NAME"], Serial: props["SERIAL"]}
		fmt.Sscanf(props["SIZE"], "%d", &d.Size)
		disks = append(disks, d)
	}
	return disks, nil
}

// CheckDiskClean returns true if the disk carries no partitions.
func CheckDiskClean(executor exec.Executor, disk string) (bool, error) {
	output, err := executor.ExecuteCommandWithOutput(
		lsblkCmd, "--noheadings", "--output", "NAME", fmt.Sprintf("/dev/%s", disk))
	if err != nil {
		return false, errors.Wrapf(err, "failed to inspect disk %q", disk)
	}

	lines := 0
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	// the disk itself is the first line, anything beyond is a partition or
	// other child device
	return lines <= 1, nil
}

// QuickWipe destroys partition tables and the first megabytes of a disk.
func QuickWipe(executor exec.Executor, disk string) error {
	device := fmt.Sprintf("/dev/%s", disk)
	if output, err := executor.ExecuteCommandWithCombinedOutput(sgdiskCmd, "--zap-all", device); err != nil {
		return errors.Wrapf(err, "failed to zap disk %q. %s", disk, output)
	}
	if output, err := executor.ExecuteCommandWithCombinedOutput(
		"dd", "if=/dev/zero", fmt.Sprintf("of=%s", device), "bs=1M", "count=32", "oflag=direct,dsync"); err != nil {
		return errors.Wrapf(err, "failed to wipe disk %q. %s", disk, output)
	}
	return nil
}

// DestroyDiskLabel wipes out the partition table and any filesystem
// signatures of a disk so it shows up clean again.
func DestroyDiskLabel(executor exec.Executor, disk string) error {
	device := fmt.Sprintf("/dev/%s", disk)
	if output, err := executor.ExecuteCommandWithCombinedOutput(sgdiskCmd, "--zap-all", device); err != nil {
		return errors.Wrapf(err, "failed to destroy label on disk %q. %s", disk, output)
	}
	if output, err := executor.ExecuteCommandWithCombinedOutput("wipefs", "--all", device); err != nil {
		return errors.Wrapf(err, "failed to wipe signatures on disk %q. %s", disk, output)
	}
	return nil
}

// FormatDisk wipes a disk and writes the partition layout used for pool
// members: an optional swap partition of swapGB followed by one data
// partition spanning the rest. It returns the swap and data partition
// device names; swap is empty when swapGB is zero.
func FormatDisk(executor exec.Executor, disk string, swapGB int) (swapPart, dataPart string, err error) {
	if err := QuickWipe(executor, disk); err != nil {
		return "", "", err
	}

	device := fmt.Sprintf("/dev/%s", disk)
	var args []string
	if swapGB > 0 {
		args = []string{
			fmt.Sprintf("--new=1:0:+%dG", swapGB), fmt.Sprintf("--typecode=1:%s", swapPartType),
			"--new=2:0:0", fmt.Sprintf("--typecode=2:%s", zfsPartType),
			"--set-alignment=4096",
			device,
		}
		swapPart = PartitionName(disk, 1)
		dataPart = PartitionName(disk, 2)
	} else {
		args = []string{
			"--new=1:0:0", fmt.Sprintf("--typecode=1:%s", zfsPartType),
			"--set-alignment=4096",
			device,
		}
		dataPart = PartitionName(disk, 1)
	}

	if output, err := executor.ExecuteCommandWithCombinedOutput(sgdiskCmd, args...); err != nil {
		return "", "", errors.Wrapf(err, "failed to partition disk %q. %s", disk, output)
	}

	// let udev settle so the partition nodes exist before anyone opens them
	if err := executor.ExecuteCommand("udevadm", "settle"); err != nil {
		logger.Warningf("udevadm settle failed on %s: %v", disk, err)
	}

	return swapPart, dataPart, nil
}

// PartitionName returns the kernel name of partition num on a disk,
// inserting the "p" separator for devices whose name ends in a digit
// (nvme0n1 -> nvme0n1p2, sda -> sda2).
func PartitionName(disk string, num int) string {
	if len(disk) > 0 && unicode.IsDigit(rune(disk[len(disk)-1])) {
		return fmt.Sprintf("%sp%d", disk, num)
	}
	return fmt.Sprintf("%s%d", disk, num)
}

// PartUUID returns the GPT partition uuid of a partition device.
func PartUUID(executor exec.Executor, partition string) (string, error) {
	output, err := executor.ExecuteCommandWithOutput(
		blkidCmd, "--output", "value", "--match-tag", "PARTUUID", fmt.Sprintf("/dev/%s", partition))
	if err != nil {
		return "", errors.Wrapf(err, "failed to read partuuid of %q", partition)
	}
	uuid := strings.TrimSpace(output)
	if uuid == "" {
		return "", errors.Errorf("no partuuid found on %q", partition)
	}
	return uuid, nil
}

// DeviceFromPartUUID resolves a GPT partition uuid back to its partition
// device name. Returns an empty string when no device carries the uuid.
func DeviceFromPartUUID(executor exec.Executor, partUUID string) (string, error) {
	output, err := executor.ExecuteCommandWithOutput(
		blkidCmd, "--match-token", fmt.Sprintf("PARTUUID=%s", partUUID), "--output", "device")
	if err != nil {
		// blkid exits nonzero when nothing matches
		if exec.ExitStatus(err) == 2 {
			return "", nil
		}
		return "", errors.Wrapf(err, "failed to look up partuuid %q", partUUID)
	}
	return strings.TrimPrefix(strings.TrimSpace(output), "/dev/"), nil
}

// ParentDisk returns the whole-disk device backing a partition, or the
// device itself if it has no parent.
func ParentDisk(executor exec.Executor, device string) (string, error) {
	output, err := executor.ExecuteCommandWithOutput(
		lsblkCmd, "--noheadings", "--nodeps", "--output", "PKNAME", fmt.Sprintf("/dev/%s", device))
	if err != nil {
		return "", errors.Wrapf(err, "failed to find parent of %q", device)
	}
	parent := strings.TrimSpace(output)
	if parent == "" {
		return device, nil
	}
	return parent, nil
}

// parseKeyValuePairString parses a line of KEY="value" pairs as printed by
// lsblk --pairs into a map.
func parseKeyValuePairString(propsRaw string) map[string]string {
	// first split the single line into key-value pairs
	pairs := strings.FieldsFunc(propsRaw, func(r rune) bool { return r == ' ' })

	result := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pieces := strings.SplitN(pair, "=", 2)
		if len(pieces) != 2 {
			continue
		}
		result[pieces[0]] = strings.Trim(pieces[1], `"`)
	}
	return result
}
