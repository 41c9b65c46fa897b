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

// Package clusterd carries the shared context handed to every service of the
// daemon.
package clusterd

import (
	"github.com/coreos/pkg/capnslog"

	"github.com/zpoold/zpoold/pkg/util/exec"
	"github.com/zpoold/zpoold/pkg/util/kvstore"
)

// Context is the bundle of host-level dependencies used by the services. It
// is assembled once at startup and passed down; tests build one with mocks.
type Context struct {
	// The implementation of executing console commands.
	Executor exec.Executor

	// The persisted metadata store (pool registry, policies, records).
	Store kvstore.KeyValueStore

	// The root configuration directory used by the daemon.
	ConfigDir string

	// The directory holding pool encryption key files.
	KeyDir string

	// The directory under which pool datasets are mounted.
	MountRoot string

	// Size in GiB of the swap partition carved from each data disk. Zero
	// disables swap creation. This is a global policy, not per pool.
	SwapSizeGB int

	// The desired logging level.
	LogLevel capnslog.LogLevel
}

// GetExecutor returns the context executor, defaulting to the real command
// executor when none was injected.
func (c *Context) GetExecutor() exec.Executor {
	if c.Executor == nil {
		return &exec.CommandExecutor{}
	}
	return c.Executor
}
