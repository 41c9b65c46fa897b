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

package main

import (
	"fmt"
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"

	"github.com/zpoold/zpoold/pkg/util/flags"
)

var rootCmd = &cobra.Command{
	Use:   "zpoold",
	Short: "zpoold manages the storage pools of this host",
	Long: `
Daemon orchestrating storage pool lifecycle: creation, extension, member
replacement, per-disk encryption, import/export and scan scheduling.`,
}

var (
	logLevelRaw string
	logger      = capnslog.NewPackageLogger("github.com/zpoold/zpoold", "zpoold")
)

func main() {
	addCommands()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "zpoold error: %+v\n", err)
		os.Exit(1)
	}
}

// Configuration precedence from lowest to highest:
//  1) default value (at compilation)
//  2) config file entries
//  3) environment variables (upper case, replace - with _, ZPOOLD prefix.
//     For example, log-level is ZPOOLD_LOG_LEVEL)
//  4) command line parameter
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelRaw, "log-level", "INFO",
		"logging level for logging/tracing output (valid values: CRITICAL,ERROR,WARNING,NOTICE,INFO,DEBUG,TRACE)")

	flags.SetFlagsFromEnv(rootCmd.PersistentFlags(), "ZPOOLD")
}

func addCommands() {
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(versionCmd)
}

func setLogLevel() error {
	level, err := capnslog.ParseLevel(logLevelRaw)
	if err != nil {
		return err
	}
	capnslog.SetGlobalLogLevel(level)
	return nil
}
