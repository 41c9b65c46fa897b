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

	"github.com/spf13/cobra"

	"github.com/zpoold/zpoold/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints zpoold version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("zpoold: %s (commit %s)\n", version.Version, version.GitCommit)
	},
}
