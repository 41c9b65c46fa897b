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
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	ini "gopkg.in/ini.v1"

	"github.com/zpoold/zpoold/pkg/attachments"
	"github.com/zpoold/zpoold/pkg/clusterd"
	"github.com/zpoold/zpoold/pkg/host"
	"github.com/zpoold/zpoold/pkg/job"
	"github.com/zpoold/zpoold/pkg/pool"
	"github.com/zpoold/zpoold/pkg/registry"
	"github.com/zpoold/zpoold/pkg/resilver"
	"github.com/zpoold/zpoold/pkg/util/exec"
	"github.com/zpoold/zpoold/pkg/util/flags"
	"github.com/zpoold/zpoold/pkg/util/kvstore"
	"github.com/zpoold/zpoold/pkg/version"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Runs the zpoold daemon",
}

type config struct {
	dataDir          string
	keyDir           string
	mountRoot        string
	usersFile        string
	configFile       string
	swapSizeGB       int
	maxJobs          int
	resilverInterval time.Duration
}

var cfg = config{}

func init() {
	daemonCmd.Flags().StringVar(&cfg.dataDir, "data-dir", "/var/lib/zpoold",
		"directory for daemon state and the metadata store")
	daemonCmd.Flags().StringVar(&cfg.keyDir, "key-dir", "",
		"directory holding pool encryption key files (default <data-dir>/keys)")
	daemonCmd.Flags().StringVar(&cfg.mountRoot, "mount-root", "/mnt",
		"directory under which pool datasets are mounted")
	daemonCmd.Flags().StringVar(&cfg.usersFile, "users-file", "/etc/zpoold/users.ini",
		"file with the administrative credentials")
	daemonCmd.Flags().StringVar(&cfg.configFile, "config-file", "/etc/zpoold/zpoold.conf",
		"optional settings file overriding flag defaults")
	daemonCmd.Flags().IntVar(&cfg.swapSizeGB, "swap-size", 2,
		"size in GiB of the swap partition carved from each data disk, 0 to disable")
	daemonCmd.Flags().IntVar(&cfg.maxJobs, "max-jobs", 4,
		"maximum number of concurrently running jobs")
	daemonCmd.Flags().DurationVar(&cfg.resilverInterval, "resilver-interval", time.Minute,
		"how often the scan throttle policy is re-evaluated")

	flags.SetFlagsFromEnv(daemonCmd.Flags(), "ZPOOLD")

	daemonCmd.RunE = runDaemon
}

// loadConfigFile applies settings from the ini file to every flag not set
// explicitly, keeping the flag > env > file > default precedence.
func loadConfigFile(fs *pflag.FlagSet, path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read settings file %q", path)
	}
	section := file.Section("daemon")

	var applyErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		key, err := section.GetKey(f.Name)
		if err != nil {
			return
		}
		if err := fs.Set(f.Name, key.String()); err != nil && applyErr == nil {
			applyErr = errors.Wrapf(err, "bad value for setting %q", f.Name)
		}
	})
	return applyErr
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := flags.VerifyRequiredFlags(cmd, []string{"data-dir", "mount-root"}); err != nil {
		return err
	}
	if cfg.configFile != "" {
		if _, err := os.Stat(cfg.configFile); err == nil {
			if err := loadConfigFile(cmd.Flags(), cfg.configFile); err != nil {
				return err
			}
		}
	}
	if err := setLogLevel(); err != nil {
		return err
	}
	logger.Infof("starting zpoold daemon %s", version.Version)

	dataDir, err := filepath.Abs(cfg.dataDir)
	if err != nil {
		return errors.Wrapf(err, "invalid data directory %q", cfg.dataDir)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return errors.Wrapf(err, "failed to create data directory %q", dataDir)
	}
	keyDir := cfg.keyDir
	if keyDir == "" {
		keyDir = filepath.Join(dataDir, "keys")
	}
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return errors.Wrapf(err, "failed to create key directory %q", keyDir)
	}

	store, err := kvstore.NewFileStore(filepath.Join(dataDir, "db"))
	if err != nil {
		return err
	}

	logLevel, err := capnslog.ParseLevel(logLevelRaw)
	if err != nil {
		return err
	}
	clusterContext := &clusterd.Context{
		Executor:   &exec.CommandExecutor{},
		Store:      store,
		ConfigDir:  dataDir,
		KeyDir:     keyDir,
		MountRoot:  cfg.mountRoot,
		SwapSizeGB: cfg.swapSizeGB,
		LogLevel:   logLevel,
	}

	reg := registry.New(store)
	bus := job.NewEventBus()
	jobs := job.NewManager(int64(cfg.maxJobs), bus)
	vm := &host.VMStore{Store: store}
	executor := clusterContext.GetExecutor()
	svc := pool.NewService(clusterContext, pool.Deps{
		Registry:  reg,
		Tracker:   attachments.NewDefaultTracker(store, vm),
		Jobs:      jobs,
		Bus:       bus,
		Inventory: &host.Inventory{Executor: executor, Registry: reg},
		VM:        vm,
		SysDS:     &host.SystemDataset{Executor: executor, Store: store, Registry: reg},
		Auth:      &host.FileAuth{Path: cfg.usersFile},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := &resilver.Scheduler{
		Registry: reg,
		Tunables: &resilver.Tunables{},
		Interval: cfg.resilverInterval,
	}
	go scheduler.Run(ctx)
	go svc.WatchEvents(ctx)

	<-ctx.Done()
	logger.Infof("shutting down")
	return nil
}
