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

// Package exec runs external commands on behalf of the daemon. Everything
// that touches disks, device mapper or the zfs utilities goes through the
// Executor interface so it can be mocked out in tests.
package exec

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var logger = capnslog.NewPackageLogger("github.com/zpoold/zpoold", "exec")

// Executor is the interface for running console commands.
type Executor interface {
	ExecuteCommand(command string, arg ...string) error
	ExecuteCommandWithEnv(env []string, command string, arg ...string) error
	ExecuteCommandWithOutput(command string, arg ...string) (string, error)
	ExecuteCommandWithCombinedOutput(command string, arg ...string) (string, error)
	ExecuteCommandWithTimeout(timeout time.Duration, command string, arg ...string) (string, error)
}

// CommandExecutor is the production implementation of Executor.
type CommandExecutor struct{}

// ExecuteCommand starts a process and streams its combined output to the log.
func (c *CommandExecutor) ExecuteCommand(command string, arg ...string) error {
	return c.ExecuteCommandWithEnv([]string{}, command, arg...)
}

// ExecuteCommandWithEnv is ExecuteCommand with additional environment
// variables appended to the current environment.
func (*CommandExecutor) ExecuteCommandWithEnv(env []string, command string, arg ...string) error {
	cmd, stdout, stderr, err := startCommand(env, command, arg...)
	if err != nil {
		return err
	}

	logOutput(stdout, stderr)

	if err := cmd.Wait(); err != nil {
		return errors.Wrapf(err, "failed to run %q", command)
	}

	return nil
}

// ExecuteCommandWithOutput runs a command and returns its trimmed stdout.
func (*CommandExecutor) ExecuteCommandWithOutput(command string, arg ...string) (string, error) {
	logCommand(command, arg...)
	// #nosec G204 the daemon controls the input to the exec arguments
	cmd := exec.Command(command, arg...)
	output, err := cmd.Output()
	if err != nil {
		return strings.TrimSpace(string(output)), errors.Wrapf(err, "failed to run %q", command)
	}
	return strings.TrimSpace(string(output)), nil
}

// ExecuteCommandWithCombinedOutput runs a command and returns its stdout and
// stderr combined.
func (*CommandExecutor) ExecuteCommandWithCombinedOutput(command string, arg ...string) (string, error) {
	logCommand(command, arg...)
	// #nosec G204 the daemon controls the input to the exec arguments
	cmd := exec.Command(command, arg...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(output)), errors.Wrapf(err, "failed to run %q", command)
	}
	return strings.TrimSpace(string(output)), nil
}

// ExecuteCommandWithTimeout runs a command, killing it and returning an error
// if it has not completed within the timeout.
func (*CommandExecutor) ExecuteCommandWithTimeout(timeout time.Duration, command string, arg ...string) (string, error) {
	logCommand(command, arg...)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// #nosec G204 the daemon controls the input to the exec arguments
	cmd := exec.CommandContext(ctx, command, arg...)
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if ctx.Err() == context.DeadlineExceeded {
		return out, errors.Errorf("timed out waiting for %q after %s", command, timeout)
	}
	if err != nil {
		return out, errors.Wrapf(err, "failed to run %q", command)
	}
	return out, nil
}

func startCommand(env []string, command string, arg ...string) (*exec.Cmd, io.ReadCloser, io.ReadCloser, error) {
	logCommand(command, arg...)

	// #nosec G204 the daemon controls the input to the exec arguments
	cmd := exec.Command(command, arg...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logger.Warningf("failed to open stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logger.Warningf("failed to open stderr pipe: %v", err)
	}

	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	err = cmd.Start()
	if err != nil {
		err = errors.Wrapf(err, "failed to start %q", command)
	}

	return cmd, stdout, stderr, err
}

func logOutput(stdout, stderr io.ReadCloser) {
	if stdout == nil || stderr == nil {
		logger.Warning("failed to collect command output")
		return
	}

	in := bufio.NewScanner(io.MultiReader(stdout, stderr))
	for in.Scan() {
		logger.Debug(in.Text())
	}
}

func logCommand(command string, arg ...string) {
	logger.Debugf("running command: %s %s", command, strings.Join(arg, " "))
}

// ExitStatus extracts the process exit code from an error returned by an
// Executor, or -1 if the error carries no exit information.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if waitStatus, ok := exitErr.ProcessState.Sys().(syscall.WaitStatus); ok {
			return waitStatus.ExitStatus()
		}
	}
	var coded interface{ ExitStatus() int }
	if errors.As(err, &coded) {
		return coded.ExitStatus()
	}
	return -1
}
