// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldkit-run/fieldkit/internal/config"
	"github.com/fieldkit-run/fieldkit/internal/lifecycle"
)

// newDaemonCommand groups the background-process supervision verbs
// (start/stop/status) around playbookd: a long-lived daemon needs a PID
// file, a detached-spawn path, and a graceful-shutdown signal, all built
// on internal/lifecycle (PID file locking, process spawning/validation,
// health polling).
func newDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Starts, stops, or inspects a background playbookd process",
	}
	cmd.AddCommand(newDaemonStartCommand())
	cmd.AddCommand(newDaemonStopCommand())
	cmd.AddCommand(newDaemonStatusCommand())
	return cmd
}

func daemonPIDFile(cfg *config.Config) string {
	if cfg.PIDFile != "" {
		return cfg.PIDFile
	}
	return filepath.Join(cfg.DataDir, "playbookd.pid")
}

func newDaemonStartCommand() *cobra.Command {
	var (
		configPath string
		binary     string
		logPath    string
		healthURL  string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Spawns playbookd as a detached background process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pidPath := daemonPIDFile(cfg)
			pidMgr := lifecycle.NewPIDFileManager(pidPath)
			if existing, readErr := pidMgr.Read(); readErr == nil && lifecycle.IsProcessRunning(existing) {
				return fmt.Errorf("playbookd already running with pid %d", existing)
			}

			if binary == "" {
				binary, err = exec.LookPath("playbookd")
				if err != nil {
					return fmt.Errorf("locate playbookd binary: %w (pass --binary)", err)
				}
			}
			if logPath == "" {
				logPath = filepath.Join(cfg.DataDir, "playbookd.log")
			}

			cmdArgs := []string{"--pid-file", pidPath}
			if configPath != "" {
				cmdArgs = append(cmdArgs, "--config", configPath)
			}

			spawner := lifecycle.NewSpawner()
			pid, err := spawner.SpawnDetached(binary, cmdArgs, logPath)
			if err != nil {
				return fmt.Errorf("spawn playbookd: %w", err)
			}

			if healthURL != "" {
				checker := lifecycle.NewHealthChecker(healthURL)
				if err := checker.WaitUntilHealthy(timeout); err != nil {
					return fmt.Errorf("playbookd started (pid %d) but did not become healthy: %w", pid, err)
				}
			}

			fmt.Printf("playbookd started, pid %d, log %s\n", pid, logPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default: XDG config dir)")
	cmd.Flags().StringVar(&binary, "binary", "", "path to the playbookd binary (default: $PATH lookup)")
	cmd.Flags().StringVar(&logPath, "log", "", "stdout/stderr log path for the spawned process")
	cmd.Flags().StringVar(&healthURL, "health-url", "", "optional health endpoint to poll before reporting success")
	cmd.Flags().DurationVar(&timeout, "health-timeout", 30*time.Second, "how long to wait for --health-url to succeed")
	return cmd
}

func newDaemonStopCommand() *cobra.Command {
	var (
		configPath string
		force      bool
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stops a running playbookd daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pidPath := daemonPIDFile(cfg)
			pidMgr := lifecycle.NewPIDFileManager(pidPath)
			pid, err := pidMgr.Read()
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("no pid file at %s; is playbookd running?", pidPath)
				}
				return err
			}
			if !lifecycle.IsPlaybookdProcess(pid) {
				return fmt.Errorf("pid %d in %s is not a playbookd process; refusing to signal it", pid, pidPath)
			}
			if err := lifecycle.GracefulShutdown(pid, timeout, force); err != nil {
				return fmt.Errorf("stop pid %d: %w", pid, err)
			}
			os.Remove(pidPath)
			fmt.Printf("playbookd (pid %d) stopped\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default: XDG config dir)")
	cmd.Flags().BoolVar(&force, "force", false, "send SIGKILL if the process does not exit within --timeout")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for graceful exit before --force applies")
	return cmd
}

func newDaemonStatusCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Reports whether a playbookd daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pidPath := daemonPIDFile(cfg)
			pidMgr := lifecycle.NewPIDFileManager(pidPath)
			pid, err := pidMgr.Read()
			if err != nil {
				fmt.Println("not running (no pid file)")
				return nil
			}
			info, err := lifecycle.GetProcessInfo(pid)
			if err != nil {
				return err
			}
			if !info.Running {
				fmt.Printf("not running (stale pid %d in %s)\n", pid, pidPath)
				return nil
			}
			fmt.Printf("running, pid %d\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default: XDG config dir)")
	return cmd
}
