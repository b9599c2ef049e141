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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldkit-run/fieldkit/internal/config"
)

// newConfigCommand groups subcommands that read or edit config.yaml
// directly, without a running daemon — the daemon must be restarted to
// pick up any change (playbookd does not watch or hot-reload the file).
func newConfigCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspects or edits the daemon's config.yaml",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: XDG config dir)")

	cmd.AddCommand(newConfigPathCommand(&configPath))
	cmd.AddCommand(newConfigShowCommand(&configPath))
	cmd.AddCommand(newConfigSetCommand(&configPath))
	return cmd
}

func newConfigPathCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Prints the config.yaml path that would be used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if *configPath != "" {
				fmt.Println(*configPath)
				return nil
			}
			p, err := config.ConfigPath()
			if err != nil {
				return err
			}
			fmt.Println(p)
			return nil
		},
	}
}

func newConfigShowCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Prints the current config.yaml, defaults filled in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadSettings(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printJSON(cfg)
		},
	}
}

// newConfigSetCommand edits one field of config.yaml under SettingsFile's
// lock, so a concurrent `config set` from another shell can't clobber this
// one's read-modify-write. Limited to the knobs an operator is likely to
// tune between restarts (log/runtime/metrics settings); editing
// anything else means hand-editing the YAML.
func newConfigSetCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Sets one config.yaml field under a file lock",
		Long: "key is one of: log.level, log.format, runtime.ttl, runtime.watchdog, " +
			"runtime.max_nesting_depth, metrics.enabled, metrics.addr",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sf, err := config.NewSettingsFile(*configPath)
			if err != nil {
				return err
			}
			return sf.WithLock(func() error {
				cfg, err := sf.Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := applyConfigSet(cfg, args[0], args[1]); err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid config after set: %w", err)
				}
				return sf.Save(cfg)
			})
		},
	}
	return cmd
}

func applyConfigSet(cfg *config.Config, key, value string) error {
	switch key {
	case "log.level":
		cfg.Log.Level = value
	case "log.format":
		cfg.Log.Format = value
	case "runtime.ttl":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse runtime.ttl: %w", err)
		}
		cfg.Runtime.TTL = d
	case "runtime.watchdog":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse runtime.watchdog: %w", err)
		}
		cfg.Runtime.Watchdog = d
	case "runtime.max_nesting_depth":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n <= 0 {
			return fmt.Errorf("invalid runtime.max_nesting_depth %q", value)
		}
		cfg.Runtime.MaxNestingDepth = n
	case "metrics.enabled":
		cfg.Metrics.Enabled = value == "true" || value == "1"
	case "metrics.addr":
		cfg.Metrics.Addr = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}
