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

// Command playbookctl is the operator CLI for playbookd: it dials the
// daemon's duplex socket and issues the same six typed operations the
// wire protocol exposes, plus a handful of commands (config, audit,
// trace) that read the daemon's on-disk state directly. Everything
// behind the run/validate/status/list/control/delete/watch verbs talks
// to internal/controller/protocol, never to the Execution Manager
// directly, since playbookctl is meant to work against a remote daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fieldkit-run/fieldkit/internal/config"
	"github.com/fieldkit-run/fieldkit/internal/controller/protocol"
	"github.com/fieldkit-run/fieldkit/pkg/playbook"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// dialFlags are the connection flags shared by every subcommand that
// talks to a running daemon.
type dialFlags struct {
	configPath string
	socket     string
	tcpAddr    string
}

func (d *dialFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&d.configPath, "config", "", "path to config.yaml (default: XDG config dir)")
	flags.StringVar(&d.socket, "socket", "", "Unix socket path (overrides config)")
	flags.StringVar(&d.tcpAddr, "tcp", "", "TCP address (overrides config)")
}

func (d *dialFlags) dial() (*protocol.Client, error) {
	if d.socket != "" {
		return protocol.Dial("unix", d.socket)
	}
	if d.tcpAddr != "" {
		return protocol.Dial("tcp", d.tcpAddr)
	}

	cfg, err := config.Load(d.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Listen.TCPAddr != "" {
		return protocol.Dial("tcp", cfg.Listen.TCPAddr)
	}
	return protocol.Dial("unix", cfg.Listen.SocketPath)
}

func main() {
	root := &cobra.Command{
		Use:     "playbookctl",
		Short:   "Controls a running playbookd daemon",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
	}

	root.AddCommand(newValidateCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newListCommand())
	root.AddCommand(newControlCommand())
	root.AddCommand(newDeleteCommand())
	root.AddCommand(newWatchCommand())
	root.AddCommand(newDaemonCommand())
	root.AddCommand(newConfigCommand())
	root.AddCommand(newAuditCommand())
	root.AddCommand(newTraceCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newValidateCommand parses one or more playbook files locally, without
// contacting a daemon, reporting each file's structural errors (unique
// step ids, known on_failure values, declared
// parameters). Each argument is expanded as a doublestar glob pattern
// (e.g. "playbooks/**/*.yaml"), so a single invocation can validate an
// entire tree.
func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <pattern>...",
		Short: "Parses and validates playbook files matching one or more glob patterns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := expandPlaybookPatterns(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no playbook files matched %v", args)
			}

			var failed int
			for _, path := range paths {
				if err := validateOne(path); err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d playbook(s) failed validation", failed, len(paths))
			}
			return nil
		},
	}
	return cmd
}

func validateOne(path string) error {
	def, err := playbook.Load(path)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid: %w", err)
	}
	fmt.Printf("%s: %s: valid (%d step(s), %d parameter(s))\n", path, def.Name, len(def.Steps), len(def.Parameters))
	return nil
}

// expandPlaybookPatterns resolves each doublestar glob pattern against the
// current working directory and returns the union of matched files, in
// the order patterns were given.
func expandPlaybookPatterns(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid glob pattern %q", pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("expand pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	return paths, nil
}

// newRunCommand starts a playbook on the daemon and prints the assigned
// execution id.
func newRunCommand() *cobra.Command {
	var (
		dial      dialFlags
		paramArgs []string
		debugMode bool
	)
	cmd := &cobra.Command{
		Use:   "run <playbook_path>",
		Short: "Starts a playbook run on the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(paramArgs)
			if err != nil {
				return err
			}
			client, err := dial.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Call(protocol.Request{
				Op:           "start",
				PlaybookPath: args[0],
				Parameters:   params,
				DebugMode:    debugMode,
			})
			if err != nil {
				return err
			}
			fmt.Println(resp.ExecutionID)
			return nil
		},
	}
	dial.register(cmd.Flags())
	cmd.Flags().StringArrayVar(&paramArgs, "param", nil, "parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&debugMode, "debug", false, "start paused at the first step")
	return cmd
}

// newStatusCommand fetches one run's snapshot.
func newStatusCommand() *cobra.Command {
	var dial dialFlags
	cmd := &cobra.Command{
		Use:   "status <execution_id>",
		Short: "Shows a run's current snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Call(protocol.Request{Op: "get", ExecutionID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(resp.Snapshot)
		},
	}
	dial.register(cmd.Flags())
	return cmd
}

// newListCommand lists runs, live and persisted, with optional filters.
func newListCommand() *cobra.Command {
	var (
		dial         dialFlags
		status       string
		playbookName string
		limit        int
		offset       int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Lists runs known to the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Call(protocol.Request{
				Op:           "list",
				Status:       status,
				PlaybookName: playbookName,
				Limit:        limit,
				Offset:       offset,
			})
			if err != nil {
				return err
			}
			return printJSON(resp.Snapshots)
		},
	}
	dial.register(cmd.Flags())
	cmd.Flags().StringVar(&status, "status", "", "filter by run status")
	cmd.Flags().StringVar(&playbookName, "playbook", "", "filter by playbook name")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results")
	cmd.Flags().IntVar(&offset, "offset", 0, "result offset")
	return cmd
}

// newControlCommand sends a control signal to a live run: pause, resume,
// skip_forward, skip_back, cancel, debug_on, debug_off.
func newControlCommand() *cobra.Command {
	var dial dialFlags
	cmd := &cobra.Command{
		Use:   "control <execution_id> <kind>",
		Short: "Sends a control signal to a live run",
		Long:  "kind is one of: pause, resume, skip_forward, skip_back, cancel, debug_on, debug_off",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			_, err = client.Call(protocol.Request{Op: "control", ExecutionID: args[0], Kind: args[1]})
			return err
		},
	}
	dial.register(cmd.Flags())
	return cmd
}

// newDeleteCommand removes a terminal run's history.
func newDeleteCommand() *cobra.Command {
	var dial dialFlags
	cmd := &cobra.Command{
		Use:   "delete <execution_id>",
		Short: "Deletes a terminal run's persisted history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			_, err = client.Call(protocol.Request{Op: "delete", ExecutionID: args[0]})
			return err
		},
	}
	dial.register(cmd.Flags())
	return cmd
}

// newWatchCommand opens the duplex subscription and prints every update
// and screenshot frame as it arrives, until interrupted.
func newWatchCommand() *cobra.Command {
	var dial dialFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Streams live execution updates and screenshot frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return client.Subscribe(ctx.Done(), func(ev protocol.Event) error {
				switch ev.Type {
				case "execution_update":
					return printJSON(ev.Update)
				case "screenshot_frame":
					fmt.Printf("%s: screenshot (%d bytes base64)\n", ev.Frame.ExecutionID, len(ev.Frame.JPEGBase64))
					return nil
				case "heartbeat":
					return nil
				default:
					return nil
				}
			})
		},
	}
	dial.register(cmd.Flags())
	return cmd
}

func parseParams(raw []string) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]interface{}, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		params[k] = v
	}
	return params, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
