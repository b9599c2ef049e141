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
	"github.com/fieldkit-run/fieldkit/internal/tracing/audit"
)

// newAuditCommand groups read access to the daemon's audit log
// (config.AuditLogPath) — the start/control/delete trail playbookd's
// audit.Logger appends to, queried here without a running daemon.
func newAuditCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspects the daemon's audit log",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: XDG config dir)")

	cmd.AddCommand(newAuditQueryCommand(&configPath))
	return cmd
}

func newAuditQueryCommand(configPath *string) *cobra.Command {
	var (
		userID string
		action string
		result string
		since  string
		until  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Lists audit log entries matching the given filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadSettings(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.AuditLogPath == "" {
				return fmt.Errorf("audit logging is not enabled (config.yaml audit_log_path is empty)")
			}

			filter := audit.QueryFilter{
				UserID: userID,
				Action: audit.Action(action),
				Result: audit.Result(result),
				Limit:  limit,
			}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("parse --since: %w", err)
				}
				filter.Since = t
			}
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("parse --until: %w", err)
				}
				filter.Until = t
			}

			entries, err := audit.NewStore(cfg.AuditLogPath).Query(filter)
			if err != nil {
				return fmt.Errorf("query audit log: %w", err)
			}
			return printJSON(entries)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "filter by user ID")
	cmd.Flags().StringVar(&action, "action", "", "filter by action (run:start, run:control, run:delete, run:subscribe)")
	cmd.Flags().StringVar(&result, "result", "", "filter by result (success, unauthorized, forbidden, not_found, error)")
	cmd.Flags().StringVar(&since, "since", "", "only entries at or after this RFC3339 timestamp")
	cmd.Flags().StringVar(&until, "until", "", "only entries at or before this RFC3339 timestamp")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries to return (0 = unlimited)")

	return cmd
}
