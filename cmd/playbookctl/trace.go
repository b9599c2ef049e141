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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fieldkit-run/fieldkit/internal/config"
	"github.com/fieldkit-run/fieldkit/internal/tracing/storage"
)

// newTraceCommand groups read access to the local span database
// (cfg.DataDir/traces.db, internal/tracing/storage.SQLiteStore), the
// trace store playbookd writes into when metrics.enabled. Opened directly
// here rather than through a daemon RPC, the same way "config show" and
// "audit query" read their files without needing the daemon up.
func newTraceCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspects the local span database",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: XDG config dir)")

	cmd.AddCommand(newTraceShowCommand(&configPath))
	return cmd
}

func newTraceShowCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Prints the spans recorded for one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadSettings(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			dbPath := filepath.Join(cfg.DataDir, "traces.db")
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("no trace database at %s (is metrics.enabled true?): %w", dbPath, err)
			}

			store, err := storage.New(storage.Config{Path: dbPath, MaxOpenConns: 1})
			if err != nil {
				return fmt.Errorf("open trace database: %w", err)
			}
			defer store.Close()

			ctx := context.Background()
			runID := args[0]

			traceID, err := store.GetTraceByRunID(ctx, runID)
			if err != nil {
				return fmt.Errorf("look up trace for run %s: %w", runID, err)
			}
			if traceID == "" {
				return fmt.Errorf("no trace found for run %s", runID)
			}

			spans, err := store.GetTraceSpans(ctx, traceID)
			if err != nil {
				return fmt.Errorf("load spans for trace %s: %w", traceID, err)
			}

			return printJSON(spans)
		},
	}
}
