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

package config

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestSettingsFile_LoadMissingReturnsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings on missing file: %v", err)
	}
	if cfg.Backend.Type != "sqlite" {
		t.Errorf("expected default backend, got %q", cfg.Backend.Type)
	}
}

func TestSettingsFile_SaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Log.Level = "debug"
	cfg.AuditRetentionDays = 30

	if err := SaveSettings(path, cfg); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	loaded, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings after save: %v", err)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log.level %q, got %q", "debug", loaded.Log.Level)
	}
	if loaded.AuditRetentionDays != 30 {
		t.Errorf("expected audit_retention_days 30, got %d", loaded.AuditRetentionDays)
	}
}

func TestSettingsFile_WithLockSerializesWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := SaveSettings(path, Default()); err != nil {
		t.Fatalf("seed SaveSettings: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers)
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		go func(n int) {
			defer wg.Done()
			sf, err := NewSettingsFile(path)
			if err != nil {
				errs <- err
				return
			}
			errs <- sf.WithLock(func() error {
				cfg, err := sf.Load()
				if err != nil {
					return err
				}
				cfg.Runtime.MaxNestingDepth = n + 1
				return sf.Save(cfg)
			})
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent WithLock write failed: %v", err)
		}
	}

	final, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings after concurrent writes: %v", err)
	}
	if final.Runtime.MaxNestingDepth < 1 || final.Runtime.MaxNestingDepth > writers {
		t.Errorf("expected one writer's value to survive intact, got %d", final.Runtime.MaxNestingDepth)
	}
}
