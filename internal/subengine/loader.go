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

// Package subengine loads the playbooks referenced by playbook.run
// steps. It is deliberately loader-only: verification, nesting-depth,
// and cycle checks plus a modtime-keyed cache live here, while
// constructing and driving the child Engine itself is the Engine's job
// (internal/engine imports this package, never the reverse, so there is
// no engine↔subengine cycle). Playbooks load one at a time per
// invocation — nesting resolves at runtime against a per-run
// parent_chain, not statically at parse time.
package subengine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fieldkit-run/fieldkit/internal/util"
	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
	"github.com/fieldkit-run/fieldkit/pkg/playbook"
)

// MaxNestingDepth bounds how many playbook.run levels may be nested,
// counting the top-level run as depth 0.
const MaxNestingDepth = 3

type cacheEntry struct {
	def     *playbook.Definition
	modTime time.Time
}

// Loader loads and caches nested playbook definitions referenced by
// playbook.run steps, enforcing path-safety, verification, depth, and
// cycle rules.
type Loader struct {
	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// NewLoader creates an empty loader.
func NewLoader() *Loader {
	return &Loader{cache: make(map[string]*cacheEntry)}
}

// Load resolves path relative to baseDir, verifies it stays within
// baseDir, checks it against parentChain for cycles and depth, requires
// metadata.verified, and returns the parsed definition plus the absolute
// path to push onto the child's parent_chain.
func (l *Loader) Load(baseDir, path string, parentChain []string) (*playbook.Definition, string, error) {
	absPath, err := l.resolveSafe(baseDir, path)
	if err != nil {
		return nil, "", runerr.Validation(err.Error())
	}

	if len(parentChain) >= MaxNestingDepth {
		return nil, "", runerr.NestingDepth(len(parentChain)+1, MaxNestingDepth)
	}
	if util.Contains(parentChain, absPath) {
		return nil, "", runerr.CircularDependency(absPath)
	}

	def, err := l.load(absPath)
	if err != nil {
		return nil, "", runerr.Validation(err.Error())
	}
	if !def.Metadata.Verified {
		return nil, "", runerr.Verification(fmt.Sprintf("playbook %q is not marked verified", absPath))
	}
	return def, absPath, nil
}

func (l *Loader) resolveSafe(baseDir, path string) (string, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve base directory: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(absBase, path))
	if err != nil {
		return "", fmt.Errorf("resolve playbook path: %w", err)
	}

	relPath, err := filepath.Rel(absBase, absPath)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("playbook path escapes its directory: %s", path)
	}
	if err := checkNoSymlinks(absBase, relPath); err != nil {
		return "", err
	}
	return absPath, nil
}

func (l *Loader) load(absPath string) (*playbook.Definition, error) {
	if cached := l.fromCache(absPath); cached != nil {
		return cached, nil
	}
	def, err := playbook.Load(absPath)
	if err != nil {
		return nil, err
	}
	l.store(absPath, def)
	return def, nil
}

func (l *Loader) fromCache(absPath string) *playbook.Definition {
	l.mu.RLock()
	entry, ok := l.cache[absPath]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	info, err := os.Stat(absPath)
	if err != nil || !info.ModTime().Equal(entry.modTime) {
		l.mu.Lock()
		delete(l.cache, absPath)
		l.mu.Unlock()
		return nil
	}
	return entry.def
}

func (l *Loader) store(absPath string, def *playbook.Definition) {
	info, err := os.Stat(absPath)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[absPath] = &cacheEntry{def: def, modTime: info.ModTime()}
}

// checkNoSymlinks verifies no path component introduced by relPath (i.e.
// everything below baseDir) is a symlink, preventing a verified playbook's
// directory from being used to escape via a symlinked file.
func checkNoSymlinks(baseDir, relPath string) error {
	if relPath == "." {
		return nil
	}
	current := baseDir
	for _, component := range strings.Split(filepath.Clean(relPath), string(filepath.Separator)) {
		if component == "" || component == "." {
			continue
		}
		current = filepath.Join(current, component)
		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("playbook path contains a symlink: %s", current)
		}
	}
	return nil
}
