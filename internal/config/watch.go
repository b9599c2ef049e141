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
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher notifies a daemon operator when the on-disk config file changes
// underneath it. The daemon itself does not hot-swap TTL/watchdog/backend
// settings mid-run — a changed file only produces a log line telling the
// operator a restart will pick it up. An fsnotify.Watcher wrapped with
// its own stop/done channels, watching one config file for any
// write/rename/remove.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// WatchFile starts watching path's containing directory (so the watch
// survives editors that replace the file via rename-into-place) and
// returns a Watcher the caller must Close.
func WatchFile(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:    fsw,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go w.run(filepath.Clean(path))
	return w, nil
}

func (w *Watcher) run(path string) {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.logger.Warn("config file changed on disk; restart the daemon to apply it",
					slog.String("path", path), slog.String("op", event.Op.String()))
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("config watcher error", slog.Any("error", err))
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	err := w.fsw.Close()
	<-w.doneCh
	return err
}
