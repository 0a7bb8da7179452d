/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package adapter

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/srediag/plugin-host/plugin"
)

// DefaultDebounce coalesces the burst of events an editor produces when it
// saves a file.
const DefaultDebounce = 200 * time.Millisecond

// Reloader applies a new configuration.
type Reloader interface {
	UpdateConfig(cfg plugin.Config) error
}

// ConfigWatcher reloads a config file into a Reloader whenever it changes.
// A file that fails to load or validate is logged and ignored, leaving the
// active configuration in place.
type ConfigWatcher struct {
	path     string
	target   Reloader
	watcher  *fsnotify.Watcher
	debounce time.Duration

	reloads  atomic.Uint64
	failures atomic.Uint64
}

// NewConfigWatcher watches the directory holding path, so that editors
// replacing the file by rename are seen too.
func NewConfigWatcher(path string, target Reloader, debounce time.Duration) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &ConfigWatcher{path: abs, target: target, watcher: w, debounce: debounce}, nil
}

// Reload loads the file and applies it once.
func (w *ConfigWatcher) Reload() error {
	cfg, err := plugin.LoadConfig(w.path)
	if err == nil {
		err = w.target.UpdateConfig(cfg)
	}
	if err != nil {
		w.failures.Add(1)
		return err
	}
	w.reloads.Add(1)
	log.Infof("reloaded config from %s", w.path)
	return nil
}

// Reloads returns how many times a changed file was applied.
func (w *ConfigWatcher) Reloads() uint64 { return w.reloads.Load() }

// Failures returns how many changed files were rejected.
func (w *ConfigWatcher) Failures() uint64 { return w.failures.Load() }

func (w *ConfigWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

// Run watches until ctx is done or Close is called.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("config watcher: %v", err)
		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				log.Warnf("ignoring config %s: %v", w.path, err)
			}
		}
	}
}

// Close stops watching.
func (w *ConfigWatcher) Close() error {
	return w.watcher.Close()
}
