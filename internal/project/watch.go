/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package project

import (
	"context"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	applog "bookcreator/internal/log"
)

// WatchInterval is the default polling cadence for external change detection.
const WatchInterval = 3 * time.Second

// Watcher polls the category directories and fires a callback whenever their
// combined listing changes. Polling keeps one code path across platforms and
// network mounts where inotify-style watchers are unreliable; at a few dozen
// files per project the scans are negligible.
type Watcher struct {
	m        *Manager
	interval time.Duration
	onChange func()
	log      *slog.Logger

	last uint64
}

// NewWatcher creates a watcher over m's category directories. onChange runs
// on the watcher goroutine whenever the listing fingerprint changes.
func NewWatcher(m *Manager, interval time.Duration, onChange func()) *Watcher {
	if interval <= 0 {
		interval = WatchInterval
	}
	return &Watcher{
		m:        m,
		interval: interval,
		onChange: onChange,
		log:      applog.WithComponent("watch"),
	}
}

// Fingerprint hashes the name, size and modification time of every image in
// every category. Any add, remove, rename or overwrite changes the value.
func (w *Watcher) Fingerprint() uint64 {
	h := fnv.New64a()
	for _, c := range Categories() {
		dir := filepath.Join(w.m.Root(), string(c))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !IsImageFile(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			h.Write([]byte(string(c)))
			h.Write([]byte{'/'})
			h.Write([]byte(e.Name()))
			h.Write([]byte{0})
			h.Write([]byte(strconv.FormatInt(info.Size(), 10)))
			h.Write([]byte{0})
			h.Write([]byte(strconv.FormatInt(info.ModTime().UnixNano(), 10)))
			h.Write([]byte{0})
		}
	}
	return h.Sum64()
}

// Run polls until ctx is cancelled. The first scan only seeds the baseline;
// the callback fires on subsequent differences.
func (w *Watcher) Run(ctx context.Context) {
	w.last = w.Fingerprint()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cur := w.Fingerprint(); cur != w.last {
				w.last = cur
				w.log.Info("project tree changed on disk")
				if w.onChange != nil {
					w.onChange()
				}
			}
		}
	}
}
