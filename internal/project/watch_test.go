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
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFingerprintChangesOnAddAndRemove(t *testing.T) {
	m := newTestManager(t)
	w := NewWatcher(m, 0, nil)

	base := w.Fingerprint()
	p := writeSource(t, filepath.Join(m.Root(), "pages"), "001_a.png")
	after := w.Fingerprint()
	if after == base {
		t.Fatalf("fingerprint unchanged after add")
	}
	if w.Fingerprint() != after {
		t.Fatalf("fingerprint not stable without changes")
	}
	if err := os.Remove(p); err != nil {
		t.Fatal(err)
	}
	if w.Fingerprint() != base {
		t.Fatalf("fingerprint after remove differs from empty baseline")
	}
}

func TestRunFiresCallbackOnChange(t *testing.T) {
	m := newTestManager(t)
	changed := make(chan struct{}, 1)
	w := NewWatcher(m, 10*time.Millisecond, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// let the baseline scan land before mutating
	time.Sleep(30 * time.Millisecond)
	writeSource(t, filepath.Join(m.Root(), "references"), "hero.png")

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher never reported the change")
	}
}
