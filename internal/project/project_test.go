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
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"bookcreator/internal/thumbs"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m
}

func writeSource(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("not really a png"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 40, A: 255})
		}
	}
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return p
}

func pageNames(m *Manager) []string {
	var out []string
	for _, img := range m.OrderedPages() {
		out = append(out, filepath.Base(img.ID))
	}
	return out
}

func TestOpenScaffoldsDirectories(t *testing.T) {
	root := t.TempDir()
	if _, err := Open(root); err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, d := range []string{"pages", "references", "inputs", thumbs.Dir, ExportsDir} {
		if st, err := os.Stat(filepath.Join(root, d)); err != nil || !st.IsDir() {
			t.Fatalf("missing directory %s: %v", d, err)
		}
	}
}

func TestAddPageAssignsNextPrefix(t *testing.T) {
	m := newTestManager(t)
	srcDir := t.TempDir()

	img1, err := m.Add(writeSource(t, srcDir, "cover.png"), CategoryPages, "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if filepath.Base(img1.ID) != "001_cover.png" {
		t.Fatalf("first page = %q, want 001_cover.png", img1.ID)
	}

	img2, err := m.Add(writeSource(t, srcDir, "intro.png"), CategoryPages, "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if filepath.Base(img2.ID) != "002_intro.png" {
		t.Fatalf("second page = %q, want 002_intro.png", img2.ID)
	}
}

func TestAddKeepsSourceFile(t *testing.T) {
	m := newTestManager(t)
	src := writeSource(t, t.TempDir(), "ref.png")
	if _, err := m.Add(src, CategoryReferences, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("source file consumed by Add: %v", err)
	}
}

func TestAddResolvesCollision(t *testing.T) {
	m := newTestManager(t)
	srcDir := t.TempDir()
	src := writeSource(t, srcDir, "hero.png")

	if _, err := m.Add(src, CategoryReferences, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	img, err := m.Add(src, CategoryReferences, "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if filepath.Base(img.ID) != "hero_1.png" {
		t.Fatalf("collision resolved to %q, want hero_1.png", img.ID)
	}
}

func TestAddExtensionFromSource(t *testing.T) {
	m := newTestManager(t)
	src := writeSource(t, t.TempDir(), "sketch.webp")
	img, err := m.Add(src, CategoryInputs, "concept")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if filepath.Base(img.ID) != "concept.webp" {
		t.Fatalf("named add = %q, want concept.webp", img.ID)
	}
}

func TestListOrdersByFilename(t *testing.T) {
	m := newTestManager(t)
	dir := filepath.Join(m.Root(), "pages")
	for _, name := range []string{"002_b.png", "001_a.png", "003_c.png"} {
		writeSource(t, dir, name)
	}
	got := pageNames(m)
	want := []string{"001_a.png", "002_b.png", "003_c.png"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pages = %v, want %v", got, want)
		}
	}
	pages := m.OrderedPages()
	for i, img := range pages {
		if img.Order != i+1 {
			t.Fatalf("page %d has order %d", i, img.Order)
		}
	}
	if pages[0].Name != "a" {
		t.Fatalf("display name = %q, want prefix stripped", pages[0].Name)
	}
}

func TestListSkipsNonImages(t *testing.T) {
	m := newTestManager(t)
	dir := filepath.Join(m.Root(), "inputs")
	writeSource(t, dir, "keep.png")
	writeSource(t, dir, "notes.txt")
	if err := os.MkdirAll(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}
	got := m.List(CategoryInputs)
	if len(got) != 1 || filepath.Base(got[0].ID) != "keep.png" {
		t.Fatalf("inputs = %+v", got)
	}
}

func TestRemoveDeletesImageAndThumbnail(t *testing.T) {
	m := newTestManager(t)
	img, err := m.Add(writeSource(t, t.TempDir(), "gone.png"), CategoryInputs, "")
	if err != nil {
		t.Fatal(err)
	}
	thumb := thumbs.PathIn(m.Root(), "gone")
	if err := os.WriteFile(thumb, []byte("thumb"), 0o644); err != nil {
		t.Fatal(err)
	}

	if !m.Remove(img.ID) {
		t.Fatalf("Remove reported failure")
	}
	if _, err := os.Stat(m.Abs(img.ID)); err == nil {
		t.Fatalf("image survived Remove")
	}
	if _, err := os.Stat(thumb); err == nil {
		t.Fatalf("thumbnail survived Remove")
	}
	// removing again is a failure, not a panic
	if m.Remove(img.ID) {
		t.Fatalf("Remove of a missing image reported success")
	}
}

func TestMoveToPagesAssignsPrefix(t *testing.T) {
	m := newTestManager(t)
	img, err := m.Add(writeSource(t, t.TempDir(), "promo.png"), CategoryReferences, "")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Move(img.ID, CategoryPages) {
		t.Fatalf("Move failed")
	}
	got := pageNames(m)
	if len(got) != 1 || got[0] != "001_promo.png" {
		t.Fatalf("pages after move = %v", got)
	}
}

func TestMoveFromPagesStripsPrefix(t *testing.T) {
	m := newTestManager(t)
	img, err := m.Add(writeSource(t, t.TempDir(), "cover.png"), CategoryPages, "")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Move(img.ID, CategoryInputs) {
		t.Fatalf("Move failed")
	}
	got := m.List(CategoryInputs)
	if len(got) != 1 || filepath.Base(got[0].ID) != "cover.png" {
		t.Fatalf("inputs after move = %+v", got)
	}
	if len(m.OrderedPages()) != 0 {
		t.Fatalf("page survived move away")
	}
}

func TestMoveRelocatesThumbnail(t *testing.T) {
	m := newTestManager(t)
	img, err := m.Add(writeSource(t, t.TempDir(), "art.png"), CategoryPages, "")
	if err != nil {
		t.Fatal(err)
	}
	oldThumb := thumbs.PathIn(m.Root(), "001_art")
	if err := os.WriteFile(oldThumb, []byte("t"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !m.Move(img.ID, CategoryReferences) {
		t.Fatalf("Move failed")
	}
	if _, err := os.Stat(oldThumb); err == nil {
		t.Fatalf("old thumbnail left behind")
	}
	if _, err := os.Stat(thumbs.PathIn(m.Root(), "art")); err != nil {
		t.Fatalf("thumbnail not renamed with image: %v", err)
	}
}

func TestRenamePageKeepsPrefix(t *testing.T) {
	m := newTestManager(t)
	img, err := m.Add(writeSource(t, t.TempDir(), "draft.png"), CategoryPages, "")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Rename(img.ID, "final") {
		t.Fatalf("Rename failed")
	}
	got := pageNames(m)
	if len(got) != 1 || got[0] != "001_final.png" {
		t.Fatalf("pages after rename = %v", got)
	}
}

func TestRenameRejectsExistingTarget(t *testing.T) {
	m := newTestManager(t)
	srcDir := t.TempDir()
	a, err := m.Add(writeSource(t, srcDir, "a.png"), CategoryReferences, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Add(writeSource(t, srcDir, "b.png"), CategoryReferences, ""); err != nil {
		t.Fatal(err)
	}
	if m.Rename(a.ID, "b") {
		t.Fatalf("rename onto an existing file succeeded")
	}
	if _, err := os.Stat(m.Abs(a.ID)); err != nil {
		t.Fatalf("source file lost by rejected rename: %v", err)
	}
}

func TestReorderRenumbersContiguously(t *testing.T) {
	m := newTestManager(t)
	srcDir := t.TempDir()
	var ids []string
	for _, n := range []string{"a.png", "b.png", "c.png"} {
		img, err := m.Add(writeSource(t, srcDir, n), CategoryPages, "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, img.ID)
	}

	// c, a, b
	if err := m.Reorder([]string{ids[2], ids[0], ids[1]}); err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	got := pageNames(m)
	want := []string{"001_c.png", "002_a.png", "003_b.png"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pages = %v, want %v", got, want)
		}
	}
}

func TestReorderSwapDoesNotClobber(t *testing.T) {
	m := newTestManager(t)
	dir := filepath.Join(m.Root(), "pages")
	writeSource(t, dir, "001_x.png")
	writeSource(t, dir, "002_y.png")

	if err := m.Reorder([]string{"pages/002_y.png", "pages/001_x.png"}); err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	got := pageNames(m)
	want := []string{"001_y.png", "002_x.png"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pages = %v, want %v", got, want)
		}
	}
}

func TestReorderSkipsMissing(t *testing.T) {
	m := newTestManager(t)
	dir := filepath.Join(m.Root(), "pages")
	writeSource(t, dir, "001_real.png")

	if err := m.Reorder([]string{"pages/009_ghost.png", "pages/001_real.png"}); err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	got := pageNames(m)
	if len(got) != 1 || got[0] != "001_real.png" {
		t.Fatalf("pages = %v", got)
	}
}

func TestReorderRenamesThumbnails(t *testing.T) {
	m := newTestManager(t)
	dir := filepath.Join(m.Root(), "pages")
	writeSource(t, dir, "001_a.png")
	writeSource(t, dir, "002_b.png")
	if err := os.WriteFile(thumbs.PathIn(m.Root(), "001_a"), []byte("t"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Reorder([]string{"pages/002_b.png", "pages/001_a.png"}); err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if _, err := os.Stat(thumbs.PathIn(m.Root(), "002_a")); err != nil {
		t.Fatalf("thumbnail did not follow reorder: %v", err)
	}
}

func TestOrderRoundTrip(t *testing.T) {
	m := newTestManager(t)
	srcDir := t.TempDir()
	for _, n := range []string{"p.png", "q.png", "r.png", "s.png"} {
		if _, err := m.Add(writeSource(t, srcDir, n), CategoryPages, ""); err != nil {
			t.Fatal(err)
		}
	}
	var ids []string
	for _, img := range m.OrderedPages() {
		ids = append(ids, img.ID)
	}
	if err := m.Reorder(ids); err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	got := pageNames(m)
	want := []string{"001_p.png", "002_q.png", "003_r.png", "004_s.png"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("identity reorder changed pages: %v", got)
		}
	}
}

func TestEnsureThumbnailsRegeneratesMissing(t *testing.T) {
	m := newTestManager(t)
	srcDir := t.TempDir()
	img, err := m.Add(writePNG(t, srcDir, "cover.png"), CategoryPages, "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	// an undecodable image is skipped, not fatal
	if _, err := m.Add(writeSource(t, srcDir, "broken.png"), CategoryInputs, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if n := m.EnsureThumbnails(); n != 1 {
		t.Fatalf("EnsureThumbnails created %d thumbnails, want 1", n)
	}
	thumb, err := m.Thumbnail(img.ID)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if _, err := os.Stat(thumb); err != nil {
		t.Fatalf("thumbnail not on disk: %v", err)
	}

	// a deleted thumbnail comes back on the next lookup
	if err := os.Remove(thumb); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Thumbnail(img.ID); err != nil {
		t.Fatalf("Thumbnail after delete: %v", err)
	}
	if _, err := os.Stat(thumb); err != nil {
		t.Fatalf("thumbnail not regenerated: %v", err)
	}

	// nothing left to heal
	if n := m.EnsureThumbnails(); n != 0 {
		t.Fatalf("EnsureThumbnails created %d thumbnails, want 0", n)
	}
}
