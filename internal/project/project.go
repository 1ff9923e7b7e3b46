/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package project implements the filesystem-backed model of a book project.
// The directory tree under the project root is the single source of truth:
// every read lists the category directories fresh, identity is the relative
// path, and page order is derived from the 3-digit zero-padded filename
// prefix. There is no separate index to keep in sync.
package project

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	applog "bookcreator/internal/log"
	"bookcreator/internal/thumbs"
)

// Category is one of the three top-level image roles.
type Category string

const (
	CategoryPages      Category = "pages"
	CategoryReferences Category = "references"
	CategoryInputs     Category = "inputs"
)

// Categories returns all categories in display order.
func Categories() []Category {
	return []Category{CategoryPages, CategoryReferences, CategoryInputs}
}

// Valid reports whether c names a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryPages, CategoryReferences, CategoryInputs:
		return true
	}
	return false
}

// ExportsDir is where PDF exports land, relative to the project root.
const ExportsDir = "exports"

// MaxPages is the largest order expressible with a 3-digit prefix. The
// prefix arithmetic does not widen; operations that would exceed this report
// an error instead of wrapping.
const MaxPages = 999

// imageExts are the file extensions treated as project images.
var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// IsImageFile reports whether name carries an allowed image extension.
func IsImageFile(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// pagePrefixRe matches the NNN_ ordering prefix of page filenames.
var pagePrefixRe = regexp.MustCompile(`^(\d{3})_(.*)$`)

// Image is a derived record; it is recomputed from the directory tree on
// every read and never stored anywhere.
type Image struct {
	// ID is the forward-slash relative path from the project root. It is
	// both the stable identity and the storage location.
	ID       string
	Category Category
	// Name is the display name: the stem, with the NNN_ prefix stripped
	// for pages.
	Name string
	// Order is the 1-based position for pages, 0 for other categories.
	Order int
}

// Manager performs all reads and mutations of a project directory.
type Manager struct {
	root string
	log  *slog.Logger
}

// Open scaffolds the category directories under root if needed and returns a
// manager for it.
func Open(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("project root is required")
	}
	for _, c := range Categories() {
		if err := os.MkdirAll(filepath.Join(root, string(c)), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", c, err)
		}
	}
	for _, d := range []string{thumbs.Dir, ExportsDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", d, err)
		}
	}
	return &Manager{root: root, log: applog.WithComponent("project")}, nil
}

// Root returns the project root directory.
func (m *Manager) Root() string { return m.root }

// Sync is a deliberate no-op: reads always go straight to the filesystem.
func (m *Manager) Sync() {}

// Abs resolves an image id to an absolute path.
func (m *Manager) Abs(id string) string {
	return filepath.Join(m.root, filepath.FromSlash(id))
}

func (m *Manager) relID(path string) string {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// List returns the images of a category sorted by filename. Pages report
// their 1-based order; a missing category directory yields an empty list.
func (m *Manager) List(c Category) []Image {
	dir := filepath.Join(m.root, string(c))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	images := make([]Image, 0, len(names))
	for i, name := range names {
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		display := stem
		order := 0
		if c == CategoryPages {
			if mm := pagePrefixRe.FindStringSubmatch(stem); mm != nil {
				display = mm[2]
			}
			order = i + 1
		}
		images = append(images, Image{
			ID:       m.relID(filepath.Join(dir, name)),
			Category: c,
			Name:     display,
			Order:    order,
		})
	}
	return images
}

// OrderedPages returns the pages in book order.
func (m *Manager) OrderedPages() []Image { return m.List(CategoryPages) }

// All returns every image organized by category.
func (m *Manager) All() map[Category][]Image {
	out := make(map[Category][]Image, 3)
	for _, c := range Categories() {
		out[c] = m.List(c)
	}
	return out
}

// Thumbnail returns the thumbnail path for an image, regenerating it from
// the image when it is missing.
func (m *Manager) Thumbnail(id string) (string, error) {
	return thumbs.Ensure(m.root, m.Abs(id))
}

// EnsureThumbnails walks every image and regenerates missing thumbnails,
// returning how many were created. Images that fail to decode are logged and
// skipped.
func (m *Manager) EnsureThumbnails() int {
	created := 0
	for _, images := range m.All() {
		for _, img := range images {
			if _, ok := thumbs.Existing(m.root, m.Abs(img.ID)); ok {
				continue
			}
			if _, err := m.Thumbnail(img.ID); err != nil {
				m.log.Warn("thumbnail regeneration failed",
					slog.String("id", img.ID), slog.Any("err", err))
				continue
			}
			created++
		}
	}
	return created
}

// Add copies (never moves) src into the category folder. Pages get the next
// free 3-digit prefix unless the name already carries one; filename
// collisions are resolved by appending _1, _2, ... before the extension.
func (m *Manager) Add(src string, c Category, name string) (Image, error) {
	if !c.Valid() {
		return Image{}, fmt.Errorf("unknown category %q", c)
	}
	dir := filepath.Join(m.root, string(c))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Image{}, fmt.Errorf("create category dir: %w", err)
	}

	target := name
	if target == "" {
		target = filepath.Base(src)
	}
	if filepath.Ext(target) == "" {
		target += filepath.Ext(src)
	}

	if c == CategoryPages {
		next := len(m.List(CategoryPages)) + 1
		if next > MaxPages {
			return Image{}, fmt.Errorf("pages are limited to %d ordered entries", MaxPages)
		}
		if !pagePrefixRe.MatchString(target) {
			target = fmt.Sprintf("%03d_%s", next, target)
		}
	}

	dst := resolveCollision(filepath.Join(dir, target))
	if err := copyFile(src, dst); err != nil {
		return Image{}, fmt.Errorf("copy into %s: %w", c, err)
	}
	m.log.Info("added image", slog.String("category", string(c)), slog.String("path", dst))

	stem := strings.TrimSuffix(filepath.Base(dst), filepath.Ext(dst))
	return Image{ID: m.relID(dst), Category: c, Name: stem}, nil
}

// Remove deletes the backing file and its thumbnail (thumbnail first).
// It reports whether the primary file existed and was removed; a missing
// file is a failure, not an error.
func (m *Manager) Remove(id string) bool {
	path := m.Abs(id)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	thumb := thumbs.PathIn(m.root, stem)
	if _, err := os.Stat(thumb); err == nil {
		if err := os.Remove(thumb); err != nil {
			m.log.Error("remove thumbnail failed", slog.String("path", thumb), slog.Any("err", err))
		}
	}
	if err := os.Remove(path); err != nil {
		m.log.Error("remove image failed", slog.String("id", id), slog.Any("err", err))
		return false
	}
	m.log.Info("removed image", slog.String("id", id))
	return true
}

// Move relocates an image into another category: the ordering prefix is
// stripped, a fresh one is assigned when the destination is pages, name
// collisions are resolved as in Add, and the thumbnail follows the new stem.
// Failures are logged and reported as false.
func (m *Manager) Move(id string, c Category) bool {
	if !c.Valid() {
		return false
	}
	src := m.Abs(id)
	if _, err := os.Stat(src); err != nil {
		return false
	}
	dir := filepath.Join(m.root, string(c))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.log.Error("create category dir failed", slog.Any("err", err))
		return false
	}

	clean := filepath.Base(src)
	if mm := pagePrefixRe.FindStringSubmatch(clean); mm != nil {
		clean = mm[2]
	}
	target := clean
	if c == CategoryPages {
		next := len(m.List(CategoryPages)) + 1
		if next > MaxPages {
			m.log.Error("pages prefix space exhausted", slog.String("id", id))
			return false
		}
		target = fmt.Sprintf("%03d_%s", next, clean)
	}
	dst := resolveCollision(filepath.Join(dir, target))

	if err := m.renameWithThumb(src, dst); err != nil {
		m.log.Error("move image failed", slog.String("id", id), slog.Any("err", err))
		return false
	}
	m.log.Info("moved image", slog.String("id", id), slog.String("category", string(c)))
	return true
}

// Rename changes the display name of an image. Pages keep their numeric
// prefix; only the part after it changes. Renaming onto an existing,
// different file is rejected and leaves both files untouched.
func (m *Manager) Rename(id, newName string) bool {
	src := m.Abs(id)
	if _, err := os.Stat(src); err != nil {
		return false
	}
	ext := filepath.Ext(src)
	category := Category(filepath.Base(filepath.Dir(src)))

	var target string
	if category == CategoryPages {
		if mm := pagePrefixRe.FindStringSubmatch(filepath.Base(src)); mm != nil {
			target = fmt.Sprintf("%s_%s%s", mm[1], newName, ext)
		} else {
			// pages should always carry a prefix; fall back to the bare name
			target = newName + ext
		}
	} else {
		target = newName + ext
	}
	dst := filepath.Join(filepath.Dir(src), target)
	if dst == src {
		return true
	}
	if _, err := os.Stat(dst); err == nil {
		m.log.Warn("rename target exists", slog.String("target", dst))
		return false
	}
	if err := m.renameWithThumb(src, dst); err != nil {
		m.log.Error("rename failed", slog.String("id", id), slog.Any("err", err))
		return false
	}
	m.log.Info("renamed image", slog.String("id", id), slog.String("to", target))
	return true
}

// Reorder renames every listed page so that prefixes are contiguous and
// ascending in the given order. A two-phase pass through unique temporary
// names avoids collisions when files would otherwise swap into each other's
// old names mid-rename. Thumbnails are renamed alongside. Ids that no longer
// exist are skipped. Pages left out of ids keep their current names and are
// overwritten when a newly assigned name collides with them; callers pass
// the complete page list.
func (m *Manager) Reorder(ids []string) error {
	if len(ids) > MaxPages {
		return fmt.Errorf("pages are limited to %d ordered entries", MaxPages)
	}
	dir := filepath.Join(m.root, string(CategoryPages))
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	type pending struct {
		tempPath string
		clean    string
	}
	var temps []pending

	// Phase 1: move every page to a unique temporary name.
	for i, id := range ids {
		cur := m.Abs(id)
		if _, err := os.Stat(cur); err != nil {
			continue
		}
		clean := filepath.Base(cur)
		if mm := pagePrefixRe.FindStringSubmatch(clean); mm != nil {
			clean = mm[2]
		}
		temp := filepath.Join(dir, fmt.Sprintf("__temp_%04d__%s", i, clean))
		if err := m.renameWithThumb(cur, temp); err != nil {
			return fmt.Errorf("reorder temp rename: %w", err)
		}
		temps = append(temps, pending{tempPath: temp, clean: clean})
	}

	// Phase 2: assign the final zero-padded names in the desired order.
	for i, p := range temps {
		final := filepath.Join(dir, fmt.Sprintf("%03d_%s", i+1, p.clean))
		if err := m.renameWithThumb(p.tempPath, final); err != nil {
			return fmt.Errorf("reorder final rename: %w", err)
		}
	}
	m.log.Info("updated page order", slog.Int("pages", len(temps)))
	return nil
}

// renameWithThumb renames the thumbnail first (keyed by the old stem), then
// the file itself. Not atomic across the pair: a crash in between leaves a
// stray thumbnail that the next Ensure call regenerates from the image.
func (m *Manager) renameWithThumb(src, dst string) error {
	srcStem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	dstStem := strings.TrimSuffix(filepath.Base(dst), filepath.Ext(dst))
	srcThumb := thumbs.PathIn(m.root, srcStem)
	if _, err := os.Stat(srcThumb); err == nil {
		if err := os.Rename(srcThumb, thumbs.PathIn(m.root, dstStem)); err != nil {
			m.log.Error("rename thumbnail failed", slog.String("from", srcThumb), slog.Any("err", err))
		}
	}
	return os.Rename(src, dst)
}

// resolveCollision appends _1, _2, ... before the extension until the path
// is free.
func resolveCollision(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	for i := 1; ; i++ {
		cand := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(cand); err != nil {
			return cand
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
