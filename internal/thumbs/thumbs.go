/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package thumbs derives and locates the PNG thumbnails kept in the hidden
// .thumbnails directory of a project. Thumbnails are a derived cache, never
// authoritative: a missing or stale thumbnail is regenerated lazily from its
// image, which also self-heals strays left behind by interrupted renames.
package thumbs

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	// register decoders for the allowed image formats
	_ "image/jpeg"

	_ "golang.org/x/image/webp"
)

// Dir is the hidden directory holding thumbnails, relative to a project root.
const Dir = ".thumbnails"

// MaxEdge is the long-edge size of generated thumbnails in pixels.
const MaxEdge = 256

// Suffix appended to the image stem to form the thumbnail filename.
const Suffix = "_thumb.png"

// PathIn returns the thumbnail path for an image stem under root.
func PathIn(root, stem string) string {
	return filepath.Join(root, Dir, stem+Suffix)
}

// PathFor returns the thumbnail path for the given image file under root.
func PathFor(root, imagePath string) string {
	stem := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	return PathIn(root, stem)
}

// Existing returns the thumbnail path for imagePath if one exists on disk.
func Existing(root, imagePath string) (string, bool) {
	p := PathFor(root, imagePath)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// Ensure returns the thumbnail for imagePath, creating it if missing.
func Ensure(root, imagePath string) (string, error) {
	if p, ok := Existing(root, imagePath); ok {
		return p, nil
	}
	return Create(root, imagePath)
}

// Create (re)generates the thumbnail for imagePath: decoded, flattened onto a
// white matte if it carries alpha, scaled so the long edge is at most
// MaxEdge, and written as PNG. Images already small enough are not upscaled.
func Create(root, imagePath string) (string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode image %s: %w", imagePath, err)
	}

	dst := Downscale(Flatten(src), MaxEdge)

	if err := os.MkdirAll(filepath.Join(root, Dir), 0o755); err != nil {
		return "", fmt.Errorf("ensure thumbnails dir: %w", err)
	}
	out := PathFor(root, imagePath)
	w, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create thumbnail: %w", err)
	}
	defer w.Close()
	if err := png.Encode(w, dst); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return out, nil
}

// Flatten composites img onto a white background, dropping any alpha or
// palette so the thumbnail is plain RGB.
func Flatten(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}

// Downscale resizes img so its longer edge is at most maxEdge, preserving
// aspect ratio. Smaller images are returned unchanged.
func Downscale(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxEdge && h <= maxEdge {
		return img
	}
	var tw, th int
	if w >= h {
		tw = maxEdge
		th = h * maxEdge / w
	} else {
		th = maxEdge
		tw = w * maxEdge / h
	}
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
