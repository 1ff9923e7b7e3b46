/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package export compiles the ordered page images of a book into a single
// PDF document.
package export

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jung-kurt/gofpdf"
	"golang.org/x/image/webp"

	applog "bookcreator/internal/log"
	"bookcreator/internal/telemetry"

	_ "image/jpeg"
)

const inch = 72.0

// aspectRatioSizes maps the known aspect ratios to page sizes in points.
var aspectRatioSizes = map[string][2]float64{
	"1:1":  {8 * inch, 8 * inch},
	"3:4":  {6 * inch, 8 * inch},
	"4:3":  {8 * inch, 6 * inch},
	"16:9": {10 * inch, 5.625 * inch},
	"9:16": {5.625 * inch, 10 * inch},
}

// PDFOptions controls a book export. Units are points.
type PDFOptions struct {
	AspectRatio string
	Title       string
	Author      string
	// Cover, when set and existing, becomes the first page.
	Cover string
}

// PageSize returns the page dimensions in points for an aspect ratio.
// Unknown but parseable ratios derive from an 8 inch base edge; anything
// else falls back to 3:4.
func PageSize(aspectRatio string) (w, h float64) {
	if s, ok := aspectRatioSizes[aspectRatio]; ok {
		return s[0], s[1]
	}
	parts := strings.SplitN(aspectRatio, ":", 2)
	if len(parts) == 2 {
		wf, errW := strconv.ParseFloat(parts[0], 64)
		hf, errH := strconv.ParseFloat(parts[1], 64)
		if errW == nil && errH == nil && wf > 0 && hf > 0 {
			ratio := wf / hf
			if ratio >= 1 {
				return 8 * inch, 8 * inch / ratio
			}
			return 8 * inch * ratio, 8 * inch
		}
	}
	s := aspectRatioSizes["3:4"]
	return s[0], s[1]
}

// ExportBookPDF writes the given page images, in order, into a PDF at
// outPath. Each page image is centered and scaled to fit the page while
// keeping its own aspect ratio. Missing images are skipped with a warning;
// an export with no usable page at all is an error.
func ExportBookPDF(pages []string, outPath string, opt PDFOptions) error {
	log := applog.WithComponent("export")

	all := pages
	if opt.Cover != "" {
		if _, err := os.Stat(opt.Cover); err == nil {
			all = append([]string{opt.Cover}, pages...)
		} else {
			log.Warn("cover image not found, skipping", slog.String("path", opt.Cover))
		}
	}
	if len(all) == 0 {
		return fmt.Errorf("no pages to export")
	}

	pageW, pageH := PageSize(opt.AspectRatio)

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "pt",
		Size:    gofpdf.SizeType{Wd: pageW, Ht: pageH},
	})
	title := opt.Title
	if title == "" {
		title = "My Book"
	}
	pdf.SetTitle(title, true)
	if opt.Author != "" {
		pdf.SetAuthor(opt.Author, true)
	}
	pdf.SetCreator("BookCreator", true)

	added := 0
	for _, p := range all {
		if _, err := os.Stat(p); err != nil {
			log.Warn("page image not found, skipping", slog.String("path", p))
			continue
		}
		if err := addImagePage(pdf, p, pageW, pageH); err != nil {
			return fmt.Errorf("add page %s: %w", p, err)
		}
		added++
		log.Info("added page", slog.Int("page", added), slog.String("image", filepath.Base(p)))
	}
	if added == 0 {
		return fmt.Errorf("no pages to export")
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := pdf.OutputFileAndClose(outPath); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	telemetry.BookExported(added)
	log.Info("pdf exported", slog.String("path", outPath), slog.Int("pages", added))
	return nil
}

// addImagePage registers the image and draws it centered on a fresh page.
// WebP is not supported by the PDF writer and is re-encoded as PNG first.
func addImagePage(pdf *gofpdf.Fpdf, path string, pageW, pageH float64) error {
	imgW, imgH, err := imageDimensions(path)
	if err != nil {
		return err
	}

	var (
		reader  *bytes.Reader
		imgType string
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		reader, imgType = bytes.NewReader(data), "PNG"
	case ".jpg", ".jpeg":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		reader, imgType = bytes.NewReader(data), "JPG"
	case ".webp":
		data, err := reencodeWebP(path)
		if err != nil {
			return err
		}
		reader, imgType = bytes.NewReader(data), "PNG"
	default:
		return fmt.Errorf("unsupported image format: %s", path)
	}

	opts := gofpdf.ImageOptions{ImageType: imgType}
	pdf.RegisterImageOptionsReader(path, opts, reader)
	if pdf.Err() {
		return pdf.Error()
	}

	scale := pageW / float64(imgW)
	if s := pageH / float64(imgH); s < scale {
		scale = s
	}
	w := float64(imgW) * scale
	h := float64(imgH) * scale
	x := (pageW - w) / 2
	y := (pageH - h) / 2

	pdf.AddPageFormat("", gofpdf.SizeType{Wd: pageW, Ht: pageH})
	pdf.ImageOptions(path, x, y, w, h, false, opts, 0, "")
	if pdf.Err() {
		return pdf.Error()
	}
	return nil
}

func imageDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".webp") {
		cfg, err := webp.DecodeConfig(f)
		if err != nil {
			return 0, 0, fmt.Errorf("decode webp config: %w", err)
		}
		return cfg.Width, cfg.Height, nil
	}
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

func reencodeWebP(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := webp.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode webp: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("re-encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// EstimateFileSize approximates the size of the resulting PDF in bytes:
// images compress to roughly 70 percent of their file size, plus fixed
// structural overhead.
func EstimateFileSize(pages []string) int64 {
	var total int64
	for _, p := range pages {
		if st, err := os.Stat(p); err == nil {
			total += int64(float64(st.Size()) * 0.7)
		}
	}
	return total + 10_000
}
