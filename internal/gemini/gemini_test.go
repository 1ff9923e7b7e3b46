/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"

	"bookcreator/internal/aiconfig"
	"bookcreator/internal/project"
	"bookcreator/internal/telemetry"
	"bookcreator/internal/usage"
)

// stubStream replays canned responses and then reports iterator.Done.
type stubStream struct {
	resps []*genai.GenerateContentResponse
	err   error
	i     int
}

func (s *stubStream) Next() (*genai.GenerateContentResponse, error) {
	if s.i < len(s.resps) {
		r := s.resps[s.i]
		s.i++
		return r, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, iterator.Done
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func imageResponse(data []byte, total int32) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Parts: []genai.Part{genai.Blob{MIMEType: "image/png", Data: data}},
			},
		}},
		UsageMetadata: &genai.UsageMetadata{
			PromptTokenCount:     total / 3,
			CandidatesTokenCount: total - total/3,
			TotalTokenCount:      total,
		},
	}
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(text)}},
		}},
	}
}

type testHarness struct {
	g        *Generator
	starts   int
	captured apiRequest
	usages   []usage.Usage
}

func newHarness(t *testing.T, root string, stream responseStream, startErr error) *testHarness {
	t.Helper()
	h := &testHarness{}
	g, err := New(Options{
		APIKey: "test-key",
		Root:   root,
		Config: aiconfig.Defaults(),
		OnUsage: func(u usage.Usage) {
			h.usages = append(h.usages, u)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.now = func() time.Time {
		return time.Date(2026, 4, 1, 10, 30, 0, 0, time.UTC)
	}
	g.start = func(ctx context.Context, req apiRequest) (responseStream, func(), error) {
		h.starts++
		h.captured = req
		if startErr != nil {
			return nil, nil, startErr
		}
		return stream, func() {}, nil
	}
	h.g = g
	return h
}

func TestGenerateWritesImageThumbnailAndUsage(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, root, &stubStream{resps: []*genai.GenerateContentResponse{
		imageResponse(pngBytes(t), 300),
	}}, nil)

	res, err := h.g.GeneratePage(context.Background(), Request{
		Prompt:      "a fox sleeping under a tree",
		AspectRatio: "3:4",
		TopP:        0.95,
		Temperature: 1.0,
	})
	if err != nil {
		t.Fatalf("GeneratePage: %v", err)
	}
	wantName := "generated_2026-04-01T10-30-00.png"
	if filepath.Base(res.ImagePath) != wantName {
		t.Fatalf("image path = %q, want %q", res.ImagePath, wantName)
	}
	if filepath.Dir(res.ImagePath) != filepath.Join(root, "pages") {
		t.Fatalf("image saved outside pages: %q", res.ImagePath)
	}
	if _, err := os.Stat(res.ImagePath); err != nil {
		t.Fatalf("image not on disk: %v", err)
	}
	if _, err := os.Stat(res.ThumbnailPath); err != nil {
		t.Fatalf("thumbnail not on disk: %v", err)
	}
	if len(h.usages) != 1 {
		t.Fatalf("usage callback invoked %d times", len(h.usages))
	}
	u := h.usages[0]
	if u.Model != "gemini-3-pro-image-preview" || u.TotalTokens != 300 {
		t.Fatalf("usage = %+v", u)
	}
	if res.Usage.TotalTokens != 300 {
		t.Fatalf("result usage = %+v", res.Usage)
	}
}

func TestGenerateSendsSystemInstructionAndStyle(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, root, &stubStream{resps: []*genai.GenerateContentResponse{
		imageResponse(pngBytes(t), 100),
	}}, nil)

	_, err := h.g.GeneratePage(context.Background(), Request{
		Prompt:         "a harbor at dawn",
		StylePrompt:    "loose watercolor",
		AspectRatio:    "16:9",
		ResolutionTier: "2K",
	})
	if err != nil {
		t.Fatal(err)
	}
	sys := h.captured.SystemInstruction
	if !strings.Contains(sys, "illustrator painting a single full page") {
		t.Fatalf("page system prompt missing: %q", sys)
	}
	if !strings.Contains(sys, "Style: loose watercolor") {
		t.Fatalf("style prefix missing: %q", sys)
	}
	if !strings.Contains(sys, "aspect ratio 16:9") || !strings.Contains(sys, "2K resolution") {
		t.Fatalf("render hint missing: %q", sys)
	}
	if h.captured.Model != "gemini-3-pro-image-preview" {
		t.Fatalf("captured request = %+v", h.captured)
	}
}

func TestValidationShortCircuitsBeforeNetwork(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, root, &stubStream{}, nil)

	_, err := h.g.Generate(context.Background(), Request{Prompt: "   "})
	if k, ok := ErrorKind(err); !ok || k != KindInvalidPrompt {
		t.Fatalf("empty prompt error = %v", err)
	}
	_, err = h.g.Generate(context.Background(), Request{Prompt: strings.Repeat("x", MaxPromptChars+1)})
	if k, ok := ErrorKind(err); !ok || k != KindInvalidPrompt {
		t.Fatalf("long prompt error = %v", err)
	}
	if h.starts != 0 {
		t.Fatalf("network reached despite invalid prompt")
	}
}

func TestPromptLimitCountsCharactersNotBytes(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, root, &stubStream{resps: []*genai.GenerateContentResponse{
		imageResponse(pngBytes(t), 20),
	}}, nil)

	// 4001 characters, well within the limit, but over 8000 bytes
	within := strings.Repeat("é", MaxPromptChars/2+1)
	if _, err := h.g.GeneratePage(context.Background(), Request{Prompt: within}); err != nil {
		t.Fatalf("multibyte prompt within the limit rejected: %v", err)
	}
	if h.starts != 1 {
		t.Fatalf("network not reached for a valid prompt")
	}

	over := strings.Repeat("é", MaxPromptChars+1)
	_, err := h.g.Generate(context.Background(), Request{Prompt: over})
	if k, ok := ErrorKind(err); !ok || k != KindInvalidPrompt {
		t.Fatalf("over-long multibyte prompt error = %v", err)
	}
	if h.starts != 1 {
		t.Fatalf("network reached despite over-long prompt")
	}
}

func TestGenerationEmitsTelemetryEvent(t *testing.T) {
	events := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
			events <- payload
		}
	}))
	defer srv.Close()
	telemetry.NewDefault(telemetry.Config{OptIn: true, EventsURL: srv.URL, Timeout: time.Second})
	defer telemetry.NewDefault(telemetry.Config{})

	root := t.TempDir()
	h := newHarness(t, root, &stubStream{resps: []*genai.GenerateContentResponse{
		imageResponse(pngBytes(t), 60),
	}}, nil)
	if _, err := h.g.GeneratePage(context.Background(), Request{Prompt: "a fox"}); err != nil {
		t.Fatalf("GeneratePage: %v", err)
	}

	select {
	case payload := <-events:
		if payload["name"] != "generation_finished" {
			t.Fatalf("event name = %v", payload["name"])
		}
		if payload["category"] != "pages" || payload["model"] != "gemini-3-pro-image-preview" {
			t.Fatalf("event payload = %v", payload)
		}
		if _, ok := payload["prompt"]; ok {
			t.Fatalf("prompt leaked into telemetry: %v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no telemetry event received")
	}
}

func TestTooManyReferences(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, root, &stubStream{}, nil)

	refDir := t.TempDir()
	var refs []string
	for i := 0; i <= MaxReferenceImages; i++ {
		p := filepath.Join(refDir, "ref"+strings.Repeat("x", i)+".png")
		if err := os.WriteFile(p, []byte("img"), 0o644); err != nil {
			t.Fatal(err)
		}
		refs = append(refs, p)
	}
	_, err := h.g.Generate(context.Background(), Request{Prompt: "ok", ReferenceImages: refs})
	if k, ok := ErrorKind(err); !ok || k != KindTooManyReferences {
		t.Fatalf("error = %v", err)
	}
	if h.starts != 0 {
		t.Fatalf("network reached despite attachment overflow")
	}
}

func TestMissingReferencesAreDropped(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, root, &stubStream{resps: []*genai.GenerateContentResponse{
		imageResponse(pngBytes(t), 50),
	}}, nil)

	real := filepath.Join(t.TempDir(), "real.png")
	if err := os.WriteFile(real, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := h.g.Generate(context.Background(), Request{
		Prompt:          "ok",
		Category:        project.CategoryInputs,
		ReferenceImages: []string{real, filepath.Join(t.TempDir(), "ghost.png")},
		Sketch:          filepath.Join(t.TempDir(), "no-sketch.png"),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(h.captured.Blobs) != 1 {
		t.Fatalf("blobs = %d, want the surviving reference only", len(h.captured.Blobs))
	}
}

func TestNoImageProducedWritesNothing(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, root, &stubStream{resps: []*genai.GenerateContentResponse{
		textResponse("cannot comply"),
	}}, nil)

	_, err := h.g.GeneratePage(context.Background(), Request{Prompt: "ok"})
	if k, ok := ErrorKind(err); !ok || k != KindNoImage {
		t.Fatalf("error = %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(root, "pages"))
	if len(entries) != 0 {
		t.Fatalf("files written despite empty result: %v", entries)
	}
	if len(h.usages) != 0 {
		t.Fatalf("usage recorded for failed call")
	}
}

func TestAPIErrors(t *testing.T) {
	root := t.TempDir()

	h := newHarness(t, root, nil, errors.New("dial tcp: connection refused"))
	_, err := h.g.GeneratePage(context.Background(), Request{Prompt: "ok"})
	if !IsAPIError(err) {
		t.Fatalf("start failure not an api error: %v", err)
	}

	h = newHarness(t, root, &stubStream{err: errors.New("stream reset")}, nil)
	_, err = h.g.GeneratePage(context.Background(), Request{Prompt: "ok"})
	if !IsAPIError(err) {
		t.Fatalf("stream failure not an api error: %v", err)
	}
	var ge *GenerationError
	if !errors.As(err, &ge) || ge.Unwrap() == nil {
		t.Fatalf("cause not preserved: %v", err)
	}
}

func TestReworkOriginalNotFound(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, root, &stubStream{}, nil)
	_, err := h.g.Rework(context.Background(), filepath.Join(root, "pages", "001_x.png"), Request{
		Prompt:   "make it night",
		Category: project.CategoryPages,
	})
	if k, ok := ErrorKind(err); !ok || k != KindOriginalNotFound {
		t.Fatalf("error = %v", err)
	}
	if h.starts != 0 {
		t.Fatalf("network reached despite missing original")
	}
}

func TestReworkAttachesOriginalFirstAndPreservesIt(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, root, &stubStream{resps: []*genai.GenerateContentResponse{
		imageResponse(pngBytes(t), 80),
	}}, nil)

	pagesDir := filepath.Join(root, "pages")
	if err := os.MkdirAll(pagesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	original := filepath.Join(pagesDir, "001_cover.png")
	originalData := []byte("original-bytes")
	if err := os.WriteFile(original, originalData, 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := h.g.Rework(context.Background(), original, Request{
		Prompt:   "add a red balloon",
		Category: project.CategoryPages,
	})
	if err != nil {
		t.Fatalf("Rework: %v", err)
	}

	if len(h.captured.Blobs) == 0 || !bytes.Equal(h.captured.Blobs[0].Data, originalData) {
		t.Fatalf("original is not the first attachment")
	}
	if !strings.Contains(h.captured.Prompt, "Requested changes: add a red balloon") {
		t.Fatalf("rework instruction missing: %q", h.captured.Prompt)
	}
	if !strings.Contains(h.captured.SystemInstruction, "revising an existing picture-book page") {
		t.Fatalf("rework system prompt missing: %q", h.captured.SystemInstruction)
	}

	wantName := "rework_2026-04-01T10-30-00_001_cover.png"
	if filepath.Base(res.ImagePath) != wantName {
		t.Fatalf("rework name = %q, want %q", filepath.Base(res.ImagePath), wantName)
	}
	got, err := os.ReadFile(original)
	if err != nil || !bytes.Equal(got, originalData) {
		t.Fatalf("original modified by rework")
	}
}

func TestCallsAreSerialized(t *testing.T) {
	root := t.TempDir()
	img := pngBytes(t)

	var mu sync.Mutex
	var filesAtStart []int

	g, err := New(Options{APIKey: "k", Root: root, Config: aiconfig.Defaults()})
	if err != nil {
		t.Fatal(err)
	}
	var seq atomic.Int32
	g.now = func() time.Time {
		return time.Date(2026, 4, 1, 10, 30, int(seq.Add(1)), 0, time.UTC)
	}
	g.start = func(ctx context.Context, req apiRequest) (responseStream, func(), error) {
		entries, _ := os.ReadDir(filepath.Join(root, "pages"))
		mu.Lock()
		filesAtStart = append(filesAtStart, len(entries))
		mu.Unlock()
		return &stubStream{resps: []*genai.GenerateContentResponse{imageResponse(img, 10)}}, func() {}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.GeneratePage(context.Background(), Request{Prompt: "serialized"}); err != nil {
				t.Errorf("GeneratePage: %v", err)
			}
		}()
	}
	wg.Wait()

	// the second call must only reach the network after the first call's
	// image hit the disk
	if len(filesAtStart) != 2 {
		t.Fatalf("start invoked %d times", len(filesAtStart))
	}
	if filesAtStart[0] != 0 || filesAtStart[1] != 1 {
		t.Fatalf("interleaved calls: files at start = %v", filesAtStart)
	}
}
