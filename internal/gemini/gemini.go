/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package gemini generates book images through the Gemini streaming API.
// A single mutex serializes every call from request assembly to the final
// file write, so at most one generation is in flight and two calls can never
// interleave their writes. A generated image is written only once the full
// byte payload has been received; a failed call leaves no file behind.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"bookcreator/internal/aiconfig"
	applog "bookcreator/internal/log"
	"bookcreator/internal/project"
	"bookcreator/internal/telemetry"
	"bookcreator/internal/thumbs"
	"bookcreator/internal/usage"
)

// Request limits.
const (
	MaxPromptChars     = 8000
	MaxReferenceImages = 16
)

// Request describes one generation call. Requests are ephemeral; nothing
// here is persisted.
type Request struct {
	Prompt          string
	ReferenceImages []string
	Sketch          string
	StylePrompt     string
	AspectRatio     string
	ResolutionTier  string
	Category        project.Category
	SystemPromptKey string
	TopP            float64
	Temperature     float64
	// OnProgress receives short human-readable phase descriptions.
	OnProgress func(string)
}

// Result is the outcome of a successful generation.
type Result struct {
	ImagePath     string
	ThumbnailPath string
	Usage         usage.Usage
}

// apiRequest is the assembled payload handed to the stream starter.
type apiRequest struct {
	Model             string
	SystemInstruction string
	Prompt            string
	Blobs             []genai.Blob
	TopP              float32
	Temperature       float32
}

// responseStream is the part of the SDK stream iterator the collector needs.
// *genai.GenerateContentResponseIterator satisfies it.
type responseStream interface {
	Next() (*genai.GenerateContentResponse, error)
}

// streamStarter opens a streaming call. The returned closer releases the
// underlying client. Swapped out in tests.
type streamStarter func(ctx context.Context, req apiRequest) (responseStream, func(), error)

// Options configures a Generator.
type Options struct {
	APIKey string
	// Root is the project working folder where images and thumbnails land.
	Root   string
	Config aiconfig.Config
	// Overrides maps system prompt keys to project-level replacement text.
	Overrides map[string]string
	// OnUsage is invoked once per successful call with the reported usage.
	OnUsage func(usage.Usage)
}

// Generator is the serialized entry point for all image generation.
type Generator struct {
	mu         sync.Mutex
	generating bool

	apiKey    string
	root      string
	model     string
	cfg       aiconfig.Config
	overrides map[string]string
	onUsage   func(usage.Usage)

	start streamStarter
	now   func() time.Time
	log   *slog.Logger
}

// New creates a generator for the given working folder.
func New(opts Options) (*Generator, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if opts.Root == "" {
		return nil, fmt.Errorf("working folder is required")
	}
	model, err := opts.Config.Model(aiconfig.ModelImageGeneration)
	if err != nil {
		return nil, err
	}
	g := &Generator{
		apiKey:    opts.APIKey,
		root:      opts.Root,
		model:     model,
		cfg:       opts.Config,
		overrides: opts.Overrides,
		onUsage:   opts.OnUsage,
		now:       time.Now,
		log:       applog.WithComponent("gemini"),
	}
	g.start = g.startStream
	return g, nil
}

// IsGenerating reports whether a call is currently in flight.
func (g *Generator) IsGenerating() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generating
}

// SetSystemPromptOverrides replaces the project-level prompt overrides.
func (g *Generator) SetSystemPromptOverrides(overrides map[string]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides = overrides
}

// systemPrompt resolves a prompt key, override first.
func (g *Generator) systemPrompt(key string) string {
	if v, ok := g.overrides[key]; ok && v != "" {
		return v
	}
	return g.cfg.SystemPrompt(key)
}

// GeneratePage generates a page illustration into pages/.
func (g *Generator) GeneratePage(ctx context.Context, req Request) (Result, error) {
	req.Category = project.CategoryPages
	req.SystemPromptKey = aiconfig.PromptPage
	return g.Generate(ctx, req)
}

// GenerateCharacterSheet generates a character reference sheet into
// references/.
func (g *Generator) GenerateCharacterSheet(ctx context.Context, req Request) (Result, error) {
	req.Category = project.CategoryReferences
	req.SystemPromptKey = aiconfig.PromptCharacterSheet
	req.Sketch = ""
	return g.Generate(ctx, req)
}

// Generate runs one generation call. Validation happens before the mutex is
// taken; everything from payload assembly to the file write happens under it.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	prompt, err := validatePrompt(req.Prompt)
	if err != nil {
		return Result{}, err
	}
	refs, sketch, err := validateAttachments(req.ReferenceImages, req.Sketch)
	if err != nil {
		return Result{}, err
	}
	req.Prompt = prompt
	req.ReferenceImages = refs
	req.Sketch = sketch
	return g.run(ctx, req, "generated_"+g.timestamp())
}

// Rework generates a revised version of an existing image. The original is
// attached as the first reference and is never overwritten; the new image
// gets a rework_ name beside it.
func (g *Generator) Rework(ctx context.Context, original string, req Request) (Result, error) {
	prompt, err := validatePrompt(req.Prompt)
	if err != nil {
		return Result{}, err
	}
	st, err := os.Stat(original)
	if err != nil || st.IsDir() {
		return Result{}, originalNotFound(original)
	}

	refs := append([]string{original}, req.ReferenceImages...)
	refs, sketch, err := validateAttachments(refs, req.Sketch)
	if err != nil {
		return Result{}, err
	}

	if req.Category == project.CategoryPages {
		req.SystemPromptKey = aiconfig.PromptReworkPage
	} else {
		req.SystemPromptKey = aiconfig.PromptReworkCharacter
	}
	req.Prompt = fmt.Sprintf(g.cfg.Template(aiconfig.TemplateReworkInstruction), prompt)
	req.ReferenceImages = refs
	req.Sketch = sketch

	stem := strings.TrimSuffix(filepath.Base(original), filepath.Ext(original))
	return g.run(ctx, req, fmt.Sprintf("rework_%s_%s", g.timestamp(), stem))
}

func (g *Generator) timestamp() string {
	return g.now().Format("2006-01-02T15-04-05")
}

func (g *Generator) run(ctx context.Context, req Request, baseName string) (Result, error) {
	g.mu.Lock()
	g.generating = true
	defer func() {
		g.generating = false
		g.mu.Unlock()
	}()

	progress(req, "Preparing request...")
	api, err := g.assemble(req)
	if err != nil {
		return Result{}, err
	}

	g.log.Info("starting generation",
		slog.String("model", api.Model),
		slog.String("category", string(req.Category)),
		slog.String("aspect_ratio", req.AspectRatio),
		slog.Int("attachments", len(api.Blobs)),
		slog.Int("prompt_chars", len(api.Prompt)))

	progress(req, "Waiting for Gemini to finish image generation...")
	stream, closeStream, err := g.start(ctx, api)
	if err != nil {
		return Result{}, apiError(err)
	}
	defer closeStream()

	data, mime, u, err := g.collect(stream)
	if err != nil {
		return Result{}, err
	}
	if len(data) == 0 {
		return Result{}, noImageProduced()
	}

	progress(req, "Saving generated image...")
	imagePath, err := g.saveImage(data, mime, req.Category, baseName)
	if err != nil {
		return Result{}, err
	}

	progress(req, "Creating thumbnail...")
	thumbPath, err := thumbs.Create(g.root, imagePath)
	if err != nil {
		g.log.Error("thumbnail creation failed", slog.String("image", imagePath), slog.Any("err", err))
		thumbPath = ""
	}

	u.Model = g.model
	if g.onUsage != nil && !u.Empty() {
		g.onUsage(u)
	}
	telemetry.GenerationFinished(string(req.Category), g.model, u.Normalized().TotalTokens)
	g.log.Info("generation finished",
		slog.String("image", imagePath),
		slog.Int64("total_tokens", u.Normalized().TotalTokens))
	return Result{ImagePath: imagePath, ThumbnailPath: thumbPath, Usage: u}, nil
}

// assemble builds the full API payload: system instruction from the prompt
// key, style prefix and render hint, plus the user prompt and attachments.
func (g *Generator) assemble(req Request) (apiRequest, error) {
	var sys []string
	if req.SystemPromptKey != "" {
		if p := strings.TrimSpace(g.systemPrompt(req.SystemPromptKey)); p != "" {
			sys = append(sys, p)
		}
	}
	if req.StylePrompt != "" {
		sys = append(sys, fmt.Sprintf(g.cfg.Template(aiconfig.TemplateStylePrefix), req.StylePrompt))
	}
	if req.AspectRatio != "" {
		tier := req.ResolutionTier
		if tier == "" {
			tier = "4K"
		}
		sys = append(sys, fmt.Sprintf(g.cfg.Template(aiconfig.TemplateRenderHint), req.AspectRatio, tier))
	}

	api := apiRequest{
		Model:             g.model,
		SystemInstruction: strings.Join(sys, "\n\n"),
		Prompt:            req.Prompt,
		TopP:              float32(req.TopP),
		Temperature:       float32(req.Temperature),
	}

	for _, p := range req.ReferenceImages {
		b, err := loadBlob(p)
		if err != nil {
			return apiRequest{}, apiError(fmt.Errorf("read reference %s: %w", p, err))
		}
		api.Blobs = append(api.Blobs, b)
	}
	if req.Sketch != "" {
		b, err := loadBlob(req.Sketch)
		if err != nil {
			return apiRequest{}, apiError(fmt.Errorf("read sketch %s: %w", req.Sketch, err))
		}
		api.Blobs = append(api.Blobs, b)
	}
	return api, nil
}

// collect drains the stream: the latest inline image payload and the latest
// usage metadata win. The loop stops early once both are in hand.
func (g *Generator) collect(stream responseStream) ([]byte, string, usage.Usage, error) {
	var (
		data []byte
		mime string
		u    usage.Usage
	)
	for {
		resp, err := stream.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, "", usage.Usage{}, apiError(err)
		}
		if resp.UsageMetadata != nil {
			u = extractUsage(resp.UsageMetadata)
		}
		for _, cand := range resp.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch p := part.(type) {
				case genai.Blob:
					if len(p.Data) > 0 {
						data = p.Data
						mime = p.MIMEType
					}
				case genai.Text:
					if p != "" {
						g.log.Info("api text response", slog.String("text", string(p)))
					}
				}
			}
		}
		if len(data) > 0 && u.TotalTokens > 0 {
			break
		}
	}
	return data, mime, u, nil
}

func extractUsage(md *genai.UsageMetadata) usage.Usage {
	return usage.Usage{
		PromptTokens: int64(md.PromptTokenCount),
		OutputTokens: int64(md.CandidatesTokenCount),
		TotalTokens:  int64(md.TotalTokenCount),
	}
}

// saveImage writes the complete payload into the category folder and returns
// the absolute path.
func (g *Generator) saveImage(data []byte, mime string, c project.Category, baseName string) (string, error) {
	dir := filepath.Join(g.root, string(c))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create category dir: %w", err)
	}
	out := filepath.Join(dir, baseName+extForMIME(mime))
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", fmt.Errorf("write generated image: %w", err)
	}
	return out, nil
}

// startStream is the real stream starter backed by the SDK.
func (g *Generator) startStream(ctx context.Context, req apiRequest) (responseStream, func(), error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return nil, nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := client.GenerativeModel(req.Model)
	model.SetTopP(req.TopP)
	model.SetTemperature(req.Temperature)
	if req.SystemInstruction != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemInstruction)},
		}
	}
	parts := make([]genai.Part, 0, 1+len(req.Blobs))
	parts = append(parts, genai.Text(req.Prompt))
	for _, b := range req.Blobs {
		parts = append(parts, b)
	}
	return model.GenerateContentStream(ctx, parts...), func() { _ = client.Close() }, nil
}

func progress(req Request, msg string) {
	if req.OnProgress != nil {
		req.OnProgress(msg)
	}
}

// validatePrompt trims the prompt and enforces the length limit. The limit
// counts characters, not bytes, so multibyte prompts are not penalized.
func validatePrompt(prompt string) (string, error) {
	cleaned := strings.TrimSpace(prompt)
	if cleaned == "" {
		return "", invalidPrompt("prompt is empty")
	}
	if utf8.RuneCountInString(cleaned) > MaxPromptChars {
		return "", invalidPrompt(fmt.Sprintf("prompt is too long (max %d characters)", MaxPromptChars))
	}
	return cleaned, nil
}

// validateAttachments drops references that no longer exist and enforces the
// attachment cap on the survivors. A missing sketch means "no sketch".
func validateAttachments(refs []string, sketch string) ([]string, string, error) {
	var existing []string
	for _, p := range refs {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			existing = append(existing, p)
		}
	}
	if len(existing) > MaxReferenceImages {
		return nil, "", tooManyReferences(len(existing))
	}
	if sketch != "" {
		if st, err := os.Stat(sketch); err != nil || st.IsDir() {
			sketch = ""
		}
	}
	return existing, sketch, nil
}

var mimeByExt = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

func loadBlob(path string) (genai.Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return genai.Blob{}, err
	}
	mime := mimeByExt[strings.ToLower(filepath.Ext(path))]
	if mime == "" {
		mime = "image/jpeg"
	}
	return genai.Blob{MIMEType: mime, Data: data}, nil
}

func extForMIME(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
