/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package aiconfig centralizes model names, system prompts and prompt
// templates so they can be edited without changing code. Compiled-in
// defaults are merged with an optional YAML file pointed to by BKC_AI_CONFIG.
package aiconfig

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile points to an optional YAML file overriding the defaults.
const EnvConfigFile = "BKC_AI_CONFIG"

// Well-known model and prompt keys.
const (
	ModelImageGeneration = "image_generation"

	PromptCharacterSheet  = "character_sheet"
	PromptPage            = "page"
	PromptReworkPage      = "rework_page"
	PromptReworkCharacter = "rework_character"

	TemplateStylePrefix       = "style_prefix"
	TemplateReworkInstruction = "rework_instruction"
	TemplateRenderHint        = "render_hint"
)

// Config holds the editable AI surface of the application.
type Config struct {
	Models        map[string]string `yaml:"models"`
	SystemPrompts map[string]string `yaml:"system_prompts"`
	Templates     map[string]string `yaml:"templates"`
	// UsageModels is the allow-list of model identifiers accepted by the
	// usage ledger. Empty means "the configured image model only".
	UsageModels []string `yaml:"usage_tracking_models"`
}

// Defaults returns the compiled-in configuration.
func Defaults() Config {
	return Config{
		Models: map[string]string{
			ModelImageGeneration: "gemini-3-pro-image-preview",
		},
		SystemPrompts: map[string]string{
			PromptCharacterSheet: "You are an illustrator creating a character reference sheet " +
				"for a picture book. Show the character from several angles with a neutral " +
				"background and consistent proportions, colors and clothing across all views.",
			PromptPage: "You are an illustrator painting a single full page of a picture book. " +
				"Keep characters consistent with the provided reference sheets and fill the " +
				"whole canvas with the scene. Do not add text, panels or borders.",
			PromptReworkPage: "You are revising an existing picture-book page. The first " +
				"reference image is the current version of the page. Apply only the requested " +
				"changes and preserve everything else, including composition and style.",
			PromptReworkCharacter: "You are revising an existing character reference sheet. The " +
				"first reference image is the current sheet. Apply only the requested changes " +
				"and keep the character recognizable.",
		},
		Templates: map[string]string{
			TemplateStylePrefix:       "Style: %s",
			TemplateReworkInstruction: "Original image is provided as the first reference. Requested changes: %s",
			TemplateRenderHint:        "Render the image at aspect ratio %s and %s resolution.",
		},
		UsageModels: []string{
			"gemini-3-pro-image-preview",
			"gemini-3-pro-preview",
		},
	}
}

// Load returns the defaults merged with the optional override file.
// A missing override env var is not an error; a broken file is.
func Load() (Config, error) {
	cfg := Defaults()
	path := strings.TrimSpace(os.Getenv(EnvConfigFile))
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read ai config %s: %w", path, err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse ai config %s: %w", path, err)
	}
	mergeInto(&cfg, &fileCfg)
	return cfg, nil
}

func mergeInto(dst, src *Config) {
	for k, v := range src.Models {
		if strings.TrimSpace(v) != "" {
			dst.Models[k] = strings.TrimSpace(v)
		}
	}
	for k, v := range src.SystemPrompts {
		if strings.TrimSpace(v) != "" {
			dst.SystemPrompts[k] = v
		}
	}
	for k, v := range src.Templates {
		if strings.TrimSpace(v) != "" {
			dst.Templates[k] = v
		}
	}
	if len(src.UsageModels) > 0 {
		dst.UsageModels = append([]string(nil), src.UsageModels...)
	}
}

// Model returns the configured model identifier for the given key.
func (c Config) Model(key string) (string, error) {
	if v, ok := c.Models[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	return "", fmt.Errorf("model %q not configured", key)
}

// SystemPrompt returns the baked-in prompt for key, or "" if absent.
func (c Config) SystemPrompt(key string) string { return c.SystemPrompts[key] }

// Template returns the format string for key, falling back to the default.
func (c Config) Template(key string) string {
	if v, ok := c.Templates[key]; ok && v != "" {
		return v
	}
	return Defaults().Templates[key]
}

// UsageAllowList returns the model identifiers accepted for usage tracking.
func (c Config) UsageAllowList() []string {
	if len(c.UsageModels) > 0 {
		return append([]string(nil), c.UsageModels...)
	}
	if m, err := c.Model(ModelImageGeneration); err == nil {
		return []string{m}
	}
	return nil
}
