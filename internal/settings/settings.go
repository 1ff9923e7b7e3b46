/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package settings persists the application configuration: a global
// config.json in the user scope and an optional project.json inside the
// working folder, with project values taking precedence. The API key never
// touches either file; it lives only in the OS keyring.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/zalando/go-keyring"

	applog "bookcreator/internal/log"
	"bookcreator/internal/usage"
)

// DefaultAspectRatio is used when neither scope configures one.
const DefaultAspectRatio = "3:4"

// AspectRatios is the closed set of accepted aspect ratio values.
var AspectRatios = []string{"1:1", "3:4", "4:3", "16:9", "9:16"}

// Sampling defaults applied when neither scope configures a value.
const (
	DefaultTopP        = 0.95
	DefaultTemperature = 1.0
)

// Keyring coordinates for the API key.
const (
	keyringService = "BookCreator"
	keyringAPIKey  = "gemini_api_key"
)

// Env var overrides, read-only at runtime.
const (
	EnvConfigPath    = "BKC_CONFIG"
	EnvWorkingFolder = "BKC_WORKING_FOLDER"
)

// ProjectConfigName is the per-project settings file inside the working folder.
const ProjectConfigName = "project.json"

// SecretStore abstracts the OS keyring, so tests can stub it.
type SecretStore interface {
	Get(service, key string) (string, error)
	Set(service, key, value string) error
	Delete(service, key string) error
}

type osKeyring struct{}

func (osKeyring) Get(service, key string) (string, error) { return keyring.Get(service, key) }
func (osKeyring) Set(service, key, value string) error    { return keyring.Set(service, key, value) }
func (osKeyring) Delete(service, key string) error        { return keyring.Delete(service, key) }

// GlobalConfig is the JSON shape of the user-scope config.json.
type GlobalConfig struct {
	WorkingFolder             string        `json:"working_folder,omitempty"`
	AspectRatio               string        `json:"aspect_ratio,omitempty"`
	CharacterSheetAspectRatio string        `json:"character_sheet_aspect_ratio,omitempty"`
	StylePrompt               string        `json:"style_prompt,omitempty"`
	PThreshold                *float64      `json:"p_threshold,omitempty"`
	Temperature               *float64      `json:"temperature,omitempty"`
	GeminiUsage               *usage.Ledger `json:"gemini_usage,omitempty"`
}

// ProjectConfig is the JSON shape of project.json. Absent fields fall
// through to the global scope, hence the pointers.
type ProjectConfig struct {
	AspectRatio               string            `json:"aspect_ratio,omitempty"`
	CharacterSheetAspectRatio string            `json:"character_sheet_aspect_ratio,omitempty"`
	StylePrompt               *string           `json:"style_prompt,omitempty"`
	PThreshold                *float64          `json:"p_threshold,omitempty"`
	Temperature               *float64          `json:"temperature,omitempty"`
	SystemPromptOverrides     map[string]string `json:"system_prompt_overrides,omitempty"`
}

// Settings mediates all reads and writes of both scopes. Every mutation is
// written back immediately with an atomic replace, so a crash can never leave
// a half-written config behind.
type Settings struct {
	mu      sync.Mutex
	path    string
	global  GlobalConfig
	project ProjectConfig
	secrets SecretStore
	log     *slog.Logger
}

// DefaultConfigPath returns the per-user path of config.json.
func DefaultConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p, nil
	}
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "BookCreator")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "BookCreator")
	default:
		base = filepath.Join(os.Getenv("HOME"), ".config", "bookcreator")
	}
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.json"), nil
}

// Load reads config.json at path (DefaultConfigPath when empty) and, if a
// working folder is configured, its project.json. Missing files yield
// defaults; malformed files are reported.
func Load(path string) (*Settings, error) {
	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	s := &Settings{
		path:    path,
		secrets: osKeyring{},
		log:     applog.WithComponent("settings"),
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &s.global); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if v := strings.TrimSpace(os.Getenv(EnvWorkingFolder)); v != "" {
		s.global.WorkingFolder = v
	}
	if s.global.WorkingFolder != "" {
		if err := s.loadProject(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetSecretStore swaps the keyring backend. Intended for tests.
func (s *Settings) SetSecretStore(store SecretStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = store
}

func (s *Settings) loadProject() error {
	s.project = ProjectConfig{}
	p := filepath.Join(s.global.WorkingFolder, ProjectConfigName)
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", p, err)
	}
	if err := json.Unmarshal(data, &s.project); err != nil {
		return fmt.Errorf("parse %s: %w", p, err)
	}
	return nil
}

// writeJSON writes v to path via a temp file in the same directory followed
// by a rename, so readers only ever see a complete document.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *Settings) saveGlobal() error {
	if err := writeJSON(s.path, &s.global); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func (s *Settings) saveProject() error {
	if s.global.WorkingFolder == "" {
		return nil
	}
	p := filepath.Join(s.global.WorkingFolder, ProjectConfigName)
	if err := writeJSON(p, &s.project); err != nil {
		return fmt.Errorf("save project config: %w", err)
	}
	return nil
}

// hasProject reports whether a working folder is configured; callers must
// hold the mutex.
func (s *Settings) hasProject() bool { return s.global.WorkingFolder != "" }

// ConfigPath returns the path of the global config file.
func (s *Settings) ConfigPath() string { return s.path }

// --- working folder ---

// WorkingFolder returns the configured project root, or "".
func (s *Settings) WorkingFolder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global.WorkingFolder
}

// SetWorkingFolder persists the new project root and loads its project.json.
// Scaffolding of the directory tree is the project manager's job.
func (s *Settings) SetWorkingFolder(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.WorkingFolder = path
	if err := s.saveGlobal(); err != nil {
		return err
	}
	if path == "" {
		s.project = ProjectConfig{}
		return nil
	}
	return s.loadProject()
}

// IsConfigured reports whether both the API key and a working folder are set.
func (s *Settings) IsConfigured() bool {
	return s.HasAPIKey() && s.WorkingFolder() != ""
}

// --- aspect ratio ---

func validAspectRatio(r string) bool {
	for _, a := range AspectRatios {
		if a == r {
			return true
		}
	}
	return false
}

// AspectRatio returns the page aspect ratio, project over global over default.
func (s *Settings) AspectRatio() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project.AspectRatio != "" {
		return s.project.AspectRatio
	}
	if s.global.AspectRatio != "" {
		return s.global.AspectRatio
	}
	return DefaultAspectRatio
}

// SetAspectRatio validates and stores the page aspect ratio, in the project
// scope when a project is open.
func (s *Settings) SetAspectRatio(r string) error {
	if !validAspectRatio(r) {
		return fmt.Errorf("invalid aspect ratio %q, must be one of %v", r, AspectRatios)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasProject() {
		s.project.AspectRatio = r
		return s.saveProject()
	}
	s.global.AspectRatio = r
	return s.saveGlobal()
}

// CharacterSheetAspectRatio returns the character sheet ratio, or "" meaning
// "use the page aspect ratio".
func (s *Settings) CharacterSheetAspectRatio() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project.CharacterSheetAspectRatio != "" {
		return s.project.CharacterSheetAspectRatio
	}
	return s.global.CharacterSheetAspectRatio
}

// SetCharacterSheetAspectRatio stores the sheet ratio; "" clears it.
func (s *Settings) SetCharacterSheetAspectRatio(r string) error {
	if r != "" && !validAspectRatio(r) {
		return fmt.Errorf("invalid aspect ratio %q, must be one of %v", r, AspectRatios)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasProject() {
		s.project.CharacterSheetAspectRatio = r
		return s.saveProject()
	}
	s.global.CharacterSheetAspectRatio = r
	return s.saveGlobal()
}

// --- style prompt ---

// StylePrompt returns the book-wide style description.
func (s *Settings) StylePrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project.StylePrompt != nil {
		return *s.project.StylePrompt
	}
	return s.global.StylePrompt
}

// SetStylePrompt stores the style description, project scope first.
func (s *Settings) SetStylePrompt(prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasProject() {
		s.project.StylePrompt = &prompt
		return s.saveProject()
	}
	s.global.StylePrompt = prompt
	return s.saveGlobal()
}

// --- sampling parameters ---

// TopP returns the nucleus sampling threshold.
func (s *Settings) TopP() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project.PThreshold != nil {
		return *s.project.PThreshold
	}
	if s.global.PThreshold != nil {
		return *s.global.PThreshold
	}
	return DefaultTopP
}

// SetTopP validates and stores the nucleus sampling threshold.
func (s *Settings) SetTopP(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("top-p must be between 0.0 and 1.0, got %v", v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasProject() {
		s.project.PThreshold = &v
		return s.saveProject()
	}
	s.global.PThreshold = &v
	return s.saveGlobal()
}

// Temperature returns the sampling temperature.
func (s *Settings) Temperature() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project.Temperature != nil {
		return *s.project.Temperature
	}
	if s.global.Temperature != nil {
		return *s.global.Temperature
	}
	return DefaultTemperature
}

// SetTemperature validates and stores the sampling temperature.
func (s *Settings) SetTemperature(v float64) error {
	if v < 0 || v > 2 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0, got %v", v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasProject() {
		s.project.Temperature = &v
		return s.saveProject()
	}
	s.global.Temperature = &v
	return s.saveGlobal()
}

// --- system prompt overrides (project scope only) ---

// SystemPromptOverride returns the project override for the given prompt key,
// or "" when the baked-in prompt applies.
func (s *Settings) SystemPromptOverride(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project.SystemPromptOverrides[key]
}

// SetSystemPromptOverride stores an override; empty or blank clears it.
// Without an open project this is a no-op.
func (s *Settings) SetSystemPromptOverride(key, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasProject() {
		return nil
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		delete(s.project.SystemPromptOverrides, key)
		if len(s.project.SystemPromptOverrides) == 0 {
			s.project.SystemPromptOverrides = nil
		}
	} else {
		if s.project.SystemPromptOverrides == nil {
			s.project.SystemPromptOverrides = make(map[string]string)
		}
		s.project.SystemPromptOverrides[key] = prompt
	}
	return s.saveProject()
}

// SystemPromptOverrides returns a copy of all project overrides.
func (s *Settings) SystemPromptOverrides() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.project.SystemPromptOverrides))
	for k, v := range s.project.SystemPromptOverrides {
		out[k] = v
	}
	return out
}

// ClearSystemPromptOverrides removes all project overrides.
func (s *Settings) ClearSystemPromptOverrides() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasProject() || s.project.SystemPromptOverrides == nil {
		return nil
	}
	s.project.SystemPromptOverrides = nil
	return s.saveProject()
}

// --- API key (keyring only) ---

// APIKey retrieves the API key from the OS keyring; "" when not set.
func (s *Settings) APIKey() string {
	s.mu.Lock()
	store := s.secrets
	s.mu.Unlock()
	v, err := store.Get(keyringService, keyringAPIKey)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			s.log.Error("keyring read failed", slog.Any("err", err))
		}
		return ""
	}
	return v
}

// SetAPIKey stores the key in the OS keyring.
func (s *Settings) SetAPIKey(key string) error {
	s.mu.Lock()
	store := s.secrets
	s.mu.Unlock()
	if err := store.Set(keyringService, keyringAPIKey, key); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	s.log.Info("api key stored")
	return nil
}

// DeleteAPIKey removes the key from the OS keyring. Deleting a key that is
// not there is not an error.
func (s *Settings) DeleteAPIKey() error {
	s.mu.Lock()
	store := s.secrets
	s.mu.Unlock()
	err := store.Delete(keyringService, keyringAPIKey)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

// HasAPIKey reports whether a key is stored.
func (s *Settings) HasAPIKey() bool { return s.APIKey() != "" }

// --- usage ledger ---

// SetUsageAllowList restricts which models the ledger accepts.
func (s *Settings) SetUsageAllowList(models []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgerLocked().SetAllowList(models)
}

func (s *Settings) ledgerLocked() *usage.Ledger {
	if s.global.GeminiUsage == nil {
		s.global.GeminiUsage = &usage.Ledger{}
	}
	return s.global.GeminiUsage
}

// RecordUsage adds a call's counters to the lifetime ledger and persists the
// global config.
func (s *Settings) RecordUsage(u usage.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ledgerLocked().Record(u); err != nil {
		return err
	}
	return s.saveGlobal()
}

// UsageSnapshot returns a deep copy of the lifetime ledger.
func (s *Settings) UsageSnapshot() usage.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.ledgerLocked()
	out := usage.Ledger{Since: l.Since, Cost: l.Cost, Models: make(map[string]usage.Counters, len(l.Models))}
	for k, v := range l.Models {
		out.Models[k] = v
	}
	return out
}

// ResetUsage zeroes all counters, stamps a new since and persists.
func (s *Settings) ResetUsage(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgerLocked().Reset(now)
	return s.saveGlobal()
}
