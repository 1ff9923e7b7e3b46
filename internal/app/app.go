/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package app wires the services together: settings, AI configuration, the
// project manager for the working folder and a lazily created generator.
package app

import (
	"fmt"
	"log/slog"

	"bookcreator/internal/aiconfig"
	"bookcreator/internal/gemini"
	applog "bookcreator/internal/log"
	"bookcreator/internal/project"
	"bookcreator/internal/settings"
	"bookcreator/internal/usage"
)

// Context holds the long-lived application state.
type Context struct {
	Settings *settings.Settings
	AIConfig aiconfig.Config
	// Project is nil until a working folder is configured.
	Project *project.Manager

	gen *gemini.Generator
	log *slog.Logger
}

// New loads the AI configuration and settings and, when a working folder is
// already configured, opens its project.
func New(configPath string) (*Context, error) {
	cfg, err := aiconfig.Load()
	if err != nil {
		return nil, err
	}
	s, err := settings.Load(configPath)
	if err != nil {
		return nil, err
	}
	s.SetUsageAllowList(cfg.UsageAllowList())

	a := &Context{
		Settings: s,
		AIConfig: cfg,
		log:      applog.WithComponent("app"),
	}
	if root := s.WorkingFolder(); root != "" {
		m, err := project.Open(root)
		if err != nil {
			return nil, fmt.Errorf("open project %s: %w", root, err)
		}
		a.Project = m
	}
	return a, nil
}

// OpenProject makes root the working folder, scaffolds it and reloads the
// project-scoped settings. Any cached generator is discarded because its
// output folder and prompt overrides changed.
func (a *Context) OpenProject(root string) error {
	if err := a.Settings.SetWorkingFolder(root); err != nil {
		return err
	}
	m, err := project.Open(root)
	if err != nil {
		return err
	}
	a.Project = m
	a.gen = nil
	a.log.Info("project opened", slog.String("root", root))
	return nil
}

// RequireProject returns the project manager or an instructive error.
func (a *Context) RequireProject() (*project.Manager, error) {
	if a.Project == nil {
		return nil, fmt.Errorf("no working folder configured, run 'open <dir>' first")
	}
	return a.Project, nil
}

// Generator returns the image generator, creating it on first use. It needs
// both an API key in the keyring and an open project.
func (a *Context) Generator() (*gemini.Generator, error) {
	if a.gen != nil {
		return a.gen, nil
	}
	if _, err := a.RequireProject(); err != nil {
		return nil, err
	}
	key := a.Settings.APIKey()
	if key == "" {
		return nil, fmt.Errorf("no api key stored, run 'set-key <key>' first")
	}
	g, err := gemini.New(gemini.Options{
		APIKey:    key,
		Root:      a.Project.Root(),
		Config:    a.AIConfig,
		Overrides: a.Settings.SystemPromptOverrides(),
		OnUsage: func(u usage.Usage) {
			if err := a.Settings.RecordUsage(u); err != nil {
				a.log.Error("recording usage failed", slog.Any("err", err))
			}
		},
	})
	if err != nil {
		return nil, err
	}
	a.gen = g
	return g, nil
}

// BaseRequest builds a generation request pre-filled with the effective
// settings: style prompt, aspect ratio and sampling parameters.
func (a *Context) BaseRequest() gemini.Request {
	return gemini.Request{
		StylePrompt: a.Settings.StylePrompt(),
		AspectRatio: a.Settings.AspectRatio(),
		TopP:        a.Settings.TopP(),
		Temperature: a.Settings.Temperature(),
	}
}

// SheetRequest is BaseRequest with the character sheet aspect ratio applied
// when one is configured.
func (a *Context) SheetRequest() gemini.Request {
	req := a.BaseRequest()
	if r := a.Settings.CharacterSheetAspectRatio(); r != "" {
		req.AspectRatio = r
	}
	return req
}
