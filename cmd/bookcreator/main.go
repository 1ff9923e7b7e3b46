/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bookcreator/internal/app"
	"bookcreator/internal/crash"
	"bookcreator/internal/export"
	"bookcreator/internal/gemini"
	applog "bookcreator/internal/log"
	"bookcreator/internal/project"
	"bookcreator/internal/version"
)

func usage() {
	fmt.Println("Book Creator — illustrated book tool")
	fmt.Printf("Version: %s\n", version.String())
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  bookcreator version|-v|--version           Show version")
	fmt.Println("  bookcreator open <dir>                     Use <dir> as the working folder")
	fmt.Println("  bookcreator status                         Show configuration and project summary")
	fmt.Println("  bookcreator list [category]                List images (pages, references, inputs)")
	fmt.Println("  bookcreator add <file> <category> [name]   Copy an image into the project")
	fmt.Println("  bookcreator remove <id>                    Delete an image and its thumbnail")
	fmt.Println("  bookcreator move <id> <category>           Move an image to another category")
	fmt.Println("  bookcreator rename <id> <new-name>         Rename an image (pages keep their number)")
	fmt.Println("  bookcreator reorder <id> [<id> ...]        Renumber pages into the given order")
	fmt.Println("  bookcreator thumbnails                     Regenerate missing thumbnails")
	fmt.Println("  bookcreator set-key <api-key>              Store the Gemini API key in the OS keyring")
	fmt.Println("  bookcreator delete-key                     Remove the stored API key")
	fmt.Println("  bookcreator set <field> <value>            Change a setting (aspect-ratio, sheet-aspect-ratio,")
	fmt.Println("                                             style-prompt, top-p, temperature)")
	fmt.Println("  bookcreator generate <prompt> [ref ...]    Generate a page illustration")
	fmt.Println("  bookcreator sheet <prompt> [ref ...]       Generate a character reference sheet")
	fmt.Println("  bookcreator rework <id> <prompt> [ref ...] Rework an existing image")
	fmt.Println("  bookcreator export <out.pdf> [title]       Export the ordered pages as a PDF")
	fmt.Println("  bookcreator usage                          Show lifetime token usage")
	fmt.Println("  bookcreator usage-reset                    Reset the usage counters")
	fmt.Println("  bookcreator watch                          Watch the project for external changes")
}

func fatal(l *slog.Logger, msg string, err error) {
	l.Error(msg, slog.Any("err", err))
	fmt.Println("Error:", err)
	os.Exit(1)
}

func main() {
	applog.Init(applog.FromEnv())
	l := applog.WithComponent("cli")

	var projectRoot string
	defer func() { crash.Recover(projectRoot) }()

	args := os.Args
	if len(args) < 2 {
		usage()
		return
	}

	// version works without any configuration
	switch args[1] {
	case "version", "--version", "-v":
		fmt.Println("Book Creator — illustrated book tool")
		fmt.Println(version.String())
		return
	}

	a, err := app.New("")
	if err != nil {
		fatal(l, "startup failed", err)
	}
	projectRoot = a.Settings.WorkingFolder()

	switch args[1] {
	case "open", "init":
		if len(args) < 3 {
			fmt.Println("open requires <dir>")
			os.Exit(2)
		}
		abs, _ := filepath.Abs(args[2])
		if err := a.OpenProject(abs); err != nil {
			fatal(l, "open failed", err)
		}
		projectRoot = abs
		fmt.Println("Working folder:", abs)

	case "status":
		cmdStatus(a)

	case "list":
		m, err := a.RequireProject()
		if err != nil {
			fatal(l, "list failed", err)
		}
		cats := project.Categories()
		if len(args) >= 3 {
			cats = []project.Category{project.Category(args[2])}
		}
		for _, c := range cats {
			fmt.Printf("%s:\n", c)
			for _, img := range m.List(c) {
				if c == project.CategoryPages {
					fmt.Printf("  %3d  %s  (%s)\n", img.Order, img.Name, img.ID)
				} else {
					fmt.Printf("       %s  (%s)\n", img.Name, img.ID)
				}
			}
		}

	case "add":
		if len(args) < 4 {
			fmt.Println("add requires <file> and <category>")
			os.Exit(2)
		}
		m, err := a.RequireProject()
		if err != nil {
			fatal(l, "add failed", err)
		}
		name := ""
		if len(args) >= 5 {
			name = args[4]
		}
		img, err := m.Add(args[2], project.Category(args[3]), name)
		if err != nil {
			fatal(l, "add failed", err)
		}
		fmt.Println("Added", img.ID)

	case "remove":
		if len(args) < 3 {
			fmt.Println("remove requires <id>")
			os.Exit(2)
		}
		m, err := a.RequireProject()
		if err != nil {
			fatal(l, "remove failed", err)
		}
		if !m.Remove(args[2]) {
			fmt.Println("Not removed:", args[2])
			os.Exit(1)
		}
		fmt.Println("Removed", args[2])

	case "move":
		if len(args) < 4 {
			fmt.Println("move requires <id> and <category>")
			os.Exit(2)
		}
		m, err := a.RequireProject()
		if err != nil {
			fatal(l, "move failed", err)
		}
		if !m.Move(args[2], project.Category(args[3])) {
			fmt.Println("Not moved:", args[2])
			os.Exit(1)
		}
		fmt.Println("Moved", args[2], "to", args[3])

	case "rename":
		if len(args) < 4 {
			fmt.Println("rename requires <id> and <new-name>")
			os.Exit(2)
		}
		m, err := a.RequireProject()
		if err != nil {
			fatal(l, "rename failed", err)
		}
		if !m.Rename(args[2], args[3]) {
			fmt.Println("Not renamed:", args[2])
			os.Exit(1)
		}
		fmt.Println("Renamed", args[2])

	case "reorder":
		if len(args) < 3 {
			fmt.Println("reorder requires at least one <id>")
			os.Exit(2)
		}
		m, err := a.RequireProject()
		if err != nil {
			fatal(l, "reorder failed", err)
		}
		if err := m.Reorder(args[2:]); err != nil {
			fatal(l, "reorder failed", err)
		}
		for _, img := range m.OrderedPages() {
			fmt.Printf("  %3d  %s\n", img.Order, img.ID)
		}

	case "thumbnails":
		m, err := a.RequireProject()
		if err != nil {
			fatal(l, "thumbnails failed", err)
		}
		fmt.Println("Regenerated", m.EnsureThumbnails(), "thumbnail(s).")

	case "set-key":
		if len(args) < 3 {
			fmt.Println("set-key requires <api-key>")
			os.Exit(2)
		}
		if err := a.Settings.SetAPIKey(args[2]); err != nil {
			fatal(l, "storing key failed", err)
		}
		fmt.Println("API key stored in the OS keyring.")

	case "delete-key":
		if err := a.Settings.DeleteAPIKey(); err != nil {
			fatal(l, "deleting key failed", err)
		}
		fmt.Println("API key removed.")

	case "set":
		if len(args) < 4 {
			fmt.Println("set requires <field> and <value>")
			os.Exit(2)
		}
		if err := cmdSet(a, args[2], args[3]); err != nil {
			fatal(l, "set failed", err)
		}
		fmt.Println("Saved.")

	case "generate":
		if len(args) < 3 {
			fmt.Println("generate requires <prompt>")
			os.Exit(2)
		}
		cmdGenerate(a, l, args[2], args[3:], false)

	case "sheet":
		if len(args) < 3 {
			fmt.Println("sheet requires <prompt>")
			os.Exit(2)
		}
		cmdGenerate(a, l, args[2], args[3:], true)

	case "rework":
		if len(args) < 4 {
			fmt.Println("rework requires <id> and <prompt>")
			os.Exit(2)
		}
		cmdRework(a, l, args[2], args[3], args[4:])

	case "export":
		if len(args) < 3 {
			fmt.Println("export requires <out.pdf>")
			os.Exit(2)
		}
		title := ""
		if len(args) >= 4 {
			title = args[3]
		}
		cmdExport(a, l, args[2], title)

	case "usage":
		cmdUsage(a)

	case "usage-reset":
		if err := a.Settings.ResetUsage(time.Now()); err != nil {
			fatal(l, "usage reset failed", err)
		}
		fmt.Println("Usage counters reset.")

	case "watch":
		m, err := a.RequireProject()
		if err != nil {
			fatal(l, "watch failed", err)
		}
		cmdWatch(m)

	default:
		usage()
		os.Exit(2)
	}
}

func cmdStatus(a *app.Context) {
	fmt.Println("Working folder:", orNone(a.Settings.WorkingFolder()))
	fmt.Println("API key:       ", boolWord(a.Settings.HasAPIKey(), "stored", "not set"))
	fmt.Println("Aspect ratio:  ", a.Settings.AspectRatio())
	if r := a.Settings.CharacterSheetAspectRatio(); r != "" {
		fmt.Println("Sheet ratio:   ", r)
	}
	if sp := a.Settings.StylePrompt(); sp != "" {
		fmt.Println("Style prompt:  ", sp)
	}
	fmt.Printf("Top-P: %.2f  Temperature: %.2f\n", a.Settings.TopP(), a.Settings.Temperature())
	if a.Project != nil {
		all := a.Project.All()
		fmt.Printf("Images: %d pages, %d references, %d inputs\n",
			len(all[project.CategoryPages]),
			len(all[project.CategoryReferences]),
			len(all[project.CategoryInputs]))
	}
}

func cmdSet(a *app.Context, field, value string) error {
	switch field {
	case "aspect-ratio":
		return a.Settings.SetAspectRatio(value)
	case "sheet-aspect-ratio":
		return a.Settings.SetCharacterSheetAspectRatio(value)
	case "style-prompt":
		return a.Settings.SetStylePrompt(value)
	case "top-p":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("top-p must be a number: %w", err)
		}
		return a.Settings.SetTopP(v)
	case "temperature":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("temperature must be a number: %w", err)
		}
		return a.Settings.SetTemperature(v)
	}
	return fmt.Errorf("unknown field %q", field)
}

func cmdGenerate(a *app.Context, l *slog.Logger, prompt string, refs []string, sheet bool) {
	g, err := a.Generator()
	if err != nil {
		fatal(l, "generation unavailable", err)
	}
	var req gemini.Request
	if sheet {
		req = a.SheetRequest()
	} else {
		req = a.BaseRequest()
	}
	req.Prompt = prompt
	req.ReferenceImages = refs
	req.OnProgress = func(msg string) { fmt.Println(msg) }

	var res gemini.Result
	if sheet {
		res, err = g.GenerateCharacterSheet(context.Background(), req)
	} else {
		res, err = g.GeneratePage(context.Background(), req)
	}
	if err != nil {
		fatal(l, "generation failed", err)
	}
	fmt.Println("Image:    ", res.ImagePath)
	fmt.Println("Thumbnail:", res.ThumbnailPath)
	if t := res.Usage.Normalized().TotalTokens; t > 0 {
		fmt.Println("Tokens:   ", t)
	}
}

func cmdRework(a *app.Context, l *slog.Logger, id, prompt string, refs []string) {
	m, err := a.RequireProject()
	if err != nil {
		fatal(l, "rework failed", err)
	}
	g, err := a.Generator()
	if err != nil {
		fatal(l, "rework unavailable", err)
	}
	original := m.Abs(id)
	req := a.BaseRequest()
	req.Prompt = prompt
	req.ReferenceImages = refs
	req.Category = project.Category(filepath.Base(filepath.Dir(original)))
	req.OnProgress = func(msg string) { fmt.Println(msg) }

	res, err := g.Rework(context.Background(), original, req)
	if err != nil {
		fatal(l, "rework failed", err)
	}
	fmt.Println("Image:    ", res.ImagePath)
	fmt.Println("Thumbnail:", res.ThumbnailPath)
}

func cmdExport(a *app.Context, l *slog.Logger, out, title string) {
	m, err := a.RequireProject()
	if err != nil {
		fatal(l, "export failed", err)
	}
	var pages []string
	for _, img := range m.OrderedPages() {
		pages = append(pages, m.Abs(img.ID))
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(m.Root(), project.ExportsDir, out)
	}
	opt := export.PDFOptions{AspectRatio: a.Settings.AspectRatio(), Title: title}
	if err := export.ExportBookPDF(pages, out, opt); err != nil {
		fatal(l, "export failed", err)
	}
	fmt.Println("Exported", out)
}

func cmdUsage(a *app.Context) {
	snap := a.Settings.UsageSnapshot()
	if snap.Since != "" {
		fmt.Println("Since:", snap.Since)
	}
	if len(snap.Models) == 0 {
		fmt.Println("No usage recorded.")
		return
	}
	for model, c := range snap.Models {
		fmt.Printf("%s:\n", model)
		fmt.Printf("  prompt: %d  output: %d  total: %d\n", c.PromptTokens, c.OutputTokens, c.TotalTokens)
	}
	t := snap.Totals()
	fmt.Printf("all models: prompt: %d  output: %d  total: %d\n", t.PromptTokens, t.OutputTokens, t.TotalTokens)
	if snap.Cost != "" {
		fmt.Println("Cost:", snap.Cost)
	}
}

func cmdWatch(m *project.Manager) {
	fmt.Println("Watching", m.Root(), "(Ctrl-C to stop)")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	w := project.NewWatcher(m, project.WatchInterval, func() {
		fmt.Printf("[%s] project changed on disk\n", time.Now().Format("15:04:05"))
	})
	w.Run(ctx)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func boolWord(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}
