package agent

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"sort"
	"strings"
	"text/template"
)

//go:embed prompts
var defaultPrompts embed.FS

// PromptManager loads the system prompt and per-task templates. Files in
// Directory override the built-in prompts of the same name.
type PromptManager struct {
	Directory string
	builtin   fs.FS
}

func NewPromptManager(dir string) *PromptManager {
	sub, _ := fs.Sub(defaultPrompts, "prompts")
	return &PromptManager{Directory: dir, builtin: sub}
}

func (pm *PromptManager) layers() []fs.FS {
	var out []fs.FS
	if pm.Directory != "" {
		if info, err := os.Stat(pm.Directory); err == nil && info.IsDir() {
			out = append(out, os.DirFS(pm.Directory))
		}
	}
	return append(out, pm.builtin)
}

func (pm *PromptManager) read(name string) ([]byte, error) {
	for _, fsys := range pm.layers() {
		data, err := fs.ReadFile(fsys, name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("prompt %s: %w", name, fs.ErrNotExist)
}

// SystemPrompt joins every system/*.md file: identity, style and output
// first, the rest by name.
func (pm *PromptManager) SystemPrompt() (string, error) {
	names := make(map[string]bool)
	for _, fsys := range pm.layers() {
		entries, err := fs.ReadDir(fsys, "system")
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
				names[e.Name()] = true
			}
		}
	}

	order := map[string]int{
		"identity.md": 1,
		"style.md":    2,
		"output.md":   3,
	}
	files := make([]string, 0, len(names))
	for n := range names {
		files = append(files, n)
	}
	sort.Slice(files, func(i, j int) bool {
		oi, okI := order[files[i]]
		oj, okJ := order[files[j]]
		if okI && okJ {
			return oi < oj
		}
		if okI != okJ {
			return okI
		}
		return files[i] < files[j]
	})

	var contents []string
	for _, f := range files {
		data, err := pm.read(path.Join("system", f))
		if err != nil {
			log.Printf("Warning: Failed to read prompt file %s: %v", f, err)
			continue
		}
		contents = append(contents, strings.TrimSpace(string(data)))
	}
	if len(contents) == 0 {
		return "", fmt.Errorf("no system prompt files found")
	}
	return strings.Join(contents, "\n\n---\n\n"), nil
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		return string(b), err
	},
}

// TaskPrompt renders tasks/<task>.md with input as template data.
func (pm *PromptManager) TaskPrompt(task string, input map[string]any) (string, error) {
	data, err := pm.read(path.Join("tasks", task+".md"))
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(task).Funcs(templateFuncs).Parse(string(data))
	if err != nil {
		return "", fmt.Errorf("parse prompt %s: %w", task, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, input); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", task, err)
	}
	return buf.String(), nil
}
