package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePrompt(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestPromptManager_SystemPrompt(t *testing.T) {
	tempDir := t.TempDir()
	writePrompt(t, tempDir, "system/identity.md", "Identity Content")
	writePrompt(t, tempDir, "system/aaa_extra.md", "Extra Content")
	writePrompt(t, tempDir, "system/notes.txt", "Ignored Content")

	pm := NewPromptManager(tempDir)
	prompt, err := pm.SystemPrompt()
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(prompt, "Identity Content") {
		t.Error("override identity missing")
	}
	if strings.Contains(prompt, "data analyst writing") {
		t.Error("built-in identity should be replaced by the override")
	}
	if strings.Contains(prompt, "Ignored Content") {
		t.Error("non-markdown files must be skipped")
	}

	// Verify order
	identity := strings.Index(prompt, "Identity Content")
	style := strings.Index(prompt, "short, concrete sentences")
	output := strings.Index(prompt, "single JSON object")
	extra := strings.Index(prompt, "Extra Content")
	if identity < 0 || style < 0 || output < 0 || extra < 0 {
		t.Fatalf("prompt missing a part:\n%s", prompt)
	}
	if !(identity < style && style < output && output < extra) {
		t.Errorf("unexpected order: identity=%d style=%d output=%d extra=%d", identity, style, output, extra)
	}
}

func TestPromptManager_TaskPrompt(t *testing.T) {
	tempDir := t.TempDir()
	writePrompt(t, tempDir, "tasks/split_chapters.md", "Q={{.query}}")

	pm := NewPromptManager(tempDir)
	got, err := pm.TaskPrompt("split_chapters", map[string]any{"query": "why"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Q=why" {
		t.Errorf("override not used, got %q", got)
	}

	got, err = pm.TaskPrompt("plan_tasks", map[string]any{
		"query":        "why",
		"dataset":      "sales.csv",
		"data_context": "3 columns",
		"chapters":     []string{"Trend", "Regions"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, `"Regions"`) || !strings.Contains(got, "sales.csv") {
		t.Errorf("built-in template not rendered:\n%s", got)
	}

	if _, err := pm.TaskPrompt("no_such_task", nil); err == nil {
		t.Error("expected an error for an unknown task")
	}
}

func TestPromptManager_BuiltinOnly(t *testing.T) {
	pm := NewPromptManager(filepath.Join(t.TempDir(), "missing"))
	for _, task := range []string{
		"split_chapters", "plan_tasks", "draft_captions", "group_charts",
		"order_narrative", "summarize_chapters", "chart_spec", "evaluate",
	} {
		if _, err := pm.TaskPrompt(task, map[string]any{}); err != nil {
			t.Errorf("%s: %v", task, err)
		}
	}
	if _, err := pm.SystemPrompt(); err != nil {
		t.Fatal(err)
	}
}
