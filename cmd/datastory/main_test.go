package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/datastory/internal/governance"
	"github.com/rahul/datastory/internal/render"
	"github.com/rahul/datastory/internal/report"
	"github.com/rahul/datastory/internal/search"
	"github.com/rahul/datastory/internal/store"
	"github.com/rahul/datastory/pkg/config"
)

func TestPreviewDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte("month,revenue\r\n\r\nJan,10\r\nFeb,12\r\nMar,15\r\n"), 0644))

	got, err := previewDataset(path, 3)
	require.NoError(t, err)
	assert.Equal(t, "File sales.csv, first 3 lines:\nmonth,revenue\nJan,10\nFeb,12", got)

	empty := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	_, err = previewDataset(empty, 3)
	assert.Error(t, err)

	_, err = previewDataset(filepath.Join(t.TempDir(), "missing.csv"), 3)
	assert.Error(t, err)
}

func TestChartPolicy(t *testing.T) {
	policy, err := chartPolicy(config.PolicyConfig{
		DeniedChartTypes: []string{"Pie"},
		DeniedPatterns:   []string{`(?i)confidential`},
	})
	require.NoError(t, err)

	ctx := context.Background()
	err = governance.Check(ctx, policy, governance.Request{Kind: "chart", ChartType: "pie"})
	assert.ErrorIs(t, err, governance.ErrPolicyDenied)
	err = governance.Check(ctx, policy, governance.Request{Kind: "chart", ChartType: "bar", Content: `{"title":"CONFIDENTIAL"}`})
	assert.ErrorIs(t, err, governance.ErrPolicyDenied)
	assert.NoError(t, governance.Check(ctx, policy, governance.Request{Kind: "chart", ChartType: "bar", Content: `{"series":[]}`}))

	_, err = chartPolicy(config.PolicyConfig{DeniedPatterns: []string{"("}})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestSearchConfig(t *testing.T) {
	c := config.Default().Search
	c.TimeLimit = time.Minute
	got := searchConfig(c, "r1")
	assert.Equal(t, search.Config{
		MaxIterations:       20,
		TimeLimit:           time.Minute,
		ExplorationConstant: 1.414,
		MaxDepth:            7,
		DefaultReward:       5.0,
		Workers:             1,
		RunID:               "r1",
	}, got)
}

func TestSamplingConfig(t *testing.T) {
	c := config.Default().Sampling
	c.Quorum = 3
	c.Concurrency = 2
	got := samplingConfig(c)
	assert.Equal(t, 4, got.Samples)
	assert.Equal(t, 3, got.Quorum)
	assert.Equal(t, 2, got.Concurrency)
	assert.Equal(t, 0.2, got.MinTemperature)
	assert.Equal(t, 1.0, got.MaxTemperature)
}

func TestNotifiersSkipsDisabledGateways(t *testing.T) {
	cfg := config.Default()
	cfg.Gateways = map[string]config.GatewayConfig{
		"telegram": {Token: "t", ChatID: "1", Enabled: false},
	}
	assert.Empty(t, notifiers(cfg))
}

func TestNewModelRequiresKey(t *testing.T) {
	_, err := newModel("openai", config.ProviderConfig{Model: "gpt-4o"}, "gpt-4o")
	assert.Error(t, err)
	_, err = newModel("anthropic", config.ProviderConfig{Model: "m"}, "m")
	assert.Error(t, err)
}

func TestPrintRecords(t *testing.T) {
	var buf bytes.Buffer
	printRecords(&buf, store.Run{ID: "r1", Status: store.RunCompleted, BestReward: 7.4, Iterations: 2, Query: "q"},
		[]search.AuditRecord{
			{IterationIndex: 1, TotalReward: 5, FinalStage: report.StageChartsRendered, DefaultReward: true, FallbackState: true},
			{IterationIndex: 2, TotalReward: 7.4, FinalStage: report.StageFinalized, TreeDepth: 6, ChapterCount: 3, ChartCount: 5},
		})
	out := buf.String()
	assert.Contains(t, out, "run r1: completed, best 7.40, 2 iterations")
	assert.Contains(t, out, "neutral fallback")
	assert.Contains(t, out, string(report.StageFinalized))
}

func TestLinkArtifacts(t *testing.T) {
	runDir := t.TempDir()
	src, err := render.NewWorkspace(runDir)
	require.NoError(t, err)
	_, err = src.WriteFile("charts/a.png", []byte("png"))
	require.NoError(t, err)

	dst, err := render.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, linkArtifacts(dst, runDir, []string{"charts/a.png"}))
	data, err := dst.ReadFile("charts/a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	assert.Error(t, linkArtifacts(dst, runDir, []string{"charts/missing.png"}))
}

func TestBrowserConfig(t *testing.T) {
	rc := config.Default().Render
	rc.RemoteURL = "ws://127.0.0.1:9222"
	bc := browserConfig(rc)
	assert.True(t, bc.Headless)
	assert.Equal(t, "ws://127.0.0.1:9222", bc.RemoteURL)
	assert.Equal(t, 60*time.Second, bc.Timeout)
}
