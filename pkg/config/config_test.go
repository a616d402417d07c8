package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("DATASTORY_MODEL", "")
	t.Setenv("DATASTORY_WORKSPACE", "")
	path := writeConfig(t, `
app:
  workspace: out
search:
  max_iterations: 50
  time_limit: 10m
  workers: 4
sampling:
  temperatures: [0.1, 0.7]
  concurrency: 2
gateways:
  telegram:
    token: abc
    chat_id: "42"
    enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "out", cfg.App.Workspace)
	assert.Equal(t, 50, cfg.Search.MaxIterations)
	assert.Equal(t, 10*time.Minute, cfg.Search.TimeLimit)
	assert.Equal(t, 4, cfg.Search.Workers)
	assert.Equal(t, 1.414, cfg.Search.ExplorationConstant, "unset fields keep defaults")
	assert.Equal(t, []float64{0.1, 0.7}, cfg.Sampling.Temperatures)
	assert.Equal(t, 2, cfg.Sampling.Concurrency)

	tg, ok := cfg.GetGatewayConfig("telegram")
	assert.True(t, ok)
	assert.Equal(t, "42", tg.ChatID)
	_, ok = cfg.GetGatewayConfig("discord")
	assert.False(t, ok)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DATASTORY_MODEL", "gpt-4o-mini")
	t.Setenv("DATASTORY_WORKSPACE", "/tmp/ds")

	cfg, err := Load("")
	require.NoError(t, err)
	name, p, err := cfg.GetDefaultProvider()
	require.NoError(t, err)
	assert.Equal(t, "openai", name)
	assert.Equal(t, "sk-test", p.APIKey)
	assert.Equal(t, "gpt-4o-mini", p.Model)
	assert.Equal(t, "/tmp/ds", cfg.App.Workspace)
}

func TestModelOverrideEnablesOpenAI(t *testing.T) {
	cfg := Default()
	cfg.Providers = map[string]ProviderConfig{"ollama": {Model: "llava"}}
	cfg.applyEnv(func(key string) string {
		if key == "DATASTORY_MODEL" {
			return "gpt-4o"
		}
		return ""
	})
	name, p, err := cfg.GetDefaultProvider()
	require.NoError(t, err)
	assert.Equal(t, "openai", name)
	assert.Equal(t, "gpt-4o", p.Model)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no budget", func(c *Config) { c.Search.MaxIterations = 0; c.Search.TimeLimit = 0 }},
		{"zero workers", func(c *Config) { c.Search.Workers = 0 }},
		{"quorum above samples", func(c *Config) { c.Sampling.Quorum = 9 }},
		{"sample concurrency above samples", func(c *Config) { c.Sampling.Concurrency = 9 }},
		{"negative sample concurrency", func(c *Config) { c.Sampling.Concurrency = -1 }},
		{"temperature out of range", func(c *Config) { c.Sampling.Temperatures = []float64{0.5, 3} }},
		{"inverted temperature range", func(c *Config) { c.Sampling.MinTemperature = 0.9; c.Sampling.MaxTemperature = 0.1 }},
		{"threshold above one", func(c *Config) { c.Sampling.SimilarityThreshold = 1.5 }},
		{"enabled provider without model", func(c *Config) { c.Providers["openai"] = ProviderConfig{Enabled: true} }},
		{"bad base url", func(c *Config) {
			c.Providers["openai"] = ProviderConfig{Enabled: true, Model: "m", BaseURL: "not a url"}
		}},
		{"enabled gateway without token", func(c *Config) { c.Gateways = map[string]GatewayConfig{"discord": {Enabled: true, ChatID: "1"}} }},
		{"no workspace", func(c *Config) { c.App.Workspace = "" }},
		{"spec temperature out of range", func(c *Config) { c.Render.SpecTemperature = 3 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := Default()
	cfg.Search.MaxIterations = 0
	cfg.Search.TimeLimit = time.Minute
	assert.NoError(t, cfg.Validate(), "a time limit alone is a budget")
	assert.NoError(t, Default().Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "search: [not, a, map]"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(writeConfig(t, "search:\n  workers: 0\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNoProvider(t *testing.T) {
	cfg := Default()
	cfg.Providers = map[string]ProviderConfig{"openai": {Model: "m"}}
	_, _, err := cfg.GetDefaultProvider()
	assert.ErrorIs(t, err, ErrNoProvider)
}
