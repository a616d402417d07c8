package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrNoProvider    = errors.New("no enabled provider")
)

type Config struct {
	App           AppConfig                 `yaml:"app"`
	Gateways      map[string]GatewayConfig  `yaml:"gateways" validate:"dive"`
	Providers     map[string]ProviderConfig `yaml:"providers" validate:"dive"`
	Store         StoreConfig               `yaml:"store"`
	Search        SearchConfig              `yaml:"search"`
	Sampling      SamplingConfig            `yaml:"sampling"`
	Agent         AgentConfig               `yaml:"agent"`
	Render        RenderConfig              `yaml:"render"`
	Policy        PolicyConfig              `yaml:"policy"`
	Observability ObservabilityConfig       `yaml:"observability"`
}

type AppConfig struct {
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace" validate:"required"`
	// Prompts overrides the built-in prompt templates file by file.
	Prompts string `yaml:"prompts"`
}

type GatewayConfig struct {
	Token   string `yaml:"token" validate:"required_if=Enabled true"`
	ChatID  string `yaml:"chat_id" validate:"required_if=Enabled true"`
	Enabled bool   `yaml:"enabled"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model" validate:"required_if=Enabled true"`
	BaseURL string `yaml:"base_url,omitempty" validate:"omitempty,url"`
	Enabled bool   `yaml:"enabled"`
	// EvalModel scores reports; it must accept images. Empty reuses Model.
	EvalModel string `yaml:"eval_model"`
}

type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type SearchConfig struct {
	MaxIterations       int           `yaml:"max_iterations" validate:"gte=0"`
	TimeLimit           time.Duration `yaml:"time_limit" validate:"gte=0"`
	ExplorationConstant float64       `yaml:"exploration_constant" validate:"gt=0"`
	MaxDepth            int           `yaml:"max_depth" validate:"gte=1"`
	DefaultReward       float64       `yaml:"default_reward" validate:"gte=1,lte=10"`
	Workers             int           `yaml:"workers" validate:"gte=1,lte=64"`
	Seed                uint64        `yaml:"seed"`
}

type SamplingConfig struct {
	Samples int `yaml:"samples" validate:"gte=1,lte=16"`
	Quorum  int `yaml:"quorum" validate:"gte=0,ltefield=Samples"`
	// Concurrency bounds in-flight sample requests. Zero means all at once.
	Concurrency         int       `yaml:"concurrency" validate:"gte=0,ltefield=Samples"`
	MinTemperature      float64   `yaml:"min_temperature" validate:"gte=0,lte=2"`
	MaxTemperature      float64   `yaml:"max_temperature" validate:"gtefield=MinTemperature,lte=2"`
	Temperatures        []float64 `yaml:"temperatures" validate:"omitempty,dive,gte=0,lte=2"`
	ClusterThreshold    float64   `yaml:"cluster_threshold" validate:"gt=0,lte=1"`
	SimilarityThreshold float64   `yaml:"similarity_threshold" validate:"gt=0,lte=1"`
}

type AgentConfig struct {
	// RateLimit is model calls per second shared by generation and scoring.
	// Zero means unlimited.
	RateLimit   float64       `yaml:"rate_limit" validate:"gte=0"`
	Burst       int           `yaml:"burst" validate:"gte=1"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gt=0"`
}

type RenderConfig struct {
	// Browser disables chart rendering and snapshots when false.
	Browser   bool   `yaml:"browser"`
	ExecPath  string `yaml:"exec_path"`
	RemoteURL string `yaml:"remote_url" validate:"omitempty,url"`
	ScriptURL string `yaml:"script_url"`
	// SpecTemperature is used when asking the model for a chart option.
	SpecTemperature float64       `yaml:"spec_temperature" validate:"gte=0,lte=2"`
	Width           int           `yaml:"width" validate:"gte=200,lte=4000"`
	Height          int           `yaml:"height" validate:"gte=150,lte=4000"`
	Concurrency     int           `yaml:"concurrency" validate:"gte=1,lte=16"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
}

type PolicyConfig struct {
	DeniedChartTypes []string `yaml:"denied_chart_types"`
	DeniedPatterns   []string `yaml:"denied_patterns"`
}

type ObservabilityConfig struct {
	LogDir string `yaml:"log_dir"`
	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`
	Tracing     bool   `yaml:"tracing"`
}

// Default returns a configuration that runs with only an API key set.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "datastory", Workspace: "workspace"},
		Providers: map[string]ProviderConfig{
			"openai": {Model: "gpt-4o", Enabled: true},
		},
		Store: StoreConfig{Path: "datastory.db"},
		Search: SearchConfig{
			MaxIterations:       20,
			ExplorationConstant: 1.414,
			MaxDepth:            7,
			DefaultReward:       5.0,
			Workers:             1,
		},
		Sampling: SamplingConfig{
			Samples:             4,
			MinTemperature:      0.2,
			MaxTemperature:      1.0,
			ClusterThreshold:    0.6,
			SimilarityThreshold: 0.9,
		},
		Agent: AgentConfig{
			RateLimit:   0,
			Burst:       4,
			MaxAttempts: 3,
			CallTimeout: 90 * time.Second,
		},
		Render: RenderConfig{
			Browser:         true,
			SpecTemperature: 0.2,
			Width:           960,
			Height:          540,
			Concurrency:     2,
			Timeout:         60 * time.Second,
		},
		Observability: ObservabilityConfig{LogDir: "logs"},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to decode config file: %v", ErrInvalidConfig, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets secrets and the model stay out of the config file.
func (c *Config) applyEnv(getenv func(string) string) {
	if key := getenv("OPENAI_API_KEY"); key != "" {
		p := c.Providers["openai"]
		p.APIKey = key
		c.setProvider("openai", p)
	}
	if model := getenv("DATASTORY_MODEL"); model != "" {
		name, p, err := c.GetDefaultProvider()
		if err != nil {
			name, p = "openai", c.Providers["openai"]
			p.Enabled = true
		}
		p.Model = model
		c.setProvider(name, p)
	}
	if ws := getenv("DATASTORY_WORKSPACE"); ws != "" {
		c.App.Workspace = ws
	}
}

func (c *Config) setProvider(name string, p ProviderConfig) {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	c.Providers[name] = p
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Search.MaxIterations == 0 && c.Search.TimeLimit == 0 {
		return fmt.Errorf("%w: search needs max_iterations or time_limit", ErrInvalidConfig)
	}
	return nil
}

// GetDefaultProvider returns the first enabled provider by name.
func (c *Config) GetDefaultProvider() (string, ProviderConfig, error) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p, nil
		}
	}
	return "", ProviderConfig{}, ErrNoProvider
}

// GetGatewayConfig returns the named gateway config if enabled.
func (c *Config) GetGatewayConfig(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled {
		return g, true
	}
	return GatewayConfig{}, false
}
