package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"

	"github.com/rahul/datastory/internal/consensus"
	"github.com/rahul/datastory/internal/observability"
	"github.com/rahul/datastory/internal/pipeline"
)

var errEmptyResponse = errors.New("empty response from model")

// Generator produces structured stage decisions with a chat model. Each
// sample is rate limited, retried with backoff and parsed leniently; a
// sample that still fails is dropped.
type Generator struct {
	model   llms.Model
	prompts *PromptManager

	limiter     *rate.Limiter
	retry       RetryConfig
	sampling    consensus.SampleConfig
	callTimeout time.Duration

	logger    *observability.Logger
	runID     string
	modelName string
}

var _ pipeline.Generator = (*Generator)(nil)

type GeneratorOption func(*Generator)

// WithRateLimit caps model calls at rps per second with the given burst.
// A non-positive rps leaves calls unlimited.
func WithRateLimit(rps float64, burst int) GeneratorOption {
	return func(g *Generator) { g.limiter = NewLimiter(rps, burst) }
}

// NewLimiter returns a token bucket for model calls. A non-positive rps
// means no limit.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Limiter returns the bucket shared by every call of g, so other clients of
// the same provider can draw from it.
func (g *Generator) Limiter() *rate.Limiter {
	return g.limiter
}

func WithRetry(cfg RetryConfig) GeneratorOption {
	return func(g *Generator) { g.retry = cfg }
}

// WithSampling sets the pool size and quorum; temperatures come from each
// request.
func WithSampling(cfg consensus.SampleConfig) GeneratorOption {
	return func(g *Generator) { g.sampling = cfg }
}

func WithCallTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) { g.callTimeout = d }
}

func WithEventLogger(l *observability.Logger, runID string) GeneratorOption {
	return func(g *Generator) {
		g.logger = l
		g.runID = runID
	}
}

func WithModelName(name string) GeneratorOption {
	return func(g *Generator) { g.modelName = name }
}

func NewGenerator(model llms.Model, prompts *PromptManager, opts ...GeneratorOption) *Generator {
	g := &Generator{
		model:       model,
		prompts:     prompts,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		retry:       DefaultRetryConfig(),
		sampling:    consensus.DefaultSampleConfig(),
		callTimeout: 90 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate issues one request per temperature and returns the JSON of every
// sample that succeeded.
func (g *Generator) Generate(ctx context.Context, req pipeline.GenerationRequest) [][]byte {
	system, prompt, err := g.render(req.Task, req.Input)
	if err != nil {
		log.Printf("[agent] %s: %v", req.Task, err)
		return nil
	}

	cfg := g.sampling
	cfg.Temperatures = req.Temperatures
	cfg.Samples = len(req.Temperatures)
	samples := consensus.Run(ctx, cfg, func(ctx context.Context, i int, temp float64) ([]byte, error) {
		data, err := g.sample(ctx, req.Task, system, prompt, temp)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[agent] %s sample %d (t=%.2f) dropped: %v", req.Task, i, temp, err)
		}
		return data, err
	})

	out := make([][]byte, 0, len(samples))
	for _, s := range samples {
		out = append(out, s.Value)
	}
	return out
}

// Complete runs a single request for task and returns its JSON.
func (g *Generator) Complete(ctx context.Context, task string, input map[string]any, temperature float64) ([]byte, error) {
	system, prompt, err := g.render(task, input)
	if err != nil {
		return nil, err
	}
	return g.sample(ctx, task, system, prompt, temperature)
}

func (g *Generator) render(task string, input map[string]any) (string, string, error) {
	system, err := g.prompts.SystemPrompt()
	if err != nil {
		log.Printf("Warning: Failed to load system prompt: %v", err)
	}
	prompt, err := g.prompts.TaskPrompt(task, input)
	if err != nil {
		return "", "", err
	}
	return system, prompt, nil
}

func (g *Generator) sample(ctx context.Context, task, system, prompt string, temperature float64) ([]byte, error) {
	var messages []llms.MessageContent
	if system != "" {
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(prompt)},
	})

	var out []byte
	_, err := Retry(ctx, g.retry, func(ctx context.Context, attempt int) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return Permanent(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()

		resp, err := g.model.GenerateContent(callCtx, messages,
			llms.WithTemperature(temperature),
			llms.WithJSONMode(),
		)
		if err != nil {
			observability.LLMRequests.WithLabelValues(task, "error").Inc()
			return fmt.Errorf("attempt %d: %w", attempt, err)
		}
		if len(resp.Choices) == 0 {
			observability.LLMRequests.WithLabelValues(task, "empty").Inc()
			return errEmptyResponse
		}
		choice := resp.Choices[0]
		g.logger.LogLLM(g.runID, task, temperature, prompt, choice.Content)
		g.logCost(task, choice.GenerationInfo)

		data, err := ExtractJSON(choice.Content)
		if err != nil {
			observability.LLMRequests.WithLabelValues(task, "malformed").Inc()
			return Permanent(err)
		}
		observability.LLMRequests.WithLabelValues(task, "ok").Inc()
		out = data
		return nil
	})
	return out, err
}

func (g *Generator) logCost(task string, info map[string]any) {
	if g.logger == nil || info == nil {
		return
	}
	prompt, okP := tokenCount(info["PromptTokens"])
	completion, okC := tokenCount(info["CompletionTokens"])
	if !okP && !okC {
		return
	}
	g.logger.LogCost(g.runID, task, prompt, completion, g.modelName)
}

func tokenCount(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
