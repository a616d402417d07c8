package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"

	"github.com/rahul/datastory/internal/agent"
	"github.com/rahul/datastory/internal/export"
	"github.com/rahul/datastory/internal/observability"
	"github.com/rahul/datastory/internal/report"
	"github.com/rahul/datastory/internal/search"
)

// Neutral is returned whenever a report cannot be scored.
const Neutral = 5.0

// Scores are the four sub-scores, each in [1,10].
type Scores struct {
	Representation float64 `json:"representation"`
	Presentation   float64 `json:"presentation"`
	Aesthetics     float64 `json:"aesthetics"`
	Narrative      float64 `json:"narrative"`
}

func (s Scores) Map() map[string]float64 {
	return map[string]float64{
		"representation": s.Representation,
		"presentation":   s.Presentation,
		"aesthetics":     s.Aesthetics,
		"narrative":      s.Narrative,
	}
}

type Weights Scores

func DefaultWeights() Weights {
	return Weights{Representation: 0.40, Presentation: 0.30, Aesthetics: 0.20, Narrative: 0.10}
}

// Weighted combines sub-scores into one reward.
func Weighted(s Scores, w Weights) float64 {
	return s.Representation*w.Representation +
		s.Presentation*w.Presentation +
		s.Aesthetics*w.Aesthetics +
		s.Narrative*w.Narrative
}

// Document renders a report for scoring.
type Document interface {
	HTML(r *report.Report) ([]byte, error)
	Snapshot(ctx context.Context, r *report.Report) ([]byte, error)
}

// QualityEvaluator asks a multimodal model to grade the exported report.
// It never fails: any error yields a degraded Neutral reward.
type QualityEvaluator struct {
	model   llms.Model
	prompts *agent.PromptManager
	doc     Document

	weights   Weights
	snapshots bool
	retry     agent.RetryConfig
	timeout   time.Duration
	limiter   *rate.Limiter

	logger *observability.Logger
	runID  string
}

var _ search.RewardModel = (*QualityEvaluator)(nil)

type Option func(*QualityEvaluator)

// WithSnapshots controls whether a page raster is sent with the text.
func WithSnapshots(enabled bool) Option {
	return func(e *QualityEvaluator) { e.snapshots = enabled }
}

func WithRetry(cfg agent.RetryConfig) Option {
	return func(e *QualityEvaluator) { e.retry = cfg }
}

// WithRateLimit makes every scoring call wait on l, typically the limiter of
// the generator talking to the same provider.
func WithRateLimit(l *rate.Limiter) Option {
	return func(e *QualityEvaluator) { e.limiter = l }
}

func WithTimeout(d time.Duration) Option {
	return func(e *QualityEvaluator) { e.timeout = d }
}

func WithLogger(l *observability.Logger, runID string) Option {
	return func(e *QualityEvaluator) {
		e.logger = l
		e.runID = runID
	}
}

func New(model llms.Model, prompts *agent.PromptManager, doc Document, opts ...Option) *QualityEvaluator {
	e := &QualityEvaluator{
		model:     model,
		prompts:   prompts,
		doc:       doc,
		weights:   DefaultWeights(),
		snapshots: true,
		retry:     agent.DefaultRetryConfig(),
		timeout:   2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *QualityEvaluator) Evaluate(ctx context.Context, r *report.Report) search.Reward {
	scores, err := e.score(ctx, r)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[evaluator] scoring failed, using neutral reward: %v", err)
		}
		return search.Reward{Total: Neutral, Degraded: true}
	}
	return search.Reward{Total: Weighted(scores, e.weights), Breakdown: scores.Map()}
}

func (e *QualityEvaluator) score(ctx context.Context, r *report.Report) (Scores, error) {
	page, err := e.doc.HTML(r)
	if err != nil {
		return Scores{}, err
	}
	text, err := export.ReadableText(page, "file:///report.html")
	if err != nil {
		return Scores{}, fmt.Errorf("document text: %w", err)
	}

	prompt, err := e.prompts.TaskPrompt("evaluate", map[string]any{
		"query":        r.EffectiveQuery(),
		"data_context": r.DataContext,
		"document":     text,
	})
	if err != nil {
		return Scores{}, err
	}
	parts := []llms.ContentPart{llms.TextPart(prompt)}
	if e.snapshots {
		shot, err := e.doc.Snapshot(ctx, r)
		if err != nil {
			return Scores{}, err
		}
		parts = append(parts, llms.BinaryPart("image/png", shot))
	}
	messages := []llms.MessageContent{{Role: llms.ChatMessageTypeHuman, Parts: parts}}

	var scores Scores
	_, err = agent.Retry(ctx, e.retry, func(ctx context.Context, attempt int) error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return agent.Permanent(err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		resp, err := e.model.GenerateContent(callCtx, messages, llms.WithTemperature(0))
		if err != nil {
			observability.LLMRequests.WithLabelValues("evaluate", "error").Inc()
			return err
		}
		if len(resp.Choices) == 0 {
			observability.LLMRequests.WithLabelValues("evaluate", "empty").Inc()
			return errors.New("empty response from model")
		}
		content := resp.Choices[0].Content
		e.logger.LogLLM(e.runID, "evaluate", 0, prompt, content)

		s, err := ParseScores(content)
		if err != nil {
			observability.LLMRequests.WithLabelValues("evaluate", "malformed").Inc()
			return agent.Permanent(err)
		}
		observability.LLMRequests.WithLabelValues("evaluate", "ok").Inc()
		scores = s
		return nil
	})
	return scores, err
}

// ParseScores reads the four sub-scores from a model response. Every score
// must be present; values are clamped to [1,10].
func ParseScores(content string) (Scores, error) {
	data, err := agent.ExtractJSON(content)
	if err != nil {
		return Scores{}, err
	}
	var raw struct {
		Representation *float64 `json:"representation"`
		Presentation   *float64 `json:"presentation"`
		Aesthetics     *float64 `json:"aesthetics"`
		Narrative      *float64 `json:"narrative"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Scores{}, fmt.Errorf("decode scores: %w", err)
	}
	if raw.Representation == nil || raw.Presentation == nil || raw.Aesthetics == nil || raw.Narrative == nil {
		return Scores{}, errors.New("response is missing a sub-score")
	}
	return Scores{
		Representation: clamp(*raw.Representation),
		Presentation:   clamp(*raw.Presentation),
		Aesthetics:     clamp(*raw.Aesthetics),
		Narrative:      clamp(*raw.Narrative),
	}, nil
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 1
	}
	return math.Max(1, math.Min(10, v))
}
