package pipeline

import (
	"context"

	"github.com/rahul/datastory/internal/consensus"
)

// GenerationRequest asks a content generator for k structured samples.
type GenerationRequest struct {
	// Task names the stage-specific prompt, e.g. "split_chapters".
	Task string
	// Input is the structured context rendered into the prompt.
	Input map[string]any
	// Temperatures holds one diversity setting per sample.
	Temperatures []float64
}

// Generator returns one raw JSON document per successful sample and an empty
// slice on total failure.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) [][]byte
}

type RenderRequest struct {
	Chapter     string
	Task        string
	ChartType   string
	Dataset     string
	DataContext string
}

// RenderResult describes a rendered chart. Err is the explicit failure marker.
type RenderResult struct {
	Artifact string
	Source   string
	Err      error
}

type ChartRenderer interface {
	Render(ctx context.Context, req RenderRequest) RenderResult
}

type SimilarityResult struct {
	Duplicate     bool
	MaxSimilarity float64
	Match         string
}

type SimilarityChecker interface {
	Check(ctx context.Context, candidate string, existing []string, threshold float64) (SimilarityResult, error)
}

// Deps are the collaborators shared by every action.
type Deps struct {
	Generator           Generator
	Renderer            ChartRenderer
	Similarity          SimilarityChecker
	Clusterer           consensus.Clusterer
	Sampling            consensus.SampleConfig
	SimilarityThreshold float64
	RenderConcurrency   int
}

func (d Deps) withDefaults() Deps {
	if d.Clusterer == nil {
		d.Clusterer = consensus.NewTokenClusterer(0.6)
	}
	if d.Sampling.Samples == 0 {
		d.Sampling = consensus.DefaultSampleConfig()
	}
	if d.SimilarityThreshold == 0 {
		d.SimilarityThreshold = 0.90
	}
	if d.RenderConcurrency <= 0 {
		d.RenderConcurrency = 2
	}
	return d
}
