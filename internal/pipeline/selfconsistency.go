package pipeline

import (
	"context"
	"encoding/json"
	"log"

	"github.com/rahul/datastory/internal/consensus"
	"github.com/rahul/datastory/internal/report"
)

// proposal describes one self-consistency decision: what to ask for, how to
// judge and compare the answers, and how to apply a representative.
type proposal[T any] struct {
	task      string
	input     map[string]any
	valid     func(T) bool
	signature func(T) []string
	apply     func(*report.Report, T) error
}

// decode unmarshals raw samples, dropping the ones that do not parse or fail
// validation.
func decode[T any](raws [][]byte, valid func(T) bool) []T {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if valid != nil && !valid(v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// selfConsistent runs the generate-then-cluster pattern and emits one child
// per cluster representative, or a single fallback child.
func selfConsistent[T any](ctx context.Context, d Deps, b base, parent *report.Report, p proposal[T]) Outcome {
	if err := ctx.Err(); err != nil {
		return fatal(err)
	}

	raws := d.Generator.Generate(ctx, GenerationRequest{
		Task:         p.task,
		Input:        p.input,
		Temperatures: d.Sampling.Diversity(),
	})
	if err := ctx.Err(); err != nil {
		return fatal(err)
	}

	outputs := decode(raws, p.valid)
	if len(outputs) == 0 {
		return degrade(parent, b.target, ErrNoOutputs)
	}

	groups := consensus.GroupBy(d.Clusterer, outputs, p.signature)
	children := make([]Candidate, 0, len(groups))
	for _, g := range groups {
		child := parent.Clone()
		if err := p.apply(child, g.Representative); err != nil {
			log.Printf("[%s] dropping representative of %d samples: %v", b.name, len(g.Members), err)
			continue
		}
		if err := child.Validate(); err != nil {
			log.Printf("[%s] representative breaks report invariants: %v", b.name, err)
			continue
		}
		children = append(children, b.candidate(child))
	}
	if len(children) == 0 {
		return degrade(parent, b.target, ErrNoOutputs)
	}
	return succeed(children)
}

// baseInput is the context every prompt receives.
func baseInput(r *report.Report) map[string]any {
	return map[string]any{
		"query":        r.EffectiveQuery(),
		"dataset":      r.Dataset,
		"data_context": r.DataContext,
	}
}
