package search

import (
	"context"

	"github.com/rahul/datastory/internal/report"
)

// Reward is the score of one terminal snapshot.
type Reward struct {
	Total     float64            `json:"total"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
	// Degraded is set when the scorer fell back to its neutral value.
	Degraded bool `json:"degraded"`
}

// RewardModel scores terminal snapshots. Implementations never fail; they
// return a neutral reward instead.
type RewardModel interface {
	Evaluate(ctx context.Context, r *report.Report) Reward
}

// RewardFunc adapts a function to RewardModel.
type RewardFunc func(ctx context.Context, r *report.Report) Reward

func (f RewardFunc) Evaluate(ctx context.Context, r *report.Report) Reward {
	return f(ctx, r)
}
