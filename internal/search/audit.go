package search

import (
	"context"
	"sync"
	"time"

	"github.com/rahul/datastory/internal/report"
)

// AuditRecord summarises one completed iteration.
type AuditRecord struct {
	RunID           string             `json:"run_id"`
	IterationIndex  int64              `json:"iteration_index"`
	TotalReward     float64            `json:"total_reward"`
	RewardBreakdown map[string]float64 `json:"reward_breakdown,omitempty"`
	FinalStage      report.Stage       `json:"final_stage"`
	TreeDepth       int                `json:"tree_depth"`
	ChapterCount    int                `json:"chapter_count"`
	ChartCount      int                `json:"chart_count"`
	// DefaultReward marks rollouts scored without the reward model or by
	// its neutral fallback.
	DefaultReward bool `json:"default_reward"`
	// FallbackState marks rollouts that passed through a degraded snapshot.
	FallbackState bool      `json:"fallback_state"`
	Timestamp     time.Time `json:"timestamp"`
}

type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (s *MemorySink) Record(_ context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemorySink) Records() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditRecord(nil), s.records...)
}
