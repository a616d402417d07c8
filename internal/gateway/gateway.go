package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Query      string
	Status     string
	BestReward float64
	// Reached is false when no rollout reached the final stage and the best
	// report is the root snapshot.
	Reached    bool
	Iterations int
	Elapsed    time.Duration
	ReportPath string
	// Snapshot is an optional PNG of the exported report.
	Snapshot []byte
}

// Text renders the summary as a short Markdown message.
func (s Summary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Report run %s %s*\n", s.RunID, s.Status)
	fmt.Fprintf(&b, "Query: %s\n", s.Query)
	if s.Reached {
		fmt.Fprintf(&b, "Best reward: %.2f after %d iterations (%s)\n", s.BestReward, s.Iterations, s.Elapsed.Round(time.Second))
	} else {
		fmt.Fprintf(&b, "No finished report after %d iterations (%s)\n", s.Iterations, s.Elapsed.Round(time.Second))
	}
	if s.ReportPath != "" {
		fmt.Fprintf(&b, "Report: %s\n", s.ReportPath)
	}
	return b.String()
}

// Notifier delivers run summaries to a chat service.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, s Summary) error
}

// Multi fans a summary out to every notifier.
type Multi []Notifier

func (m Multi) Name() string { return "multi" }

func (m Multi) Notify(ctx context.Context, s Summary) error {
	var errs []error
	for _, n := range m {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.Notify(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}
