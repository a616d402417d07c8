package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rahul/datastory/internal/consensus"
	"github.com/rahul/datastory/internal/report"
)

// SplitChapters decides how the report is divided into chapters.
type SplitChapters struct {
	base
	deps Deps
}

type chapterPlan struct {
	ClarifiedQuery string `json:"clarified_query"`
	Chapters       []struct {
		Title string `json:"title"`
	} `json:"chapters"`
}

func (a *SplitChapters) Expand(ctx context.Context, parent *report.Report) Outcome {
	return selfConsistent(ctx, a.deps, a.base, parent, proposal[chapterPlan]{
		task:  a.name,
		input: baseInput(parent),
		valid: func(p chapterPlan) bool {
			if len(p.Chapters) == 0 {
				return false
			}
			for _, c := range p.Chapters {
				if strings.TrimSpace(c.Title) == "" {
					return false
				}
			}
			return true
		},
		signature: func(p chapterPlan) []string {
			var sig []string
			for _, c := range p.Chapters {
				sig = append(sig, consensus.Tokens(c.Title)...)
			}
			return sig
		},
		apply: func(r *report.Report, p chapterPlan) error {
			if q := strings.TrimSpace(p.ClarifiedQuery); q != "" {
				r.ClarifiedQuery = q
			}
			r.Chapters = r.Chapters[:0]
			for _, c := range p.Chapters {
				r.AddChapter(strings.TrimSpace(c.Title))
			}
			return nil
		},
	})
}

// PlanTasks assigns visualization tasks to chapters.
type PlanTasks struct {
	base
	deps Deps
}

type taskPlan struct {
	Chapters []struct {
		Chapter int `json:"chapter"`
		Tasks   []struct {
			Description string   `json:"description"`
			ChartTypes  []string `json:"chart_types"`
		} `json:"tasks"`
	} `json:"chapters"`
}

func (a *PlanTasks) Expand(ctx context.Context, parent *report.Report) Outcome {
	input := baseInput(parent)
	titles := make([]string, len(parent.Chapters))
	for i, ch := range parent.Chapters {
		titles[i] = ch.Title
	}
	input["chapters"] = titles

	return selfConsistent(ctx, a.deps, a.base, parent, proposal[taskPlan]{
		task:  a.name,
		input: input,
		valid: func(p taskPlan) bool {
			total := 0
			for _, c := range p.Chapters {
				if c.Chapter < 0 || c.Chapter >= len(parent.Chapters) {
					return false
				}
				total += len(c.Tasks)
			}
			return total > 0
		},
		signature: func(p taskPlan) []string {
			var sig []string
			for _, c := range p.Chapters {
				for _, t := range c.Tasks {
					sig = append(sig, consensus.PrefixTokens(fmt.Sprintf("c%d:", c.Chapter), t.Description)...)
				}
			}
			return sig
		},
		apply: func(r *report.Report, p taskPlan) error {
			next := make([]int, len(r.Chapters))
			for _, c := range p.Chapters {
				ch := &r.Chapters[c.Chapter]
				for _, t := range c.Tasks {
					desc := strings.TrimSpace(t.Description)
					if desc == "" {
						continue
					}
					next[c.Chapter]++
					id := fmt.Sprintf("t%d", len(ch.Tasks)+1)
					if err := ch.AddTask(id, desc, t.ChartTypes...); err != nil {
						return err
					}
				}
			}
			for _, n := range next {
				if n > 0 {
					return nil
				}
			}
			return fmt.Errorf("plan has no non-empty tasks")
		},
	})
}
