package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rahul/datastory/internal/consensus"
	"github.com/rahul/datastory/internal/report"
)

type chapterBrief struct {
	Index    int      `json:"index"`
	Title    string   `json:"title"`
	Captions []string `json:"captions"`
}

func chapterBriefs(r *report.Report) []chapterBrief {
	out := make([]chapterBrief, len(r.Chapters))
	for i := range r.Chapters {
		ch := &r.Chapters[i]
		b := chapterBrief{Index: i, Title: ch.Title}
		for _, v := range ch.Visuals {
			switch {
			case v.Chart != nil && v.Chart.Caption != "":
				b.Captions = append(b.Captions, v.Chart.Caption)
			case v.Group != nil && v.Group.Caption != "":
				b.Captions = append(b.Captions, v.Group.Caption)
			}
		}
		out[i] = b
	}
	return out
}

// OrderNarrative picks a narrative strategy and the chapter order that
// follows from it.
type OrderNarrative struct {
	base
	deps Deps
}

type narrativePlan struct {
	Strategy string `json:"strategy"`
	Order    []int  `json:"order"`
}

func isPermutation(order []int, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, i := range order {
		if i < 0 || i >= n || seen[i] {
			return false
		}
		seen[i] = true
	}
	return true
}

func (a *OrderNarrative) Expand(ctx context.Context, parent *report.Report) Outcome {
	input := baseInput(parent)
	input["chapters"] = chapterBriefs(parent)
	n := len(parent.Chapters)

	return selfConsistent(ctx, a.deps, a.base, parent, proposal[narrativePlan]{
		task:  a.name,
		input: input,
		valid: func(p narrativePlan) bool {
			return strings.TrimSpace(p.Strategy) != "" && isPermutation(p.Order, n)
		},
		signature: func(p narrativePlan) []string {
			sig := consensus.PrefixTokens("strategy:", p.Strategy)
			for pos, i := range p.Order {
				sig = append(sig, fmt.Sprintf("pos%d=%d", pos, i))
			}
			return sig
		},
		apply: func(r *report.Report, p narrativePlan) error {
			reordered := make([]report.Chapter, len(p.Order))
			for pos, i := range p.Order {
				reordered[pos] = r.Chapters[i]
			}
			r.Chapters = reordered
			r.NarrativeStrategy = strings.TrimSpace(p.Strategy)
			return nil
		},
	})
}

// SummarizeChapters writes chapter summaries and the transitions between
// consecutive chapters.
type SummarizeChapters struct {
	base
	deps Deps
}

type summaryDraft struct {
	Chapters []struct {
		Chapter    int    `json:"chapter"`
		Summary    string `json:"summary"`
		Transition string `json:"transition"`
	} `json:"chapters"`
}

func (a *SummarizeChapters) Expand(ctx context.Context, parent *report.Report) Outcome {
	input := baseInput(parent)
	input["chapters"] = chapterBriefs(parent)
	input["strategy"] = parent.NarrativeStrategy
	n := len(parent.Chapters)

	return selfConsistent(ctx, a.deps, a.base, parent, proposal[summaryDraft]{
		task:  a.name,
		input: input,
		valid: func(d summaryDraft) bool {
			for _, c := range d.Chapters {
				if c.Chapter >= 0 && c.Chapter < n && strings.TrimSpace(c.Summary) != "" {
					return true
				}
			}
			return false
		},
		signature: func(d summaryDraft) []string {
			var sig []string
			for _, c := range d.Chapters {
				sig = append(sig, consensus.PrefixTokens(fmt.Sprintf("c%d:", c.Chapter), c.Summary)...)
			}
			return sig
		},
		apply: func(r *report.Report, d summaryDraft) error {
			for _, c := range d.Chapters {
				if c.Chapter < 0 || c.Chapter >= len(r.Chapters) {
					continue
				}
				ch := &r.Chapters[c.Chapter]
				if s := strings.TrimSpace(c.Summary); s != "" {
					ch.Summary = s
				}
				ch.Transition = strings.TrimSpace(c.Transition)
			}
			return nil
		},
	})
}
