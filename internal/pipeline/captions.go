package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rahul/datastory/internal/consensus"
	"github.com/rahul/datastory/internal/report"
)

// chartRef addresses a standalone chart as "chapter:visual".
func chartRef(chapter, visual int) string {
	return fmt.Sprintf("%d:%d", chapter, visual)
}

func parseRef(ref string) (int, int, bool) {
	var c, v int
	if _, err := fmt.Sscanf(ref, "%d:%d", &c, &v); err != nil {
		return 0, 0, false
	}
	return c, v, true
}

type chartBrief struct {
	Ref       string `json:"ref"`
	Chapter   string `json:"chapter"`
	Task      string `json:"task"`
	ChartType string `json:"chart_type"`
}

// captionable lists the standalone, rendered charts of r keyed by ref.
func captionable(r *report.Report) ([]chartBrief, map[string]bool) {
	var briefs []chartBrief
	refs := make(map[string]bool)
	for ci := range r.Chapters {
		ch := &r.Chapters[ci]
		for vi, v := range ch.Visuals {
			if v.Chart == nil || v.Chart.Failed {
				continue
			}
			desc := ""
			if t, ok := ch.Task(v.Chart.TaskID); ok {
				desc = t.Description
			}
			ref := chartRef(ci, vi)
			briefs = append(briefs, chartBrief{Ref: ref, Chapter: ch.Title, Task: desc, ChartType: v.Chart.ChartType})
			refs[ref] = true
		}
	}
	return briefs, refs
}

type captionEntry struct {
	Ref     string `json:"ref"`
	Caption string `json:"caption"`
}

func applyCaptions(r *report.Report, captions []captionEntry) int {
	n := 0
	for _, c := range captions {
		ci, vi, ok := parseRef(c.Ref)
		text := strings.TrimSpace(c.Caption)
		if !ok || text == "" || ci < 0 || ci >= len(r.Chapters) {
			continue
		}
		ch := &r.Chapters[ci]
		if vi < 0 || vi >= len(ch.Visuals) || ch.Visuals[vi].Chart == nil {
			continue
		}
		ch.Visuals[vi].Chart.Caption = text
		ch.Visuals[vi].Chart.NeedsCaption = false
		n++
	}
	return n
}

// DraftCaptions writes one caption per rendered chart.
type DraftCaptions struct {
	base
	deps Deps
}

type captionDraft struct {
	Captions []captionEntry `json:"captions"`
}

func (a *DraftCaptions) Expand(ctx context.Context, parent *report.Report) Outcome {
	briefs, refs := captionable(parent)
	if len(briefs) == 0 {
		if err := ctx.Err(); err != nil {
			return fatal(err)
		}
		return succeed([]Candidate{a.candidate(parent.Clone())})
	}
	input := baseInput(parent)
	input["charts"] = briefs

	return selfConsistent(ctx, a.deps, a.base, parent, proposal[captionDraft]{
		task:  a.name,
		input: input,
		valid: func(d captionDraft) bool {
			for _, c := range d.Captions {
				if refs[c.Ref] && strings.TrimSpace(c.Caption) != "" {
					return true
				}
			}
			return false
		},
		signature: func(d captionDraft) []string {
			var sig []string
			for _, c := range d.Captions {
				sig = append(sig, consensus.PrefixTokens(c.Ref+"/", c.Caption)...)
			}
			return sig
		},
		apply: func(r *report.Report, d captionDraft) error {
			if applyCaptions(r, d.Captions) == 0 {
				return fmt.Errorf("no caption matched a chart")
			}
			return nil
		},
	})
}

// GroupCharts merges charts that tell one connected story into chart groups
// with a shared caption and captions the remaining charts individually.
type GroupCharts struct {
	base
	deps Deps
}

type groupDraft struct {
	Groups []struct {
		Refs    []string `json:"refs"`
		Caption string   `json:"caption"`
	} `json:"groups"`
	Captions []captionEntry `json:"captions"`
}

func (a *GroupCharts) Expand(ctx context.Context, parent *report.Report) Outcome {
	briefs, refs := captionable(parent)
	perChapter := make(map[int]int)
	groupable := false
	for _, b := range briefs {
		ci, _, _ := parseRef(b.Ref)
		perChapter[ci]++
		if perChapter[ci] >= 2 {
			groupable = true
		}
	}
	if !groupable {
		if err := ctx.Err(); err != nil {
			return fatal(err)
		}
		// Nothing to group; the sibling caption action covers this stage.
		return succeed(nil)
	}
	input := baseInput(parent)
	input["charts"] = briefs

	return selfConsistent(ctx, a.deps, a.base, parent, proposal[groupDraft]{
		task:  a.name,
		input: input,
		valid: func(d groupDraft) bool {
			for _, g := range d.Groups {
				if _, ok := groupChapter(g.Refs, refs); ok && strings.TrimSpace(g.Caption) != "" {
					return true
				}
			}
			return false
		},
		signature: func(d groupDraft) []string {
			var sig []string
			for _, g := range d.Groups {
				members := append([]string(nil), g.Refs...)
				sort.Strings(members)
				sig = append(sig, "group:"+strings.Join(members, "+"))
			}
			return sig
		},
		apply: func(r *report.Report, d groupDraft) error {
			applyCaptions(r, d.Captions)
			return applyGroups(r, d, refs)
		},
	})
}

// groupChapter validates that refs name at least two distinct charts of one
// chapter and returns that chapter.
func groupChapter(refs []string, known map[string]bool) (int, bool) {
	chapter := -1
	seen := make(map[string]bool)
	for _, ref := range refs {
		ci, _, ok := parseRef(ref)
		if !ok || !known[ref] || seen[ref] {
			return 0, false
		}
		if chapter >= 0 && ci != chapter {
			return 0, false
		}
		chapter = ci
		seen[ref] = true
	}
	return chapter, len(seen) >= 2
}

func applyGroups(r *report.Report, d groupDraft, known map[string]bool) error {
	used := make(map[string]bool)
	// groupAt[chapter][firstVisual] is the group replacing that position.
	groupAt := make(map[int]map[int]*report.ChartGroup)
	members := make(map[int]map[int]bool)
	made := 0

	for _, g := range d.Groups {
		ci, ok := groupChapter(g.Refs, known)
		caption := strings.TrimSpace(g.Caption)
		if !ok || caption == "" {
			continue
		}
		clash := false
		for _, ref := range g.Refs {
			if used[ref] {
				clash = true
			}
		}
		if clash {
			continue
		}

		idx := make([]int, 0, len(g.Refs))
		for _, ref := range g.Refs {
			_, vi, _ := parseRef(ref)
			idx = append(idx, vi)
			used[ref] = true
		}
		sort.Ints(idx)

		ch := &r.Chapters[ci]
		group := &report.ChartGroup{Caption: caption}
		for _, vi := range idx {
			c := *ch.Visuals[vi].Chart
			c.Caption = ""
			c.NeedsCaption = false
			group.Charts = append(group.Charts, c)
		}
		if groupAt[ci] == nil {
			groupAt[ci] = make(map[int]*report.ChartGroup)
			members[ci] = make(map[int]bool)
		}
		groupAt[ci][idx[0]] = group
		for _, vi := range idx {
			members[ci][vi] = true
		}
		made++
	}
	if made == 0 {
		return fmt.Errorf("no valid chart group")
	}

	for ci, groups := range groupAt {
		ch := &r.Chapters[ci]
		visuals := make([]report.Visual, 0, len(ch.Visuals))
		for vi, v := range ch.Visuals {
			if g, ok := groups[vi]; ok {
				visuals = append(visuals, report.Visual{Group: g})
				continue
			}
			if members[ci][vi] {
				continue
			}
			visuals = append(visuals, v)
		}
		ch.Visuals = visuals
	}
	return nil
}
