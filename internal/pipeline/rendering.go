package pipeline

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/rahul/datastory/internal/report"
)

// RenderCharts renders every pending task and screens each new artifact for
// near-duplicates of the charts already in the report.
type RenderCharts struct {
	base
	deps Deps
}

type renderJob struct {
	chapter int
	taskID  string
	req     RenderRequest
}

func (a *RenderCharts) Expand(ctx context.Context, parent *report.Report) Outcome {
	if err := ctx.Err(); err != nil {
		return fatal(err)
	}
	child := parent.Clone()

	var jobs []renderJob
	for ci := range child.Chapters {
		ch := &child.Chapters[ci]
		for _, t := range ch.Tasks {
			if t.Status != report.TaskPending {
				continue
			}
			for _, ct := range t.ChartTypes {
				jobs = append(jobs, renderJob{
					chapter: ci,
					taskID:  t.ID,
					req: RenderRequest{
						Chapter:     ch.Title,
						Task:        t.Description,
						ChartType:   ct,
						Dataset:     child.Dataset,
						DataContext: child.DataContext,
					},
				})
			}
		}
	}
	if len(jobs) == 0 {
		return succeed([]Candidate{a.candidate(child)})
	}

	results := make([]RenderResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.deps.RenderConcurrency)
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = a.deps.Renderer.Render(gctx, job.req)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return fatal(err)
	}

	// Similarity checks run in job order so duplicate decisions are stable.
	existing := child.Artifacts()
	tallies := make(map[taskKey]*renderTally)
	var accepted, duplicates int
	for i, job := range jobs {
		key := taskKey{job.chapter, job.taskID}
		tl := tallies[key]
		if tl == nil {
			tl = &renderTally{}
			tallies[key] = tl
		}
		ch := &child.Chapters[job.chapter]
		res := results[i]

		if res.Err != nil {
			log.Printf("[%s] %q (%s) failed: %v", a.name, job.req.Task, job.req.ChartType, res.Err)
			_ = ch.AddChart(report.Chart{
				ChartType: job.req.ChartType,
				TaskID:    job.taskID,
				Source:    res.Source,
				Failed:    true,
			})
			continue
		}

		if a.deps.Similarity != nil && len(existing) > 0 {
			sim, err := a.deps.Similarity.Check(ctx, res.Artifact, existing, a.deps.SimilarityThreshold)
			if err != nil {
				log.Printf("[%s] similarity check for %s failed, keeping artifact: %v", a.name, res.Artifact, err)
			} else if sim.Duplicate {
				log.Printf("[%s] %s duplicates %s (%.2f)", a.name, res.Artifact, sim.Match, sim.MaxSimilarity)
				tl.duplicate++
				duplicates++
				continue
			}
		}

		_ = ch.AddChart(report.Chart{
			Artifact:     res.Artifact,
			ChartType:    job.req.ChartType,
			TaskID:       job.taskID,
			Source:       res.Source,
			NeedsCaption: true,
		})
		existing = append(existing, res.Artifact)
		tl.accepted++
		accepted++
	}

	for key, tl := range tallies {
		ch := &child.Chapters[key.chapter]
		switch {
		case tl.accepted > 0:
			ch.SetStatus(key.id, report.TaskSucceeded)
		case tl.duplicate > 0:
			ch.SetStatus(key.id, report.TaskSkippedDuplicate)
		default:
			ch.SetStatus(key.id, report.TaskFailed)
		}
	}

	cand := a.candidate(child)
	if accepted == 0 && duplicates == 0 {
		// Every render failed; placeholders are kept so later stages can repair.
		cand.Degraded = true
		return Outcome{Kind: Degraded, Children: []Candidate{cand}, Err: ErrNoOutputs}
	}
	return succeed([]Candidate{cand})
}

type taskKey struct {
	chapter int
	id      string
}

type renderTally struct {
	accepted, duplicate int
}
