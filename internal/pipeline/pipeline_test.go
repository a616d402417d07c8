package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/datastory/internal/consensus"
	"github.com/rahul/datastory/internal/report"
)

type scriptedGenerator struct {
	mu       sync.Mutex
	outputs  map[string][]string
	requests []GenerationRequest
}

func (g *scriptedGenerator) Generate(ctx context.Context, req GenerationRequest) [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	var out [][]byte
	for _, s := range g.outputs[req.Task] {
		out = append(out, []byte(s))
	}
	return out
}

type fakeRenderer struct {
	fail map[string]bool
}

func (r *fakeRenderer) Render(ctx context.Context, req RenderRequest) RenderResult {
	if r.fail[req.Task] {
		return RenderResult{Source: "{}", Err: errors.New("render failed")}
	}
	return RenderResult{Artifact: req.Task + "." + req.ChartType + ".png", Source: "{}"}
}

type fakeSimilarity struct {
	dups map[string]string
}

func (s *fakeSimilarity) Check(ctx context.Context, candidate string, existing []string, threshold float64) (SimilarityResult, error) {
	if match, ok := s.dups[candidate]; ok {
		return SimilarityResult{Duplicate: true, MaxSimilarity: 0.97, Match: match}, nil
	}
	return SimilarityResult{MaxSimilarity: 0.1}, nil
}

func testDeps(gen Generator) Deps {
	return Deps{
		Generator:  gen,
		Renderer:   &fakeRenderer{},
		Similarity: &fakeSimilarity{},
		Clusterer:  consensus.NewTokenClusterer(0.6),
		Sampling:   consensus.SampleConfig{Samples: 4, MinTemperature: 0.2, MaxTemperature: 1.0},
	}
}

func chaptered(titles ...string) *report.Report {
	r := report.New("Why did revenue fall?", "sales.csv", "date, region, revenue")
	for _, t := range titles {
		r.AddChapter(t)
	}
	r.Stage = report.StageChaptersDefined
	return r
}

func TestTableShape(t *testing.T) {
	tbl := NewTable(testDeps(&scriptedGenerator{}))

	assert.Len(t, tbl.LegalActions(report.StageInitial), 1)
	assert.Len(t, tbl.LegalActions(report.StageChartsRendered), 2)
	assert.Empty(t, tbl.LegalActions(report.StageFinalized))
	assert.True(t, tbl.IsTerminal(report.StageFinalized))
	assert.False(t, tbl.IsTerminal(report.StageInitial))

	for i := 0; i < len(report.Stages)-1; i++ {
		assert.True(t, tbl.Allows(report.Stages[i], report.Stages[i+1]), "edge %s", report.Stages[i])
	}
	assert.False(t, tbl.Allows(report.StageInitial, report.StageTasksAssigned))
	assert.Equal(t, "render_charts", tbl.Get("render_charts").Name())
	assert.Nil(t, tbl.Get("nope"))
}

func TestSplitChaptersClustersSamples(t *testing.T) {
	gen := &scriptedGenerator{outputs: map[string][]string{
		"split_chapters": {
			`{"clarified_query":"Revenue decline by region in 2024","chapters":[{"title":"Sales trend"},{"title":"Regional breakdown"}]}`,
			`{"chapters":[{"title":"Customer segments"},{"title":"Churn drivers"}]}`,
			`{"chapters":[{"title":"Regional breakdown"},{"title":"Sales trend"}]}`,
			`{"chapters":[{"title":"Churn drivers"},{"title":"Customer segments"}]}`,
		},
	}}
	tbl := NewTable(testDeps(gen))
	root := report.New("Why did revenue fall?", "sales.csv", "")

	actions := tbl.LegalActions(root.Stage)
	require.Len(t, actions, 1)
	out := actions[0].Expand(context.Background(), root)

	assert.Equal(t, Success, out.Kind)
	require.Len(t, out.Children, 2)
	for _, c := range out.Children {
		assert.Equal(t, report.StageChaptersDefined, c.Stage)
		assert.Equal(t, report.StageChaptersDefined, c.Report.Stage)
		assert.Len(t, c.Report.Chapters, 2)
	}
	assert.Equal(t, "Revenue decline by region in 2024", out.Children[0].Report.ClarifiedQuery)
	assert.Empty(t, root.Chapters, "parent must not be mutated")

	require.Len(t, gen.requests, 1)
	assert.Len(t, gen.requests[0].Temperatures, 4)
}

func TestTotalGeneratorFailureYieldsFallback(t *testing.T) {
	gen := &scriptedGenerator{}
	tbl := NewTable(testDeps(gen))
	parent := chaptered("Overview", "Details")

	out := tbl.LegalActions(parent.Stage)[0].Expand(context.Background(), parent)

	assert.Equal(t, Degraded, out.Kind)
	assert.ErrorIs(t, out.Err, ErrNoOutputs)
	require.Len(t, out.Children, 1)
	child := out.Children[0]
	assert.True(t, child.Degraded)
	assert.Equal(t, report.StageTasksAssigned, child.Stage)

	expected := parent.Clone()
	expected.Stage = report.StageTasksAssigned
	assert.Equal(t, expected, child.Report)
	assert.Equal(t, report.StageChaptersDefined, parent.Stage)
}

func TestMalformedSamplesAreDropped(t *testing.T) {
	gen := &scriptedGenerator{outputs: map[string][]string{
		"plan_tasks": {
			`not json`,
			`{"chapters":[{"chapter":7,"tasks":[{"description":"out of range"}]}]}`,
			`{"chapters":[{"chapter":0,"tasks":[{"description":"Monthly revenue","chart_types":["line"]},{"description":"Revenue by region","chart_types":["bar","pie"]}]},{"chapter":1,"tasks":[{"description":"Top customers"}]}]}`,
		},
	}}
	tbl := NewTable(testDeps(gen))
	parent := chaptered("Trend", "Customers")

	out := tbl.LegalActions(parent.Stage)[0].Expand(context.Background(), parent)

	require.Equal(t, Success, out.Kind)
	require.Len(t, out.Children, 1)
	r := out.Children[0].Report
	require.Len(t, r.Chapters[0].Tasks, 2)
	assert.Equal(t, "t1", r.Chapters[0].Tasks[0].ID)
	assert.Equal(t, "t2", r.Chapters[0].Tasks[1].ID)
	assert.Equal(t, []string{"bar", "pie"}, r.Chapters[0].Tasks[1].ChartTypes)
	assert.Equal(t, []string{"auto"}, r.Chapters[1].Tasks[0].ChartTypes)
	assert.NoError(t, r.Validate())
	assert.Empty(t, parent.Chapters[0].Tasks)
}

func tasked() *report.Report {
	r := chaptered("Trend", "Regions")
	_ = r.Chapters[0].AddTask("t1", "monthly", "line")
	_ = r.Chapters[0].AddTask("t2", "weekly", "line")
	_ = r.Chapters[1].AddTask("t1", "regions", "bar", "pie")
	r.Stage = report.StageTasksAssigned
	return r
}

func TestRenderChartsHandlesFailuresAndDuplicates(t *testing.T) {
	deps := testDeps(&scriptedGenerator{})
	deps.Renderer = &fakeRenderer{fail: map[string]bool{"regions": true}}
	deps.Similarity = &fakeSimilarity{dups: map[string]string{"weekly.line.png": "monthly.line.png"}}
	tbl := NewTable(deps)
	parent := tasked()

	out := tbl.LegalActions(parent.Stage)[0].Expand(context.Background(), parent)

	require.Equal(t, Success, out.Kind)
	require.Len(t, out.Children, 1)
	r := out.Children[0].Report
	assert.Equal(t, report.StageChartsRendered, r.Stage)

	trend := r.Chapters[0]
	require.Len(t, trend.Visuals, 1)
	assert.Equal(t, "monthly.line.png", trend.Visuals[0].Chart.Artifact)
	assert.True(t, trend.Visuals[0].Chart.NeedsCaption)
	assert.Equal(t, report.TaskSucceeded, trend.Tasks[0].Status)
	assert.Equal(t, report.TaskSkippedDuplicate, trend.Tasks[1].Status)

	regions := r.Chapters[1]
	require.Len(t, regions.Visuals, 2)
	for _, v := range regions.Visuals {
		assert.True(t, v.Chart.Failed)
		assert.Empty(t, v.Chart.Artifact)
	}
	assert.Equal(t, report.TaskFailed, regions.Tasks[0].Status)
	assert.NoError(t, r.Validate())
	assert.Equal(t, report.TaskPending, parent.Chapters[0].Tasks[0].Status)
}

func TestRenderChartsAllFailedIsDegraded(t *testing.T) {
	deps := testDeps(&scriptedGenerator{})
	deps.Renderer = &fakeRenderer{fail: map[string]bool{"monthly": true, "weekly": true, "regions": true}}
	tbl := NewTable(deps)

	out := tbl.LegalActions(report.StageTasksAssigned)[0].Expand(context.Background(), tasked())

	assert.Equal(t, Degraded, out.Kind)
	require.Len(t, out.Children, 1)
	assert.True(t, out.Children[0].Degraded)
	assert.Equal(t, 4, out.Children[0].Report.ChartCount())
}

func rendered() *report.Report {
	r := chaptered("Trend", "Regions")
	_ = r.Chapters[0].AddTask("t1", "monthly", "line")
	_ = r.Chapters[0].AddTask("t2", "weekly", "bar")
	_ = r.Chapters[1].AddTask("t1", "regions", "bar")
	_ = r.Chapters[0].AddChart(report.Chart{Artifact: "m.png", ChartType: "line", TaskID: "t1", NeedsCaption: true})
	_ = r.Chapters[0].AddChart(report.Chart{Artifact: "w.png", ChartType: "bar", TaskID: "t2", NeedsCaption: true})
	_ = r.Chapters[1].AddChart(report.Chart{Artifact: "r.png", ChartType: "bar", TaskID: "t1", NeedsCaption: true})
	r.Stage = report.StageChartsRendered
	return r
}

func TestDraftCaptions(t *testing.T) {
	gen := &scriptedGenerator{outputs: map[string][]string{
		"draft_captions": {
			`{"captions":[{"ref":"0:0","caption":"Revenue peaked in March"},{"ref":"1:0","caption":"North leads"}]}`,
			`{"captions":[{"ref":"9:9","caption":"nowhere"}]}`,
		},
	}}
	a := NewTable(testDeps(gen)).Get("draft_captions")

	out := a.Expand(context.Background(), rendered())

	require.Equal(t, Success, out.Kind)
	require.Len(t, out.Children, 1)
	r := out.Children[0].Report
	assert.Equal(t, "Revenue peaked in March", r.Chapters[0].Visuals[0].Chart.Caption)
	assert.False(t, r.Chapters[0].Visuals[0].Chart.NeedsCaption)
	assert.True(t, r.Chapters[0].Visuals[1].Chart.NeedsCaption)
	assert.Equal(t, "North leads", r.Chapters[1].Visuals[0].Chart.Caption)
}

func TestGroupCharts(t *testing.T) {
	gen := &scriptedGenerator{outputs: map[string][]string{
		"group_charts": {
			`{"groups":[{"refs":["0:1","0:0"],"caption":"Monthly and weekly views agree"}],"captions":[{"ref":"1:0","caption":"North leads"}]}`,
			`{"groups":[{"refs":["0:0","1:0"],"caption":"cross chapter is invalid"}]}`,
		},
	}}
	a := NewTable(testDeps(gen)).Get("group_charts")
	parent := rendered()

	out := a.Expand(context.Background(), parent)

	require.Equal(t, Success, out.Kind)
	require.Len(t, out.Children, 1)
	r := out.Children[0].Report
	require.Len(t, r.Chapters[0].Visuals, 1)
	g := r.Chapters[0].Visuals[0].Group
	require.NotNil(t, g)
	assert.Equal(t, "Monthly and weekly views agree", g.Caption)
	require.Len(t, g.Charts, 2)
	assert.Equal(t, "m.png", g.Charts[0].Artifact)
	assert.Equal(t, "w.png", g.Charts[1].Artifact)
	assert.Equal(t, "North leads", r.Chapters[1].Visuals[0].Chart.Caption)
	assert.NoError(t, r.Validate())
	assert.Len(t, parent.Chapters[0].Visuals, 2)
}

func TestGroupChartsWithNothingToGroup(t *testing.T) {
	gen := &scriptedGenerator{}
	a := NewTable(testDeps(gen)).Get("group_charts")
	r := chaptered("Only")
	_ = r.Chapters[0].AddTask("t1", "one", "bar")
	_ = r.Chapters[0].AddChart(report.Chart{Artifact: "a.png", TaskID: "t1"})

	out := a.Expand(context.Background(), r)

	assert.Equal(t, Success, out.Kind)
	assert.Empty(t, out.Children)
	assert.Empty(t, gen.requests)
}

func TestOrderNarrative(t *testing.T) {
	gen := &scriptedGenerator{outputs: map[string][]string{
		"order_narrative": {
			`{"strategy":"conclusion first","order":[1,0]}`,
			`{"strategy":"conclusion first","order":[1,0]}`,
			`{"strategy":"chronological","order":[0,0]}`,
		},
	}}
	a := NewTable(testDeps(gen)).Get("order_narrative")
	parent := chaptered("Trend", "Regions")
	parent.Stage = report.StageCaptionsDrafted

	out := a.Expand(context.Background(), parent)

	require.Equal(t, Success, out.Kind)
	require.Len(t, out.Children, 1)
	r := out.Children[0].Report
	assert.Equal(t, "Regions", r.Chapters[0].Title)
	assert.Equal(t, "conclusion first", r.NarrativeStrategy)
	assert.Equal(t, report.StageNarrativeOrdered, r.Stage)
}

func TestSummarizeChaptersReachesFinalized(t *testing.T) {
	gen := &scriptedGenerator{outputs: map[string][]string{
		"summarize_chapters": {
			`{"chapters":[{"chapter":0,"summary":"Revenue fell in Q2","transition":"Next, regions."},{"chapter":1,"summary":"North held up"}]}`,
		},
	}}
	a := NewTable(testDeps(gen)).Get("summarize_chapters")
	parent := chaptered("Trend", "Regions")
	parent.Stage = report.StageNarrativeOrdered

	out := a.Expand(context.Background(), parent)

	require.Len(t, out.Children, 1)
	r := out.Children[0].Report
	assert.Equal(t, report.StageFinalized, r.Stage)
	assert.Equal(t, "Revenue fell in Q2", r.Chapters[0].Summary)
	assert.Equal(t, "Next, regions.", r.Chapters[0].Transition)
}

func TestCancelledContextIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tbl := NewTable(testDeps(&scriptedGenerator{}))

	for _, st := range report.Stages[:len(report.Stages)-1] {
		for _, a := range tbl.LegalActions(st) {
			r := tasked()
			r.Stage = st
			out := a.Expand(ctx, r)
			if out.Kind == Success && len(out.Children) == 0 {
				continue
			}
			assert.Equal(t, Fatal, out.Kind, fmt.Sprintf("action %s", a.Name()))
			assert.Empty(t, out.Children)
		}
	}
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "degraded", Degraded.String())
	assert.Equal(t, "fatal", Fatal.String())
}
