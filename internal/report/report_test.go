package report

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport(t *testing.T) *Report {
	t.Helper()
	r := New("How did sales change?", "sales.csv", "3 columns, 120 rows")
	ci := r.AddChapter("Overview")
	ch := &r.Chapters[ci]
	require.NoError(t, ch.AddTask("t1", "monthly revenue", "line"))
	require.NoError(t, ch.AddTask("t2", "revenue by region", "bar", "pie"))
	require.NoError(t, ch.AddChart(Chart{Artifact: "a.png", ChartType: "line", TaskID: "t1", NeedsCaption: true}))
	require.NoError(t, ch.AddGroup(ChartGroup{
		Caption: "regional split",
		Charts: []Chart{
			{Artifact: "b.png", ChartType: "bar", TaskID: "t2"},
			{Artifact: "c.png", ChartType: "pie", TaskID: "t2"},
		},
	}))
	r.AddChapter("Outlook")
	return r
}

func TestAddTaskRejectsDuplicateID(t *testing.T) {
	r := New("q", "d", "")
	ci := r.AddChapter("c")
	require.NoError(t, r.Chapters[ci].AddTask("t1", "first"))
	err := r.Chapters[ci].AddTask("t1", "second")
	assert.True(t, errors.Is(err, ErrDuplicateTask))
	assert.Len(t, r.Chapters[ci].Tasks, 1)
}

func TestAddChartRequiresOwningTask(t *testing.T) {
	r := New("q", "d", "")
	ci := r.AddChapter("c")
	err := r.Chapters[ci].AddChart(Chart{Artifact: "x.png", TaskID: "missing"})
	assert.True(t, errors.Is(err, ErrUnknownTask))
	assert.Empty(t, r.Chapters[ci].Visuals)
}

func TestAddTaskDefaultsChartType(t *testing.T) {
	var ch Chapter
	require.NoError(t, ch.AddTask("t1", "anything"))
	assert.Equal(t, []string{"auto"}, ch.Tasks[0].ChartTypes)
	assert.Equal(t, TaskPending, ch.Tasks[0].Status)
}

func TestCloneIsIndependent(t *testing.T) {
	r := sampleReport(t)
	c := r.Clone()

	c.Chapters[0].Title = "changed"
	c.Chapters[0].Tasks[0].ChartTypes[0] = "scatter"
	c.Chapters[0].Visuals[0].Chart.Caption = "new caption"
	c.Chapters[0].Visuals[1].Group.Charts[0].Artifact = "z.png"
	c.Chapters[0].SetStatus("t1", TaskFailed)
	c.AddChapter("extra")

	assert.Equal(t, "Overview", r.Chapters[0].Title)
	assert.Equal(t, "line", r.Chapters[0].Tasks[0].ChartTypes[0])
	assert.Equal(t, "", r.Chapters[0].Visuals[0].Chart.Caption)
	assert.Equal(t, "b.png", r.Chapters[0].Visuals[1].Group.Charts[0].Artifact)
	assert.Equal(t, TaskPending, r.Chapters[0].Tasks[0].Status)
	assert.Len(t, r.Chapters, 2)
}

func TestRoundTripPreservesStructure(t *testing.T) {
	r := sampleReport(t)
	r.Stage = StageCaptionsDrafted
	r.Iteration = 7

	data, err := r.Marshal()
	require.NoError(t, err)
	back, err := Unmarshal(data)
	require.NoError(t, err)

	require.Len(t, back.Chapters, len(r.Chapters))
	for i := range r.Chapters {
		assert.Equal(t, r.Chapters[i].Title, back.Chapters[i].Title)
		assert.Len(t, back.Chapters[i].Tasks, len(r.Chapters[i].Tasks))
		assert.Len(t, back.Chapters[i].Visuals, len(r.Chapters[i].Visuals))
		for j := range r.Chapters[i].Tasks {
			assert.Equal(t, r.Chapters[i].Tasks[j].ID, back.Chapters[i].Tasks[j].ID)
		}
		assert.Equal(t, r.Chapters[i].Charts(), back.Chapters[i].Charts())
	}
	assert.Equal(t, StageCaptionsDrafted, back.Stage)
	assert.Equal(t, int64(7), back.Iteration)
}

func TestUnmarshalRejectsBrokenInvariants(t *testing.T) {
	data := []byte(`{"query":"q","chapters":[{"title":"c","tasks":[{"id":"t1"},{"id":"t1"}],"visuals":[]}]}`)
	_, err := Unmarshal(data)
	assert.True(t, errors.Is(err, ErrDuplicateTask))

	tests := []struct {
		name    string
		visuals string
		want    error
	}{
		{"chart and group", `[{"chart":{"task_id":"t1"},"group":{"charts":[{"task_id":"ghost"}]}}]`, ErrMalformedVisual},
		{"empty visual", `[{"chart":{"task_id":"t1"}},{}]`, ErrMalformedVisual},
		{"empty group", `[{"group":{"charts":[]}}]`, ErrEmptyGroup},
		{"grouped chart of unknown task", `[{"group":{"charts":[{"task_id":"ghost"}]}}]`, ErrUnknownTask},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data := []byte(`{"query":"q","chapters":[{"title":"c","tasks":[{"id":"t1"}],"visuals":` + tc.visuals + `}]}`)
			_, err := Unmarshal(data)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCountsAndArtifacts(t *testing.T) {
	r := sampleReport(t)
	r.Chapters[1].Tasks = []VisualizationTask{{ID: "t1", Status: TaskFailed}}
	r.Chapters[1].Visuals = []Visual{{Chart: &Chart{TaskID: "t1", Failed: true}}}

	assert.Equal(t, 3, r.TaskCount())
	assert.Equal(t, 4, r.ChartCount())
	assert.Equal(t, []string{"a.png", "b.png", "c.png"}, r.Artifacts())
	assert.NoError(t, r.Validate())
}

func TestStageIndex(t *testing.T) {
	assert.Equal(t, 0, StageInitial.Index())
	assert.Equal(t, len(Stages)-1, StageFinalized.Index())
	assert.Equal(t, -1, Stage("bogus").Index())
}

func TestEffectiveQuery(t *testing.T) {
	r := New("raw", "d", "")
	assert.Equal(t, "raw", r.EffectiveQuery())
	r.ClarifiedQuery = "clear"
	assert.Equal(t, "clear", r.EffectiveQuery())
}
