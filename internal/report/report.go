package report

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrDuplicateTask = errors.New("duplicate task id")
	ErrUnknownTask   = errors.New("chart references unknown task")
	ErrEmptyGroup    = errors.New("chart group has no charts")
	// ErrMalformedVisual marks a visual holding both or neither of a chart
	// and a group.
	ErrMalformedVisual = errors.New("visual must hold exactly one of chart or group")
)

// TaskStatus tracks the outcome of a visualization task.
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskSucceeded        TaskStatus = "succeeded"
	TaskFailed           TaskStatus = "failed"
	TaskSkippedDuplicate TaskStatus = "skipped_duplicate"
)

// Report is one snapshot of the report being generated.
type Report struct {
	Query             string    `json:"query"`
	ClarifiedQuery    string    `json:"clarified_query,omitempty"`
	Dataset           string    `json:"dataset"`
	DataContext       string    `json:"data_context"`
	Chapters          []Chapter `json:"chapters"`
	NarrativeStrategy string    `json:"narrative_strategy,omitempty"`
	Iteration         int64     `json:"iteration"`
	Stage             Stage     `json:"stage"`
}

type Chapter struct {
	Title      string              `json:"title"`
	Summary    string              `json:"summary,omitempty"`
	Tasks      []VisualizationTask `json:"tasks"`
	Visuals    []Visual            `json:"visuals"`
	Transition string              `json:"transition,omitempty"`
}

type VisualizationTask struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	ChartTypes  []string   `json:"chart_types"`
	Status      TaskStatus `json:"status"`
}

// Chart is a reference to one rendered artifact.
type Chart struct {
	Artifact     string `json:"artifact"`
	Caption      string `json:"caption"`
	ChartType    string `json:"chart_type"`
	TaskID       string `json:"task_id"`
	Source       string `json:"source,omitempty"`
	Failed       bool   `json:"failed"`
	NeedsCaption bool   `json:"needs_caption"`
}

// ChartGroup is an ordered set of charts sharing one caption.
type ChartGroup struct {
	Charts  []Chart `json:"charts"`
	Caption string  `json:"caption"`
}

// Visual holds exactly one of Chart or Group.
type Visual struct {
	Chart *Chart      `json:"chart,omitempty"`
	Group *ChartGroup `json:"group,omitempty"`
}

// New creates the root snapshot of a run.
func New(query, dataset, dataContext string) *Report {
	return &Report{
		Query:       query,
		Dataset:     dataset,
		DataContext: dataContext,
		Chapters:    []Chapter{},
		Stage:       StageInitial,
	}
}

// EffectiveQuery returns the clarified query when one exists.
func (r *Report) EffectiveQuery() string {
	if r.ClarifiedQuery != "" {
		return r.ClarifiedQuery
	}
	return r.Query
}

// Clone returns a deep copy. Actions mutate clones only.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	c.Chapters = make([]Chapter, len(r.Chapters))
	for i, ch := range r.Chapters {
		c.Chapters[i] = ch.clone()
	}
	return &c
}

func (ch Chapter) clone() Chapter {
	c := ch
	c.Tasks = make([]VisualizationTask, len(ch.Tasks))
	for i, t := range ch.Tasks {
		t.ChartTypes = append([]string(nil), t.ChartTypes...)
		c.Tasks[i] = t
	}
	c.Visuals = make([]Visual, len(ch.Visuals))
	for i, v := range ch.Visuals {
		c.Visuals[i] = v.clone()
	}
	return c
}

func (v Visual) clone() Visual {
	var c Visual
	if v.Chart != nil {
		chart := *v.Chart
		c.Chart = &chart
	}
	if v.Group != nil {
		g := ChartGroup{Caption: v.Group.Caption, Charts: append([]Chart(nil), v.Group.Charts...)}
		c.Group = &g
	}
	return c
}

// AddChapter appends an empty chapter and returns its index.
func (r *Report) AddChapter(title string) int {
	r.Chapters = append(r.Chapters, Chapter{
		Title:   title,
		Tasks:   []VisualizationTask{},
		Visuals: []Visual{},
	})
	return len(r.Chapters) - 1
}

// Task looks up a task by id.
func (ch *Chapter) Task(id string) (*VisualizationTask, bool) {
	for i := range ch.Tasks {
		if ch.Tasks[i].ID == id {
			return &ch.Tasks[i], true
		}
	}
	return nil, false
}

// AddTask appends a pending task, rejecting duplicate ids.
func (ch *Chapter) AddTask(id, description string, chartTypes ...string) error {
	if _, ok := ch.Task(id); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	if len(chartTypes) == 0 {
		chartTypes = []string{"auto"}
	}
	ch.Tasks = append(ch.Tasks, VisualizationTask{
		ID:          id,
		Description: description,
		ChartTypes:  append([]string(nil), chartTypes...),
		Status:      TaskPending,
	})
	return nil
}

// AddChart appends a standalone chart owned by one of the chapter's tasks.
func (ch *Chapter) AddChart(c Chart) error {
	if _, ok := ch.Task(c.TaskID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, c.TaskID)
	}
	ch.Visuals = append(ch.Visuals, Visual{Chart: &c})
	return nil
}

// AddGroup appends a chart group. Every member must belong to a known task.
func (ch *Chapter) AddGroup(g ChartGroup) error {
	if len(g.Charts) == 0 {
		return ErrEmptyGroup
	}
	for _, c := range g.Charts {
		if _, ok := ch.Task(c.TaskID); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTask, c.TaskID)
		}
	}
	g.Charts = append([]Chart(nil), g.Charts...)
	ch.Visuals = append(ch.Visuals, Visual{Group: &g})
	return nil
}

// SetStatus updates the status of a task.
func (ch *Chapter) SetStatus(id string, status TaskStatus) bool {
	t, ok := ch.Task(id)
	if !ok {
		return false
	}
	t.Status = status
	return true
}

// Charts returns every chart of the chapter in display order, flattening groups.
func (ch *Chapter) Charts() []Chart {
	var out []Chart
	for _, v := range ch.Visuals {
		switch {
		case v.Chart != nil:
			out = append(out, *v.Chart)
		case v.Group != nil:
			out = append(out, v.Group.Charts...)
		}
	}
	return out
}

// Artifacts returns the artifacts of every non-failed chart in the report.
func (r *Report) Artifacts() []string {
	var out []string
	for i := range r.Chapters {
		for _, c := range r.Chapters[i].Charts() {
			if !c.Failed && c.Artifact != "" {
				out = append(out, c.Artifact)
			}
		}
	}
	return out
}

func (r *Report) TaskCount() int {
	n := 0
	for _, ch := range r.Chapters {
		n += len(ch.Tasks)
	}
	return n
}

func (r *Report) ChartCount() int {
	n := 0
	for i := range r.Chapters {
		n += len(r.Chapters[i].Charts())
	}
	return n
}

// Validate checks task id uniqueness, visual shape and chart ownership in
// every chapter.
func (r *Report) Validate() error {
	for ci, ch := range r.Chapters {
		seen := make(map[string]bool, len(ch.Tasks))
		for _, t := range ch.Tasks {
			if seen[t.ID] {
				return fmt.Errorf("chapter %d: %w: %s", ci, ErrDuplicateTask, t.ID)
			}
			seen[t.ID] = true
		}
		for vi, v := range ch.Visuals {
			if (v.Chart == nil) == (v.Group == nil) {
				return fmt.Errorf("chapter %d visual %d: %w", ci, vi, ErrMalformedVisual)
			}
			if v.Group != nil && len(v.Group.Charts) == 0 {
				return fmt.Errorf("chapter %d: %w", ci, ErrEmptyGroup)
			}
		}
		for _, c := range ch.Charts() {
			if !seen[c.TaskID] {
				return fmt.Errorf("chapter %d: %w: %s", ci, ErrUnknownTask, c.TaskID)
			}
		}
	}
	return nil
}

func (r *Report) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func Unmarshal(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
