package pipeline

import (
	"github.com/rahul/datastory/internal/report"
)

// Table is the static stage transition table. It maps each stage to the
// ordered set of actions legal there; the terminal stage maps to none.
type Table struct {
	actions map[report.Stage][]Action
}

// NewTable registers every action variant against its source stage.
func NewTable(deps Deps) *Table {
	d := deps.withDefaults()
	t := &Table{actions: make(map[report.Stage][]Action)}

	t.register(report.StageInitial, &SplitChapters{base{"split_chapters", report.StageChaptersDefined}, d})
	t.register(report.StageChaptersDefined, &PlanTasks{base{"plan_tasks", report.StageTasksAssigned}, d})
	t.register(report.StageTasksAssigned, &RenderCharts{base{"render_charts", report.StageChartsRendered}, d})
	t.register(report.StageChartsRendered, &DraftCaptions{base{"draft_captions", report.StageCaptionsDrafted}, d})
	t.register(report.StageChartsRendered, &GroupCharts{base{"group_charts", report.StageCaptionsDrafted}, d})
	t.register(report.StageCaptionsDrafted, &OrderNarrative{base{"order_narrative", report.StageNarrativeOrdered}, d})
	t.register(report.StageNarrativeOrdered, &SummarizeChapters{base{"summarize_chapters", report.StageFinalized}, d})

	return t
}

func (t *Table) register(from report.Stage, a Action) {
	t.actions[from] = append(t.actions[from], a)
}

// LegalActions returns the actions legal at stage, in registration order.
func (t *Table) LegalActions(stage report.Stage) []Action {
	return append([]Action(nil), t.actions[stage]...)
}

// IsTerminal reports whether no action is legal at stage.
func (t *Table) IsTerminal(stage report.Stage) bool {
	return len(t.actions[stage]) == 0
}

// Allows reports whether some action moves a report from one stage to the other.
func (t *Table) Allows(from, to report.Stage) bool {
	for _, a := range t.actions[from] {
		if a.Target() == to {
			return true
		}
	}
	return false
}

// Get returns the action with the given name.
func (t *Table) Get(name string) Action {
	for _, st := range report.Stages {
		for _, a := range t.actions[st] {
			if a.Name() == name {
				return a
			}
		}
	}
	return nil
}
