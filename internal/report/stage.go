package report

// Stage is a named point in the report generation pipeline.
type Stage string

const (
	StageInitial          Stage = "initial"
	StageChaptersDefined  Stage = "chapters_defined"
	StageTasksAssigned    Stage = "tasks_assigned"
	StageChartsRendered   Stage = "charts_rendered"
	StageCaptionsDrafted  Stage = "captions_drafted"
	StageNarrativeOrdered Stage = "narrative_ordered"
	StageFinalized        Stage = "finalized"
)

// Stages lists the pipeline in order.
var Stages = []Stage{
	StageInitial,
	StageChaptersDefined,
	StageTasksAssigned,
	StageChartsRendered,
	StageCaptionsDrafted,
	StageNarrativeOrdered,
	StageFinalized,
}

func (s Stage) String() string {
	return string(s)
}

// Index returns the position of the stage in the pipeline, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}
