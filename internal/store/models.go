package store

import "time"

// RunStatus tracks the lifecycle of a search run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Run is one invocation of the search over a query and dataset.
type Run struct {
	ID         string    `json:"id"`
	Query      string    `json:"query"`
	Dataset    string    `json:"dataset"`
	Status     RunStatus `json:"status"`
	BestReward float64   `json:"best_reward"`
	Iterations int       `json:"iterations"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}
