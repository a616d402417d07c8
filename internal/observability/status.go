package observability

import (
	"sync"
	"time"
)

// Phase is the search step currently running.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseSelect    Phase = "SELECT"
	PhaseExpand    Phase = "EXPAND"
	PhaseSimulate  Phase = "SIMULATE"
	PhaseEvaluate  Phase = "EVALUATE"
	PhaseBackprop  Phase = "BACKPROP"
	PhaseExporting Phase = "EXPORT"
)

type SystemStatus struct {
	mu            sync.RWMutex
	CurrentPhase  Phase
	Detail        string
	Iteration     int64
	BestReward    float64
	LastHeartbeat time.Time
}

var globalStatus = &SystemStatus{
	CurrentPhase:  PhaseIdle,
	LastHeartbeat: time.Now(),
}

// SetStatus updates the global phase and its detail line.
func SetStatus(phase Phase, detail string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.CurrentPhase = phase
	globalStatus.Detail = detail
}

// SetProgress records the completed iteration count and best reward so far.
func SetProgress(iteration int64, best float64) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.Iteration = iteration
	globalStatus.BestReward = best
	globalStatus.LastHeartbeat = time.Now()
}

// Snapshot is a copy of the global status.
type Snapshot struct {
	Phase         Phase
	Detail        string
	Iteration     int64
	BestReward    float64
	LastHeartbeat time.Time
}

// GetStatus retrieves a copy of the global system status.
func GetStatus() Snapshot {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return Snapshot{
		Phase:         globalStatus.CurrentPhase,
		Detail:        globalStatus.Detail,
		Iteration:     globalStatus.Iteration,
		BestReward:    globalStatus.BestReward,
		LastHeartbeat: globalStatus.LastHeartbeat,
	}
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}
