package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeRun         EventType = "run"
	EventTypeIteration   EventType = "iteration"
	EventTypeExpand      EventType = "expand"
	EventTypeRollout     EventType = "rollout"
	EventTypeReward      EventType = "reward"
	EventTypeDegraded    EventType = "degraded"
	EventTypeRender      EventType = "render"
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeCost        EventType = "cost"
	EventTypeLLM         EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	NodeID    string    `json:"node_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging. Every event goes to out; llm events are
// additionally appended to a rotated jsonl file.
type Logger struct {
	mu         sync.Mutex
	out        io.Writer
	llmLogPath string
	maxSize    int64
}

// NewLoggerAt writes events to out and keeps llm.jsonl under dir. An empty
// dir disables the llm file.
func NewLoggerAt(out io.Writer, dir string) *Logger {
	l := &Logger{
		out:     out,
		maxSize: 10 * 1024 * 1024, // 10MB
	}
	if dir != "" {
		l.llmLogPath = filepath.Join(dir, "llm.jsonl")
	}
	return l
}

// Log emits a structured JSON event.
func (l *Logger) Log(evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		data = []byte(fmt.Sprintf("{\"error\": \"failed to marshal event: %v\"}", err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(data))

	if evt.Type == EventTypeLLM && l.llmLogPath != "" {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogIteration(runID string, iteration int64, nodeID string, reward float64, depth int) {
	l.Log(Event{
		Type:   EventTypeIteration,
		RunID:  runID,
		NodeID: nodeID,
		Data: map[string]any{
			"iteration": iteration,
			"reward":    reward,
			"depth":     depth,
		},
	})
}

// LogRollout records where a simulation ended.
func (l *Logger) LogRollout(runID, nodeID, finalStage string, depth int, terminal, degraded bool) {
	l.Log(Event{
		Type:   EventTypeRollout,
		RunID:  runID,
		NodeID: nodeID,
		Data: map[string]any{
			"final_stage": finalStage,
			"depth":       depth,
			"terminal":    terminal,
			"degraded":    degraded,
		},
	})
}

func (l *Logger) LogExpand(runID, nodeID, action, outcome string, children int) {
	l.Log(Event{
		Type:   EventTypeExpand,
		RunID:  runID,
		NodeID: nodeID,
		Data: map[string]any{
			"action":   action,
			"outcome":  outcome,
			"children": children,
		},
	})
}

func (l *Logger) LogDegraded(runID, nodeID, action string, reason error) {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	l.Log(Event{
		Type:   EventTypeDegraded,
		RunID:  runID,
		NodeID: nodeID,
		Data:   map[string]string{"action": action, "reason": msg},
	})
}

func (l *Logger) LogReward(runID, nodeID string, total float64, breakdown map[string]float64, degraded bool) {
	l.Log(Event{
		Type:   EventTypeReward,
		RunID:  runID,
		NodeID: nodeID,
		Data: map[string]any{
			"total":     total,
			"breakdown": breakdown,
			"degraded":  degraded,
		},
	})
}

func (l *Logger) LogRender(runID, task, chartType, artifact string, err error) {
	data := map[string]string{"task": task, "chart_type": chartType, "artifact": artifact}
	if err != nil {
		data["error"] = err.Error()
	}
	l.Log(Event{Type: EventTypeRender, RunID: runID, Data: data})
}

func (l *Logger) LogPolicy(runID, subject, reason string, allowed bool) {
	l.Log(Event{
		Type:  EventTypePolicyCheck,
		RunID: runID,
		Data: map[string]any{
			"subject": subject,
			"reason":  reason,
			"allowed": allowed,
		},
	})
}

func (l *Logger) LogCost(runID, task string, promptTokens, completionTokens int, model string) {
	l.Log(Event{
		Type:  EventTypeCost,
		RunID: runID,
		Data: map[string]any{
			"task":              task,
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
			"model":             model,
		},
	})
}

func (l *Logger) LogLLM(runID, task string, temperature float64, prompt any, response string) {
	l.Log(Event{
		Type:  EventTypeLLM,
		RunID: runID,
		Data: map[string]any{
			"task":        task,
			"temperature": temperature,
			"prompt":      prompt,
			"response":    response,
		},
	})
}

func (l *Logger) LogRun(runID, phase string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["phase"] = phase
	l.Log(Event{Type: EventTypeRun, RunID: runID, Data: data})
}
