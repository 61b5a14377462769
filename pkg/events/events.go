// Package events provides the structured execution log: every significant
// executor transition is published as a typed event on an in-process bus,
// keyed by firing id. The API layer subscribes and forwards events over
// SSE; this decouples executor progress from HTTP connection liveness.
package events

import "time"

// Level classifies an execution event.
type Level string

// Event levels.
const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Stage identifies the pipeline stage an event belongs to.
type Stage string

// Pipeline stages.
const (
	StageInit      Stage = "INIT"
	StageConfig    Stage = "CONFIG"
	StageScript    Stage = "SCRIPT"
	StageFilter    Stage = "FILTER"
	StageExecution Stage = "EXECUTION"
	StageDryRun    Stage = "DRY_RUN"
	StageLiveSend  Stage = "LIVE_SEND"
	StageMonitor   Stage = "MONITOR"
	StageComplete  Stage = "COMPLETE"
	StageCancel    Stage = "CANCEL"
	StageKilled    Stage = "KILLED"
)

// Event is one structured execution log record.
type Event struct {
	Timestamp string `json:"timestamp"` // ISO-8601 UTC
	Level     Level  `json:"level"`
	Stage     Stage  `json:"stage"`
	Message   string `json:"message"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(level Level, stage Stage, message string) Event {
	return Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Stage:     stage,
		Message:   message,
	}
}

// Result is the terminal record emitted on an SSE stream before it closes.
type Result struct {
	Type    string `json:"type"` // "result" or "error"
	Success bool   `json:"success"`
	Message string `json:"message"`
}
