package models

import "time"

// FiringStatus is the lifecycle status of one firing.
type FiringStatus string

// Firing status constants.
const (
	FiringStatusPending             FiringStatus = "pending"
	FiringStatusMaterializing       FiringStatus = "materializing"
	FiringStatusWaitingCancellation FiringStatus = "waiting_cancellation"
	FiringStatusSending             FiringStatus = "sending"
	FiringStatusCompleted           FiringStatus = "completed"
	FiringStatusFailed              FiringStatus = "failed"
	FiringStatusCancelled           FiringStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s FiringStatus) Terminal() bool {
	switch s {
	case FiringStatusCompleted, FiringStatusFailed, FiringStatusCancelled:
		return true
	}
	return false
}

// ExecutionMode selects how a firing is executed.
type ExecutionMode string

// Execution mode constants.
const (
	// ModeLive performs the full pipeline including transport submits.
	ModeLive ExecutionMode = "live"
	// ModeDryRun executes every step up to, but not including, the
	// transport submit.
	ModeDryRun ExecutionMode = "dry-run"
	// ModeTestLiveSend performs real submits against test-layer audiences only.
	ModeTestLiveSend ExecutionMode = "test-live-send"
)

// StepProgress tracks per-step delivery counters within a firing.
type StepProgress struct {
	SequenceOrder int        `json:"sequenceOrder"`
	Status        StepStatus `json:"status"`
	AudienceSize  int        `json:"audienceSize"`
	Eligible      int        `json:"eligible"`
	Sent          int        `json:"sent"`
	Failed        int        `json:"failed"`
	Tracked       int        `json:"tracked"`
	Error         string     `json:"error,omitempty"`
}

// Firing is one in-memory execution of a recipe triggered at its scheduled
// instant. Created by the scheduler, advanced by the executor. Not durable
// beyond process lifetime except for the ledger row and the event stream.
type Firing struct {
	ID          string         `json:"id"`
	RecipeID    string         `json:"recipeId"`
	ScheduledAt time.Time      `json:"scheduledAt"` // UTC firing instant
	Mode        ExecutionMode  `json:"mode"`
	Status      FiringStatus   `json:"status"`
	Steps       []StepProgress `json:"steps"`
	StartedAt   time.Time      `json:"startedAt"`
	EndedAt     *time.Time     `json:"endedAt,omitempty"`
}

// Outcome is the ledger-recorded result of a firing.
type Outcome string

// Ledger outcome constants.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// OutcomeOf maps a terminal firing status to its ledger outcome.
func OutcomeOf(s FiringStatus) Outcome {
	switch s {
	case FiringStatusCompleted:
		return OutcomeCompleted
	case FiringStatusCancelled:
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}
