// Package models defines the domain types shared across the automation
// engine: recipes, push steps, firings, and audience artifacts.
package models

import "time"

// RecipeType discriminates the two supported campaign shapes.
type RecipeType string

// Recipe type constants.
const (
	RecipeTypeSinglePush  RecipeType = "single_push"
	RecipeTypeScriptBased RecipeType = "script_based"
)

// RecipeStatus is the lifecycle status of a recipe.
type RecipeStatus string

// Recipe lifecycle status constants.
const (
	RecipeStatusDraft     RecipeStatus = "draft"
	RecipeStatusScheduled RecipeStatus = "scheduled"
	RecipeStatusActive    RecipeStatus = "active"
	RecipeStatusInactive  RecipeStatus = "inactive"
	RecipeStatusRunning   RecipeStatus = "running"
	RecipeStatusCompleted RecipeStatus = "completed"
	RecipeStatusFailed    RecipeStatus = "failed"
	RecipeStatusCancelled RecipeStatus = "cancelled"
)

// Frequency controls how often a recipe fires.
type Frequency string

// Schedule frequency constants.
const (
	FrequencyOnce   Frequency = "once"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// TestLayerID is the cadence layer reserved for test sends.
// Steps on this layer bypass cadence filtering entirely.
const TestLayerID = 4

// Schedule describes when a recipe fires. All wall-clock fields are
// interpreted in Timezone, then converted to UTC by the timeline calculator.
type Schedule struct {
	Timezone        string    `json:"timezone"`                // IANA name, e.g. "America/Chicago"
	Frequency       Frequency `json:"frequency"`               // once, daily, weekly
	StartDate       string    `json:"startDate,omitempty"`     // "2006-01-02", required for once
	EndDate         string    `json:"endDate,omitempty"`       // gates new firings only
	ExecutionTime   string    `json:"executionTime"`           // local wall clock "HH:MM"
	LeadTimeMinutes int       `json:"leadTimeMinutes"`         // pre-send = firing - lead time
}

// StepTiming controls pacing between sequence steps.
type StepTiming struct {
	DelayAfterPrevious int `json:"delayAfterPrevious"` // minutes, 0 for the first step
}

// StepStatus is the per-step delivery status within a firing.
type StepStatus string

// Step status constants.
const (
	StepStatusPending StepStatus = "pending"
	StepStatusSent    StepStatus = "sent"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// PushStep is one element of a recipe's ordered push sequence.
// Title, Body and DeepLink may contain {{field}} placeholders resolved
// against the step's audience artifact columns.
type PushStep struct {
	SequenceOrder int        `json:"sequenceOrder"` // 1-based, contiguous
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	DeepLink      string     `json:"deepLink,omitempty"`
	LayerID       int        `json:"layerId"` // 1-5; 4 is the test layer
	Timing        StepTiming `json:"timing"`
	AudienceName  string     `json:"audienceName,omitempty"`
	Status        StepStatus `json:"status,omitempty"`
}

// AudienceCriteria selects the users a recipe targets. Either a named
// script (with parameters) or an inline filter.
type AudienceCriteria struct {
	ScriptName   string            `json:"scriptName,omitempty"`
	ScriptParams map[string]string `json:"scriptParams,omitempty"`
	InlineFilter map[string]string `json:"inlineFilter,omitempty"`
	TestMode     bool              `json:"testMode,omitempty"`
}

// AlertThresholds are safeguard levels that emit warnings without
// aborting execution.
type AlertThresholds struct {
	AudienceSizeWarn int     `json:"audienceSizeWarn"`
	FailureRateWarn  float64 `json:"failureRateWarn"` // fraction, e.g. 0.25
}

// Settings holds per-recipe execution limits and safety switches.
type Settings struct {
	TestUserIDs               []string        `json:"testUserIds,omitempty"`
	MaxAudienceSize           int             `json:"maxAudienceSize"`
	DryRunFirst               bool            `json:"dryRunFirst,omitempty"`
	CancellationWindowMinutes int             `json:"cancellationWindowMinutes"`
	AlertThresholds           AlertThresholds `json:"alertThresholds"`
}

// Counters accumulates execution history for a recipe.
type Counters struct {
	TotalExecutions int        `json:"totalExecutions"`
	Successes       int        `json:"successes"`
	Failures        int        `json:"failures"`
	LastExecutedAt  *time.Time `json:"lastExecutedAt,omitempty"`
}

// Metadata carries bookkeeping fields maintained by the store.
type Metadata struct {
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Counters  Counters  `json:"counters"`
}

// Recipe is the durable unit of work: schedule + push sequence + audience.
type Recipe struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Type         RecipeType       `json:"type"`
	Status       RecipeStatus     `json:"status"`
	IsActive     bool             `json:"isActive"`
	Schedule     Schedule         `json:"schedule"`
	PushSequence []PushStep       `json:"pushSequence"`
	Audience     AudienceCriteria `json:"audienceCriteria"`
	Settings     Settings         `json:"settings"`
	Metadata     Metadata         `json:"metadata"`
}

// Schedulable reports whether the scheduler should install a trigger for
// this recipe: active flag set AND status in {scheduled, active}.
func (r *Recipe) Schedulable() bool {
	return r.IsActive &&
		(r.Status == RecipeStatusScheduled || r.Status == RecipeStatusActive)
}

// Default values applied by ApplyDefaults.
const (
	DefaultLeadTimeMinutes           = 30
	DefaultCancellationWindowMinutes = 5
	DefaultMaxAudienceSize           = 100000
	DefaultAudienceSizeWarn          = 50000
	DefaultFailureRateWarn           = 0.25
)

// ApplyDefaults fills unset optional fields so that save/load round-trips
// are byte-equivalent after defaulting.
func (r *Recipe) ApplyDefaults() {
	if r.Schedule.LeadTimeMinutes <= 0 {
		r.Schedule.LeadTimeMinutes = DefaultLeadTimeMinutes
	}
	if r.Settings.CancellationWindowMinutes <= 0 {
		r.Settings.CancellationWindowMinutes = DefaultCancellationWindowMinutes
	}
	if r.Settings.MaxAudienceSize <= 0 {
		r.Settings.MaxAudienceSize = DefaultMaxAudienceSize
	}
	if r.Settings.AlertThresholds.AudienceSizeWarn <= 0 {
		r.Settings.AlertThresholds.AudienceSizeWarn = DefaultAudienceSizeWarn
	}
	if r.Settings.AlertThresholds.FailureRateWarn <= 0 {
		r.Settings.AlertThresholds.FailureRateWarn = DefaultFailureRateWarn
	}
	for i := range r.PushSequence {
		if r.PushSequence[i].Status == "" {
			r.PushSequence[i].Status = StepStatusPending
		}
	}
}
