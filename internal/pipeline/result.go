package pipeline

import (
	"time"

	"odsflow/internal/merge"
	"odsflow/internal/validation"
)

// State is the transaction state of a run.
type State string

const (
	StateIdle       State = "IDLE"
	StateRunning    State = "RUNNING"
	StateCommitted  State = "COMMITTED"
	StateRolledBack State = "ROLLED_BACK"
)

// Status is the outcome of a run.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Step names, in execution order.
const (
	StepStage    = "stage"
	StepStamp    = "stamp"
	StepValidate = "validate"
	StepMerge    = "merge"
)

// Result reports what a run did.
type Result struct {
	RunID      string              `json:"run_id"`
	Pipeline   string              `json:"pipeline"`
	Table      string              `json:"table"`
	Status     Status              `json:"status"`
	State      State               `json:"state"`
	Step       string              `json:"step,omitempty"`
	Staged     int                 `json:"staged"`
	Stamped    int                 `json:"stamped"`
	Violations []validation.Result `json:"violations,omitempty"`
	merge.Stats
	ValidateOnly bool      `json:"validate_only,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Error        string    `json:"error,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
}

// Duration is how long the run took.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the run finished with SUCCESS.
func (r *Result) Succeeded() bool {
	return r.Status == StatusSuccess
}
