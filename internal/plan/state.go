// Package plan executes declarative deployment plans: an ordered,
// partly-optional sequence of steps (detect, erase, flash, verify,
// custom) against one target device, with per-step outcomes and a
// run-level state machine.
package plan

import (
	"context"
	"time"

	"github.com/edgeforge-io/edgeforge/pkg/errors"
)

// StepState is the lifecycle of a single step.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepSkipped   StepState = "skipped"
	StepFailed    StepState = "failed"
)

// RunStatus is the overall status of one plan execution.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunAborted    RunStatus = "aborted"
)

// Step is one operation in a plan. Steps are read-only after plan
// construction; the engine advances a cursor over them.
type Step struct {
	// ID names the step in results and progress events.
	ID string

	// Optional steps may fail without failing the run.
	Optional bool

	// Default controls whether an optional step runs when the caller
	// expressed no explicit choice.
	Default bool

	// Run performs the operation. report may be called with
	// (bytesDone, bytesTotal) for long transfers.
	Run func(ctx context.Context, report func(done, total int64)) error
}

// Progress is the event delivered to the progress callback.
type Progress struct {
	StepID     string
	BytesDone  int64
	BytesTotal int64
	Phase      string
}

// ProgressFunc receives progress events during a run. May be nil.
type ProgressFunc func(Progress)

// StepResult records one step's outcome for the result surface.
type StepResult struct {
	ID         string      `json:"id"`
	State      StepState   `json:"state"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	StartedAt  time.Time   `json:"started_at,omitempty"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
}

// ExecutionState is the per-run mutable record. It is owned by one
// execution of the engine and never shared across concurrent runs.
type ExecutionState struct {
	RunID      string       `json:"run_id"`
	DeviceID   string       `json:"device_id"`
	Status     RunStatus    `json:"status"`
	Steps      []StepResult `json:"steps"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}

// Failed reports whether any required step failed.
func (s *ExecutionState) Failed() bool {
	return s.Status == RunFailed
}

// recordFailure stamps a step result with the classified error.
func (r *StepResult) recordFailure(err error) {
	r.State = StepFailed
	r.ErrorKind = errors.KindOf(err).String()
	r.Detail = errors.Detail(err)
}
