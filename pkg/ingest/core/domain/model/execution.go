package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// ExecutionStatus represents the state of one job run.
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionError     ExecutionStatus = "error"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// String returns the string representation of the status.
func (s ExecutionStatus) String() string {
	return string(s)
}

// IsFinished reports whether s is terminal.
func (s ExecutionStatus) IsFinished() bool {
	switch s {
	case ExecutionSuccess, ExecutionError, ExecutionCancelled, ExecutionTimeout:
		return true
	default:
		return false
	}
}

// ParseExecutionStatus validates a status string coming from an API filter.
func ParseExecutionStatus(s string) (ExecutionStatus, error) {
	switch st := ExecutionStatus(s); st {
	case ExecutionQueued, ExecutionRunning, ExecutionSuccess, ExecutionError, ExecutionCancelled, ExecutionTimeout:
		return st, nil
	default:
		return "", fmt.Errorf("unknown execution status '%s'", s)
	}
}

// TriggerType records what started an execution.
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
	TriggerAPI       TriggerType = "api"
)

// Execution is one recorded run of a Job. Once FinishedAt is set the row is immutable;
// a new run creates a new Execution.
type Execution struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	Trigger       TriggerType     `json:"trigger"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
	Error         string          `json:"error,omitempty"`
	ResultSummary string          `json:"result_summary,omitempty"`
}

// NewID generates a new UUID string.
func NewID() string {
	return uuid.New().String()
}

// NewExecution creates a queued Execution for jobID.
func NewExecution(jobID string, trigger TriggerType) *Execution {
	return &Execution{
		ID:        NewID(),
		JobID:     jobID,
		Trigger:   trigger,
		Status:    ExecutionQueued,
		StartedAt: time.Now().UTC(),
	}
}

// isValidExecutionTransition encodes queued -> running -> {success|error|cancelled|timeout}.
func isValidExecutionTransition(current, next ExecutionStatus) bool {
	switch current {
	case ExecutionQueued:
		return next == ExecutionRunning || next == ExecutionCancelled
	case ExecutionRunning:
		return next == ExecutionSuccess || next == ExecutionError || next == ExecutionCancelled || next == ExecutionTimeout
	default:
		return false
	}
}

// TransitionTo moves the execution to newStatus if the transition is legal.
func (e *Execution) TransitionTo(newStatus ExecutionStatus) error {
	if !isValidExecutionTransition(e.Status, newStatus) {
		return fmt.Errorf("Execution (ID: %s): invalid state transition: %s -> %s", e.ID, e.Status, newStatus)
	}
	e.Status = newStatus
	return nil
}

// MarkAsRunning moves a queued execution to running and resets its start time.
func (e *Execution) MarkAsRunning() error {
	if err := e.TransitionTo(ExecutionRunning); err != nil {
		return err
	}
	e.StartedAt = time.Now().UTC()
	return nil
}

// MarkAsSucceeded finishes the execution successfully with a result summary.
func (e *Execution) MarkAsSucceeded(summary string) error {
	if err := e.TransitionTo(ExecutionSuccess); err != nil {
		return err
	}
	e.ResultSummary = summary
	e.finish(time.Now().UTC())
	return nil
}

// MarkAsFailed finishes the execution as error and records err's message.
func (e *Execution) MarkAsFailed(err error, summary string) error {
	if tErr := e.TransitionTo(ExecutionError); tErr != nil {
		return tErr
	}
	e.Error = exception.ExtractErrorMessage(err)
	e.ResultSummary = summary
	e.finish(time.Now().UTC())
	return nil
}

// MarkAsTimedOut finishes the execution as timeout with an explanatory reason.
func (e *Execution) MarkAsTimedOut(reason string) error {
	if err := e.TransitionTo(ExecutionTimeout); err != nil {
		return err
	}
	e.Error = reason
	e.finish(time.Now().UTC())
	return nil
}

// MarkAsCancelled finishes the execution as cancelled. In-flight work is not stopped.
func (e *Execution) MarkAsCancelled(reason string) error {
	if err := e.TransitionTo(ExecutionCancelled); err != nil {
		return err
	}
	e.Error = reason
	e.finish(time.Now().UTC())
	return nil
}

func (e *Execution) finish(now time.Time) {
	e.FinishedAt = &now
	e.DurationMs = now.Sub(e.StartedAt).Milliseconds()
	if e.DurationMs < 0 {
		logger.Warnf("Execution (ID: %s) finished before it started; clamping duration to 0.", e.ID)
		e.DurationMs = 0
	}
}

// ExecutionFilter narrows an execution history query. Zero values mean "no filter".
type ExecutionFilter struct {
	JobID  string
	Status ExecutionStatus
	From   time.Time // started_at >= From
	To     time.Time // started_at <= To
	Limit  int
}
