package model

import "time"

// JobKind selects the runner a Job dispatches to.
type JobKind string

const (
	JobKindRefresh    JobKind = "refresh"
	JobKindDetectGaps JobKind = "detect_gaps"
	JobKindBackfill   JobKind = "backfill"
	JobKindCallback   JobKind = "callback"
	// JobKindAdHoc jobs are created on demand for API-initiated ingest and backfill.
	JobKindAdHoc JobKind = "adhoc"
)

// Job is a schedulable unit of work. Identity is ID; it is mutated only by the orchestrator.
type Job struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Kind              JobKind         `json:"kind"`
	TriggerSpec       string          `json:"trigger_spec"`
	Enabled           bool            `json:"enabled"`
	MaxInstances      int             `json:"max_instances"`
	LastRunTime       *time.Time      `json:"last_run_time,omitempty"`
	LastRunStatus     ExecutionStatus `json:"last_run_status,omitempty"`
	LastRunDurationMs int64           `json:"last_run_duration_ms"`
	LastRunError      string          `json:"last_run_error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Version           int             `json:"-"`
}

// NewJob creates a Job with max_instances defaulted to 1.
func NewJob(id, name string, kind JobKind, triggerSpec string, enabled bool, maxInstances int) *Job {
	if maxInstances <= 0 {
		maxInstances = 1
	}
	if name == "" {
		name = id
	}
	now := time.Now().UTC()
	return &Job{
		ID:           id,
		Name:         name,
		Kind:         kind,
		TriggerSpec:  triggerSpec,
		Enabled:      enabled,
		MaxInstances: maxInstances,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// RecordRun copies the outcome of a finished execution into the last_run fields.
func (j *Job) RecordRun(e *Execution) {
	started := e.StartedAt
	j.LastRunTime = &started
	j.LastRunStatus = e.Status
	j.LastRunDurationMs = e.DurationMs
	j.LastRunError = e.Error
	j.UpdatedAt = time.Now().UTC()
}
