package sql

import "time"

// JobEntity is the persistence model of model.Job.
type JobEntity struct {
	ID                string     `gorm:"column:id;primaryKey"`
	Name              string     `gorm:"column:name"`
	Kind              string     `gorm:"column:kind"`
	TriggerSpec       string     `gorm:"column:trigger_spec"`
	Enabled           bool       `gorm:"column:enabled"`
	MaxInstances      int        `gorm:"column:max_instances"`
	LastRunTime       *time.Time `gorm:"column:last_run_time"`
	LastRunStatus     string     `gorm:"column:last_run_status"`
	LastRunDurationMs int64      `gorm:"column:last_run_duration_ms"`
	LastRunError      string     `gorm:"column:last_run_error"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime:false"`
	Version           int        `gorm:"column:version"`
}

func (JobEntity) TableName() string {
	return "ingest_job"
}

// ExecutionEntity is the persistence model of model.Execution.
type ExecutionEntity struct {
	ID            string     `gorm:"column:id;primaryKey"`
	JobID         string     `gorm:"column:job_id"`
	Trigger       string     `gorm:"column:trigger_type"`
	Status        string     `gorm:"column:status"`
	StartedAt     time.Time  `gorm:"column:started_at"`
	FinishedAt    *time.Time `gorm:"column:finished_at"`
	DurationMs    int64      `gorm:"column:duration_ms"`
	Error         string     `gorm:"column:error"`
	ResultSummary string     `gorm:"column:result_summary"`
}

func (ExecutionEntity) TableName() string {
	return "ingest_execution"
}

// GapEntity is the persistence model of model.Gap. Dates are stored as YYYY-MM-DD.
type GapEntity struct {
	ID              string     `gorm:"column:id;primaryKey"`
	Type            string     `gorm:"column:gap_type"`
	EntityKey       string     `gorm:"column:entity_key"`
	FromDate        string     `gorm:"column:from_date"`
	ToDate          string     `gorm:"column:to_date"`
	Units           int        `gorm:"column:units"`
	Severity        string     `gorm:"column:severity"`
	Priority        int        `gorm:"column:priority"`
	DetectedAt      time.Time  `gorm:"column:detected_at"`
	FilledAt        *time.Time `gorm:"column:filled_at"`
	FillExecutionID *string    `gorm:"column:fill_execution_id"`
}

func (GapEntity) TableName() string {
	return "ingest_gap"
}

// InvalidEntityEntity is the persistence model of model.InvalidEntity.
type InvalidEntityEntity struct {
	Source    string    `gorm:"column:source;primaryKey"`
	EntityKey string    `gorm:"column:entity_key;primaryKey"`
	Reason    string    `gorm:"column:reason"`
	MarkedAt  time.Time `gorm:"column:marked_at"`
}

func (InvalidEntityEntity) TableName() string {
	return "ingest_invalid_entity"
}
