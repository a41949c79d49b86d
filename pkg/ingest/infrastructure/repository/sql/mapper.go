package sql

import (
	"time"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

func fromDomainJob(j *model.Job) *JobEntity {
	return &JobEntity{
		ID:                j.ID,
		Name:              j.Name,
		Kind:              string(j.Kind),
		TriggerSpec:       j.TriggerSpec,
		Enabled:           j.Enabled,
		MaxInstances:      j.MaxInstances,
		LastRunTime:       utcPtr(j.LastRunTime),
		LastRunStatus:     string(j.LastRunStatus),
		LastRunDurationMs: j.LastRunDurationMs,
		LastRunError:      j.LastRunError,
		CreatedAt:         j.CreatedAt.UTC(),
		UpdatedAt:         j.UpdatedAt.UTC(),
		Version:           j.Version,
	}
}

func toDomainJob(e *JobEntity) *model.Job {
	return &model.Job{
		ID:                e.ID,
		Name:              e.Name,
		Kind:              model.JobKind(e.Kind),
		TriggerSpec:       e.TriggerSpec,
		Enabled:           e.Enabled,
		MaxInstances:      e.MaxInstances,
		LastRunTime:       utcPtr(e.LastRunTime),
		LastRunStatus:     model.ExecutionStatus(e.LastRunStatus),
		LastRunDurationMs: e.LastRunDurationMs,
		LastRunError:      e.LastRunError,
		CreatedAt:         e.CreatedAt.UTC(),
		UpdatedAt:         e.UpdatedAt.UTC(),
		Version:           e.Version,
	}
}

func fromDomainExecution(x *model.Execution) *ExecutionEntity {
	return &ExecutionEntity{
		ID:            x.ID,
		JobID:         x.JobID,
		Trigger:       string(x.Trigger),
		Status:        string(x.Status),
		StartedAt:     x.StartedAt.UTC(),
		FinishedAt:    utcPtr(x.FinishedAt),
		DurationMs:    x.DurationMs,
		Error:         x.Error,
		ResultSummary: x.ResultSummary,
	}
}

func toDomainExecution(e *ExecutionEntity) *model.Execution {
	return &model.Execution{
		ID:            e.ID,
		JobID:         e.JobID,
		Trigger:       model.TriggerType(e.Trigger),
		Status:        model.ExecutionStatus(e.Status),
		StartedAt:     e.StartedAt.UTC(),
		FinishedAt:    utcPtr(e.FinishedAt),
		DurationMs:    e.DurationMs,
		Error:         e.Error,
		ResultSummary: e.ResultSummary,
	}
}

func fromDomainGap(g *model.Gap) *GapEntity {
	return &GapEntity{
		ID:              g.ID,
		Type:            string(g.Type),
		EntityKey:       g.EntityKey,
		FromDate:        model.FormatDate(g.FromDate),
		ToDate:          model.FormatDate(g.ToDate),
		Units:           g.Units,
		Severity:        string(g.Severity),
		Priority:        g.Priority,
		DetectedAt:      g.DetectedAt.UTC(),
		FilledAt:        utcPtr(g.FilledAt),
		FillExecutionID: g.FillExecutionID,
	}
}

func toDomainGap(e *GapEntity) *model.Gap {
	from, err := model.ParseDate(e.FromDate)
	if err != nil {
		logger.Warnf("Gap (ID: %s) has malformed from_date '%s': %v", e.ID, e.FromDate, err)
	}
	to, err := model.ParseDate(e.ToDate)
	if err != nil {
		logger.Warnf("Gap (ID: %s) has malformed to_date '%s': %v", e.ID, e.ToDate, err)
	}
	return &model.Gap{
		ID:              e.ID,
		Type:            model.GapType(e.Type),
		EntityKey:       e.EntityKey,
		FromDate:        from,
		ToDate:          to,
		Units:           e.Units,
		Severity:        model.Severity(e.Severity),
		Priority:        e.Priority,
		DetectedAt:      e.DetectedAt.UTC(),
		FilledAt:        utcPtr(e.FilledAt),
		FillExecutionID: e.FillExecutionID,
	}
}

func fromDomainInvalidEntity(m model.InvalidEntity) *InvalidEntityEntity {
	return &InvalidEntityEntity{
		Source:    m.Source,
		EntityKey: m.EntityKey,
		Reason:    m.Reason,
		MarkedAt:  m.MarkedAt.UTC(),
	}
}

func toDomainInvalidEntity(e *InvalidEntityEntity) model.InvalidEntity {
	return model.InvalidEntity{
		Source:    e.Source,
		EntityKey: e.EntityKey,
		Reason:    e.Reason,
		MarkedAt:  e.MarkedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
