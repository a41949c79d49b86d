package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerKind is the scheduling mode of a job.
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
	TriggerManual   TriggerKind = "manual"
)

const minInterval = time.Second

// Trigger is a parsed trigger spec. Schedule is nil for manual triggers.
type Trigger struct {
	Kind     TriggerKind
	Expr     string
	Schedule cron.Schedule
}

// ParseTrigger parses "cron:<5-field expr>", "interval:<duration>", "manual", or a bare
// 5-field cron expression. Cron schedules are evaluated in loc.
func ParseTrigger(spec string, loc *time.Location) (Trigger, error) {
	spec = strings.TrimSpace(spec)
	if loc == nil {
		loc = time.UTC
	}
	switch {
	case spec == "" || strings.EqualFold(spec, string(TriggerManual)):
		return Trigger{Kind: TriggerManual}, nil

	case strings.HasPrefix(spec, "interval:"):
		expr := strings.TrimSpace(strings.TrimPrefix(spec, "interval:"))
		d, err := time.ParseDuration(expr)
		if err != nil {
			return Trigger{}, fmt.Errorf("invalid interval trigger '%s': %w", spec, err)
		}
		if d < minInterval {
			return Trigger{}, fmt.Errorf("invalid interval trigger '%s': must be at least %s", spec, minInterval)
		}
		return Trigger{Kind: TriggerInterval, Expr: expr, Schedule: cron.Every(d)}, nil

	case strings.HasPrefix(spec, "cron:"):
		return parseCron(strings.TrimSpace(strings.TrimPrefix(spec, "cron:")), loc)

	case len(strings.Fields(spec)) == 5:
		return parseCron(spec, loc)

	default:
		return Trigger{}, fmt.Errorf("unsupported trigger spec '%s'", spec)
	}
}

func parseCron(expr string, loc *time.Location) (Trigger, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid cron trigger '%s': %w", expr, err)
	}
	if ss, ok := sched.(*cron.SpecSchedule); ok {
		ss.Location = loc
	}
	return Trigger{Kind: TriggerCron, Expr: expr, Schedule: sched}, nil
}
