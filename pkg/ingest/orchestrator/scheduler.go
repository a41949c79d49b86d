package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// Firer starts runs of a job. *Orchestrator implements it.
type Firer interface {
	Fire(ctx context.Context, jobID string, trigger model.TriggerType) (*model.Execution, error)
}

// Scheduler fires jobs whose trigger has a schedule. Manual jobs are never added.
type Scheduler struct {
	firer Firer
	loc   *time.Location
	cron  *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler evaluating cron expressions in loc.
func NewScheduler(firer Firer, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cron.PrintfLogger(logger.Logger())),
		cron.WithChain(cron.Recover(cron.PrintfLogger(logger.Logger()))),
	)
	return &Scheduler{
		firer:   firer,
		loc:     loc,
		cron:    c,
		entries: make(map[string]cron.EntryID),
	}
}

// LoadLocation resolves a configured timezone name; empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone '%s': %w", name, err)
	}
	return loc, nil
}

// Add registers jobID under spec. Manual specs are accepted and ignored.
func (s *Scheduler) Add(jobID, spec string) error {
	trigger, err := ParseTrigger(spec, s.loc)
	if err != nil {
		return fmt.Errorf("job '%s': %w", jobID, err)
	}
	if trigger.Schedule == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[jobID]; ok {
		s.cron.Remove(id)
	}
	s.entries[jobID] = s.cron.Schedule(trigger.Schedule, cron.FuncJob(func() { s.fire(jobID) }))
	logger.Debugf("Scheduler: job '%s' scheduled (%s %s).", jobID, trigger.Kind, trigger.Expr)
	return nil
}

func (s *Scheduler) fire(jobID string) {
	exec, err := s.firer.Fire(context.Background(), jobID, model.TriggerScheduled)
	switch {
	case errors.Is(err, ErrJobAlreadyRunning), errors.Is(err, ErrJobDisabled):
		logger.Debugf("Scheduler: job '%s' fire skipped: %v", jobID, err)
	case err != nil:
		logger.Errorf("Scheduler: job '%s' fire failed: %v", jobID, err)
	default:
		logger.Debugf("Scheduler: job '%s' fired execution %s.", jobID, exec.ID)
	}
}

// Next returns the next scheduled fire time of jobID.
func (s *Scheduler) Next(jobID string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[jobID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Infof("Scheduler started with %d scheduled job(s) (timezone %s).", len(s.cron.Entries()), s.loc)
}

// Stop halts new fires and waits for fires already in progress to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		logger.Infof("Scheduler stopped.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
