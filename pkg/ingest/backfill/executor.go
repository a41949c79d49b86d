// Package backfill heals open gaps by issuing historical requests scoped to each gap,
// highest priority first, within a per-cycle budget of gap-units.
package backfill

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/metrics"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

const (
	defaultMaxUnitsPerCycle = 30
	defaultMaxPerUnit       = 50
	defaultMinArticles      = 5
	// maxGapsPerCycle bounds how many open gaps one cycle loads.
	maxGapsPerCycle = 1000
)

// Report summarizes one backfill cycle.
type Report struct {
	Considered  int `json:"considered"`
	Filled      int `json:"filled"`
	Failed      int `json:"failed"`
	Deferred    int `json:"deferred"`
	Unsupported int `json:"unsupported"`
	Invalid     int `json:"invalid"`
	UnitsSpent  int `json:"units_spent"`
}

// Summary renders the report for Execution.ResultSummary.
func (r *Report) Summary() string {
	return fmt.Sprintf("considered=%d filled=%d failed=%d deferred=%d unsupported=%d invalid=%d units=%d",
		r.Considered, r.Filled, r.Failed, r.Deferred, r.Unsupported, r.Invalid, r.UnitsSpent)
}

// Executor runs backfill cycles.
type Executor struct {
	gaps        repository.GapRepository
	entities    repository.EntityRepository
	registry    *source.Registry
	recorder    metrics.MetricRecorder
	maxUnits    int
	maxPerUnit  int
	minArticles int
	now         func() time.Time
}

// NewExecutor creates an executor from the backfill and gap settings.
func NewExecutor(gaps repository.GapRepository, entities repository.EntityRepository, registry *source.Registry, recorder metrics.MetricRecorder, cfg config.BackfillConfig, gapCfg config.GapConfig) *Executor {
	e := &Executor{
		gaps:        gaps,
		entities:    entities,
		registry:    registry,
		recorder:    recorder,
		maxUnits:    cfg.MaxUnitsPerCycle,
		maxPerUnit:  cfg.MaxPerUnit,
		minArticles: gapCfg.MinArticlesPerDay,
		now:         time.Now,
	}
	if e.maxUnits <= 0 {
		e.maxUnits = defaultMaxUnitsPerCycle
	}
	if e.maxPerUnit <= 0 {
		e.maxPerUnit = defaultMaxPerUnit
	}
	if e.minArticles <= 0 {
		e.minArticles = defaultMinArticles
	}
	return e
}

// RunCycle processes open gaps ordered by priority desc, detected_at asc. The first
// attempted gap always runs; later gaps larger than the remaining budget are deferred to
// the next cycle. Gaps of entities flagged invalid are skipped without spending budget.
// Failed gaps stay open and are not retried within the cycle.
func (e *Executor) RunCycle(ctx context.Context, executionID string) (*Report, error) {
	gaps, err := e.gaps.FindUnfilledGaps(ctx, maxGapsPerCycle)
	if err != nil {
		return nil, err
	}
	report := &Report{}
	budget := e.maxUnits
	attempted := false

	for _, g := range gaps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		a := e.historicalAdapter(g.Type)
		if a != nil {
			invalid, err := e.isInvalid(ctx, a.Metadata().Name, g.EntityKey)
			if err != nil {
				return report, err
			}
			if invalid {
				logger.Debugf("Backfill: gap %s skipped, '%s' is flagged invalid on '%s'.", g.ID, g.EntityKey, a.Metadata().Name)
				report.Invalid++
				continue
			}
		}
		if attempted && (budget <= 0 || g.Units > budget) {
			report.Deferred++
			continue
		}
		report.Considered++

		if a == nil {
			logger.Warnf("Backfill: no historical source serves %s; gap %s (%s) stays open.", g.Type, g.ID, g.EntityKey)
			report.Unsupported++
			continue
		}

		attempted = true
		var (
			filled bool
			spent  int
		)
		if g.Type == model.GapTypeNews {
			filled, spent = e.walkDays(ctx, a, g, budget)
		} else {
			filled, spent = e.fillRange(ctx, a, g)
		}
		budget -= spent
		report.UnitsSpent += spent

		if !filled {
			report.Failed++
			continue
		}
		if err := e.gaps.MarkGapFilled(ctx, g.ID, e.now().UTC(), executionID); err != nil {
			return report, err
		}
		report.Filled++
		e.recorder.RecordGapFilled(ctx, g.Type)
		logger.Infof("Backfill: filled gap %s (%s/%s %s..%s).", g.ID, g.Type, g.EntityKey, model.FormatDate(g.FromDate), model.FormatDate(g.ToDate))
	}

	logger.Infof("Backfill cycle finished: %s", report.Summary())
	return report, nil
}

func (e *Executor) isInvalid(ctx context.Context, sourceName, entityKey string) (bool, error) {
	if e.entities == nil {
		return false, nil
	}
	return e.entities.IsInvalid(ctx, sourceName, entityKey)
}

func (e *Executor) historicalAdapter(gapType model.GapType) source.Adapter {
	for _, a := range e.registry.ByCategory(gapType) {
		if a.Metadata().SupportsHistorical {
			return a
		}
	}
	return nil
}

// fillRange issues one request for the whole gap.
func (e *Executor) fillRange(ctx context.Context, a source.Adapter, g *model.Gap) (bool, int) {
	name := a.Metadata().Name
	res, err := e.registry.Ingest(ctx, name, source.IngestRequest{
		EntityKeys: []string{g.EntityKey},
		From:       g.FromDate,
		To:         g.ToDate,
		MaxPerUnit: e.maxPerUnit,
		Historical: true,
	})
	if err != nil {
		logger.Warnf("Backfill: gap %s on '%s' could not start: %v", g.ID, name, err)
		return false, g.Units
	}
	if res.Succeeded == 0 {
		logger.Warnf("Backfill: gap %s on '%s' failed: %s", g.ID, name, res.Summary())
		return false, g.Units
	}
	return true, g.Units
}

// walkDays fetches a topic gap one day at a time backwards from its end, skipping days
// that already meet the article threshold. It stops when budget runs out and reports the
// gap filled only when every day is covered or was fetched successfully.
func (e *Executor) walkDays(ctx context.Context, a source.Adapter, g *model.Gap, budget int) (bool, int) {
	name := a.Metadata().Name
	spent := 0
	complete := true
	for day := g.ToDate; !day.Before(g.FromDate); day = day.AddDate(0, 0, -1) {
		if ctx.Err() != nil {
			return false, spent
		}
		counts, err := a.Reader().DateCounts(ctx, g.EntityKey, day, day)
		if err == nil && counts[model.FormatDate(day)] >= e.minArticles {
			continue
		}
		// The first unit of a cycle is always spent, even on an empty budget.
		if spent > 0 && spent >= budget {
			logger.Debugf("Backfill: budget exhausted inside gap %s at %s.", g.ID, model.FormatDate(day))
			return false, spent
		}
		spent++
		res, err := e.registry.Ingest(ctx, name, source.IngestRequest{
			EntityKeys: []string{g.EntityKey},
			From:       day,
			To:         day,
			MaxPerUnit: e.maxPerUnit,
			Historical: true,
		})
		if err != nil || res.Succeeded == 0 {
			logger.Warnf("Backfill: %s/%s on %s failed.", name, g.EntityKey, model.FormatDate(day))
			complete = false
		}
	}
	return complete, spent
}

// ExecutorParams defines the dependencies of NewExecutorFromConfig.
type ExecutorParams struct {
	fx.In
	Config   *config.Config
	Gaps     repository.GapRepository
	Entities repository.EntityRepository
	Registry *source.Registry
	Recorder metrics.MetricRecorder
}

// NewExecutorFromConfig is an Fx provider for *Executor.
func NewExecutorFromConfig(p ExecutorParams) *Executor {
	return NewExecutor(p.Gaps, p.Entities, p.Registry, p.Recorder, p.Config.Ingest.Backfill, p.Config.Ingest.Gaps)
}

// Module provides *Executor.
var Module = fx.Options(fx.Provide(NewExecutorFromConfig))
