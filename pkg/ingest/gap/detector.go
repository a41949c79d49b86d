// Package gap detects missing calendar units in stored time series and records them as
// gaps for the backfill executor.
package gap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/metrics"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

const (
	defaultLookbackDays = 365
	defaultMinArticles  = 5
)

// Report summarizes one detection sweep.
type Report struct {
	Entities   int                    `json:"entities"`
	Detected   int                    `json:"detected"`
	Closed     int                    `json:"closed"`
	BySeverity map[model.Severity]int `json:"by_severity"`
	Skipped    []string               `json:"skipped,omitempty"`
}

// Summary renders the report for Execution.ResultSummary.
func (r *Report) Summary() string {
	parts := make([]string, 0, len(r.BySeverity))
	for _, sev := range []model.Severity{model.SeverityCritical, model.SeverityHigh, model.SeverityMedium, model.SeverityLow} {
		if n := r.BySeverity[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", sev, n))
		}
	}
	return fmt.Sprintf("entities=%d detected=%d closed=%d skipped=%d [%s]",
		r.Entities, r.Detected, r.Closed, len(r.Skipped), strings.Join(parts, " "))
}

// Detector compares expected units against stored coverage for every tracked entity.
type Detector struct {
	gaps         repository.GapRepository
	registry     *source.Registry
	recorder     metrics.MetricRecorder
	tracking     []config.TrackingConfig
	lookbackDays int
	minArticles  int
	holidays     Holidays
	now          func() time.Time
}

// NewDetector creates a detector from the gaps and tracking configuration.
func NewDetector(gaps repository.GapRepository, registry *source.Registry, recorder metrics.MetricRecorder, cfg config.GapConfig, tracking []config.TrackingConfig) (*Detector, error) {
	holidays, err := ParseHolidays(cfg.Holidays)
	if err != nil {
		return nil, err
	}
	for _, t := range tracking {
		if _, err := model.ParseGapType(t.Type); err != nil {
			return nil, fmt.Errorf("tracking entry for source '%s': %w", t.Source, err)
		}
	}
	lookback := cfg.LookbackDays
	if lookback <= 0 {
		lookback = defaultLookbackDays
	}
	minArticles := cfg.MinArticlesPerDay
	if minArticles <= 0 {
		minArticles = defaultMinArticles
	}
	return &Detector{
		gaps:         gaps,
		registry:     registry,
		recorder:     recorder,
		tracking:     tracking,
		lookbackDays: lookback,
		minArticles:  minArticles,
		holidays:     holidays,
		now:          time.Now,
	}, nil
}

// Threshold is the number of rows that make a unit of gapType present.
func (d *Detector) Threshold(gapType model.GapType) int {
	if gapType == model.GapTypeNews {
		return d.minArticles
	}
	return 1
}

// Holidays returns the configured holiday set.
func (d *Detector) Holidays() Holidays {
	return d.holidays
}

// Detect sweeps every tracked entity over [today-lookback, today-1]. New gaps are saved;
// open gaps that are now covered are closed on behalf of executionID. A failing entity is
// logged and skipped; Detect only fails when the gap store itself fails.
func (d *Detector) Detect(ctx context.Context, executionID string) (*Report, error) {
	today := model.TruncateDay(d.now())
	from := today.AddDate(0, 0, -d.lookbackDays)
	to := today.AddDate(0, 0, -1)
	report := &Report{BySeverity: make(map[model.Severity]int)}

	for _, t := range d.tracking {
		gapType := model.GapType(t.Type)
		a, err := d.registry.Get(t.Source)
		if err != nil {
			logger.Warnf("Gap detector: tracking entry for '%s' skipped: %v", t.Source, err)
			report.Skipped = append(report.Skipped, t.Source)
			continue
		}
		if a.Metadata().Category != gapType {
			logger.Warnf("Gap detector: source '%s' serves %s, not %s; skipped.", t.Source, a.Metadata().Category, gapType)
			report.Skipped = append(report.Skipped, t.Source)
			continue
		}
		for _, raw := range t.Entities {
			key := source.NormalizeEntityKey(gapType, raw)
			if key == "" {
				continue
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Entities++
			if err := d.detectEntity(ctx, a, gapType, key, from, to, executionID, report); err != nil {
				if isStoreError(err) {
					return report, err
				}
				logger.Warnf("Gap detector: coverage scan of %s/%s failed, no gap data recorded: %v", t.Source, key, err)
				report.Skipped = append(report.Skipped, t.Source+"/"+key)
			}
		}
	}

	logger.Infof("Gap detector: %s", report.Summary())
	return report, nil
}

// storeError marks failures of the gap repository, which abort the sweep.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func isStoreError(err error) bool {
	var se *storeError
	return errors.As(err, &se)
}

func (d *Detector) detectEntity(ctx context.Context, a source.Adapter, gapType model.GapType, key string, from, to time.Time, executionID string, report *Report) error {
	existing, err := d.gaps.FindGapsByEntity(ctx, gapType, key)
	if err != nil {
		return &storeError{err}
	}

	scanFrom := from
	for _, g := range existing {
		if !g.IsFilled() && g.FromDate.Before(scanFrom) {
			scanFrom = g.FromDate
		}
	}
	counts, err := a.Reader().DateCounts(ctx, key, scanFrom, to)
	if err != nil {
		return err
	}
	threshold := d.Threshold(gapType)
	present := func(day time.Time) bool { return counts[model.FormatDate(day)] >= threshold }

	now := d.now().UTC()
	for _, g := range existing {
		if g.IsFilled() {
			continue
		}
		if d.covered(gapType, g, present) {
			if err := d.gaps.MarkGapFilled(ctx, g.ID, now, executionID); err != nil {
				return &storeError{err}
			}
			g.MarkFilled(now, executionID)
			report.Closed++
			d.recorder.RecordGapFilled(ctx, gapType)
			logger.Infof("Gap detector: closed healed gap %s (%s/%s %s..%s).", g.ID, gapType, key, model.FormatDate(g.FromDate), model.FormatDate(g.ToDate))
		}
	}

	var runs [][]time.Time
	var current []time.Time
	for _, day := range ExpectedUnits(gapType, from, to, d.holidays) {
		if present(day) || coveredByAny(existing, day) {
			if len(current) > 0 {
				runs = append(runs, current)
				current = nil
			}
			continue
		}
		current = append(current, day)
	}
	if len(current) > 0 {
		runs = append(runs, current)
	}
	if len(runs) == 0 {
		return nil
	}

	created := make([]*model.Gap, 0, len(runs))
	for _, run := range runs {
		anyEmpty := false
		for _, day := range run {
			if counts[model.FormatDate(day)] == 0 {
				anyEmpty = true
				break
			}
		}
		sev := Classify(len(run), anyEmpty)
		g := model.NewGap(gapType, key, run[0], run[len(run)-1], len(run), sev, Priority(len(run), sev))
		created = append(created, g)
		report.BySeverity[sev]++
	}
	if err := d.gaps.SaveGaps(ctx, created); err != nil {
		return &storeError{err}
	}
	report.Detected += len(created)
	bySev := make(map[model.Severity]int)
	for _, g := range created {
		bySev[g.Severity]++
	}
	for _, sev := range sortedSeverities(bySev) {
		d.recorder.RecordGapsDetected(ctx, gapType, sev, bySev[sev])
	}
	return nil
}

// covered reports whether every expected unit of g now meets the threshold.
func (d *Detector) covered(gapType model.GapType, g *model.Gap, present func(time.Time) bool) bool {
	for _, day := range ExpectedUnits(gapType, g.FromDate, g.ToDate, d.holidays) {
		if !present(day) {
			return false
		}
	}
	return true
}

func coveredByAny(gaps []*model.Gap, day time.Time) bool {
	for _, g := range gaps {
		if g.Contains(day) {
			return true
		}
	}
	return false
}

func sortedSeverities(m map[model.Severity]int) []model.Severity {
	out := make([]model.Severity, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
