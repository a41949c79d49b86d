package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/core/metrics"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

var (
	// ErrUnknownSource is returned when no adapter is registered under a name.
	ErrUnknownSource = errors.New("unknown source")
	// ErrDuplicateSource is returned when an adapter name is registered twice.
	ErrDuplicateSource = errors.New("source already registered")
	// ErrHistoricalUnsupported is returned for ranged requests against a delta-only adapter.
	ErrHistoricalUnsupported = errors.New("source does not support historical requests")
)

func init() {
	exception.RegisterErrorType("ErrUnknownSource", ErrUnknownSource)
	exception.RegisterErrorType("ErrDuplicateSource", ErrDuplicateSource)
	exception.RegisterErrorType("ErrHistoricalUnsupported", ErrHistoricalUnsupported)
}

const (
	defaultBatchSize    = 10
	defaultLookbackDays = 365
)

// IngestRequest describes one batch. A zero From requests a delta refresh that starts
// after each entity's watermark; a zero To means today.
type IngestRequest struct {
	EntityKeys []string
	From       time.Time
	To         time.Time
	MaxPerUnit int
	Historical bool
}

// BatchResult is the outcome of one Ingest call. Failures never abort the batch; they are
// collected per entity.
type BatchResult struct {
	Source    string            `json:"source"`
	Requested int               `json:"requested"`
	Succeeded int               `json:"succeeded"`
	Rows      int               `json:"rows"`
	Entities  map[string]int    `json:"entities,omitempty"`
	Skipped   []string          `json:"skipped,omitempty"`
	Failures  map[string]string `json:"failures,omitempty"`

	errs *multierror.Error
}

// Err returns every per-entity failure as one error, or nil.
func (b *BatchResult) Err() error {
	return b.errs.ErrorOrNil()
}

// Failed reports whether entityKey failed in this batch.
func (b *BatchResult) Failed(entityKey string) bool {
	_, ok := b.Failures[entityKey]
	return ok
}

// AllFailed reports whether the batch had work and none of it succeeded.
func (b *BatchResult) AllFailed() bool {
	return len(b.Failures) > 0 && b.Succeeded == 0
}

// Summary renders the result for Execution.ResultSummary.
func (b *BatchResult) Summary() string {
	s := fmt.Sprintf("source=%s entities=%d succeeded=%d skipped=%d failed=%d rows=%d",
		b.Source, b.Requested, b.Succeeded, len(b.Skipped), len(b.Failures), b.Rows)
	if len(b.Failures) > 0 {
		keys := make([]string, 0, len(b.Failures))
		for k := range b.Failures {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 5 {
			keys = append(keys[:5], "...")
		}
		s += " failed_entities=" + strings.Join(keys, ",")
	}
	return s
}

func (b *BatchResult) record(key string, rows int, skipped bool, err error) {
	switch {
	case err != nil:
		b.Failures[key] = exception.ExtractErrorMessage(err)
		b.errs = multierror.Append(b.errs, fmt.Errorf("%s: %w", key, err))
	case skipped:
		b.Skipped = append(b.Skipped, key)
	default:
		b.Succeeded++
		b.Rows += rows
		b.Entities[key] = rows
	}
}

// Registry holds the configured adapters and runs ingestion batches against them.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter

	entities     repository.EntityRepository
	retry        *RetryPolicy
	recorder     metrics.MetricRecorder
	tracer       metrics.Tracer
	batchSize    int
	lookbackDays int
	now          func() time.Time
}

// NewRegistry creates an empty registry. batchSize bounds concurrent entities per batch;
// lookbackDays bounds the first delta fetch of an entity with no stored data.
func NewRegistry(entities repository.EntityRepository, retry *RetryPolicy, recorder metrics.MetricRecorder, tracer metrics.Tracer, batchSize, lookbackDays int) *Registry {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if lookbackDays <= 0 {
		lookbackDays = defaultLookbackDays
	}
	return &Registry{
		adapters:     make(map[string]Adapter),
		entities:     entities,
		retry:        retry,
		recorder:     recorder,
		tracer:       tracer,
		batchSize:    batchSize,
		lookbackDays: lookbackDays,
		now:          time.Now,
	}
}

// Register adds an adapter under its metadata name.
func (r *Registry) Register(a Adapter) error {
	name := a.Metadata().Name
	if name == "" {
		return fmt.Errorf("adapter has an empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("%w: '%s'", ErrDuplicateSource, name)
	}
	r.adapters[name] = a
	logger.Infof("Registered source '%s' (category: %s, table: %s).", name, a.Metadata().Category, a.Metadata().Table)
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownSource, name)
	}
	return a, nil
}

// Names returns the registered adapter names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByCategory returns the adapters serving category, sorted by name.
func (r *Registry) ByCategory(category model.GapType) []Adapter {
	var out []Adapter
	for _, name := range r.Names() {
		a, _ := r.Get(name)
		if a != nil && a.Metadata().Category == category {
			out = append(out, a)
		}
	}
	return out
}

// Ingest fetches, normalizes and sinks req.EntityKeys from the named source. It returns an
// error only when the batch cannot start at all; per-entity failures land in the result.
func (r *Registry) Ingest(ctx context.Context, name string, req IngestRequest) (*BatchResult, error) {
	const op = "Registry.Ingest"

	a, err := r.Get(name)
	if err != nil {
		return nil, exception.NewIngestError(op, "cannot start ingest", err, true, false)
	}
	meta := a.Metadata()
	if (req.Historical || !req.From.IsZero()) && !meta.SupportsHistorical {
		return nil, exception.NewIngestError(op, fmt.Sprintf("source '%s' rejected a ranged request", name), ErrHistoricalUnsupported, true, false)
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.From.After(req.To) {
		return nil, exception.NewIngestErrorf(op, "invalid range: from %s is after to %s", model.FormatDate(req.From), model.FormatDate(req.To))
	}

	keys := uniqueKeys(meta.Category, req.EntityKeys)
	result := &BatchResult{
		Source:    name,
		Requested: len(keys),
		Entities:  make(map[string]int),
		Failures:  make(map[string]string),
	}

	ctx, end := r.tracer.StartSpan(ctx, "source.ingest", map[string]string{
		"source":   name,
		"entities": fmt.Sprintf("%d", len(keys)),
	})
	defer end()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.batchSize)
	for _, key := range keys {
		g.Go(func() error {
			rows, skipped, err := r.ingestEntity(ctx, a, key, req)
			if err != nil {
				logger.Warnf("Source '%s': entity '%s' failed: %v", name, key, err)
				r.tracer.RecordError(ctx, op, err)
			}
			mu.Lock()
			result.record(key, rows, skipped, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(result.Skipped)

	logger.Infof("Source '%s' ingest finished: %s", name, result.Summary())
	return result, nil
}

// ingestEntity runs one entity through fetch, normalize and sink. skipped is true for
// entities flagged invalid.
func (r *Registry) ingestEntity(ctx context.Context, a Adapter, key string, req IngestRequest) (int, bool, error) {
	meta := a.Metadata()

	invalid, err := r.entities.IsInvalid(ctx, meta.Name, key)
	if err != nil {
		return 0, false, err
	}
	if invalid {
		logger.Debugf("Source '%s': skipping invalid entity '%s'.", meta.Name, key)
		return 0, true, nil
	}

	from, to := r.window(ctx, a, key, req)
	if from.After(to) {
		logger.Debugf("Source '%s': entity '%s' is up to date.", meta.Name, key)
		return 0, false, nil
	}
	params := FetchParams{EntityKey: key, From: from, To: to, MaxPerUnit: req.MaxPerUnit}

	var raw Raw
	err = r.retry.Do(ctx, func(attempt int) error {
		started := time.Now()
		var fetchErr error
		raw, fetchErr = a.Fetch(ctx, params)
		r.recorder.RecordFetch(ctx, meta.Name, r.fetchOutcome(fetchErr, attempt), time.Since(started))
		return fetchErr
	}, func(attempt int, err error) {
		logger.Warnf("Source '%s': fetch of '%s' failed (attempt %d/%d), retrying: %v", meta.Name, key, attempt, r.retry.MaxAttempts(), err)
	})
	if err != nil {
		if exception.IsPermanent(err) {
			r.markInvalid(ctx, meta.Name, key, err)
		}
		return 0, false, err
	}

	records, err := a.Normalize(raw, params)
	if err != nil {
		return 0, false, exception.NewIngestError(meta.Name+".normalize", fmt.Sprintf("failed to normalize payload for '%s'", key), err, false, false)
	}
	records = LimitPerUnit(FilterWindow(records, from, to), req.MaxPerUnit)
	if len(records) == 0 {
		return 0, false, nil
	}

	res, err := a.Sink(ctx, records)
	if res.Count > 0 {
		r.recorder.RecordRowsSunk(ctx, meta.Name, meta.Table, res.Count)
	}
	if err != nil {
		return res.Count, false, err
	}
	return res.Count, false, nil
}

// window resolves the inclusive fetch range for one entity.
func (r *Registry) window(ctx context.Context, a Adapter, key string, req IngestRequest) (time.Time, time.Time) {
	today := model.TruncateDay(r.now())
	to := today
	if !req.To.IsZero() {
		to = model.TruncateDay(req.To)
	}
	if !req.From.IsZero() {
		return model.TruncateDay(req.From), to
	}

	watermark, ok, err := a.Reader().Watermark(ctx, key)
	if err != nil {
		logger.Warnf("Source '%s': watermark lookup for '%s' failed, using lookback window: %v", a.Metadata().Name, key, err)
	}
	if err == nil && ok {
		return watermark.AddDate(0, 0, 1), to
	}
	return today.AddDate(0, 0, -r.lookbackDays), to
}

func (r *Registry) fetchOutcome(err error, attempt int) string {
	switch {
	case err == nil:
		return "success"
	case exception.IsPermanent(err):
		return "permanent"
	case attempt < r.retry.MaxAttempts() && r.retry.ShouldRetry(err):
		return "retry"
	default:
		return "error"
	}
}

func (r *Registry) markInvalid(ctx context.Context, source, key string, cause error) {
	err := r.entities.MarkInvalid(ctx, model.InvalidEntity{
		Source:    source,
		EntityKey: key,
		Reason:    exception.ExtractErrorMessage(cause),
		MarkedAt:  r.now().UTC(),
	})
	if err != nil {
		logger.Errorf("Source '%s': failed to mark '%s' invalid: %v", source, key, err)
		return
	}
	logger.Warnf("Source '%s': entity '%s' marked invalid: %v", source, key, cause)
}

// FilterWindow drops records whose partition date lies outside [from, to].
func FilterWindow(records []model.Record, from, to time.Time) []model.Record {
	lo, hi := model.FormatDate(from), model.FormatDate(to)
	out := records[:0]
	for _, rec := range records {
		if d := rec.PartitionDate(); d >= lo && d <= hi {
			out = append(out, rec)
		}
	}
	return out
}

// LimitPerUnit keeps at most max records per partition date, preserving order.
// A non-positive max keeps everything.
func LimitPerUnit(records []model.Record, max int) []model.Record {
	if max <= 0 {
		return records
	}
	counts := make(map[string]int)
	out := records[:0]
	for _, rec := range records {
		d := rec.PartitionDate()
		if counts[d] >= max {
			continue
		}
		counts[d]++
		out = append(out, rec)
	}
	return out
}

func uniqueKeys(category model.GapType, keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = NormalizeEntityKey(category, k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
