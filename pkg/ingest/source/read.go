package source

import (
	"context"
	"fmt"
	"time"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// ReadResult is the answer of a single-entity read.
type ReadResult struct {
	Source    string         `json:"source"`
	EntityKey string         `json:"entity_key"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Fetched   bool           `json:"fetched"`
	Records   []model.Record `json:"records"`
}

// Read returns the stored rows of one entity in [from, to]. When nothing is stored it makes
// a single fetch bounded by timeout, sinks the rows and returns them. No retries are made;
// callers that need durable ingestion use Ingest.
func (r *Registry) Read(ctx context.Context, name, entityKey string, from, to time.Time, timeout time.Duration) (*ReadResult, error) {
	const op = "Registry.Read"

	a, err := r.Get(name)
	if err != nil {
		return nil, exception.NewIngestError(op, "cannot read", err, true, false)
	}
	meta := a.Metadata()
	key := NormalizeEntityKey(meta.Category, entityKey)
	from, to = model.TruncateDay(from), model.TruncateDay(to)
	if from.After(to) {
		return nil, exception.NewIngestErrorf(op, "invalid range: from %s is after to %s", model.FormatDate(from), model.FormatDate(to))
	}

	result := &ReadResult{Source: name, EntityKey: key, From: model.FormatDate(from), To: model.FormatDate(to)}
	stored, err := a.Reader().EntityRecords(ctx, key, from, to)
	if err != nil {
		logger.Warnf("Source '%s': stored read of '%s' was partial: %v", name, key, err)
	}
	if len(stored) > 0 {
		result.Records = stored
		return result, nil
	}

	invalid, err := r.entities.IsInvalid(ctx, name, key)
	if err != nil {
		return nil, err
	}
	if invalid {
		return nil, exception.NewIngestError(op, fmt.Sprintf("entity '%s' is marked invalid for source '%s'", key, name), exception.ErrNoData, true, false)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	params := FetchParams{EntityKey: key, From: from, To: to}
	started := time.Now()
	raw, err := a.Fetch(fetchCtx, params)
	r.recorder.RecordFetch(ctx, name, r.fetchOutcome(err, r.retry.MaxAttempts()), time.Since(started))
	if err != nil {
		if fetchCtx.Err() != nil {
			return nil, exception.NewIngestError(op, fmt.Sprintf("fetch of '%s' timed out after %s", key, timeout), context.DeadlineExceeded, false, true)
		}
		if exception.IsPermanent(err) {
			r.markInvalid(ctx, name, key, err)
		}
		return nil, err
	}
	records, err := a.Normalize(raw, params)
	if err != nil {
		return nil, exception.NewIngestError(name+".normalize", fmt.Sprintf("failed to normalize payload for '%s'", key), err, false, false)
	}
	records = FilterWindow(records, from, to)
	result.Fetched = true
	if len(records) == 0 {
		result.Records = []model.Record{}
		return result, nil
	}
	res, err := a.Sink(ctx, records)
	if res.Count > 0 {
		r.recorder.RecordRowsSunk(ctx, name, meta.Table, res.Count)
	}
	if err != nil {
		logger.Warnf("Source '%s': sink after on-demand fetch of '%s' failed: %v", name, key, err)
	}
	result.Records = records
	return result, nil
}
