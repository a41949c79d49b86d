package test

import (
	"context"
	"encoding/json"
	"sync"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
	"github.com/tigerroll/tsingest/pkg/ingest/store"
)

// FakeAdapter is a source.Adapter whose fetches are answered by Produce and whose rows are
// sunk into a real table. Every fetch is recorded.
type FakeAdapter[R model.Record] struct {
	Meta    source.Metadata
	Table   *store.Table[R]
	Produce func(p source.FetchParams) ([]R, error)

	mu    sync.Mutex
	calls []source.FetchParams
}

// NewFakeAdapter creates a fake over a fresh table named after meta.
func NewFakeAdapter[R model.Record](st *store.Store, meta source.Metadata, produce func(p source.FetchParams) ([]R, error)) *FakeAdapter[R] {
	return &FakeAdapter[R]{
		Meta:    meta,
		Table:   store.NewTable[R](st, meta.Name, meta.Table, meta.PartitionUnit, meta.EntityIndexed),
		Produce: produce,
	}
}

func (f *FakeAdapter[R]) Metadata() source.Metadata { return f.Meta }

func (f *FakeAdapter[R]) Fetch(ctx context.Context, p source.FetchParams) (source.Raw, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p)
	f.mu.Unlock()
	rows, err := f.Produce(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rows)
}

func (f *FakeAdapter[R]) Normalize(raw source.Raw, p source.FetchParams) ([]model.Record, error) {
	var rows []R
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	out := make([]model.Record, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out, nil
}

func (f *FakeAdapter[R]) Sink(ctx context.Context, records []model.Record) (store.SinkResult, error) {
	return f.Table.SinkRecords(ctx, records)
}

func (f *FakeAdapter[R]) Reader() store.Reader { return f.Table }

// Calls returns a copy of the recorded fetches.
func (f *FakeAdapter[R]) Calls() []source.FetchParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.FetchParams(nil), f.calls...)
}

// PricesMeta is the metadata of a historical, entity-indexed daily-bar fake.
func PricesMeta(name string) source.Metadata {
	return source.Metadata{
		Name:               name,
		Category:           model.GapTypePrices,
		Table:              "daily_bars",
		SupportsHistorical: true,
		EntityIndexed:      true,
		PartitionUnit:      store.Monthly,
	}
}

// NewsMeta is the metadata of a historical, day-partitioned article fake.
func NewsMeta(name string) source.Metadata {
	return source.Metadata{
		Name:               name,
		Category:           model.GapTypeNews,
		Table:              "articles",
		SupportsHistorical: true,
		PartitionUnit:      store.Daily,
	}
}

// BarsPerDay produces one bar for every calendar day of the request.
func BarsPerDay(p source.FetchParams) ([]model.PriceBar, error) {
	var bars []model.PriceBar
	for d := p.From; !d.After(p.To); d = d.AddDate(0, 0, 1) {
		bars = append(bars, model.PriceBar{Ticker: p.EntityKey, Date: model.FormatDate(d), Close: 1, Source: "fake", FetchedAt: 1})
	}
	return bars, nil
}
