package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/tsingest/pkg/ingest/adapter/storage/local"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/core/metrics"
	"github.com/tigerroll/tsingest/pkg/ingest/store"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
)

type mockEntityRepository struct {
	mock.Mock
}

func (m *mockEntityRepository) MarkInvalid(ctx context.Context, entity model.InvalidEntity) error {
	args := m.Called(ctx, entity)
	return args.Error(0)
}

func (m *mockEntityRepository) IsInvalid(ctx context.Context, source, entityKey string) (bool, error) {
	args := m.Called(ctx, source, entityKey)
	return args.Bool(0), args.Error(1)
}

func (m *mockEntityRepository) FindInvalid(ctx context.Context, source string) ([]model.InvalidEntity, error) {
	args := m.Called(ctx, source)
	return args.Get(0).([]model.InvalidEntity), args.Error(1)
}

func (m *mockEntityRepository) ClearInvalid(ctx context.Context, source, entityKey string) error {
	args := m.Called(ctx, source, entityKey)
	return args.Error(0)
}

// fakeAdapter serves one bar per day in the requested window unless fetch is overridden.
type fakeAdapter struct {
	meta  Metadata
	table *store.Table[model.PriceBar]

	mu     sync.Mutex
	calls  map[string][]FetchParams
	errFor map[string]error
}

func newFakeAdapter(t *testing.T, historical bool) *fakeAdapter {
	t.Helper()
	conn, err := local.NewLocalAdapter(t.TempDir())
	require.NoError(t, err)
	st, err := store.NewStore(conn, config.StorageConfig{Compression: "SNAPPY"})
	require.NoError(t, err)
	return &fakeAdapter{
		meta: Metadata{
			Name:               "fake",
			Category:           model.GapTypePrices,
			Table:              "daily_bars",
			SupportsHistorical: historical,
			EntityIndexed:      true,
			PartitionUnit:      store.Monthly,
		},
		table:  store.NewTable[model.PriceBar](st, "fake", "daily_bars", store.Monthly, true),
		calls:  make(map[string][]FetchParams),
		errFor: make(map[string]error),
	}
}

func (f *fakeAdapter) Metadata() Metadata { return f.meta }

func (f *fakeAdapter) Fetch(ctx context.Context, p FetchParams) (Raw, error) {
	f.mu.Lock()
	f.calls[p.EntityKey] = append(f.calls[p.EntityKey], p)
	err := f.errFor[p.EntityKey]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var bars []model.PriceBar
	for d := p.From; !d.After(p.To); d = d.AddDate(0, 0, 1) {
		bars = append(bars, model.PriceBar{Ticker: p.EntityKey, Date: model.FormatDate(d), Close: 1, Source: "fake", FetchedAt: 1})
	}
	return json.Marshal(bars)
}

func (f *fakeAdapter) Normalize(raw Raw, p FetchParams) ([]model.Record, error) {
	var bars []model.PriceBar
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, err
	}
	out := make([]model.Record, len(bars))
	for i, b := range bars {
		out[i] = b
	}
	return out, nil
}

func (f *fakeAdapter) Sink(ctx context.Context, records []model.Record) (store.SinkResult, error) {
	return f.table.SinkRecords(ctx, records)
}

func (f *fakeAdapter) Reader() store.Reader { return f.table }

func (f *fakeAdapter) callsFor(key string) []FetchParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FetchParams(nil), f.calls[key]...)
}

func day(s string) time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestRegistry(t *testing.T, entities *mockEntityRepository, a Adapter) *Registry {
	t.Helper()
	retry := NewRetryPolicy(config.RetryConfig{MaxAttempts: 2, InitialInterval: 1, MaxInterval: 1, Factor: 2})
	reg := NewRegistry(entities, retry, metrics.NewNoOpMetricRecorder(), metrics.NewNoOpTracer(), 4, 30)
	reg.now = func() time.Time { return day("2024-03-10").Add(15 * time.Hour) }
	require.NoError(t, reg.Register(a))
	return reg
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	a := newFakeAdapter(t, true)
	reg := newTestRegistry(t, &mockEntityRepository{}, a)

	err := reg.Register(a)
	assert.ErrorIs(t, err, ErrDuplicateSource)
	assert.Equal(t, []string{"fake"}, reg.Names())
	assert.Len(t, reg.ByCategory(model.GapTypePrices), 1)
	assert.Empty(t, reg.ByCategory(model.GapTypeNews))

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestIngest_IsolatesEntityFailures(t *testing.T) {
	a := newFakeAdapter(t, true)
	a.errFor["BBB"] = exception.NewHTTPStatusError("fake.fetch", http.StatusServiceUnavailable, "")
	entities := &mockEntityRepository{}
	entities.On("IsInvalid", mock.Anything, "fake", mock.Anything).Return(false, nil)
	reg := newTestRegistry(t, entities, a)

	res, err := reg.Ingest(context.Background(), "fake", IngestRequest{
		EntityKeys: []string{"aaa", "BBB", "ccc", "AAA"},
		From:       day("2024-03-01"),
		To:         day("2024-03-03"),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Requested)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 6, res.Rows)
	assert.True(t, res.Failed("BBB"))
	assert.False(t, res.AllFailed())
	assert.Error(t, res.Err())
	assert.Contains(t, res.Summary(), "failed_entities=BBB")
	// 503 is retried once with the two-attempt policy.
	assert.Len(t, a.callsFor("BBB"), 2)
	entities.AssertNotCalled(t, "MarkInvalid", mock.Anything, mock.Anything)
}

func TestIngest_PermanentErrorMarksEntityInvalid(t *testing.T) {
	a := newFakeAdapter(t, true)
	a.errFor["GONE"] = exception.NewHTTPStatusError("fake.fetch", http.StatusNotFound, "unknown ticker")
	entities := &mockEntityRepository{}
	entities.On("IsInvalid", mock.Anything, "fake", "GONE").Return(false, nil)
	entities.On("MarkInvalid", mock.Anything, mock.MatchedBy(func(e model.InvalidEntity) bool {
		return e.Source == "fake" && e.EntityKey == "GONE" && e.Reason != ""
	})).Return(nil).Once()
	reg := newTestRegistry(t, entities, a)

	res, err := reg.Ingest(context.Background(), "fake", IngestRequest{EntityKeys: []string{"GONE"}})
	require.NoError(t, err)

	assert.True(t, res.AllFailed())
	assert.Len(t, a.callsFor("GONE"), 1, "permanent errors are not retried")
	entities.AssertExpectations(t)
}

func TestIngest_SkipsInvalidEntities(t *testing.T) {
	a := newFakeAdapter(t, true)
	entities := &mockEntityRepository{}
	entities.On("IsInvalid", mock.Anything, "fake", "BAD").Return(true, nil)
	reg := newTestRegistry(t, entities, a)

	res, err := reg.Ingest(context.Background(), "fake", IngestRequest{EntityKeys: []string{"BAD"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"BAD"}, res.Skipped)
	assert.Equal(t, 0, res.Succeeded)
	assert.Empty(t, a.callsFor("BAD"))
}

func TestIngest_DeltaStartsAfterWatermark(t *testing.T) {
	ctx := context.Background()
	a := newFakeAdapter(t, true)
	_, err := a.table.UpsertByID(ctx, []model.PriceBar{{Ticker: "AAA", Date: "2024-03-05", Source: "fake", FetchedAt: 1}})
	require.NoError(t, err)
	entities := &mockEntityRepository{}
	entities.On("IsInvalid", mock.Anything, "fake", mock.Anything).Return(false, nil)
	reg := newTestRegistry(t, entities, a)

	res, err := reg.Ingest(ctx, "fake", IngestRequest{EntityKeys: []string{"AAA", "NEW"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	calls := a.callsFor("AAA")
	require.Len(t, calls, 1)
	assert.Equal(t, day("2024-03-06"), calls[0].From)
	assert.Equal(t, day("2024-03-10"), calls[0].To)

	// No watermark: the lookback window applies.
	calls = a.callsFor("NEW")
	require.Len(t, calls, 1)
	assert.Equal(t, day("2024-02-09"), calls[0].From)

	// Caught up: the window is empty and nothing is fetched.
	_, err = reg.Ingest(ctx, "fake", IngestRequest{EntityKeys: []string{"AAA"}})
	require.NoError(t, err)
	assert.Len(t, a.callsFor("AAA"), 1)
}

func TestIngest_RejectsHistoricalOnDeltaOnlySource(t *testing.T) {
	a := newFakeAdapter(t, false)
	reg := newTestRegistry(t, &mockEntityRepository{}, a)

	_, err := reg.Ingest(context.Background(), "fake", IngestRequest{
		EntityKeys: []string{"AAA"},
		From:       day("2024-01-01"),
		To:         day("2024-01-31"),
		Historical: true,
	})
	assert.ErrorIs(t, err, ErrHistoricalUnsupported)

	_, err = reg.Ingest(context.Background(), "nope", IngestRequest{EntityKeys: []string{"AAA"}})
	assert.True(t, errors.Is(err, ErrUnknownSource))
}

func TestLimitPerUnitAndFilterWindow(t *testing.T) {
	recs := []model.Record{
		model.PriceBar{Ticker: "A", Date: "2024-01-01"},
		model.PriceBar{Ticker: "B", Date: "2024-01-01"},
		model.PriceBar{Ticker: "C", Date: "2024-01-01"},
		model.PriceBar{Ticker: "A", Date: "2024-01-02"},
		model.PriceBar{Ticker: "A", Date: "2024-01-05"},
	}

	got := LimitPerUnit(FilterWindow(recs, day("2024-01-01"), day("2024-01-02")), 2)
	require.Len(t, got, 3)
	assert.Equal(t, "A", got[0].EntityKey())
	assert.Equal(t, "B", got[1].EntityKey())
	assert.Equal(t, "2024-01-02", got[2].PartitionDate())
}

func TestRead_FetchesOnMissAndServesFromStoreAfterwards(t *testing.T) {
	ctx := context.Background()
	a := newFakeAdapter(t, true)
	entities := &mockEntityRepository{}
	entities.On("IsInvalid", mock.Anything, "fake", "AAA").Return(false, nil)
	reg := newTestRegistry(t, entities, a)

	res, err := reg.Read(ctx, "fake", "aaa", day("2024-03-01"), day("2024-03-02"), time.Second)
	require.NoError(t, err)
	assert.True(t, res.Fetched)
	assert.Len(t, res.Records, 2)

	res, err = reg.Read(ctx, "fake", "AAA", day("2024-03-01"), day("2024-03-02"), time.Second)
	require.NoError(t, err)
	assert.False(t, res.Fetched)
	assert.Len(t, res.Records, 2)
	assert.Len(t, a.callsFor("AAA"), 1)
}
