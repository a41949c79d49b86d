package prices_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/tsingest/pkg/ingest/adapter/storage/local"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/core/metrics"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
	"github.com/tigerroll/tsingest/pkg/ingest/source/prices"
	"github.com/tigerroll/tsingest/pkg/ingest/store"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
)

const barsFixture = `{
  "status": "ok",
  "bars": [
    {"date": "2024-01-02", "open": 10, "high": 12, "low": 9, "close": 11, "volume": 1000},
    {"date": "2024-01-03", "open": 11, "high": 13, "low": 10, "close": 12, "volume": 1500},
    {"date": "not-a-date", "open": 0, "high": 0, "low": 0, "close": 0, "volume": 0}
  ]
}`

func newStore(t *testing.T) *store.Store {
	t.Helper()
	conn, err := local.NewLocalAdapter(t.TempDir())
	require.NoError(t, err)
	st, err := store.NewStore(conn, config.StorageConfig{Compression: "SNAPPY"})
	require.NoError(t, err)
	return st
}

func day(s string) time.Time {
	d, _ := model.ParseDate(s)
	return d
}

func TestAdapter_FetchNormalizeSink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/prices/AAPL", r.URL.Path)
		assert.Equal(t, "2024-01-01", r.URL.Query().Get("from"))
		assert.Equal(t, "2024-01-05", r.URL.Query().Get("to"))
		assert.Equal(t, "true", r.URL.Query().Get("adjusted"))
		_, _ = w.Write([]byte(barsFixture))
	}))
	defer srv.Close()

	a, err := prices.New("prices", config.AdapterConfig{
		BaseURL:    srv.URL,
		Properties: map[string]interface{}{"adjusted": true},
	}, config.HTTPConfig{TimeoutSeconds: 5}, newStore(t))
	require.NoError(t, err)

	meta := a.Metadata()
	assert.Equal(t, model.GapTypePrices, meta.Category)
	assert.Equal(t, "daily_bars", meta.Table)
	assert.True(t, meta.SupportsHistorical)
	assert.True(t, meta.EntityIndexed)

	ctx := context.Background()
	params := source.FetchParams{EntityKey: "AAPL", From: day("2024-01-01"), To: day("2024-01-05")}
	raw, err := a.Fetch(ctx, params)
	require.NoError(t, err)
	records, err := a.Normalize(raw, params)
	require.NoError(t, err)
	require.Len(t, records, 2)
	bar := records[0].(model.PriceBar)
	assert.Equal(t, "AAPL|2024-01-02", bar.NaturalID())
	assert.Equal(t, 11.0, bar.Close)
	assert.Equal(t, "prices", bar.Source)

	res, err := a.Sink(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	wm, ok, err := a.Reader().Watermark(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, day("2024-01-03"), wm)
}

func TestAdapter_ClassifiesProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prices/GONE":
			http.NotFound(w, r)
		case "/prices/EMPTY":
			_, _ = w.Write([]byte(`{"status":"no_data","message":"unknown symbol"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	a, err := prices.New("prices", config.AdapterConfig{BaseURL: srv.URL}, config.HTTPConfig{}, newStore(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Fetch(ctx, source.FetchParams{EntityKey: "GONE", From: day("2024-01-01"), To: day("2024-01-02")})
	assert.True(t, exception.IsPermanent(err))

	_, err = a.Fetch(ctx, source.FetchParams{EntityKey: "EMPTY", From: day("2024-01-01"), To: day("2024-01-02")})
	assert.True(t, errors.Is(err, exception.ErrNoData))

	_, err = a.Fetch(ctx, source.FetchParams{EntityKey: "FLAKY", From: day("2024-01-01"), To: day("2024-01-02")})
	assert.False(t, exception.IsPermanent(err))
	assert.True(t, exception.IsTemporary(err))
}

func TestNew_RejectsBadConfig(t *testing.T) {
	st := newStore(t)
	_, err := prices.New("prices", config.AdapterConfig{}, config.HTTPConfig{}, st)
	assert.Error(t, err)

	_, err = prices.New("prices", config.AdapterConfig{
		BaseURL:    "http://localhost",
		Properties: map[string]interface{}{"tabel": "typo"},
	}, config.HTTPConfig{}, st)
	assert.Error(t, err)
}

func TestRegister_OnlyWhenEnabled(t *testing.T) {
	st := newStore(t)
	reg := source.NewRegistry(nil, source.NewRetryPolicy(config.RetryConfig{}), metrics.NewNoOpMetricRecorder(), metrics.NewNoOpTracer(), 1, 1)

	cfg := config.NewConfig()
	cfg.Ingest.Adapters[prices.Name] = config.AdapterConfig{Enabled: false, BaseURL: "http://localhost"}
	require.NoError(t, prices.Register(reg, st, cfg))
	assert.Empty(t, reg.Names())

	cfg.Ingest.Adapters[prices.Name] = config.AdapterConfig{Enabled: true, BaseURL: "http://localhost"}
	require.NoError(t, prices.Register(reg, st, cfg))
	assert.Equal(t, []string{"prices"}, reg.Names())
}
