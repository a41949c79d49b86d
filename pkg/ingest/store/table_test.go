package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/tsingest/pkg/ingest/adapter/storage"
	"github.com/tigerroll/tsingest/pkg/ingest/adapter/storage/local"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
)

func newTestStore(t *testing.T) (*Store, storage.StorageConnection) {
	t.Helper()
	conn, err := local.NewLocalAdapter(t.TempDir())
	require.NoError(t, err)
	s, err := NewStore(conn, config.StorageConfig{Compression: "SNAPPY"})
	require.NoError(t, err)
	return s, conn
}

func bar(ticker, date string, close float64, fetchedAt int64) model.PriceBar {
	return model.PriceBar{Ticker: ticker, Date: date, Open: close, High: close, Low: close, Close: close, Volume: 100, Source: "prices", FetchedAt: fetchedAt}
}

func day(s string) time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestUpsertByID_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	table := NewTable[model.PriceBar](s, "prices", "daily_bars", Daily, true)

	rows := []model.PriceBar{bar("ACME", "2024-01-03", 10, 1), bar("ACME", "2024-01-04", 11, 1), bar("INIT", "2024-01-03", 5, 1)}
	res, err := table.UpsertByID(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	assert.Contains(t, res.Paths, "prices/daily_bars/dt=2024-01-03/part.parquet")
	assert.Contains(t, res.Paths, "prices/daily_bars/entity=ACME/history.parquet")

	_, err = table.UpsertByID(ctx, rows)
	require.NoError(t, err)

	got, err := table.Scan(ctx, day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	assert.Len(t, got, 3)

	hist, err := table.ScanByEntity(ctx, "ACME")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestUpsertByID_LatestFetchWins(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	table := NewTable[model.PriceBar](s, "prices", "daily_bars", Daily, false)

	_, err := table.UpsertByID(ctx, []model.PriceBar{bar("ACME", "2024-01-03", 10, 200)})
	require.NoError(t, err)

	// an older fetch does not replace the stored row
	_, err = table.UpsertByID(ctx, []model.PriceBar{bar("ACME", "2024-01-03", 1, 100)})
	require.NoError(t, err)
	got, err := table.Scan(ctx, day("2024-01-03"), day("2024-01-03"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 10.0, got[0].Close)

	// equal fetched_at: the incoming row wins
	_, err = table.UpsertByID(ctx, []model.PriceBar{bar("ACME", "2024-01-03", 12, 200)})
	require.NoError(t, err)
	got, err = table.Scan(ctx, day("2024-01-03"), day("2024-01-03"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 12.0, got[0].Close)
}

func TestUpsertByID_RejectsBadDatesButWritesTheRest(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	table := NewTable[model.PriceBar](s, "prices", "daily_bars", Daily, false)

	res, err := table.UpsertByID(ctx, []model.PriceBar{bar("ACME", "2024-01-03", 1, 1), bar("ACME", "03/01/2024", 1, 1)})
	assert.Error(t, err)
	assert.Equal(t, 1, res.Count)
}

func TestScan_LongRangeOverMonthlyPartitions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	table := NewTable[model.MacroObservation](s, "macro", "observations", Monthly, true)

	var rows []model.MacroObservation
	for m := 1; m <= 6; m++ {
		rows = append(rows, model.MacroObservation{SeriesID: "CPI", Date: fmt.Sprintf("2023-%02d-01", m), Value: float64(m), Source: "macro", FetchedAt: 1})
	}
	_, err := table.UpsertByID(ctx, rows)
	require.NoError(t, err)

	got, err := table.Scan(ctx, day("2023-02-01"), day("2023-04-30"))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "2023-02-01", got[0].Date)
	assert.Equal(t, "2023-04-01", got[2].Date)

	wm, ok, err := table.Watermark(ctx, "CPI")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, day("2023-06-01"), wm)

	_, ok, err = table.Watermark(ctx, "GDP")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScan_SkipsCorruptPartitions(t *testing.T) {
	ctx := context.Background()
	s, conn := newTestStore(t)
	table := NewTable[model.PriceBar](s, "prices", "daily_bars", Daily, false)

	_, err := table.UpsertByID(ctx, []model.PriceBar{bar("ACME", "2024-01-03", 1, 1), bar("ACME", "2024-01-05", 1, 1)})
	require.NoError(t, err)
	require.NoError(t, conn.Upload(ctx, "prices/daily_bars/dt=2024-01-04/part.parquet", bytes.NewBufferString("not parquet"), ""))

	got, err := table.Scan(ctx, day("2024-01-03"), day("2024-01-05"))
	assert.ErrorIs(t, err, ErrCorruptPartition)
	assert.Len(t, got, 2)

	inv, err := table.Inventory(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, inv.Skipped)
	assert.Equal(t, 2, inv.Rows)
}

func TestDateCountsAndInventory(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	table := NewTable[model.NewsDocument](s, "news", "articles", Daily, false)

	fetched := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	var docs []model.NewsDocument
	for i := 0; i < 6; i++ {
		docs = append(docs, model.NewNewsDocument("ai", fmt.Sprintf("https://example.com/a/%d", i), "t", "s", "p", time.Date(2024, 1, 3, i, 0, 0, 0, time.UTC), fetched, "news"))
	}
	docs = append(docs, model.NewNewsDocument("ai", "https://example.com/b/1", "t", "s", "p", time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC), fetched, "news"))
	docs = append(docs, model.NewNewsDocument("chips", "https://example.com/c/1", "t", "s", "p", time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC), fetched, "news"))
	_, err := table.UpsertByID(ctx, docs)
	require.NoError(t, err)

	counts, err := table.DateCounts(ctx, "ai", day("2024-01-01"), day("2024-01-05"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"2024-01-03": 6, "2024-01-04": 1}, counts)

	inv, err := table.Inventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, inv.Entities)
	assert.Equal(t, 8, inv.Rows)
	assert.Equal(t, "2024-01-03", inv.MinDate)
	assert.Equal(t, "2024-01-04", inv.MaxDate)

	recs, err := table.EntityRecords(ctx, "CHIPS", day("2024-01-01"), day("2024-01-05"))
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestUpsertByID_SameArticleUnderTwoTopics(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	table := NewTable[model.NewsDocument](s, "news", "articles", Daily, false)

	published := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	url := "https://example.com/fabs-and-models"
	_, err := table.UpsertByID(ctx, []model.NewsDocument{model.NewNewsDocument("ai", url, "t", "s", "p", published, published, "news")})
	require.NoError(t, err)
	_, err = table.UpsertByID(ctx, []model.NewsDocument{model.NewNewsDocument("chips", url, "t", "s", "p", published, published.Add(time.Hour), "news")})
	require.NoError(t, err)

	for _, topic := range []string{"ai", "chips"} {
		counts, err := table.DateCounts(ctx, topic, day("2024-01-01"), day("2024-01-05"))
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"2024-01-03": 1}, counts, topic)
	}

	// a refetch under one topic still replaces only that topic's row
	_, err = table.UpsertByID(ctx, []model.NewsDocument{model.NewNewsDocument("ai", url, "t2", "s", "p", published, published.Add(2*time.Hour), "news")})
	require.NoError(t, err)
	got, err := table.Scan(ctx, day("2024-01-03"), day("2024-01-03"))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestWatermark_PartitionTableStopsAtNewestHit(t *testing.T) {
	ctx := context.Background()
	s, conn := newTestStore(t)
	table := NewTable[model.NewsDocument](s, "news", "articles", Daily, false)

	fetched := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err := table.UpsertByID(ctx, []model.NewsDocument{
		model.NewNewsDocument("ai", "https://example.com/1", "t", "s", "p", time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC), fetched, "news"),
		model.NewNewsDocument("ai", "https://example.com/2", "t", "s", "p", time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC), fetched, "news"),
		model.NewNewsDocument("chips", "https://example.com/3", "t", "s", "p", time.Date(2024, 1, 25, 9, 0, 0, 0, time.UTC), fetched, "news"),
	})
	require.NoError(t, err)
	// older than the hit, so never read
	require.NoError(t, conn.Upload(ctx, "news/articles/dt=2023-12-01/part.parquet", bytes.NewBufferString("not parquet"), ""))

	wm, ok, err := table.Watermark(ctx, "ai")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, day("2024-01-20"), wm)

	wm, ok, err = table.Watermark(ctx, "CHIPS")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, day("2024-01-25"), wm)

	_, ok, err = table.Watermark(ctx, "energy")
	assert.ErrorIs(t, err, ErrCorruptPartition)
	assert.False(t, ok)
}

func TestUpsertByID_ConcurrentWritersConverge(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	table := NewTable[model.PriceBar](s, "prices", "daily_bars", Daily, true)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			_, err := table.UpsertByID(ctx, []model.PriceBar{bar(fmt.Sprintf("T%d", w), "2024-01-03", 1, 1), bar("SHARED", "2024-01-03", float64(w), 1)})
			assert.NoError(t, err)
		}(w)
	}
	wg.Wait()

	got, err := table.Scan(ctx, day("2024-01-03"), day("2024-01-03"))
	require.NoError(t, err)
	assert.Len(t, got, 9)
}

func TestSinkRecords_RejectsForeignTypes(t *testing.T) {
	s, _ := newTestStore(t)
	table := NewTable[model.PriceBar](s, "prices", "daily_bars", Daily, false)

	_, err := table.SinkRecords(context.Background(), []model.Record{model.MacroObservation{SeriesID: "CPI", Date: "2024-01-01"}})
	assert.Error(t, err)
}
