package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecution_Lifecycle(t *testing.T) {
	exec := NewExecution("prices-refresh", TriggerScheduled)
	assert.Equal(t, ExecutionQueued, exec.Status)
	assert.NotEmpty(t, exec.ID)

	require.NoError(t, exec.MarkAsRunning())
	require.NoError(t, exec.MarkAsSucceeded("entities=3 ok=3 rows=12"))
	assert.Equal(t, ExecutionSuccess, exec.Status)
	require.NotNil(t, exec.FinishedAt)
	assert.GreaterOrEqual(t, exec.DurationMs, int64(0))

	// terminal rows never move again
	assert.Error(t, exec.MarkAsFailed(errors.New("late"), ""))
	assert.Error(t, exec.MarkAsCancelled("late"))
	assert.Equal(t, ExecutionSuccess, exec.Status)
}

func TestExecution_Transitions(t *testing.T) {
	tests := []struct {
		name string
		from ExecutionStatus
		to   ExecutionStatus
		ok   bool
	}{
		{"queued to running", ExecutionQueued, ExecutionRunning, true},
		{"queued to cancelled", ExecutionQueued, ExecutionCancelled, true},
		{"queued to success", ExecutionQueued, ExecutionSuccess, false},
		{"running to timeout", ExecutionRunning, ExecutionTimeout, true},
		{"running to error", ExecutionRunning, ExecutionError, true},
		{"running to queued", ExecutionRunning, ExecutionQueued, false},
		{"cancelled to success", ExecutionCancelled, ExecutionSuccess, false},
		{"timeout to running", ExecutionTimeout, ExecutionRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Execution{ID: "e", Status: tt.from}
			err := e.TransitionTo(tt.to)
			if tt.ok {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, e.Status)
			} else {
				assert.Error(t, err)
				assert.Equal(t, tt.from, e.Status)
			}
		})
	}
}

func TestExecution_FailureMessage(t *testing.T) {
	exec := NewExecution("job", TriggerManual)
	require.NoError(t, exec.MarkAsRunning())
	require.NoError(t, exec.MarkAsFailed(errors.New("all 2 entities failed"), "entities=2 ok=0"))
	assert.Equal(t, "all 2 entities failed", exec.Error)
	assert.Equal(t, "entities=2 ok=0", exec.ResultSummary)
	assert.True(t, exec.Status.IsFinished())
}

func TestParseExecutionStatus(t *testing.T) {
	s, err := ParseExecutionStatus("timeout")
	require.NoError(t, err)
	assert.Equal(t, ExecutionTimeout, s)
	_, err = ParseExecutionStatus("done")
	assert.Error(t, err)
}

func TestJob_RecordRun(t *testing.T) {
	job := NewJob("macro-refresh", "", JobKindRefresh, "cron:0 6 * * *", true, 0)
	assert.Equal(t, "macro-refresh", job.Name)
	assert.Equal(t, 1, job.MaxInstances)

	exec := NewExecution(job.ID, TriggerScheduled)
	require.NoError(t, exec.MarkAsRunning())
	require.NoError(t, exec.MarkAsTimedOut("execution exceeded its timeout"))
	job.RecordRun(exec)

	require.NotNil(t, job.LastRunTime)
	assert.Equal(t, ExecutionTimeout, job.LastRunStatus)
	assert.Equal(t, "execution exceeded its timeout", job.LastRunError)
}

func TestGap_RangeHelpers(t *testing.T) {
	day := func(s string) time.Time { d, _ := ParseDate(s); return d }
	g := NewGap(GapTypePrices, "ACME", day("2024-01-08").Add(13*time.Hour), day("2024-01-11"), 4, SeverityCritical, 40)

	assert.Equal(t, day("2024-01-08"), g.FromDate)
	assert.True(t, g.Contains(day("2024-01-08")))
	assert.True(t, g.Contains(day("2024-01-11").Add(23*time.Hour)))
	assert.False(t, g.Contains(day("2024-01-12")))

	assert.True(t, g.Overlaps(NewGap(GapTypePrices, "ACME", day("2024-01-11"), day("2024-01-15"), 3, SeverityLow, 1)))
	assert.False(t, g.Overlaps(NewGap(GapTypePrices, "ACME", day("2024-01-12"), day("2024-01-15"), 3, SeverityLow, 1)))

	assert.False(t, g.IsFilled())
	g.MarkFilled(time.Now(), "exec-1")
	assert.True(t, g.IsFilled())
	assert.Equal(t, "exec-1", *g.FillExecutionID)
}

func TestParseGapTypeAndSeverity(t *testing.T) {
	_, err := ParseGapType("weather")
	assert.Error(t, err)
	gt, err := ParseGapType("news")
	require.NoError(t, err)
	assert.Equal(t, GapTypeNews, gt)

	_, err = ParseSeverity("urgent")
	assert.Error(t, err)
	assert.Greater(t, SeverityCritical.Weight(), SeverityHigh.Weight())
	assert.Greater(t, SeverityMedium.Weight(), SeverityLow.Weight())
}

func TestNaturalIDs(t *testing.T) {
	bar := PriceBar{Ticker: "acme", Date: "2024-01-02"}
	assert.Equal(t, "ACME|2024-01-02", bar.NaturalID())

	a := NewsID("HTTPS://Example.com/story/1/#comments")
	b := NewsID("https://example.com/story/1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, NewsID("https://example.com/story/2"))

	published := time.Date(2024, 1, 2, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	doc := NewNewsDocument("rates", "https://example.com/story/1", "t", "s", "p", published, published, "news")
	assert.Equal(t, "2024-01-03", doc.PartitionDate())
	assert.Equal(t, b, doc.ID)
	assert.Equal(t, "rates|"+b, doc.NaturalID())
	assert.Equal(t, "rates|"+b, NewsDocument{Topic: "Rates", URL: "https://example.com/story/1"}.NaturalID())

	other := NewNewsDocument("chips", "https://example.com/story/1", "t", "s", "p", published, published, "news")
	assert.Equal(t, doc.ID, other.ID)
	assert.NotEqual(t, doc.NaturalID(), other.NaturalID())
}
