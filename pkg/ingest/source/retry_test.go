package source

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
)

func TestRetryPolicy_Defaults(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{})
	p.jitter = func() float64 { return 0 }

	assert.Equal(t, 3, p.MaxAttempts())
	assert.Equal(t, 500*time.Millisecond, p.BackoffInterval(1))
	assert.Equal(t, time.Second, p.BackoffInterval(2))
	assert.Equal(t, 10*time.Second, p.BackoffInterval(10))
}

func TestRetryPolicy_JitterStaysWithinHalfInterval(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{InitialInterval: 1000})
	for i := 0; i < 50; i++ {
		d := p.BackoffInterval(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{RetryableErrors: []string{"flaky upstream"}})

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"429", exception.NewHTTPStatusError("x", http.StatusTooManyRequests, ""), true},
		{"503", exception.NewHTTPStatusError("x", http.StatusServiceUnavailable, ""), true},
		{"404", exception.NewHTTPStatusError("x", http.StatusNotFound, ""), false},
		{"403", exception.NewHTTPStatusError("x", http.StatusForbidden, ""), false},
		{"410", exception.NewHTTPStatusError("x", http.StatusGone, ""), false},
		{"400", exception.NewHTTPStatusError("x", http.StatusBadRequest, ""), false},
		{"no data", exception.ErrNoData, false},
		{"canceled", context.Canceled, false},
		{"configured name", errors.New("flaky upstream said no"), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.ShouldRetry(tc.err))
		})
	}
}

func TestRetryPolicy_DoStopsOnPermanentError(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{MaxAttempts: 5, InitialInterval: 1, MaxInterval: 1})
	attempts := 0
	err := p.Do(context.Background(), func(int) error {
		attempts++
		if attempts < 3 {
			return exception.NewHTTPStatusError("x", http.StatusBadGateway, "")
		}
		return exception.NewHTTPStatusError("x", http.StatusNotFound, "")
	}, nil)

	assert.Error(t, err)
	assert.True(t, exception.IsPermanent(err))
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicy_DoHonorsCancellation(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{MaxAttempts: 5, InitialInterval: 60000, MaxInterval: 60000})
	ctx, cancel := context.WithCancel(context.Background())
	err := p.Do(ctx, func(int) error {
		return exception.NewHTTPStatusError("x", http.StatusBadGateway, "")
	}, func(int, error) { cancel() })

	assert.ErrorIs(t, err, context.Canceled)
}
