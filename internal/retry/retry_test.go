package retry

import (
	"context"
	"errors"
	"testing"

	"SkyCount/internal/metrics"
	types "SkyCount/pkg"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	cfg := types.RetryConfig{MaxAttempts: 3, InitialIntervalSec: 0.001, BackoffCoefficient: 2}
	retries := metrics.RetryTotal.WithLabelValues("flaky-upload")
	before := testutil.ToFloat64(retries)
	calls := 0
	err := Do(context.Background(), zap.NewNop(), cfg, "flaky-upload", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, before+2, testutil.ToFloat64(retries))
}

func TestDoGivesUp(t *testing.T) {
	cfg := types.RetryConfig{MaxAttempts: 2, InitialIntervalSec: 0.001, BackoffCoefficient: 1}
	want := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), zap.NewNop(), cfg, "upload", func() error {
		calls++
		return want
	})
	assert.ErrorIs(t, err, want)
	assert.Equal(t, 2, calls)
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), zap.NewNop(), types.RetryConfig{}, "upload", func() error {
		calls++
		return errors.New("nope")
	})
	assert.Equal(t, 1, calls)
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := types.RetryConfig{MaxAttempts: 5, InitialIntervalSec: 60, BackoffCoefficient: 2}
	calls := 0
	err := Do(ctx, zap.NewNop(), cfg, "upload", func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
