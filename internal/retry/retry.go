package retry

import (
	"context"
	"time"

	"SkyCount/internal/metrics"
	types "SkyCount/pkg"

	"go.uber.org/zap"
)

// Do calls fn until it succeeds, MaxAttempts is reached or ctx ends. The
// wait between attempts grows by BackoffCoefficient.
func Do(ctx context.Context, logger *zap.Logger, retryCfg types.RetryConfig, operation string, fn func() error) error {
	maxAttempts := retryCfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	interval := time.Duration(retryCfg.InitialIntervalSec * float64(time.Second))

	attempts := int32(0)
	for {
		if err := ctx.Err(); err != nil {
			logger.Warn("Retry cancelled", zap.String("operation", operation), zap.Error(err))
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		attempts++
		if attempts >= maxAttempts {
			logger.Error("Retry limit reached", zap.String("operation", operation), zap.Int32("attempts", attempts), zap.Error(err))
			return err
		}
		metrics.RetryTotal.WithLabelValues(operation).Inc()
		logger.Warn("Retry attempt failed", zap.String("operation", operation), zap.Int32("attempt", attempts), zap.Error(err))

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn("Retry cancelled", zap.String("operation", operation), zap.Error(ctx.Err()))
			return ctx.Err()
		case <-timer.C:
		}
		if retryCfg.BackoffCoefficient > 1 {
			interval = time.Duration(float64(interval) * retryCfg.BackoffCoefficient)
		}
	}
}
