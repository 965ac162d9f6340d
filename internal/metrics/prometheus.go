package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skycount_passes_total",
		Help: "Total number of processing passes, by result",
	}, []string{"result"})

	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skycount_pass_duration_seconds",
		Help:    "Duration of processing pass stages",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage"})

	FramesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skycount_frames_processed_total",
		Help: "Total number of frames annotated across all passes",
	})

	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skycount_cache_hits_total",
		Help: "Uploads answered from the session's existing artifact",
	})

	ActivePasses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skycount_active_passes",
		Help: "Number of passes currently processing frames",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skycount_active_sessions",
		Help: "Number of live sessions",
	})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skycount_retry_total",
		Help: "Total number of retried storage operations",
	}, []string{"operation"})
)

// Pass results.
const (
	ResultCompleted  = "completed"
	ResultFailed     = "failed"
	ResultCancelled  = "cancelled"
	ResultUnreadable = "unreadable"
)
