package job

import (
	"context"
	"time"

	"SkyCount/internal/progress"

	"go.uber.org/zap"
)

// ProgressReporter feeds per-frame progress of a pass into a job. Every
// frame is broadcast; the store is only written when the whole percentage
// changes.
type ProgressReporter struct {
	ctx       context.Context
	manager   *Manager
	job       *Job
	logger    *zap.Logger
	persisted int
	started   bool
}

// NewProgressReporter creates a reporter for job. ctx bounds the store
// writes.
func (m *Manager) NewProgressReporter(ctx context.Context, job *Job) *ProgressReporter {
	return &ProgressReporter{
		ctx:       ctx,
		manager:   m,
		job:       job,
		logger:    m.logger,
		persisted: -1,
	}
}

var _ progress.Reporter = (*ProgressReporter)(nil)

func (r *ProgressReporter) Report(processed, total int) {
	fraction, indeterminate := progress.Fraction(processed, total)
	percent := int(fraction * 100)

	if !r.started || percent != r.persisted {
		r.started = true
		r.persisted = percent
		err := r.manager.recordProgress(r.ctx, r.job, StageProcessing, percent, "Processing video...", map[string]interface{}{
			"processed": processed,
			"total":     total,
		})
		if err != nil {
			r.logger.Warn("Failed to persist progress", zap.String("job_id", r.job.ID.String()), zap.Error(err))
		}
	}

	r.manager.Broadcast(ProgressUpdate{
		JobID:         r.job.ID,
		SessionID:     r.job.SessionID,
		Stage:         StageProcessing,
		Progress:      percent,
		Processed:     processed,
		Total:         total,
		Fraction:      fraction,
		Indeterminate: indeterminate,
		Timestamp:     time.Now(),
	})
}

func (r *ProgressReporter) Clear() {
	r.manager.Broadcast(ProgressUpdate{
		JobID:     r.job.ID,
		SessionID: r.job.SessionID,
		Stage:     StageProcessing,
		Progress:  r.persisted,
		Hidden:    true,
	})
}
