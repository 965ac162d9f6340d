package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists jobs and their progress events.
type Store interface {
	CreateJob(ctx context.Context, sessionID uuid.UUID, filename string) (*Job, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)
	LatestJobForSession(ctx context.Context, sessionID uuid.UUID) (*Job, error)
	GetJobWithProgress(ctx context.Context, jobID uuid.UUID, limit int) (*JobWithProgress, error)
	UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status JobStatus, stage JobStage, progress int) error
	UpdateJobError(ctx context.Context, jobID uuid.UUID, status JobStatus, errorMessage string) error
	UpdateJobResult(ctx context.Context, jobID uuid.UUID, result interface{}, cached bool) error
	AddProgressEvent(ctx context.Context, jobID uuid.UUID, stage JobStage, progress int, message string, details map[string]interface{}) error
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

// NewStore opens the store for driver ("sqlite" or "postgres") and applies
// the schema.
func NewStore(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "postgres":
		s, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "sqlite", "":
		s, err := NewSQLiteStore(dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func newJob(sessionID uuid.UUID, filename string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.New(),
		SessionID: sessionID,
		Filename:  filename,
		Status:    StatusPending,
		Stage:     StageUploading,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func reverseEvents(events []ProgressEvent) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
