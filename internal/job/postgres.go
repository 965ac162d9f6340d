package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id UUID PRIMARY KEY,
    session_id UUID NOT NULL,
    filename TEXT NOT NULL,
    status TEXT NOT NULL,
    stage TEXT,
    progress INTEGER NOT NULL DEFAULT 0,
    cached BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT,
    result JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id, created_at DESC);

CREATE TABLE IF NOT EXISTS progress_events (
    id BIGSERIAL PRIMARY KEY,
    job_id UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    stage TEXT NOT NULL,
    progress INTEGER NOT NULL,
    message TEXT NOT NULL,
    details JSONB,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_progress_events_job ON progress_events(job_id, id DESC);
`

// PostgresStore handles database operations for jobs on PostgreSQL
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to dsn and verifies the connection
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// Migrate creates the tables if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// CreateJob creates a new job in the database
func (s *PostgresStore) CreateJob(ctx context.Context, sessionID uuid.UUID, filename string) (*Job, error) {
	job := newJob(sessionID, filename)

	query := `
		INSERT INTO jobs (id, session_id, filename, status, stage, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.Exec(ctx, query,
		job.ID, job.SessionID, job.Filename, job.Status, job.Stage,
		job.Progress, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return job, nil
}

const pgJobColumns = `id, session_id, filename, status, stage, progress, cached,
		       error_message, result, created_at, updated_at, completed_at`

func (s *PostgresStore) scanJob(row pgx.Row, ref string) (*Job, error) {
	var job Job
	var stage, errorMessage *string
	var result []byte
	var completedAt *time.Time

	err := row.Scan(
		&job.ID, &job.SessionID, &job.Filename, &job.Status, &stage, &job.Progress, &job.Cached,
		&errorMessage, &result, &job.CreatedAt, &job.UpdatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, ref)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if stage != nil {
		job.Stage = JobStage(*stage)
	}
	if errorMessage != nil {
		job.ErrorMessage = *errorMessage
	}
	if result != nil {
		job.Result = result
	}
	job.CompletedAt = completedAt

	return &job, nil
}

// GetJob retrieves a job by ID
func (s *PostgresStore) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	query := `SELECT ` + pgJobColumns + ` FROM jobs WHERE id = $1`
	return s.scanJob(s.db.QueryRow(ctx, query, jobID), jobID.String())
}

// LatestJobForSession retrieves the most recent job of a session
func (s *PostgresStore) LatestJobForSession(ctx context.Context, sessionID uuid.UUID) (*Job, error) {
	query := `SELECT ` + pgJobColumns + ` FROM jobs WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`
	return s.scanJob(s.db.QueryRow(ctx, query, sessionID), "session "+sessionID.String())
}

// GetJobWithProgress retrieves a job with its latest progress events
func (s *PostgresStore) GetJobWithProgress(ctx context.Context, jobID uuid.UUID, limit int) (*JobWithProgress, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, job_id, stage, progress, message, details, created_at
		FROM progress_events
		WHERE job_id = $1
		ORDER BY id DESC
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get progress events: %w", err)
	}
	defer rows.Close()

	var events []ProgressEvent
	for rows.Next() {
		var event ProgressEvent
		var details []byte

		err := rows.Scan(
			&event.ID, &event.JobID, &event.Stage, &event.Progress,
			&event.Message, &details, &event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress event: %w", err)
		}

		if details != nil {
			event.Details = details
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating progress events: %w", err)
	}

	reverseEvents(events)

	return &JobWithProgress{
		Job:          *job,
		LatestEvents: events,
	}, nil
}

// UpdateJobStatus updates the job status and stage
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status JobStatus, stage JobStage, progress int) error {
	query := `
		UPDATE jobs
		SET status = $2, stage = $3, progress = $4, updated_at = $5
		WHERE id = $1
	`

	_, err := s.db.Exec(ctx, query, jobID, status, stage, progress, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	return nil
}

// UpdateJobError marks the job failed or cancelled with a message
func (s *PostgresStore) UpdateJobError(ctx context.Context, jobID uuid.UUID, status JobStatus, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = $2, stage = $3, error_message = $4, updated_at = $5, completed_at = $6
		WHERE id = $1
	`

	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, query, jobID, status, stageFor(status), errorMessage, now, now)
	if err != nil {
		return fmt.Errorf("failed to update job error: %w", err)
	}

	return nil
}

// UpdateJobResult updates the job with the final result
func (s *PostgresStore) UpdateJobResult(ctx context.Context, jobID uuid.UUID, result interface{}, cached bool) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = $2, stage = $3, progress = $4, result = $5, cached = $6,
		    updated_at = $7, completed_at = $8
		WHERE id = $1
	`

	now := time.Now().UTC()
	_, err = s.db.Exec(ctx, query,
		jobID, StatusCompleted, StageCompleted, 100, resultJSON, cached, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update job result: %w", err)
	}

	return nil
}

// AddProgressEvent adds a progress event to the database
func (s *PostgresStore) AddProgressEvent(ctx context.Context, jobID uuid.UUID, stage JobStage, progress int, message string, details map[string]interface{}) error {
	var detailsJSON []byte
	var err error

	if details != nil {
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
	}

	query := `
		INSERT INTO progress_events (job_id, stage, progress, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = s.db.Exec(ctx, query, jobID, stage, progress, message, detailsJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add progress event: %w", err)
	}

	return nil
}

// CleanupOldJobs deletes jobs older than the specified duration
func (s *PostgresStore) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoffTime := time.Now().UTC().Add(-olderThan)

	result, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE created_at < $1`, cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old jobs: %w", err)
	}

	return result.RowsAffected(), nil
}

func stageFor(status JobStatus) JobStage {
	if status == StatusCancelled {
		return StageCancelled
	}
	return StageFailed
}
