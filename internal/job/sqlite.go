package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    filename TEXT NOT NULL,
    status TEXT NOT NULL,
    stage TEXT,
    progress INTEGER NOT NULL DEFAULT 0,
    cached BOOLEAN NOT NULL DEFAULT 0,
    error_message TEXT,
    result TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id, created_at);

CREATE TABLE IF NOT EXISTS progress_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    stage TEXT NOT NULL,
    progress INTEGER NOT NULL,
    message TEXT NOT NULL,
    details TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_progress_events_job ON progress_events(job_id);
`

// SQLiteStore handles database operations for jobs on an embedded SQLite
// database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dsn (":memory:" works for tests)
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate creates the tables if they do not exist
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob creates a new job in the database
func (s *SQLiteStore) CreateJob(ctx context.Context, sessionID uuid.UUID, filename string) (*Job, error) {
	job := newJob(sessionID, filename)

	query := `
		INSERT INTO jobs (id, session_id, filename, status, stage, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID.String(), job.SessionID.String(), job.Filename, string(job.Status), string(job.Stage),
		job.Progress, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return job, nil
}

const sqliteJobColumns = `id, session_id, filename, status, stage, progress, cached,
		       error_message, result, created_at, updated_at, completed_at`

func (s *SQLiteStore) scanJob(row *sql.Row, ref string) (*Job, error) {
	var job Job
	var status string
	var stage, errorMessage, result sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.SessionID, &job.Filename, &status, &stage, &job.Progress, &job.Cached,
		&errorMessage, &result, &job.CreatedAt, &job.UpdatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, ref)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.Status = JobStatus(status)
	if stage.Valid {
		job.Stage = JobStage(stage.String)
	}
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}

	return &job, nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs WHERE id = ?`
	return s.scanJob(s.db.QueryRowContext(ctx, query, jobID.String()), jobID.String())
}

// LatestJobForSession retrieves the most recent job of a session
func (s *SQLiteStore) LatestJobForSession(ctx context.Context, sessionID uuid.UUID) (*Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`
	return s.scanJob(s.db.QueryRowContext(ctx, query, sessionID.String()), "session "+sessionID.String())
}

// GetJobWithProgress retrieves a job with its latest progress events
func (s *SQLiteStore) GetJobWithProgress(ctx context.Context, jobID uuid.UUID, limit int) (*JobWithProgress, error) {
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
		WHERE job_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, jobID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get progress events: %w", err)
	}
	defer rows.Close()

	var events []ProgressEvent
	for rows.Next() {
		var event ProgressEvent
		var stage string
		var details sql.NullString

		err := rows.Scan(
			&event.ID, &event.JobID, &stage, &event.Progress,
			&event.Message, &details, &event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress event: %w", err)
		}

		event.Stage = JobStage(stage)
		if details.Valid {
			event.Details = json.RawMessage(details.String)
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
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status JobStatus, stage JobStage, progress int) error {
	query := `
		UPDATE jobs
		SET status = ?, stage = ?, progress = ?, updated_at = ?
		WHERE id = ?
	`

	_, err := s.db.ExecContext(ctx, query, string(status), string(stage), progress, time.Now().UTC(), jobID.String())
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	return nil
}

// UpdateJobError marks the job failed or cancelled with a message
func (s *SQLiteStore) UpdateJobError(ctx context.Context, jobID uuid.UUID, status JobStatus, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = ?, stage = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query, string(status), string(stageFor(status)), errorMessage, now, now, jobID.String())
	if err != nil {
		return fmt.Errorf("failed to update job error: %w", err)
	}

	return nil
}

// UpdateJobResult updates the job with the final result
func (s *SQLiteStore) UpdateJobResult(ctx context.Context, jobID uuid.UUID, result interface{}, cached bool) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = ?, stage = ?, progress = ?, result = ?, cached = ?,
		    updated_at = ?, completed_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, query,
		string(StatusCompleted), string(StageCompleted), 100, string(resultJSON), cached, now, now, jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update job result: %w", err)
	}

	return nil
}

// AddProgressEvent adds a progress event to the database
func (s *SQLiteStore) AddProgressEvent(ctx context.Context, jobID uuid.UUID, stage JobStage, progress int, message string, details map[string]interface{}) error {
	var detailsJSON sql.NullString

	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
		detailsJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO progress_events (job_id, stage, progress, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, jobID.String(), string(stage), progress, message, detailsJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add progress event: %w", err)
	}

	return nil
}

// CleanupOldJobs deletes jobs older than the specified duration
func (s *SQLiteStore) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoffTime := time.Now().UTC().Add(-olderThan)

	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old jobs: %w", err)
	}

	return result.RowsAffected()
}
