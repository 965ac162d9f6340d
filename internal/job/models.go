package job

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound is returned when no job matches the lookup.
var ErrJobNotFound = errors.New("job not found")

// JobStatus represents the current status of a job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// JobStage represents the current processing stage
type JobStage string

const (
	StageUploading  JobStage = "uploading"
	StageProcessing JobStage = "processing"
	StageCompleted  JobStage = "completed"
	StageFailed     JobStage = "failed"
	StageCancelled  JobStage = "cancelled"
)

// Job is one processing pass requested by a session
type Job struct {
	ID           uuid.UUID       `json:"id"`
	SessionID    uuid.UUID       `json:"session_id"`
	Filename     string          `json:"filename"`
	Status       JobStatus       `json:"status"`
	Stage        JobStage        `json:"stage,omitempty"`
	Progress     int             `json:"progress"`
	Cached       bool            `json:"cached"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Finished reports whether the job reached a terminal status.
func (j *Job) Finished() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ProgressEvent represents a single persisted progress update
type ProgressEvent struct {
	ID        int64           `json:"id"`
	JobID     uuid.UUID       `json:"job_id"`
	Stage     JobStage        `json:"stage"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// JobWithProgress combines job info with recent progress events
type JobWithProgress struct {
	Job
	LatestEvents []ProgressEvent `json:"latest_events"`
}

// ProgressUpdate is broadcast to SSE subscribers of a session. Processed,
// Total and Fraction carry the per-frame detail; Progress is the whole
// percentage that gets persisted.
type ProgressUpdate struct {
	JobID         uuid.UUID              `json:"job_id"`
	SessionID     uuid.UUID              `json:"session_id"`
	Stage         JobStage               `json:"stage"`
	Progress      int                    `json:"progress"`
	Processed     int                    `json:"processed"`
	Total         int                    `json:"total"`
	Fraction      float64                `json:"fraction"`
	Indeterminate bool                   `json:"indeterminate,omitempty"`
	Hidden        bool                   `json:"hidden,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Event names the SSE event an update is sent as.
func (u ProgressUpdate) Event() string {
	switch u.Stage {
	case StageCompleted:
		return "complete"
	case StageFailed, StageCancelled:
		return "error"
	case StageUploading:
		return "status"
	}
	return "progress"
}

// Final reports whether the update ends a job. Subscribers always receive it.
func (u ProgressUpdate) Final() bool {
	switch u.Stage {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	}
	return false
}
