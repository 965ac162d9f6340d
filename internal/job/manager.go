package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager handles job lifecycle and SSE broadcasting. Subscribers follow a
// session rather than a single job so a page keeps its stream across
// uploads.
type Manager struct {
	store     Store
	logger    *zap.Logger
	clients   map[uuid.UUID][]chan ProgressUpdate
	clientsMu sync.RWMutex
}

// NewManager creates a new job manager
func NewManager(store Store, logger *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		logger:  logger,
		clients: make(map[uuid.UUID][]chan ProgressUpdate),
	}
}

// CreateJob creates a new job for a session
func (m *Manager) CreateJob(ctx context.Context, sessionID uuid.UUID, filename string) (*Job, error) {
	job, err := m.store.CreateJob(ctx, sessionID, filename)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Job created",
		zap.String("job_id", job.ID.String()),
		zap.String("session_id", sessionID.String()),
		zap.String("filename", filename),
	)

	m.broadcastUpdate(sessionID, ProgressUpdate{
		JobID:     job.ID,
		SessionID: sessionID,
		Stage:     StageUploading,
		Message:   "Processing video...",
		Timestamp: time.Now(),
	})

	return job, nil
}

// GetJob retrieves a job by ID
func (m *Manager) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// GetJobWithProgress retrieves a job with its progress events
func (m *Manager) GetJobWithProgress(ctx context.Context, jobID uuid.UUID, limit int) (*JobWithProgress, error) {
	return m.store.GetJobWithProgress(ctx, jobID, limit)
}

// LatestForSession retrieves the newest job of a session with its events
func (m *Manager) LatestForSession(ctx context.Context, sessionID uuid.UUID, limit int) (*JobWithProgress, error) {
	job, err := m.store.LatestJobForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.store.GetJobWithProgress(ctx, job.ID, limit)
}

// EmitProgress persists a progress update for a job and broadcasts it
func (m *Manager) EmitProgress(ctx context.Context, job *Job, stage JobStage, progress int, message string, details map[string]interface{}) error {
	if err := m.recordProgress(ctx, job, stage, progress, message, details); err != nil {
		return err
	}

	m.broadcastUpdate(job.SessionID, ProgressUpdate{
		JobID:     job.ID,
		SessionID: job.SessionID,
		Stage:     stage,
		Progress:  progress,
		Fraction:  float64(progress) / 100,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	})

	return nil
}

func (m *Manager) recordProgress(ctx context.Context, job *Job, stage JobStage, progress int, message string, details map[string]interface{}) error {
	status := StatusProcessing
	if progress >= 100 && stage == StageCompleted {
		status = StatusCompleted
	}

	err := m.store.UpdateJobStatus(ctx, job.ID, status, stage, progress)
	if err != nil {
		m.logger.Error("Failed to update job status",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return err
	}

	err = m.store.AddProgressEvent(ctx, job.ID, stage, progress, message, details)
	if err != nil {
		m.logger.Error("Failed to add progress event",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return err
	}

	m.logger.Debug("Progress recorded",
		zap.String("job_id", job.ID.String()),
		zap.String("stage", string(stage)),
		zap.Int("progress", progress),
	)
	return nil
}

// Broadcast sends an update to subscribers without persisting it
func (m *Manager) Broadcast(update ProgressUpdate) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}
	m.broadcastUpdate(update.SessionID, update)
}

// EmitError marks a job failed and broadcasts the message shown to the user
func (m *Manager) EmitError(ctx context.Context, job *Job, errorMessage string) error {
	return m.finishWithError(ctx, job, StatusFailed, errorMessage)
}

// CancelJob marks a job cancelled
func (m *Manager) CancelJob(ctx context.Context, job *Job) error {
	return m.finishWithError(ctx, job, StatusCancelled, "Processing cancelled")
}

func (m *Manager) finishWithError(ctx context.Context, job *Job, status JobStatus, errorMessage string) error {
	err := m.store.UpdateJobError(ctx, job.ID, status, errorMessage)
	if err != nil {
		m.logger.Error("Failed to update job error",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return err
	}

	m.broadcastUpdate(job.SessionID, ProgressUpdate{
		JobID:     job.ID,
		SessionID: job.SessionID,
		Stage:     stageFor(status),
		Hidden:    true,
		Message:   errorMessage,
		Timestamp: time.Now(),
	})

	m.logger.Warn("Job ended without result",
		zap.String("job_id", job.ID.String()),
		zap.String("status", string(status)),
		zap.String("error", errorMessage),
	)

	return nil
}

// CompleteJob marks a job as completed with result
func (m *Manager) CompleteJob(ctx context.Context, job *Job, result interface{}, cached bool) error {
	err := m.store.UpdateJobResult(ctx, job.ID, result, cached)
	if err != nil {
		m.logger.Error("Failed to complete job",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return err
	}

	message := "Video processed successfully!"
	if cached {
		message = "Video already processed. Reusing the previous result."
	}

	err = m.store.AddProgressEvent(ctx, job.ID, StageCompleted, 100, message, nil)
	if err != nil {
		m.logger.Error("Failed to add progress event",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return err
	}

	var details map[string]interface{}
	if data, err := json.Marshal(result); err == nil {
		_ = json.Unmarshal(data, &details)
	}

	m.broadcastUpdate(job.SessionID, ProgressUpdate{
		JobID:     job.ID,
		SessionID: job.SessionID,
		Stage:     StageCompleted,
		Progress:  100,
		Fraction:  1,
		Hidden:    true,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	})

	m.logger.Info("Job completed",
		zap.String("job_id", job.ID.String()),
		zap.Bool("cached", cached),
	)

	return nil
}

// Subscribe adds an SSE client for a session
func (m *Manager) Subscribe(sessionID uuid.UUID) chan ProgressUpdate {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	ch := make(chan ProgressUpdate, 64)
	m.clients[sessionID] = append(m.clients[sessionID], ch)

	m.logger.Info("Client subscribed",
		zap.String("session_id", sessionID.String()),
		zap.Int("total_clients", len(m.clients[sessionID])),
	)

	return ch
}

// Unsubscribe removes an SSE client
func (m *Manager) Unsubscribe(sessionID uuid.UUID, ch chan ProgressUpdate) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	clients := m.clients[sessionID]
	for i, client := range clients {
		if client == ch {
			m.clients[sessionID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}

	if len(m.clients[sessionID]) == 0 {
		delete(m.clients, sessionID)
	}

	m.logger.Info("Client unsubscribed",
		zap.String("session_id", sessionID.String()),
		zap.Int("remaining_clients", len(m.clients[sessionID])),
	)
}

// broadcastUpdate broadcasts a progress update to all subscribers
func (m *Manager) broadcastUpdate(sessionID uuid.UUID, update ProgressUpdate) {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()

	clients := m.clients[sessionID]
	if len(clients) == 0 {
		return
	}

	final := update.Final()
	for _, ch := range clients {
		select {
		case ch <- update:
			continue
		default:
		}

		if !final {
			// Channel full, skip this progress update
			m.logger.Debug("Client channel full, skipping update",
				zap.String("session_id", sessionID.String()),
			)
			continue
		}

		// A final event ends the stream, so it replaces the oldest
		// buffered progress update rather than being dropped.
		for delivered := false; !delivered; {
			select {
			case ch <- update:
				delivered = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// CleanupOldJobs cleans up jobs older than the specified duration
func (m *Manager) CleanupOldJobs(ctx context.Context, olderThan time.Duration) error {
	count, err := m.store.CleanupOldJobs(ctx, olderThan)
	if err != nil {
		m.logger.Error("Failed to cleanup old jobs", zap.Error(err))
		return err
	}

	if count > 0 {
		m.logger.Info("Cleaned up old jobs",
			zap.Int64("count", count),
			zap.Duration("older_than", olderThan),
		)
	}

	return nil
}

// FormatSSEMessage formats a progress update as an SSE message
func FormatSSEMessage(update ProgressUpdate) (string, error) {
	data, err := json.Marshal(update)
	if err != nil {
		return "", fmt.Errorf("failed to marshal update: %w", err)
	}

	return fmt.Sprintf("event: %s\ndata: %s\n\n", update.Event(), data), nil
}
