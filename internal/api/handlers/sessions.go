package handlers

import (
	"errors"
	"net/http"
	"os"

	"SkyCount/internal/job"
	"SkyCount/internal/session"

	"go.uber.org/zap"
)

// SessionsHandler exposes session state, reset and artifact download
type SessionsHandler struct {
	processor  Processor
	sessions   *session.Registry
	jobManager *job.Manager
	logger     *zap.Logger
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(processor Processor, sessions *session.Registry, jobManager *job.Manager, logger *zap.Logger) *SessionsHandler {
	return &SessionsHandler{
		processor:  processor,
		sessions:   sessions,
		jobManager: jobManager,
		logger:     logger,
	}
}

// SessionResponse combines the session with its latest job
type SessionResponse struct {
	session.Snapshot
	LatestJob *job.JobWithProgress `json:"latest_job,omitempty"`
}

// Get returns the session state as JSON
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, status, msg := sessionFromPath(r, h.sessions)
	if sess == nil {
		writeError(w, status, msg)
		return
	}

	resp := SessionResponse{Snapshot: sess.Snapshot()}
	latest, err := h.jobManager.LatestForSession(r.Context(), sess.ID, 10)
	switch {
	case err == nil:
		resp.LatestJob = latest
	case !errors.Is(err, job.ErrJobNotFound):
		h.logger.Error("Failed to get latest job", zap.String("session_id", sess.ID.String()), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, resp)
}

// Reset discards the session's artifact and returns it to Idle
func (h *SessionsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	sess, status, msg := sessionFromPath(r, h.sessions)
	if sess == nil {
		writeError(w, status, msg)
		return
	}

	h.processor.Reset(sess)
	w.WriteHeader(http.StatusNoContent)
}

// Download serves the processed video as an attachment
func (h *SessionsHandler) Download(w http.ResponseWriter, r *http.Request) {
	sess, status, msg := sessionFromPath(r, h.sessions)
	if sess == nil {
		writeError(w, status, msg)
		return
	}

	artifact, err := sess.Artifact()
	if err != nil {
		writeError(w, http.StatusNotFound, "No processed video available")
		return
	}

	f, err := os.Open(artifact.Path)
	if err != nil {
		h.logger.Error("Failed to open artifact", zap.String("path", artifact.Path), zap.Error(err))
		writeError(w, http.StatusNotFound, "No processed video available")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", `attachment; filename="processed_video.mp4"`)
	http.ServeContent(w, r, "processed_video.mp4", artifact.CreatedAt, f)
}
