package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"SkyCount/internal/job"
	"SkyCount/internal/session"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StreamHandler handles SSE streaming of a session's progress
type StreamHandler struct {
	sessions   *session.Registry
	jobManager *job.Manager
	heartbeat  time.Duration
	logger     *zap.Logger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(sessions *session.Registry, jobManager *job.Manager, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		sessions:   sessions,
		jobManager: jobManager,
		heartbeat:  15 * time.Second,
		logger:     logger,
	}
}

// StreamProgress streams session progress via Server-Sent Events until
// the running job finishes or the client goes away
func (h *StreamHandler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	sess, status, msg := sessionFromPath(r, h.sessions)
	if sess == nil {
		writeError(w, status, msg)
		return
	}

	// Ensure we have a flusher (required for SSE)
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("Streaming not supported - ResponseWriter does not implement http.Flusher")
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before writing anything so no update is lost in between
	progressChan := h.jobManager.Subscribe(sess.ID)
	defer h.jobManager.Unsubscribe(sess.ID, progressChan)

	h.setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("SSE stream established",
		zap.String("session_id", sess.ID.String()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	if err := h.writeSSEEvent(w, flusher, "status", sess.Snapshot()); err != nil {
		h.logger.Error("Failed to send initial status",
			zap.String("session_id", sess.ID.String()),
			zap.Error(err),
		)
		return
	}

	// Heartbeat keeps proxies from closing an idle stream
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	h.streamEventLoop(r.Context(), w, flusher, sess.ID, progressChan, heartbeat)
}

func (h *StreamHandler) setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func (h *StreamHandler) streamEventLoop(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sessionID uuid.UUID,
	progressChan <-chan job.ProgressUpdate,
	heartbeat *time.Ticker,
) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Client disconnected",
				zap.String("session_id", sessionID.String()),
				zap.String("reason", ctx.Err().Error()),
			)
			return

		case update, ok := <-progressChan:
			if !ok {
				return
			}

			message, err := job.FormatSSEMessage(update)
			if err == nil {
				_, err = fmt.Fprint(w, message)
			}
			if err != nil {
				h.logger.Error("Failed to send progress update",
					zap.String("session_id", sessionID.String()),
					zap.Error(err),
				)
				return
			}
			flusher.Flush()

			if update.Final() {
				h.logger.Info("Job finished, closing stream",
					zap.String("session_id", sessionID.String()),
					zap.String("final_stage", string(update.Stage)),
				)
				return
			}

		case <-heartbeat.C:
			// SSE comments (lines starting with :) are ignored by clients
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				h.logger.Error("Failed to send heartbeat",
					zap.String("session_id", sessionID.String()),
					zap.Error(err),
				)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a properly formatted SSE event
func (h *StreamHandler) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}

	flusher.Flush()
	return nil
}
