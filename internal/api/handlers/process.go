package handlers

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"

	"SkyCount/internal/job"
	"SkyCount/internal/session"

	"go.uber.org/zap"
)

// ProcessHandler handles video upload and processing requests
type ProcessHandler struct {
	processor  Processor
	sessions   *session.Registry
	jobManager *job.Manager
	maxUpload  int64
	logger     *zap.Logger
}

// NewProcessHandler creates a new process handler
func NewProcessHandler(processor Processor, sessions *session.Registry, jobManager *job.Manager, maxUploadMB int64, logger *zap.Logger) *ProcessHandler {
	return &ProcessHandler{
		processor:  processor,
		sessions:   sessions,
		jobManager: jobManager,
		maxUpload:  maxUploadMB << 20,
		logger:     logger,
	}
}

// ProcessResponse is returned by a successful pass
type ProcessResponse struct {
	SessionID   string        `json:"session_id"`
	JobID       string        `json:"job_id"`
	State       session.State `json:"state"`
	Frames      int           `json:"frames"`
	Cached      bool          `json:"cached"`
	Empty       bool          `json:"empty"`
	DownloadURL string        `json:"download_url"`
	Message     string        `json:"message"`
}

// Handle runs one pass over the uploaded video and answers once it ends.
// Progress is published on the session's event stream meanwhile.
func (h *ProcessHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	part, err := videoPart(r)
	if err != nil {
		h.logger.Error("Failed to read video file", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Failed to read video file")
		return
	}
	defer part.Close()

	filename := part.FileName()
	if err := session.CheckExtension(filename); err != nil {
		writeError(w, http.StatusBadRequest, session.UserMessage(err))
		return
	}

	sess := sessionFromCookie(w, r, h.sessions)
	log := h.logger.With(zap.String("session_id", sess.ID.String()), zap.String("filename", filename))

	// Job bookkeeping outlives the request so a disconnect is still recorded.
	bg := context.WithoutCancel(r.Context())

	createdJob, err := h.jobManager.CreateJob(bg, sess.ID, filename)
	if err != nil {
		log.Error("Failed to create job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}
	sess.SetJob(createdJob.ID)

	reporter := h.jobManager.NewProgressReporter(bg, createdJob)
	res, err := h.processor.Process(r.Context(), sess, session.UploadedVideo{Filename: filename, Body: part}, reporter)
	if err != nil {
		h.fail(bg, w, r, createdJob, err, log)
		return
	}

	result := ProcessResponse{
		SessionID:   sess.ID.String(),
		JobID:       createdJob.ID.String(),
		State:       res.State,
		Frames:      res.Artifact.Frames,
		Cached:      res.Cached,
		Empty:       res.Artifact.Empty,
		DownloadURL: fmt.Sprintf("/sessions/%s/download", sess.ID),
		Message:     "Processing complete! Download your processed video below.",
	}
	if err := h.jobManager.CompleteJob(bg, createdJob, result, res.Cached); err != nil {
		log.Warn("Failed to record job completion", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *ProcessHandler) fail(ctx context.Context, w http.ResponseWriter, r *http.Request, j *job.Job, err error, log *zap.Logger) {
	if r.Context().Err() != nil {
		if cerr := h.jobManager.CancelJob(ctx, j); cerr != nil {
			log.Warn("Failed to record job cancellation", zap.Error(cerr))
		}
		log.Info("Client went away during processing", zap.Error(err))
		return
	}

	message := session.UserMessage(err)
	if jerr := h.jobManager.EmitError(ctx, j, message); jerr != nil {
		log.Warn("Failed to record job error", zap.Error(jerr))
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds %d MB", h.maxUpload>>20))
	case errors.Is(err, session.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, message)
	case errors.Is(err, session.ErrUnreadableVideo):
		writeError(w, http.StatusUnprocessableEntity, message)
	default:
		writeError(w, http.StatusInternalServerError, message)
	}
}

// videoPart returns the multipart "video" file without buffering the upload.
func videoPart(r *http.Request) (*multipart.Part, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("failed to parse form data: %w", err)
	}
	for {
		part, err := reader.NextPart()
		if err != nil {
			return nil, fmt.Errorf("no video field in form: %w", err)
		}
		if part.FormName() == "video" && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}
