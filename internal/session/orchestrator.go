package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"SkyCount/internal/annotate"
	"SkyCount/internal/metrics"
	"SkyCount/internal/progress"
	"SkyCount/internal/video"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CountedClasses is the fixed class filter handed to the annotator: the
// model's person and vehicle categories.
var CountedClasses = []int{0, 1}

// Options configures an Orchestrator.
type Options struct {
	TempDir  string
	CacheKey CacheKey
}

// Archiver copies a finished artifact somewhere durable.
type Archiver interface {
	Archive(ctx context.Context, a *Artifact) error
}

// Result describes the outcome of Process.
type Result struct {
	Artifact *Artifact
	Cached   bool
	State    State
	Progress progress.Snapshot
}

// Orchestrator runs read → annotate → write passes for sessions.
type Orchestrator struct {
	opener    video.Opener
	sinks     video.SinkFactory
	annotator annotate.Annotator
	opts      Options
	archiver  Archiver
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewOrchestrator creates a new Orchestrator
func NewOrchestrator(opener video.Opener, sinks video.SinkFactory, annotator annotate.Annotator, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.CacheKey == "" {
		opts.CacheKey = CacheByContent
	}
	return &Orchestrator{
		opener:    opener,
		sinks:     sinks,
		annotator: annotator,
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer("SkyCount/internal/session"),
	}
}

// SetArchiver enables archiving of completed artifacts.
func (o *Orchestrator) SetArchiver(a Archiver) {
	o.archiver = a
}

// Process runs one pass over upload for s, or returns the session's
// existing artifact when the upload has the same identity as the last
// completed pass. It blocks until the pass ends.
func (o *Orchestrator) Process(ctx context.Context, s *Session, upload UploadedVideo, reporter progress.Reporter) (*Result, error) {
	if err := CheckExtension(upload.Filename); err != nil {
		return nil, err
	}
	if reporter == nil {
		reporter = progress.Nop{}
	}

	s.pass.Lock()
	defer s.pass.Unlock()
	s.touch()

	ctx, span := o.tracer.Start(ctx, "session.process", trace.WithAttributes(
		attribute.String("session.id", s.ID.String()),
		attribute.String("upload.filename", upload.Filename),
	))
	defer span.End()

	// In filename mode the cache can answer before the upload is read.
	if o.opts.CacheKey == CacheByFilename {
		if res, ok := o.cached(s, filenameIdentity(upload.Filename), span); ok {
			return res, nil
		}
	}

	dir, err := s.workDir(o.opts.TempDir)
	if err != nil {
		return nil, err
	}
	inputPath, digest, err := persistUpload(dir, upload.Body)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(inputPath); err != nil && !os.IsNotExist(err) {
			o.logger.Warn("Failed to remove temp input", zap.String("path", inputPath), zap.Error(err))
		}
	}()

	identity := filenameIdentity(upload.Filename)
	if o.opts.CacheKey == CacheByContent {
		identity = contentIdentity(upload.Filename, digest)
		if res, ok := o.cached(s, identity, span); ok {
			return res, nil
		}
	}

	return o.run(ctx, s, upload.Filename, identity, inputPath, dir, reporter)
}

// Reset returns s to Idle and discards its artifact, waiting for a running
// pass to end first.
func (o *Orchestrator) Reset(s *Session) {
	s.pass.Lock()
	defer s.pass.Unlock()
	s.reset()
	o.logger.Info("Session reset", zap.String("session_id", s.ID.String()))
}

func filenameIdentity(filename string) string {
	return "name:" + filename
}

// contentIdentity keys on both the name and the bytes: a renamed upload is a
// new video even when its content matches.
func contentIdentity(filename, digest string) string {
	return filenameIdentity(filename) + "|sha256:" + digest
}

func (o *Orchestrator) cached(s *Session, identity string, span trace.Span) (*Result, bool) {
	a, ok := s.cachedArtifact(identity)
	if !ok {
		return nil, false
	}
	metrics.CacheHitsTotal.Inc()
	span.SetAttributes(attribute.Bool("pass.cached", true))
	o.logger.Info("Returning cached artifact",
		zap.String("session_id", s.ID.String()),
		zap.String("artifact_id", a.ID.String()),
	)
	return &Result{Artifact: a, Cached: true, State: s.State()}, true
}

// persistUpload writes body to a temp file in dir and returns its path and
// SHA-256. The file keeps a .mp4 suffix whatever the container; ffprobe
// detects the real format.
func persistUpload(dir string, body io.Reader) (string, string, error) {
	f, err := os.CreateTemp(dir, "upload-*.mp4")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp input: %w", err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, hasher), body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", "", fmt.Errorf("failed to persist upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", "", fmt.Errorf("failed to persist upload: %w", err)
	}
	return f.Name(), hex.EncodeToString(hasher.Sum(nil)), nil
}

func (o *Orchestrator) run(ctx context.Context, s *Session, filename, identity, inputPath, dir string, reporter progress.Reporter) (*Result, error) {
	start := time.Now()
	log := o.logger.With(zap.String("session_id", s.ID.String()), zap.String("filename", filename))
	span := trace.SpanFromContext(ctx)

	s.beginPass(filename)
	log.Info("Processing video", zap.String("identity", identity))

	metaCtx, metaSpan := o.tracer.Start(ctx, "session.metadata_read")
	src, err := o.opener.Open(metaCtx, inputPath)
	metaSpan.End()
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.cancel(ctx, s, log, span)
		}
		if !errors.Is(err, ErrUnreadableVideo) {
			err = fmt.Errorf("%w: %v", ErrUnreadableVideo, err)
		}
		return nil, o.fail(s, log, span, err, metrics.ResultUnreadable)
	}
	defer src.Close()

	meta := src.Metadata()
	span.SetAttributes(
		attribute.Int("video.width", meta.Width),
		attribute.Int("video.height", meta.Height),
		attribute.Float64("video.fps", meta.FrameRate),
		attribute.Int("video.total_frames", meta.TotalFrames),
	)
	metrics.PassDuration.WithLabelValues("metadata_read").Observe(time.Since(start).Seconds())

	counter, err := o.annotator.Configure(ctx, annotate.FullFrame(meta.Width, meta.Height), slices.Clone(CountedClasses))
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.cancel(ctx, s, log, span)
		}
		return nil, o.fail(s, log, span, &ProcessingError{Stage: "configure", Frame: -1, Err: err}, metrics.ResultFailed)
	}
	defer func() {
		if err := counter.Close(); err != nil {
			log.Warn("Failed to close counter", zap.Error(err))
		}
	}()

	artifactID := uuid.New()
	sink, err := o.sinks.Create(ctx, video.OutputSpec{
		Path:      filepath.Join(dir, artifactID.String()+".mp4"),
		Width:     meta.Width,
		Height:    meta.Height,
		FrameRate: meta.FrameRate,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.cancel(ctx, s, log, span)
		}
		return nil, o.fail(s, log, span, &ProcessingError{Stage: "open output", Frame: -1, Err: err}, metrics.ResultFailed)
	}
	finalized := false
	defer func() {
		if !finalized {
			if err := sink.Abort(); err != nil {
				log.Warn("Failed to abort sink", zap.Error(err))
			}
		}
	}()

	tracker := progress.NewTracker(reporter)
	s.setTracker(tracker)
	defer tracker.Clear()

	s.setState(StateProcessing)
	metrics.ActivePasses.Inc()
	defer metrics.ActivePasses.Dec()

	loopStart := time.Now()
	_, loopSpan := o.tracer.Start(ctx, "session.processing")
	processed, err := o.loop(ctx, src, counter, sink, tracker, meta.TotalFrames)
	loopSpan.SetAttributes(attribute.Int("frames", processed))
	loopSpan.End()
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.cancel(ctx, s, log, span)
		}
		return nil, o.fail(s, log, span, err, metrics.ResultFailed)
	}

	finalized = true
	if err := sink.Close(); err != nil {
		return nil, o.fail(s, log, span, &ProcessingError{Stage: "finalize output", Frame: -1, Err: err}, metrics.ResultFailed)
	}
	metrics.PassDuration.WithLabelValues("processing").Observe(time.Since(loopStart).Seconds())

	if processed > 0 {
		tracker.Report(processed, processed)
	}

	artifact := &Artifact{
		ID:        artifactID,
		Path:      filepath.Join(dir, artifactID.String()+".mp4"),
		Frames:    processed,
		Metadata:  meta,
		Identity:  identity,
		Filename:  filename,
		Empty:     processed == 0,
		CreatedAt: time.Now(),
	}
	s.complete(artifact)

	if artifact.Empty {
		log.Warn("Pass completed without frames", zap.Error(ErrEmptyVideo))
	}
	if o.archiver != nil {
		if err := o.archiver.Archive(ctx, artifact); err != nil {
			log.Warn("Failed to archive artifact", zap.Error(err))
		}
	}

	metrics.PassesTotal.WithLabelValues(metrics.ResultCompleted).Inc()
	metrics.PassDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())
	span.SetStatus(codes.Ok, "")
	log.Info("Processing complete",
		zap.String("artifact_id", artifactID.String()),
		zap.Int("frames", processed),
		zap.Duration("duration", time.Since(start)),
	)

	a := *artifact
	return &Result{Artifact: &a, State: StateComplete, Progress: tracker.Snapshot()}, nil
}

// loop pumps frames until the source is exhausted and returns how many were
// written.
func (o *Orchestrator) loop(ctx context.Context, src video.Source, counter annotate.Counter, sink video.Sink, reporter progress.Reporter, total int) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		frame, err := src.Read()
		if errors.Is(err, io.EOF) {
			return processed, nil
		}
		if err != nil {
			return processed, &ProcessingError{Stage: "read", Frame: processed, Err: err}
		}

		out, err := counter.Annotate(ctx, frame)
		if err != nil {
			return processed, &ProcessingError{Stage: "annotate", Frame: frame.Index, Err: err}
		}

		if err := sink.Write(out); err != nil {
			return processed, &ProcessingError{Stage: "write", Frame: frame.Index, Err: err}
		}

		processed++
		metrics.FramesProcessedTotal.Inc()
		reporter.Report(processed, total)
	}
}

func (o *Orchestrator) fail(s *Session, log *zap.Logger, span trace.Span, err error, result string) error {
	message := UserMessage(err)
	s.fail(message)

	metrics.PassesTotal.WithLabelValues(result).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, message)
	log.Error("Processing failed", zap.Error(err))
	return err
}

func (o *Orchestrator) cancel(ctx context.Context, s *Session, log *zap.Logger, span trace.Span) error {
	s.reset()

	metrics.PassesTotal.WithLabelValues(metrics.ResultCancelled).Inc()
	span.SetStatus(codes.Error, "cancelled")
	log.Info("Processing cancelled", zap.Error(ctx.Err()))
	return fmt.Errorf("processing cancelled: %w", ctx.Err())
}
