package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"SkyCount/internal/progress"
	"SkyCount/internal/retry"
	"SkyCount/internal/session"
	"SkyCount/internal/storage"
	types "SkyCount/pkg"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"
)

// Processor runs one counting pass. *session.Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, s *session.Session, upload session.UploadedVideo, reporter progress.Reporter) (*session.Result, error)
}

// Activities holds dependencies for Temporal activities
type Activities struct {
	storage   storage.Storage
	archiver  *storage.Archiver
	processor Processor
	retry     types.RetryConfig
	tempDir   string
	logger    *zap.Logger
}

// NewActivities creates a new Activities instance
func NewActivities(store storage.Storage, processor Processor, retryCfg types.RetryConfig, tempDir string, logger *zap.Logger) *Activities {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Activities{
		storage:   store,
		archiver:  storage.NewArchiver(store, "", retryCfg, logger),
		processor: processor,
		retry:     retryCfg,
		tempDir:   tempDir,
		logger:    logger,
	}
}

// FetchSourceActivity downloads the source object into a fresh work
// directory
func (a *Activities) FetchSourceActivity(ctx context.Context, input WorkflowInput) (FetchOutput, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Fetching source", "bucket", input.Bucket, "key", input.Key)

	if err := session.CheckExtension(input.Key); err != nil {
		return FetchOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeUnreadable, err)
	}

	workDir, err := os.MkdirTemp(a.tempDir, "skycount-batch-*")
	if err != nil {
		return FetchOutput{}, fmt.Errorf("failed to create work directory: %w", err)
	}
	localPath := filepath.Join(workDir, path.Base(input.Key))

	err = retry.Do(ctx, a.logger, a.retry, "fetch "+input.Key, func() error {
		body, err := a.storage.Download(ctx, input.Bucket, input.Key)
		if err != nil {
			return err
		}
		defer body.Close()

		out, err := os.Create(localPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, body); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
	if err != nil {
		os.RemoveAll(workDir)
		if errors.Is(err, storage.ErrNotFound) {
			return FetchOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeNotFound, err)
		}
		return FetchOutput{}, fmt.Errorf("failed to download source: %w", err)
	}

	logger.Info("Source fetched", "path", localPath)
	return FetchOutput{LocalPath: localPath, WorkDir: workDir}, nil
}

// CountActivity runs one counting pass over the fetched source in a fresh
// session
func (a *Activities) CountActivity(ctx context.Context, input CountInput) (CountOutput, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Starting counting activity", "input", input.LocalPath)

	f, err := os.Open(input.LocalPath)
	if err != nil {
		return CountOutput{}, fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()

	s := session.New()
	res, err := a.processor.Process(ctx, s, session.UploadedVideo{
		Filename: path.Base(input.Key),
		Body:     f,
	}, &heartbeatReporter{ctx: ctx})
	if err != nil {
		s.Discard()
		logger.Error("Counting failed", "error", err)
		switch {
		case errors.Is(err, session.ErrUnreadableVideo), errors.Is(err, session.ErrUnsupportedFormat):
			return CountOutput{}, temporal.NewNonRetryableApplicationError(session.UserMessage(err), ErrTypeUnreadable, err)
		case errors.Is(err, session.ErrProcessing):
			return CountOutput{}, temporal.NewNonRetryableApplicationError(session.UserMessage(err), ErrTypeProcessing, err)
		}
		return CountOutput{}, fmt.Errorf("counting failed: %w", err)
	}

	logger.Info("Counting activity completed", "frames", res.Artifact.Frames)
	return CountOutput{
		ArtifactPath: res.Artifact.Path,
		WorkDir:      filepath.Dir(res.Artifact.Path),
		Frames:       res.Artifact.Frames,
		Empty:        res.Artifact.Empty,
		Metadata:     res.Artifact.Metadata,
	}, nil
}

// StoreArtifactActivity uploads the artifact to processed/<stem>.mp4 in the
// source bucket
func (a *Activities) StoreArtifactActivity(ctx context.Context, input StoreInput) (StoreOutput, error) {
	logger := activity.GetLogger(ctx)

	key := storage.ArtifactKey(input.Key)
	logger.Info("Starting storage activity", "key", key, "file_path", input.ArtifactPath)

	archiver := a.archiver
	if input.Bucket != "" {
		archiver = storage.NewArchiver(a.storage, input.Bucket, a.retry, a.logger)
	}
	if err := archiver.Put(ctx, key, input.ArtifactPath); err != nil {
		logger.Error("Storage upload failed", "error", err, "key", key)
		return StoreOutput{}, err
	}

	logger.Info("Storage activity completed", "key", key)
	return StoreOutput{Key: key}, nil
}

// CleanupActivity removes local work directories
func (a *Activities) CleanupActivity(ctx context.Context, input CleanupInput) error {
	var errs []string
	for _, p := range input.Paths {
		if p == "" {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to clean up: %s", strings.Join(errs, "; "))
	}
	return nil
}

// heartbeatReporter turns frame progress into activity heartbeats.
type heartbeatReporter struct {
	ctx context.Context
}

func (h *heartbeatReporter) Report(processed, total int) {
	activity.RecordHeartbeat(h.ctx, processed, total)
}

func (h *heartbeatReporter) Clear() {}
