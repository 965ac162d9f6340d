// Package batch counts videos stored in a bucket through a Temporal
// workflow: fetch the source, run one counting pass, store the artifact
// under processed/ and clean up.
package batch

import (
	"fmt"
	"time"

	"SkyCount/internal/video"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Non-retryable application error types.
const (
	ErrTypeUnreadable = "UnreadableVideo"
	ErrTypeProcessing = "ProcessingError"
	ErrTypeNotFound   = "SourceNotFound"
)

// WorkflowInput names the source object.
type WorkflowInput struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// WorkflowOutput describes the stored artifact.
type WorkflowOutput struct {
	SourceKey   string         `json:"source_key"`
	ArtifactKey string         `json:"artifact_key"`
	Frames      int            `json:"frames"`
	Empty       bool           `json:"empty"`
	Metadata    video.Metadata `json:"metadata"`
	Duration    time.Duration  `json:"duration"`
}

// FetchOutput is where FetchSourceActivity left the source.
type FetchOutput struct {
	LocalPath string `json:"local_path"`
	WorkDir   string `json:"work_dir"`
}

// CountInput represents input for CountActivity
type CountInput struct {
	LocalPath string `json:"local_path"`
	Key       string `json:"key"`
}

// CountOutput represents output from CountActivity
type CountOutput struct {
	ArtifactPath string         `json:"artifact_path"`
	WorkDir      string         `json:"work_dir"`
	Frames       int            `json:"frames"`
	Empty        bool           `json:"empty"`
	Metadata     video.Metadata `json:"metadata"`
}

// StoreInput represents input for StoreArtifactActivity
type StoreInput struct {
	ArtifactPath string `json:"artifact_path"`
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
}

// StoreOutput represents output from StoreArtifactActivity
type StoreOutput struct {
	Key string `json:"key"`
}

// CleanupInput lists local directories to remove.
type CleanupInput struct {
	Paths []string `json:"paths"`
}

// CountVideoWorkflow is the batch counting workflow
func CountVideoWorkflow(ctx workflow.Context, input WorkflowInput) (WorkflowOutput, error) {
	logger := workflow.GetLogger(ctx)
	startTime := workflow.Now(ctx)

	logger.Info("Starting count workflow", "bucket", input.Bucket, "key", input.Key)

	result := WorkflowOutput{SourceKey: input.Key}
	var cleanup CleanupInput
	defer func() {
		if len(cleanup.Paths) == 0 {
			return
		}
		cleanupCtx, _ := workflow.NewDisconnectedContext(ctx)
		cleanupCtx = workflow.WithActivityOptions(cleanupCtx, workflow.ActivityOptions{
			StartToCloseTimeout: time.Minute,
			RetryPolicy: &temporal.RetryPolicy{
				MaximumAttempts: 3,
				InitialInterval: time.Second,
			},
		})
		if err := workflow.ExecuteActivity(cleanupCtx, "CleanupActivity", cleanup).Get(cleanupCtx, nil); err != nil {
			logger.Warn("Cleanup failed", "error", err)
		}
	}()

	// Step 1: Fetch source
	fetchCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        3,
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			NonRetryableErrorTypes: []string{ErrTypeNotFound},
		},
	})

	var fetched FetchOutput
	if err := workflow.ExecuteActivity(fetchCtx, "FetchSourceActivity", input).Get(ctx, &fetched); err != nil {
		return result, fmt.Errorf("failed to fetch source: %w", err)
	}
	cleanup.Paths = append(cleanup.Paths, fetched.WorkDir)

	// Step 2: Count. A pass is deterministic, so unreadable or failing
	// videos are not retried.
	countCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        2,
			InitialInterval:        30 * time.Second,
			BackoffCoefficient:     2.0,
			NonRetryableErrorTypes: []string{ErrTypeUnreadable, ErrTypeProcessing},
		},
	})

	var counted CountOutput
	err := workflow.ExecuteActivity(countCtx, "CountActivity", CountInput{LocalPath: fetched.LocalPath, Key: input.Key}).Get(ctx, &counted)
	if counted.WorkDir != "" {
		cleanup.Paths = append(cleanup.Paths, counted.WorkDir)
	}
	if err != nil {
		return result, fmt.Errorf("counting failed: %w", err)
	}
	result.Frames = counted.Frames
	result.Empty = counted.Empty
	result.Metadata = counted.Metadata
	logger.Info("Counting completed", "frames", counted.Frames)

	// Step 3: Store artifact
	storeCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
		},
	})

	var stored StoreOutput
	err = workflow.ExecuteActivity(storeCtx, "StoreArtifactActivity", StoreInput{
		ArtifactPath: counted.ArtifactPath,
		Bucket:       input.Bucket,
		Key:          input.Key,
	}).Get(ctx, &stored)
	if err != nil {
		return result, fmt.Errorf("failed to store artifact: %w", err)
	}

	result.ArtifactKey = stored.Key
	result.Duration = workflow.Now(ctx).Sub(startTime)

	logger.Info("Count workflow completed",
		"artifact_key", result.ArtifactKey,
		"frames", result.Frames,
		"duration", result.Duration)

	return result, nil
}
