package batch

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	types "SkyCount/pkg"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
)

// Runner owns the Temporal worker and starts counting workflows
type Runner struct {
	client     client.Client
	worker     worker.Worker
	taskQueue  string
	activities *Activities
	logger     *zap.Logger
}

// NewRunner creates a new Runner
func NewRunner(c client.Client, cfg types.TemporalConfig, activities *Activities, logger *zap.Logger) *Runner {
	return &Runner{
		client:     c,
		taskQueue:  cfg.TaskQueue,
		activities: activities,
		logger:     logger,
	}
}

// StartWorker starts the Temporal worker
func (r *Runner) StartWorker() error {
	r.worker = worker.New(r.client, r.taskQueue, worker.Options{})

	r.worker.RegisterWorkflow(CountVideoWorkflow)
	r.worker.RegisterActivity(r.activities)

	if err := r.worker.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	r.logger.Info("Temporal worker started", zap.String("task_queue", r.taskQueue))
	return nil
}

// StopWorker stops the Temporal worker
func (r *Runner) StopWorker() {
	if r.worker != nil {
		r.worker.Stop()
	}
}

// WorkflowID derives a stable workflow ID so the same object is not counted
// twice concurrently.
func WorkflowID(input WorkflowInput) string {
	key := strings.TrimSuffix(input.Key, path.Ext(input.Key))
	return fmt.Sprintf("count-video-%s-%s", input.Bucket, strings.ReplaceAll(key, "/", "-"))
}

// ExecuteWorkflow starts a counting workflow and waits for its result
func (r *Runner) ExecuteWorkflow(ctx context.Context, input WorkflowInput) (*WorkflowOutput, error) {
	workflowOptions := client.StartWorkflowOptions{
		ID:                       WorkflowID(input),
		TaskQueue:                r.taskQueue,
		WorkflowExecutionTimeout: 3 * time.Hour,
	}

	we, err := r.client.ExecuteWorkflow(ctx, workflowOptions, CountVideoWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}

	r.logger.Info("Count workflow started",
		zap.String("workflow_id", we.GetID()),
		zap.String("run_id", we.GetRunID()),
	)

	var result WorkflowOutput
	if err := we.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("workflow execution failed: %w", err)
	}

	return &result, nil
}
