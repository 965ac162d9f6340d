package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os/signal"
	"syscall"

	"SkyCount/internal/annotate"
	"SkyCount/internal/batch"
	"SkyCount/internal/config"
	"SkyCount/internal/session"
	"SkyCount/internal/storage"
	"SkyCount/internal/tracing"
	"SkyCount/internal/video"
	"SkyCount/pkg/ffmpeg"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	bucket := flag.String("bucket", "", "Bucket of a video to count once the worker is up")
	key := flag.String("key", "", "Key of a video to count once the worker is up")
	flag.Parse()

	bootLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	// Load configuration
	cfg, err := config.NewConfigLoader(bootLogger).Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.InitTracer(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName+"-worker")
	if err != nil {
		logger.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	// Create Temporal client
	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		logger.Fatal("Failed to create Temporal client", zap.Error(err))
	}
	defer temporalClient.Close()

	store, err := storage.NewStorage(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to create storage", zap.Error(err))
	}

	annotator, err := annotate.DefaultRegistry().New(cfg.Annotator, logger)
	if err != nil {
		logger.Fatal("Failed to create annotator", zap.Error(err))
	}
	if c, ok := annotator.(io.Closer); ok {
		defer c.Close()
	}

	ff := ffmpeg.NewFFmpeg(cfg.Pipeline.FFMpegPath, cfg.Pipeline.FFProbePath)
	orchestrator := session.NewOrchestrator(
		video.NewReader(ff, logger),
		video.NewWriter(ff, logger),
		annotator,
		session.Options{
			TempDir: cfg.Pipeline.TempDir,
		},
		logger,
	)

	activities := batch.NewActivities(store, orchestrator, cfg.Pipeline.Retry, cfg.Pipeline.TempDir, logger)
	runner := batch.NewRunner(temporalClient, cfg.Temporal, activities, logger)

	// Start Temporal worker
	if err := runner.StartWorker(); err != nil {
		logger.Fatal("Failed to start Temporal worker", zap.Error(err))
	}
	defer runner.StopWorker()

	logger.Info("Temporal worker started successfully")

	if *key != "" {
		input := batch.WorkflowInput{Bucket: *bucket, Key: *key}
		if input.Bucket == "" {
			input.Bucket = cfg.Storage.Bucket
		}

		logger.Info("Starting counting workflow",
			zap.String("bucket", input.Bucket),
			zap.String("key", input.Key),
		)

		result, err := runner.ExecuteWorkflow(ctx, input)
		if err != nil {
			logger.Error("Workflow execution failed", zap.Error(err))
		} else {
			logger.Info("Workflow completed successfully",
				zap.String("artifact_key", result.ArtifactKey),
				zap.Int("frames", result.Frames),
				zap.Bool("empty", result.Empty),
				zap.Duration("duration", result.Duration),
			)
		}
	}

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info("Shutting down...")
}
