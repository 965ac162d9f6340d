package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"SkyCount/internal/annotate"
	"SkyCount/internal/config"
	"SkyCount/internal/session"
	"SkyCount/internal/storage"
	"SkyCount/internal/tracing"
	"SkyCount/internal/video"
	"SkyCount/pkg/ffmpeg"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "skycount",
	Short: "People counting for drone footage",
	Long: `SkyCount runs uploaded drone videos through a people-counting model and
returns the annotated video.

Examples:
  skycount serve --config config.yaml
  skycount process --input flight.mp4 --output counted.mp4`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "config.yaml", "Path to the YAML config file")
	rootCmd.AddCommand(serveCmd, processCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the components shared by every command.
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	tracer       *sdktrace.TracerProvider
	annotator    annotate.Annotator
	orchestrator *session.Orchestrator
}

func newApp(ctx context.Context) (*app, error) {
	bootLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}

	cfg, err := config.NewConfigLoader(bootLogger).Load(configFlag)
	if err != nil {
		return nil, err
	}
	_ = bootLogger.Sync()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tp, err := tracing.InitTracer(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	annotator, err := annotate.DefaultRegistry().New(cfg.Annotator, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create annotator: %w", err)
	}

	ff := ffmpeg.NewFFmpeg(cfg.Pipeline.FFMpegPath, cfg.Pipeline.FFProbePath)
	orchestrator := session.NewOrchestrator(
		video.NewReader(ff, logger),
		video.NewWriter(ff, logger),
		annotator,
		session.Options{
			TempDir:  cfg.Pipeline.TempDir,
			CacheKey: session.CacheKey(cfg.Session.CacheKey),
		},
		logger,
	)

	if cfg.Storage.Archive {
		store, err := storage.NewStorage(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to init storage: %w", err)
		}
		orchestrator.SetArchiver(storage.NewArchiver(store, cfg.Storage.Bucket, cfg.Pipeline.Retry, logger))
		logger.Info("Artifact archiving enabled",
			zap.String("storage", cfg.Storage.Type),
			zap.String("bucket", cfg.Storage.Bucket),
		)
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		tracer:       tp,
		annotator:    annotator,
		orchestrator: orchestrator,
	}, nil
}

func (a *app) close() {
	if c, ok := a.annotator.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("Failed to stop annotator", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn("Failed to flush traces", zap.Error(err))
	}

	if err := a.logger.Sync(); err != nil {
		log.Printf("error syncing logger: %v", err)
	}
}
