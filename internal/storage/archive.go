package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"SkyCount/internal/retry"
	"SkyCount/internal/session"
	types "SkyCount/pkg"

	"go.uber.org/zap"
)

// ArtifactKey is where the artifact of a pass over source is stored.
func ArtifactKey(source string) string {
	base := path.Base(source)
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" || stem == "." || stem == "/" {
		stem = "video"
	}
	return "processed/" + stem + ".mp4"
}

// Archiver uploads completed artifacts with retry.
type Archiver struct {
	store  Storage
	bucket string
	retry  types.RetryConfig
	logger *zap.Logger
}

func NewArchiver(store Storage, bucket string, retryCfg types.RetryConfig, logger *zap.Logger) *Archiver {
	return &Archiver{store: store, bucket: bucket, retry: retryCfg, logger: logger}
}

// Archive stores a under processed/<id>/<stem>.mp4.
func (a *Archiver) Archive(ctx context.Context, art *session.Artifact) error {
	key := path.Join("processed", art.ID.String(), path.Base(ArtifactKey(art.Filename)))
	return a.Put(ctx, key, art.Path)
}

// Put uploads the file at localPath under key.
func (a *Archiver) Put(ctx context.Context, key, localPath string) error {
	err := retry.Do(ctx, a.logger, a.retry, "archive", func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("failed to open artifact: %w", err)
		}
		defer f.Close()
		return a.store.Upload(ctx, a.bucket, key, f)
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", key, err)
	}
	a.logger.Info("Artifact archived", zap.String("bucket", a.bucket), zap.String("key", key))
	return nil
}
