package storage

import (
	"context"
	"fmt"

	types "SkyCount/pkg"
)

func NewStorage(ctx context.Context, cfg types.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "s3":
		return NewS3Storage(ctx, cfg.S3)
	case "local":
		return NewLocalStorage(cfg.Local)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Type)
	}
}
