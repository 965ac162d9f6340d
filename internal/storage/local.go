package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	types "SkyCount/pkg"
)

type LocalStorage struct {
	rootPath string
}

func NewLocalStorage(localCfg types.LocalConfig) (*LocalStorage, error) {
	if localCfg.BasePath == "" {
		return nil, fmt.Errorf("base_path required for local storage")
	}
	if err := os.MkdirAll(localCfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root path: %w", err)
	}
	return &LocalStorage{rootPath: localCfg.BasePath}, nil
}

func (l *LocalStorage) resolve(bucket, key string) (string, error) {
	if bucket != "" {
		key = filepath.Join(bucket, key)
	}
	fullPath := filepath.Join(l.rootPath, key)
	rel, err := filepath.Rel(l.rootPath, fullPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key escapes storage root: %s", key)
	}
	return fullPath, nil
}

func (l *LocalStorage) Upload(ctx context.Context, bucket, key string, body io.Reader) error {
	fullPath, err := l.resolve(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write beside the target and rename so readers never see a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

func (l *LocalStorage) Download(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	fullPath, err := l.resolve(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return f, nil
}
