package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Download when the object does not exist.
var ErrNotFound = errors.New("object not found")

type Storage interface {
	Upload(ctx context.Context, bucket, key string, body io.Reader) error
	Download(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}
