package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"SkyCount/internal/session"
	types "SkyCount/pkg"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(types.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, store.Upload(ctx, "skycount", "raw/clip.mp4", bytes.NewBufferString("frames")))

	rc, err := store.Download(ctx, "skycount", "raw/clip.mp4")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))
}

func TestLocalDownloadMissing(t *testing.T) {
	store, err := NewLocalStorage(types.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	_, err = store.Download(context.Background(), "skycount", "nope.mp4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalRejectsEscapingKey(t *testing.T) {
	store, err := NewLocalStorage(types.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	err = store.Upload(context.Background(), "", "../outside.mp4", bytes.NewBufferString("x"))
	assert.Error(t, err)
}

func TestNewStorage(t *testing.T) {
	s, err := NewStorage(context.Background(), types.StorageConfig{
		Type:  "local",
		Local: types.LocalConfig{BasePath: t.TempDir()},
	})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, s)

	_, err = NewStorage(context.Background(), types.StorageConfig{Type: "gcs"})
	assert.Error(t, err)
}

func TestArtifactKey(t *testing.T) {
	tests := map[string]string{
		"uploads/flight 1.MOV": "processed/flight 1.mp4",
		"clip.mp4":             "processed/clip.mp4",
		"noext":                "processed/noext.mp4",
		"":                     "processed/video.mp4",
	}
	for in, want := range tests {
		assert.Equal(t, want, ArtifactKey(in), in)
	}
}

type flakyStorage struct {
	Storage
	failures int
	calls    int
}

func (f *flakyStorage) Upload(ctx context.Context, bucket, key string, body io.Reader) error {
	f.calls++
	if f.calls <= f.failures {
		_, _ = io.Copy(io.Discard, body)
		return errors.New("503 slow down")
	}
	return f.Storage.Upload(ctx, bucket, key, body)
}

func TestArchiverRetries(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	local, err := NewLocalStorage(types.LocalConfig{BasePath: root})
	require.NoError(t, err)
	flaky := &flakyStorage{Storage: local, failures: 1}

	src := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, os.WriteFile(src, []byte("annotated"), 0644))

	art := &session.Artifact{ID: uuid.New(), Path: src, Filename: "flight.mov"}
	archiver := NewArchiver(flaky, "skycount", types.RetryConfig{MaxAttempts: 3, InitialIntervalSec: 0.001, BackoffCoefficient: 2}, zap.NewNop())
	require.NoError(t, archiver.Archive(ctx, art))
	assert.Equal(t, 2, flaky.calls)

	data, err := os.ReadFile(filepath.Join(root, "skycount", "processed", art.ID.String(), "flight.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "annotated", string(data))
}
