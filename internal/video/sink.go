package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"SkyCount/pkg/ffmpeg"

	"go.uber.org/zap"
)

var errSinkFinished = errors.New("sink already finalized")

// Writer creates ffmpeg-backed sinks.
type Writer struct {
	ff     *ffmpeg.FFmpeg
	logger *zap.Logger
}

// NewWriter creates a new Writer
func NewWriter(ff *ffmpeg.FFmpeg, logger *zap.Logger) *Writer {
	return &Writer{ff: ff, logger: logger}
}

// Create starts an encoder writing to spec.Path.
func (w *Writer) Create(ctx context.Context, spec OutputSpec) (Sink, error) {
	if spec.Width <= 0 || spec.Height <= 0 || spec.FrameRate <= 0 {
		return nil, fmt.Errorf("invalid output spec %dx%d@%v", spec.Width, spec.Height, spec.FrameRate)
	}
	if err := os.MkdirAll(filepath.Dir(spec.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	cmd := w.ff.Command(ctx, w.ff.EncodeArgs(spec.Path, spec.Width, spec.Height, spec.FrameRate))
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	w.logger.Debug("Encoder started",
		zap.String("path", spec.Path),
	)

	return newPipeSink(spec, stdin, func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}, func() error {
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("encoder exited: %v: %s", err, stderr.String())
		}
		return nil
	}, w.logger), nil
}

type pipeSink struct {
	spec   OutputSpec
	stdin  io.WriteCloser
	kill   func()
	wait   func() error
	logger *zap.Logger

	mu       sync.Mutex
	frames   int
	finished bool
	closeErr error
}

func newPipeSink(spec OutputSpec, stdin io.WriteCloser, kill func(), wait func() error, logger *zap.Logger) *pipeSink {
	return &pipeSink{
		spec:   spec,
		stdin:  stdin,
		kill:   kill,
		wait:   wait,
		logger: logger,
	}
}

func (s *pipeSink) Write(frame *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return errSinkFinished
	}
	if frame.Width != s.spec.Width || frame.Height != s.spec.Height {
		return fmt.Errorf("frame %d is %dx%d, sink expects %dx%d",
			frame.Index, frame.Width, frame.Height, s.spec.Width, s.spec.Height)
	}
	if want := s.spec.Width * s.spec.Height * 3; len(frame.Data) != want {
		return fmt.Errorf("frame %d has %d bytes, want %d", frame.Index, len(frame.Data), want)
	}
	if _, err := s.stdin.Write(frame.Data); err != nil {
		return fmt.Errorf("failed to write frame %d: %w", frame.Index, err)
	}
	s.frames++
	return nil
}

// Close finalizes the container. Later calls return the first result.
// A sink that received no frames still leaves a (zero-length) file behind.
func (s *pipeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return s.closeErr
	}
	s.finished = true

	_ = s.stdin.Close()
	err := s.wait()
	switch {
	case err != nil && s.frames == 0:
		s.logger.Debug("Encoder produced no output for empty stream", zap.Error(err))
		s.closeErr = touch(s.spec.Path)
	case err != nil:
		_ = os.Remove(s.spec.Path)
		s.closeErr = err
	}
	return s.closeErr
}

// Abort stops the encoder and removes whatever it wrote.
func (s *pipeSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return nil
	}
	s.finished = true

	s.kill()
	_ = s.stdin.Close()
	_ = s.wait()

	if err := os.Remove(s.spec.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove partial output: %w", err)
	}
	s.logger.Debug("Encoder aborted", zap.String("path", s.spec.Path), zap.Int("frames", s.frames))
	return nil
}

func (s *pipeSink) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func touch(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create empty output: %w", err)
	}
	return f.Close()
}
