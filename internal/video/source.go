package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"

	"SkyCount/pkg/ffmpeg"

	"go.uber.org/zap"
)

// Reader opens sources through ffprobe and an ffmpeg decode pipe.
type Reader struct {
	ff     *ffmpeg.FFmpeg
	logger *zap.Logger
}

// NewReader creates a new Reader
func NewReader(ff *ffmpeg.FFmpeg, logger *zap.Logger) *Reader {
	return &Reader{ff: ff, logger: logger}
}

// Open probes path and starts the decoder. Any probe failure is reported as
// ErrUnreadableVideo.
func (r *Reader) Open(ctx context.Context, path string) (Source, error) {
	probe, err := r.ff.Probe(ctx, path)
	if err != nil {
		r.logger.Warn("Probe failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnreadableVideo, err)
	}

	meta, err := metadataFromProbe(probe)
	if err != nil {
		r.logger.Warn("Invalid video metadata", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnreadableVideo, err)
	}

	cmd := r.ff.Command(ctx, r.ff.DecodeArgs(path))
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}

	r.logger.Debug("Decoder started",
		zap.String("path", path),
		zap.Int("width", meta.Width),
		zap.Int("height", meta.Height),
		zap.Float64("fps", meta.FrameRate),
		zap.Int("total_frames", meta.TotalFrames),
	)

	return newPipeSource(meta, stdout, func() error {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil
	}, func() error {
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("decoder exited: %v: %s", err, stderr.String())
		}
		return nil
	}, r.logger), nil
}

func metadataFromProbe(p *ffmpeg.Probe) (Metadata, error) {
	stream, ok := p.VideoStream()
	if !ok {
		return Metadata{}, errors.New("no video stream")
	}
	if stream.Width <= 0 || stream.Height <= 0 {
		return Metadata{}, fmt.Errorf("invalid dimensions %dx%d", stream.Width, stream.Height)
	}

	fps, err := ffmpeg.ParseFrameRate(stream.AvgFrameRate)
	if err != nil || fps <= 0 {
		fps, err = ffmpeg.ParseFrameRate(stream.RFrameRate)
	}
	if err != nil || fps <= 0 {
		return Metadata{}, fmt.Errorf("invalid frame rate %q", stream.RFrameRate)
	}

	meta := Metadata{Width: stream.Width, Height: stream.Height, FrameRate: fps}

	if n, err := strconv.Atoi(stream.NbFrames); err == nil && n > 0 {
		meta.TotalFrames = n
		return meta, nil
	}
	for _, d := range []string{stream.Duration, p.Format.Duration} {
		if secs, err := strconv.ParseFloat(d, 64); err == nil && secs > 0 {
			meta.TotalFrames = int(math.Round(secs * fps))
			break
		}
	}
	return meta, nil
}

type pipeSource struct {
	meta   Metadata
	frames io.ReadCloser
	buf    *bufio.Reader
	kill   func() error
	wait   func() error
	logger *zap.Logger

	next      int
	exhausted bool
	closeOnce sync.Once
	closeErr  error
}

func newPipeSource(meta Metadata, frames io.ReadCloser, kill, wait func() error, logger *zap.Logger) *pipeSource {
	return &pipeSource{
		meta:   meta,
		frames: frames,
		buf:    bufio.NewReaderSize(frames, 1<<20),
		kill:   kill,
		wait:   wait,
		logger: logger,
	}
}

func (s *pipeSource) Metadata() Metadata {
	return s.meta
}

// Read returns the next frame. A truncated trailing frame or a decoder
// failure ends the stream the same way a clean end does; the cause is
// logged.
func (s *pipeSource) Read() (*Frame, error) {
	if s.exhausted {
		return nil, io.EOF
	}

	data := make([]byte, s.meta.FrameSize())
	_, err := io.ReadFull(s.buf, data)
	if err != nil {
		s.exhausted = true
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("failed to read frame %d: %w", s.next, err)
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			s.logger.Warn("Dropping truncated trailing frame", zap.Int("frame", s.next))
		}
		if waitErr := s.finish(); waitErr != nil {
			s.logger.Warn("Decoder stopped early", zap.Int("frames", s.next), zap.Error(waitErr))
		}
		return nil, io.EOF
	}

	frame := &Frame{
		Index:  s.next,
		Width:  s.meta.Width,
		Height: s.meta.Height,
		Data:   data,
	}
	s.next++
	return frame, nil
}

func (s *pipeSource) finish() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.wait()
	})
	return s.closeErr
}

// Close stops the decoder if it is still running. Safe to call repeatedly.
func (s *pipeSource) Close() error {
	if !s.exhausted {
		s.exhausted = true
		_ = s.kill()
		_ = s.frames.Close()
		_ = s.finish()
		return nil
	}
	_ = s.finish()
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		b.data = b.data[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
