// Package video reads decoded frames out of an uploaded container and
// encodes annotated frames back into an mp4 file. Both directions are
// delegated to ffmpeg processes talking packed bgr24 over pipes.
package video

import (
	"context"
	"errors"
)

// ErrUnreadableVideo is returned when the container cannot be opened or
// carries no usable video stream.
var ErrUnreadableVideo = errors.New("error reading video file")

// Frame is one decoded picture in packed bgr24 (OpenCV channel order).
type Frame struct {
	Index  int
	Width  int
	Height int
	Data   []byte
}

// Metadata describes the source stream. TotalFrames is 0 when the
// container declares neither a frame count nor a duration.
type Metadata struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FrameRate   float64 `json:"frame_rate"`
	TotalFrames int     `json:"total_frames"`
}

// FrameSize is the byte length of one bgr24 frame.
func (m Metadata) FrameSize() int {
	return m.Width * m.Height * 3
}

// Source yields frames in decode order. Read returns io.EOF once the stream
// is exhausted; a Source cannot be rewound.
type Source interface {
	Metadata() Metadata
	Read() (*Frame, error)
	Close() error
}

// Opener opens a Source on a file path.
type Opener interface {
	Open(ctx context.Context, path string) (Source, error)
}

// OutputSpec configures a Sink.
type OutputSpec struct {
	Path      string
	Width     int
	Height    int
	FrameRate float64
}

// Sink accepts frames in arrival order. Close finalizes the container once;
// Abort stops the encoder and removes the partial file.
type Sink interface {
	Write(frame *Frame) error
	Close() error
	Abort() error
	Frames() int
}

// SinkFactory creates sinks.
type SinkFactory interface {
	Create(ctx context.Context, spec OutputSpec) (Sink, error)
}
