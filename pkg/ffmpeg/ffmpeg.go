package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

type FFmpeg struct {
	pathToBinary string
	pathToProbe  string
}

func NewFFmpeg(pathToBinary, pathToProbe string) *FFmpeg {
	return &FFmpeg{pathToBinary: pathToBinary, pathToProbe: pathToProbe}
}

// Probe is the subset of `ffprobe -print_format json` output we read.
type Probe struct {
	Format  Format   `json:"format"`
	Streams []Stream `json:"streams"`
}

type Format struct {
	Filename   string `json:"filename"`
	Duration   string `json:"duration"`
	FormatName string `json:"format_name"`
}

type Stream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Duration     string `json:"duration"`
	NbFrames     string `json:"nb_frames"`
}

// VideoStream returns the first video stream of the probe.
func (p *Probe) VideoStream() (Stream, bool) {
	for _, s := range p.Streams {
		if s.CodecType == "video" {
			return s, true
		}
	}
	return Stream{}, false
}

// Probe runs ffprobe on the input and parses its JSON report.
func (f *FFmpeg) Probe(ctx context.Context, input string) (*Probe, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	}
	cmd := exec.CommandContext(ctx, f.pathToProbe, args...)

	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("ffprobe command failed: %v, output: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe command failed: %w", err)
	}

	var probe Probe
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &probe, nil
}

// DecodeArgs builds the arguments that decode input into packed bgr24
// frames on stdout, one frame per source frame.
func (f *FFmpeg) DecodeArgs(input string) []string {
	return []string{
		"-v", "error",
		"-nostdin",
		"-i", input,
		"-map", "0:v:0",
		"-fps_mode", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-",
	}
}

// EncodeArgs builds the arguments that read packed bgr24 frames from stdin
// and encode them as MPEG-4 Part 2 with the mp4v fourcc into an mp4
// container at output.
func (f *FFmpeg) EncodeArgs(output string, width, height int, frameRate float64) []string {
	return []string{
		"-v", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(frameRate, 'f', -1, 64),
		"-i", "-",
		"-an",
		"-c:v", "mpeg4",
		"-tag:v", "mp4v",
		"-q:v", "3",
		"-pix_fmt", "yuv420p",
		"-f", "mp4",
		output,
	}
}

// Command returns an unstarted ffmpeg command bound to ctx.
func (f *FFmpeg) Command(ctx context.Context, args []string) *exec.Cmd {
	return exec.CommandContext(ctx, f.pathToBinary, args...)
}

// ParseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func ParseFrameRate(rate string) (float64, error) {
	if rate == "" {
		return 0, fmt.Errorf("empty frame rate")
	}
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", rate, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", rate, err)
	}
	if d == 0 {
		return 0, fmt.Errorf("invalid frame rate %q: zero denominator", rate)
	}
	return n / d, nil
}
