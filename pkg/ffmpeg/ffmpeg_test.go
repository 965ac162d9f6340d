package ffmpeg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"30/1", 30, false},
		{"30000/1001", 30000.0 / 1001.0, false},
		{"25", 25, false},
		{"0/0", 0, true},
		{"", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFrameRate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestProbeVideoStream(t *testing.T) {
	raw := `{
		"streams": [
			{"index": 0, "codec_type": "audio", "codec_name": "aac"},
			{"index": 1, "codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "r_frame_rate": "30/1", "nb_frames": "900"}
		],
		"format": {"duration": "30.000000", "format_name": "mov,mp4,m4a,3gp,3g2,mj2"}
	}`

	var p Probe
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	s, ok := p.VideoStream()
	require.True(t, ok)
	assert.Equal(t, 1920, s.Width)
	assert.Equal(t, "900", s.NbFrames)

	_, ok = (&Probe{}).VideoStream()
	assert.False(t, ok)
}

func TestEncodeArgs(t *testing.T) {
	f := NewFFmpeg("ffmpeg", "ffprobe")

	args := f.EncodeArgs("out.mp4", 640, 360, 29.97)
	assert.Contains(t, args, "640x360")
	assert.Contains(t, args, "29.97")
	assert.Equal(t, "out.mp4", args[len(args)-1])
	assert.Equal(t, "mpeg4", argAfter(args, "-c:v"))
	assert.Equal(t, "mp4v", argAfter(args, "-tag:v"))
	assert.Equal(t, "bgr24", argAfter(args, "-pix_fmt"))
}

func TestDecodeArgsBGR(t *testing.T) {
	args := NewFFmpeg("ffmpeg", "ffprobe").DecodeArgs("in.mov")
	assert.Equal(t, "bgr24", argAfter(args, "-pix_fmt"))
	assert.Equal(t, "rawvideo", argAfter(args, "-f"))
}

// argAfter returns the value following the first occurrence of flag.
func argAfter(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}
