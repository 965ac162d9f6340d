package annotate

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"SkyCount/internal/video"
	types "SkyCount/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFullFrame(t *testing.T) {
	region := FullFrame(1920, 1080)

	assert.Equal(t, Polygon{{0, 0}, {1920, 0}, {1920, 1080}, {0, 1080}}, region)
	assert.NoError(t, region.Validate())
	assert.Error(t, Polygon{{0, 0}, {1, 1}}.Validate())
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{PassthroughBackend, SubprocessBackend}, r.List())

	err := r.Register(PassthroughBackend, NewPassthrough)
	assert.Error(t, err)
	assert.Error(t, r.Register("", NewPassthrough))
	assert.Error(t, r.Register("nil", nil))

	a, err := r.New(types.AnnotatorConfig{Backend: PassthroughBackend}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &Passthrough{}, a)

	_, err = r.New(types.AnnotatorConfig{Backend: "yolo-grpc"}, zap.NewNop())
	assert.Error(t, err)

	_, err = r.New(types.AnnotatorConfig{Backend: SubprocessBackend}, zap.NewNop())
	assert.Error(t, err, "subprocess backend requires a model path")
}

func TestPassthroughOptions(t *testing.T) {
	_, err := NewPassthrough(types.AnnotatorConfig{
		Options: map[string]interface{}{"border_px": -1},
	}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewPassthrough(types.AnnotatorConfig{
		Options: map[string]interface{}{"color": []int{300, 0, 0}},
	}, zap.NewNop())
	assert.Error(t, err)
}

func TestPassthroughReturnsFrameUnchanged(t *testing.T) {
	a, err := NewPassthrough(types.AnnotatorConfig{}, zap.NewNop())
	require.NoError(t, err)

	counter, err := a.Configure(context.Background(), FullFrame(2, 2), []int{0, 1})
	require.NoError(t, err)
	defer counter.Close()

	in := &video.Frame{Index: 3, Width: 2, Height: 2, Data: bytes.Repeat([]byte{7}, 12)}
	out, err := counter.Annotate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{7}, 12), out.Data)
	assert.Equal(t, 3, out.Index)
}

func TestPassthroughDrawsBorder(t *testing.T) {
	a, err := NewPassthrough(types.AnnotatorConfig{
		Options: map[string]interface{}{"border_px": 1, "color": []int{255, 0, 0}},
	}, zap.NewNop())
	require.NoError(t, err)

	counter, err := a.Configure(context.Background(), FullFrame(3, 3), nil)
	require.NoError(t, err)

	frame := &video.Frame{Width: 3, Height: 3, Data: make([]byte, 27)}
	out, err := counter.Annotate(context.Background(), frame)
	require.NoError(t, err)

	assert.Equal(t, []byte{255, 0, 0}, out.Data[0:3], "corner pixel is painted")
	center := (1*3 + 1) * 3
	assert.Equal(t, []byte{0, 0, 0}, out.Data[center:center+3], "interior pixel is untouched")
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	req := &request{Type: msgAnnotate, Counter: "c1", Seq: 4, Width: 1, Height: 1, Data: []byte{1, 2, 3}}
	require.NoError(t, writeMessage(&buf, req))

	assert.Equal(t, uint32(buf.Len()-4), uint32(buf.Bytes()[0])<<24|uint32(buf.Bytes()[1])<<16|uint32(buf.Bytes()[2])<<8|uint32(buf.Bytes()[3]))

	var got request
	require.NoError(t, readMessage(&buf, &got, 0))
	assert.Equal(t, *req, got)
}

func TestMessageFramingLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, &request{Type: msgAnnotate, Data: make([]byte, 64)}))

	var got request
	assert.Error(t, readMessage(&buf, &got, 16))
}

// fakeWorker speaks the worker protocol on in-memory pipes. It inverts the
// colour of every frame and counts frames per counter.
type fakeWorker struct {
	t        *testing.T
	mu       sync.Mutex
	requests []string
	rejectAt int
	stall    bool
	spawned  int
}

func (f *fakeWorker) spawn(ctx context.Context) (*workerProcess, error) {
	f.mu.Lock()
	f.spawned++
	f.mu.Unlock()

	toWorker, fromHost := io.Pipe()
	toHost, fromWorker := io.Pipe()
	done := make(chan struct{})
	var once sync.Once
	kill := func() {
		once.Do(func() {
			toWorker.Close()
			toHost.Close()
			close(done)
		})
	}

	go func() {
		defer kill()
		if err := writeMessage(fromWorker, &response{Type: msgReady, OK: true}); err != nil {
			return
		}
		frames := map[string]int{}
		for {
			var req request
			if err := readMessage(toWorker, &req, 0); err != nil {
				return
			}
			f.mu.Lock()
			f.requests = append(f.requests, req.Type)
			n := len(f.requests)
			f.mu.Unlock()

			if f.stall && req.Type == msgAnnotate {
				continue
			}
			resp := &response{Type: req.Type, OK: true, Counter: req.Counter, Seq: req.Seq}
			if f.rejectAt > 0 && n == f.rejectAt {
				resp.OK = false
				resp.Error = "cuda out of memory"
			}
			if req.Type == msgAnnotate {
				frames[req.Counter]++
				resp.Counts = map[string]int{"in": frames[req.Counter]}
				resp.Data = make([]byte, len(req.Data))
				for i, b := range req.Data {
					resp.Data[i] = 255 - b
				}
			}
			if err := writeMessage(fromWorker, resp); err != nil {
				return
			}
		}
	}()

	return &workerProcess{stdin: fromHost, stdout: toHost, done: done, kill: kill}, nil
}

func newFakeSubprocess(t *testing.T, f *fakeWorker, requestTimeout float64) *Subprocess {
	t.Helper()
	a, err := NewSubprocess(types.AnnotatorConfig{
		ModelPath: "visdrone_yolov11_model1.pt",
		Options:   map[string]interface{}{"request_timeout_sec": requestTimeout},
	}, zap.NewNop())
	require.NoError(t, err)

	s := a.(*Subprocess)
	s.spawn = f.spawn
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubprocessAnnotates(t *testing.T) {
	f := &fakeWorker{t: t}
	s := newFakeSubprocess(t, f, 5)
	ctx := context.Background()

	counter, err := s.Configure(ctx, FullFrame(1, 1), []int{0, 1})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		out, err := counter.Annotate(ctx, &video.Frame{Index: i, Width: 1, Height: 1, Data: []byte{0, 10, 255}})
		require.NoError(t, err)
		assert.Equal(t, []byte{255, 245, 0}, out.Data)
		assert.Equal(t, i, out.Index)
	}
	require.NoError(t, counter.Close())
	require.NoError(t, counter.Close())

	second, err := s.Configure(ctx, FullFrame(1, 1), []int{0})
	require.NoError(t, err)
	require.NoError(t, second.Close())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.spawned, "weights are loaded once per worker")
	assert.Equal(t, []string{msgConfigure, msgAnnotate, msgAnnotate, msgAnnotate, msgClose, msgConfigure, msgClose}, f.requests)
}

func TestSubprocessWorkerError(t *testing.T) {
	f := &fakeWorker{t: t, rejectAt: 2}
	s := newFakeSubprocess(t, f, 5)
	ctx := context.Background()

	counter, err := s.Configure(ctx, FullFrame(1, 1), []int{0, 1})
	require.NoError(t, err)

	_, err = counter.Annotate(ctx, &video.Frame{Width: 1, Height: 1, Data: []byte{1, 2, 3}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cuda out of memory")
}

func TestSubprocessTimeoutRestartsWorker(t *testing.T) {
	f := &fakeWorker{t: t, stall: true}
	s := newFakeSubprocess(t, f, 0.05)
	ctx := context.Background()

	counter, err := s.Configure(ctx, FullFrame(1, 1), []int{0, 1})
	require.NoError(t, err)

	start := time.Now()
	_, err = counter.Annotate(ctx, &video.Frame{Width: 1, Height: 1, Data: []byte{1, 2, 3}})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = s.Configure(ctx, FullFrame(1, 1), []int{0, 1})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 2, f.spawned)
}

func TestSubprocessCancelledContext(t *testing.T) {
	f := &fakeWorker{t: t, stall: true}
	s := newFakeSubprocess(t, f, 5)

	counter, err := s.Configure(context.Background(), FullFrame(1, 1), []int{0, 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = counter.Annotate(ctx, &video.Frame{Width: 1, Height: 1, Data: []byte{1, 2, 3}})
	assert.ErrorIs(t, err, context.Canceled)
}
