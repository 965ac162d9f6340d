package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"SkyCount/internal/annotate"
	"SkyCount/internal/progress"
	"SkyCount/internal/video"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	meta   video.Metadata
	frames int
	next   int
	failAt int
	onRead func(index int)
	closed bool
}

func (s *fakeSource) Metadata() video.Metadata { return s.meta }

func (s *fakeSource) Read() (*video.Frame, error) {
	if s.next >= s.frames {
		return nil, io.EOF
	}
	if s.failAt > 0 && s.next == s.failAt {
		return nil, errors.New("corrupt packet")
	}
	if s.onRead != nil {
		s.onRead(s.next)
	}
	f := &video.Frame{
		Index:  s.next,
		Width:  s.meta.Width,
		Height: s.meta.Height,
		Data:   make([]byte, s.meta.FrameSize()),
	}
	s.next++
	return f, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeOpener struct {
	mu      sync.Mutex
	source  func() *fakeSource
	err     error
	opened  int
	paths   []string
	sources []*fakeSource
}

func (o *fakeOpener) Open(ctx context.Context, path string) (video.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
	o.paths = append(o.paths, path)
	if o.err != nil {
		return nil, o.err
	}
	src := o.source()
	o.sources = append(o.sources, src)
	return src, nil
}

type fakeSink struct {
	spec    video.OutputSpec
	written int
	closed  bool
	aborted bool
}

func (s *fakeSink) Write(frame *video.Frame) error {
	s.written++
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return os.WriteFile(s.spec.Path, bytes.Repeat([]byte{1}, s.written), 0644)
}

func (s *fakeSink) Abort() error {
	s.aborted = true
	return nil
}

func (s *fakeSink) Frames() int { return s.written }

type fakeSinks struct {
	sinks    []*fakeSink
	onCreate func()
}

func (f *fakeSinks) Create(ctx context.Context, spec video.OutputSpec) (video.Sink, error) {
	if f.onCreate != nil {
		f.onCreate()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &fakeSink{spec: spec}
	f.sinks = append(f.sinks, s)
	return s, nil
}

type fakeCounter struct {
	failAt int
	closed bool
}

func (c *fakeCounter) Annotate(ctx context.Context, frame *video.Frame) (*video.Frame, error) {
	if c.failAt > 0 && frame.Index == c.failAt {
		return nil, errors.New("model exploded")
	}
	return frame, nil
}

func (c *fakeCounter) Close() error {
	c.closed = true
	return nil
}

type fakeAnnotator struct {
	failAt  int
	regions []annotate.Polygon
	classes [][]int
}

func (a *fakeAnnotator) Configure(ctx context.Context, region annotate.Polygon, classes []int) (annotate.Counter, error) {
	a.regions = append(a.regions, region)
	a.classes = append(a.classes, classes)
	return &fakeCounter{failAt: a.failAt}, nil
}

type fixture struct {
	opener    *fakeOpener
	sinks     *fakeSinks
	annotator *fakeAnnotator
	orch      *Orchestrator
	session   *Session
	tempDir   string
}

func newFixture(t *testing.T, frames, total int, cacheKey CacheKey) *fixture {
	t.Helper()
	f := &fixture{
		opener: &fakeOpener{source: func() *fakeSource {
			return &fakeSource{
				meta:   video.Metadata{Width: 4, Height: 2, FrameRate: 25, TotalFrames: total},
				frames: frames,
			}
		}},
		sinks:     &fakeSinks{},
		annotator: &fakeAnnotator{},
		session:   New(),
		tempDir:   t.TempDir(),
	}
	f.orch = NewOrchestrator(f.opener, f.sinks, f.annotator, Options{
		TempDir:  f.tempDir,
		CacheKey: cacheKey,
	}, zap.NewNop())
	return f
}

func upload(name, body string) UploadedVideo {
	return UploadedVideo{Filename: name, Body: bytes.NewBufferString(body)}
}

func TestProcessCompletes(t *testing.T) {
	f := newFixture(t, 5, 5, CacheByContent)
	rec := &progress.Recorder{}

	res, err := f.orch.Process(context.Background(), f.session, upload("clip.mp4", "abc"), rec)
	require.NoError(t, err)

	assert.False(t, res.Cached)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 5, res.Artifact.Frames)
	assert.False(t, res.Artifact.Empty)
	assert.Equal(t, "clip.mp4", res.Artifact.Filename)
	assert.Contains(t, res.Artifact.Identity, "sha256:")
	assert.FileExists(t, res.Artifact.Path)

	assert.Equal(t, []annotate.Polygon{annotate.FullFrame(4, 2)}, f.annotator.regions)
	assert.Equal(t, [][]int{{0, 1}}, f.annotator.classes)

	reports := rec.Reports()
	require.NotEmpty(t, reports)
	for k := 1; k <= 5; k++ {
		assert.Equal(t, k, reports[k-1].Processed)
		assert.InDelta(t, float64(k)/5, reports[k-1].Fraction, 1e-9)
	}
	assert.Equal(t, 1.0, reports[len(reports)-1].Fraction)
	assert.Equal(t, 1, rec.Clears())
	assert.Equal(t, 5, res.Progress.Processed)

	assert.Equal(t, StateComplete, f.session.State())
	a, err := f.session.Artifact()
	require.NoError(t, err)
	assert.Equal(t, res.Artifact.ID, a.ID)
	assert.True(t, f.sinks.sinks[0].closed)
	assert.True(t, f.opener.sources[0].closed)
}

func TestProcessRemovesTempInput(t *testing.T) {
	f := newFixture(t, 2, 2, CacheByContent)

	_, err := f.orch.Process(context.Background(), f.session, upload("clip.mp4", "abc"), nil)
	require.NoError(t, err)

	require.Len(t, f.opener.paths, 1)
	assert.NoFileExists(t, f.opener.paths[0])
}

func TestProcessCacheByContent(t *testing.T) {
	f := newFixture(t, 3, 3, CacheByContent)
	ctx := context.Background()

	first, err := f.orch.Process(ctx, f.session, upload("a.mp4", "same bytes"), nil)
	require.NoError(t, err)

	second, err := f.orch.Process(ctx, f.session, upload("a.mp4", "same bytes"), nil)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Artifact.ID, second.Artifact.ID)
	assert.Equal(t, 1, f.opener.opened)

	third, err := f.orch.Process(ctx, f.session, upload("a.mp4", "other bytes"), nil)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, f.opener.opened)
	assert.NoFileExists(t, first.Artifact.Path)
}

func TestProcessRenamedUploadReprocesses(t *testing.T) {
	f := newFixture(t, 3, 3, CacheByContent)
	ctx := context.Background()

	first, err := f.orch.Process(ctx, f.session, upload("a.mp4", "same bytes"), nil)
	require.NoError(t, err)

	second, err := f.orch.Process(ctx, f.session, upload("b.mp4", "same bytes"), nil)
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.NotEqual(t, first.Artifact.ID, second.Artifact.ID)
	assert.Equal(t, 2, f.opener.opened)
	assert.True(t, strings.HasPrefix(second.Artifact.Identity, "name:b.mp4|sha256:"))
}

func TestDefaultCacheKeyIsNameAndContent(t *testing.T) {
	f := newFixture(t, 3, 3, "")
	ctx := context.Background()

	_, err := f.orch.Process(ctx, f.session, upload("a.mp4", "same"), nil)
	require.NoError(t, err)
	res, err := f.orch.Process(ctx, f.session, upload("b.mp4", "same"), nil)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, f.opener.opened)
}

func TestProcessCacheByFilename(t *testing.T) {
	f := newFixture(t, 3, 3, CacheByFilename)
	ctx := context.Background()

	first, err := f.orch.Process(ctx, f.session, upload("a.mp4", "one"), nil)
	require.NoError(t, err)

	second, err := f.orch.Process(ctx, f.session, upload("a.mp4", "two"), nil)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Artifact.ID, second.Artifact.ID)
	assert.Equal(t, "name:a.mp4", second.Artifact.Identity)
	assert.Equal(t, 1, f.opener.opened)
}

func TestProcessCacheMissWhenArtifactGone(t *testing.T) {
	f := newFixture(t, 3, 3, CacheByContent)
	ctx := context.Background()

	first, err := f.orch.Process(ctx, f.session, upload("a.mp4", "x"), nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(first.Artifact.Path))

	second, err := f.orch.Process(ctx, f.session, upload("a.mp4", "x"), nil)
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.Equal(t, 2, f.opener.opened)
}

func TestProcessUnreadable(t *testing.T) {
	f := newFixture(t, 3, 3, CacheByContent)
	f.opener.err = errors.New("moov atom not found")

	_, err := f.orch.Process(context.Background(), f.session, upload("bad.mp4", "junk"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreadableVideo)

	snap := f.session.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, "Error reading video file. Please try again with a valid video.", snap.Error)
	assert.Nil(t, snap.Artifact)
	assert.Empty(t, f.sinks.sinks)
}

func TestProcessUnsupportedExtension(t *testing.T) {
	f := newFixture(t, 3, 3, CacheByContent)

	_, err := f.orch.Process(context.Background(), f.session, upload("notes.txt", "x"), nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Equal(t, StateIdle, f.session.State())
	assert.Zero(t, f.opener.opened)
}

func TestProcessAnnotateFailure(t *testing.T) {
	f := newFixture(t, 5, 5, CacheByContent)
	ctx := context.Background()

	_, err := f.orch.Process(ctx, f.session, upload("ok.mp4", "first"), nil)
	require.NoError(t, err)

	f.annotator.failAt = 2
	rec := &progress.Recorder{}
	_, err = f.orch.Process(ctx, f.session, upload("ok.mp4", "second"), rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessing)

	var pe *ProcessingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "annotate", pe.Stage)
	assert.Equal(t, 2, pe.Frame)

	snap := f.session.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, "An error occurred during video processing: model exploded", snap.Error)
	assert.Nil(t, snap.Artifact)
	assert.True(t, f.sinks.sinks[1].aborted)
	assert.Equal(t, 1, rec.Clears())

	// The failed pass must not leave the earlier identity cached.
	_, err = f.orch.Process(ctx, f.session, upload("ok.mp4", "first"), nil)
	require.Error(t, err)
	assert.Equal(t, 3, f.opener.opened)
}

func TestProcessReadFailure(t *testing.T) {
	f := newFixture(t, 5, 5, CacheByContent)
	f.opener.source = func() *fakeSource {
		return &fakeSource{meta: video.Metadata{Width: 4, Height: 2, FrameRate: 25, TotalFrames: 5}, frames: 5, failAt: 3}
	}

	_, err := f.orch.Process(context.Background(), f.session, upload("v.avi", "x"), nil)
	var pe *ProcessingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "read", pe.Stage)
	assert.Equal(t, StateFailed, f.session.State())
}

func TestProcessEmptyVideo(t *testing.T) {
	f := newFixture(t, 0, 0, CacheByContent)
	rec := &progress.Recorder{}

	res, err := f.orch.Process(context.Background(), f.session, upload("empty.mp4", "x"), rec)
	require.NoError(t, err)
	assert.True(t, res.Artifact.Empty)
	assert.Zero(t, res.Artifact.Frames)
	assert.Equal(t, StateComplete, res.State)
	assert.Empty(t, rec.Reports())
	assert.Equal(t, 1, rec.Clears())
}

func TestProcessUnknownTotal(t *testing.T) {
	f := newFixture(t, 3, 0, CacheByContent)
	rec := &progress.Recorder{}

	_, err := f.orch.Process(context.Background(), f.session, upload("live.mov", "x"), rec)
	require.NoError(t, err)

	reports := rec.Reports()
	require.Len(t, reports, 4)
	for _, r := range reports[:3] {
		assert.True(t, r.Indeterminate)
		assert.Zero(t, r.Fraction)
	}
	assert.Equal(t, 1.0, reports[3].Fraction)
}

func TestProcessCancelled(t *testing.T) {
	f := newFixture(t, 10, 10, CacheByContent)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.opener.source = func() *fakeSource {
		return &fakeSource{
			meta:   video.Metadata{Width: 4, Height: 2, FrameRate: 25, TotalFrames: 10},
			frames: 10,
			onRead: func(index int) {
				if index == 3 {
					cancel()
				}
			},
		}
	}

	_, err := f.orch.Process(ctx, f.session, upload("clip.mp4", "x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	snap := f.session.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Error)
	assert.Nil(t, snap.Artifact)
	assert.True(t, f.sinks.sinks[0].aborted)
}

func TestReset(t *testing.T) {
	f := newFixture(t, 2, 2, CacheByContent)

	res, err := f.orch.Process(context.Background(), f.session, upload("clip.mp4", "x"), nil)
	require.NoError(t, err)

	f.orch.Reset(f.session)
	assert.Equal(t, StateIdle, f.session.State())
	_, err = f.session.Artifact()
	assert.ErrorIs(t, err, ErrNoArtifact)
	assert.NoFileExists(t, res.Artifact.Path)
}

type recordingArchiver struct {
	archived []uuid.UUID
	err      error
}

func (a *recordingArchiver) Archive(ctx context.Context, art *Artifact) error {
	a.archived = append(a.archived, art.ID)
	return a.err
}

func TestArchiverFailureDoesNotFailPass(t *testing.T) {
	f := newFixture(t, 2, 2, CacheByContent)
	arch := &recordingArchiver{err: errors.New("bucket missing")}
	f.orch.SetArchiver(arch)

	res, err := f.orch.Process(context.Background(), f.session, upload("clip.mp4", "x"), nil)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{res.Artifact.ID}, arch.archived)
	assert.Equal(t, StateComplete, f.session.State())
}

func TestCheckExtension(t *testing.T) {
	for _, name := range []string{"a.mp4", "b.AVI", "c.Mov"} {
		assert.NoError(t, CheckExtension(name), name)
	}
	for _, name := range []string{"a.mkv", "noext", "x.mp4.txt"} {
		assert.ErrorIs(t, CheckExtension(name), ErrUnsupportedFormat, name)
	}
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	assert.Equal(t,
		"An error occurred during video processing: boom",
		UserMessage(&ProcessingError{Stage: "write", Frame: 3, Err: errors.New("boom")}),
	)
	assert.Equal(t,
		"Error reading video file. Please try again with a valid video.",
		UserMessage(video.ErrUnreadableVideo),
	)
}

func TestRegistrySweep(t *testing.T) {
	r := NewRegistry(time.Minute, zap.NewNop())
	now := time.Now()
	r.now = func() time.Time { return now }

	idle, created := r.GetOrCreate(uuid.New())
	assert.True(t, created)
	busy, _ := r.GetOrCreate(uuid.New())
	fresh, _ := r.GetOrCreate(uuid.New())

	dir, err := idle.workDir(t.TempDir())
	require.NoError(t, err)

	old := now.Add(-2 * time.Minute)
	idle.touched = old
	busy.touched = old
	fresh.touched = now

	busy.pass.Lock()
	assert.Equal(t, 1, r.Sweep())
	busy.pass.Unlock()

	_, ok := r.Get(idle.ID)
	assert.False(t, ok)
	assert.NoDirExists(t, dir)
	_, ok = r.Get(busy.ID)
	assert.True(t, ok)
	assert.Equal(t, 2, r.Len())

	same, created := r.GetOrCreate(fresh.ID)
	assert.False(t, created)
	assert.Same(t, fresh, same)
}

func TestRegistryDelete(t *testing.T) {
	r := NewRegistry(0, zap.NewNop())
	s, _ := r.GetOrCreate(uuid.New())
	dir, err := s.workDir(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x"), nil, 0644))

	assert.True(t, r.Delete(s.ID))
	assert.False(t, r.Delete(s.ID))
	assert.NoDirExists(t, dir)
	assert.Zero(t, r.Sweep())
}

func TestProcessCancelledWhileOpeningOutput(t *testing.T) {
	f := newFixture(t, 3, 3, CacheByContent)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sinks.onCreate = cancel

	_, err := f.orch.Process(ctx, f.session, upload("a.mp4", "x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	snap := f.session.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Error)
	assert.Empty(t, f.sinks.sinks)
}
