package annotate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"SkyCount/internal/video"
	types "SkyCount/pkg"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

const SubprocessBackend = "subprocess"

var errWorkerGone = errors.New("model worker is not running")

// SubprocessConfig holds the options of the subprocess backend
type SubprocessConfig struct {
	Command           string   `json:"command" mapstructure:"command"`
	Args              []string `json:"args" mapstructure:"args"`
	StartupTimeoutSec float64  `json:"startup_timeout_sec" mapstructure:"startup_timeout_sec"`
	RequestTimeoutSec float64  `json:"request_timeout_sec" mapstructure:"request_timeout_sec"`
	MaxMessageMB      int      `json:"max_message_mb" mapstructure:"max_message_mb"`
}

// SetDefaults sets default values for missing configuration
func (c *SubprocessConfig) SetDefaults() {
	if c.Command == "" {
		c.Command = "python3"
	}
	if len(c.Args) == 0 {
		c.Args = []string{"models/count_worker.py"}
	}
	if c.StartupTimeoutSec == 0 {
		c.StartupTimeoutSec = 120
	}
	if c.RequestTimeoutSec == 0 {
		c.RequestTimeoutSec = 30
	}
	if c.MaxMessageMB == 0 {
		c.MaxMessageMB = 256
	}
}

// Validate checks if the configuration is valid
func (c *SubprocessConfig) Validate() error {
	if c.StartupTimeoutSec < 0 || c.RequestTimeoutSec < 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxMessageMB < 0 {
		return fmt.Errorf("max_message_mb must be positive, got: %d", c.MaxMessageMB)
	}
	return nil
}

// Subprocess drives a model worker process over stdin/stdout. The worker
// loads the weights once at startup and then serves any number of
// counters; requests are serialized.
type Subprocess struct {
	config    SubprocessConfig
	modelPath string
	logger    *zap.Logger
	spawn     func(ctx context.Context) (*workerProcess, error)

	mu     sync.Mutex
	worker *workerProcess
}

// NewSubprocess creates a subprocess annotator from cfg. The worker is not
// started until the first counter is configured.
func NewSubprocess(cfg types.AnnotatorConfig, logger *zap.Logger) (Annotator, error) {
	var sc SubprocessConfig
	if err := mapstructure.Decode(cfg.Options, &sc); err != nil {
		return nil, fmt.Errorf("failed to decode subprocess config: %w", err)
	}
	sc.SetDefaults()
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid subprocess config: %w", err)
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model_path is required")
	}

	s := &Subprocess{
		config:    sc,
		modelPath: cfg.ModelPath,
		logger:    logger,
	}
	s.spawn = s.spawnProcess
	return s, nil
}

type workerProcess struct {
	stdin   io.WriteCloser
	stdout  io.Reader
	done    chan struct{}
	kill    func()
	release func()
}

func (w *workerProcess) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// spawnProcess starts the worker with its stdout and stderr on plain
// os.Pipe pairs. Unlike cmd.StdoutPipe, Wait never closes their read ends,
// so a response written just before the worker exits can still be read.
func (s *Subprocess) spawnProcess(ctx context.Context) (*workerProcess, error) {
	args := append(append([]string{}, s.config.Args...), "--model", s.modelPath)
	// The worker outlives the request that started it.
	cmd := exec.Command(s.config.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, fmt.Errorf("failed to start model worker: %w", err)
	}

	s.logger.Info("Model worker started",
		zap.String("command", s.config.Command),
		zap.Strings("args", args),
		zap.Int("pid", cmd.Process.Pid),
	)

	var releaseOnce sync.Once
	w := &workerProcess{
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdoutR, 1<<20),
		done:   make(chan struct{}),
		kill: func() {
			_ = cmd.Process.Kill()
		},
		release: func() {
			releaseOnce.Do(func() { stdoutR.Close() })
		},
	}

	go s.logStderr(stderrR)
	go func() {
		err := cmd.Wait()
		close(w.done)
		if err != nil {
			s.logger.Warn("Model worker exited", zap.Error(err))
			return
		}
		s.logger.Info("Model worker exited")
	}()

	return w, nil
}

// logStderr forwards worker log lines, mapping their level prefix, until
// the worker closes stderr.
func (s *Subprocess) logStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			s.logger.Error("Model worker", zap.String("line", line))
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			s.logger.Warn("Model worker", zap.String("line", line))
		default:
			s.logger.Debug("Model worker", zap.String("line", line))
		}
	}
}

// ensureWorker returns a running worker, starting one and waiting for its
// ready message if needed. Caller holds s.mu.
func (s *Subprocess) ensureWorker(ctx context.Context) (*workerProcess, error) {
	if s.worker != nil && s.worker.alive() {
		return s.worker, nil
	}
	s.discard()

	w, err := s.spawn(ctx)
	if err != nil {
		return nil, err
	}

	var ready response
	timeout := time.Duration(s.config.StartupTimeoutSec * float64(time.Second))
	if err := s.exchange(ctx, w, nil, &ready, timeout); err != nil {
		w.kill()
		w.close()
		return nil, fmt.Errorf("model worker did not become ready: %w", err)
	}
	if ready.Type != msgReady || !ready.OK {
		w.kill()
		w.close()
		return nil, fmt.Errorf("model worker failed to start: %s", ready.Error)
	}

	s.worker = w
	return w, nil
}

// exchange writes req (when non-nil) and reads one response, giving up when
// ctx ends or timeout passes. A worker that misses a deadline is killed
// since its stream is no longer in step.
func (s *Subprocess) exchange(ctx context.Context, w *workerProcess, req *request, resp *response, timeout time.Duration) error {
	limit := s.config.MaxMessageMB << 20
	result := make(chan error, 1)
	go func() {
		if req != nil {
			if err := writeMessage(w.stdin, req); err != nil {
				result <- err
				return
			}
		}
		result <- readMessage(w.stdout, resp, limit)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		w.kill()
		return ctx.Err()
	case <-timer.C:
		w.kill()
		return fmt.Errorf("model worker timed out after %s", timeout)
	case <-w.done:
		if err := <-result; err != nil {
			return fmt.Errorf("%w: %v", errWorkerGone, err)
		}
		return nil
	}
}

func (s *Subprocess) call(ctx context.Context, req *request) (*response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.ensureWorker(ctx)
	if err != nil {
		return nil, err
	}

	var resp response
	timeout := time.Duration(s.config.RequestTimeoutSec * float64(time.Second))
	if err := s.exchange(ctx, w, req, &resp, timeout); err != nil {
		s.discard()
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("model worker rejected %s: %s", req.Type, resp.Error)
	}
	return &resp, nil
}

func (s *Subprocess) Configure(ctx context.Context, region Polygon, classes []int) (Counter, error) {
	if err := region.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	_, err := s.call(ctx, &request{
		Type:    msgConfigure,
		Counter: id,
		Model:   s.modelPath,
		Region:  region,
		Classes: classes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure counter: %w", err)
	}

	s.logger.Debug("Counter configured", zap.String("counter", id), zap.Ints("classes", classes))
	return &subprocessCounter{parent: s, id: id}, nil
}

func (s *Subprocess) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker != nil && s.worker.alive()
}

// Close stops the worker: stdin is closed so it can exit on its own, and it
// is killed if it has not done so within two seconds.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.worker == nil {
		return nil
	}
	w := s.worker
	s.worker = nil

	_ = w.stdin.Close()
	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		s.logger.Warn("Model worker did not exit, killing")
		w.kill()
	}
	if w.release != nil {
		w.release()
	}
	return nil
}

// discard drops the current worker, releasing its pipes once it has exited.
// Caller holds s.mu.
func (s *Subprocess) discard() {
	if s.worker == nil {
		return
	}
	s.worker.close()
	s.worker = nil
}

// close stops a worker that is no longer in use and frees its stdout once
// the process is gone.
func (w *workerProcess) close() {
	_ = w.stdin.Close()
	if w.release == nil {
		return
	}
	go func() {
		select {
		case <-w.done:
		case <-time.After(2 * time.Second):
			w.kill()
			<-w.done
		}
		w.release()
	}()
}

type subprocessCounter struct {
	parent *Subprocess
	id     string
	counts map[string]int
	closed bool
}

func (c *subprocessCounter) Annotate(ctx context.Context, frame *video.Frame) (*video.Frame, error) {
	resp, err := c.parent.call(ctx, &request{
		Type:    msgAnnotate,
		Counter: c.id,
		Seq:     frame.Index,
		Width:   frame.Width,
		Height:  frame.Height,
		Data:    frame.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", frame.Index, err)
	}
	if resp.Seq != frame.Index {
		return nil, fmt.Errorf("frame %d: worker answered for frame %d", frame.Index, resp.Seq)
	}
	if len(resp.Data) != len(frame.Data) {
		return nil, fmt.Errorf("frame %d: worker returned %d bytes, want %d", frame.Index, len(resp.Data), len(frame.Data))
	}
	c.counts = resp.Counts

	return &video.Frame{
		Index:  frame.Index,
		Width:  frame.Width,
		Height: frame.Height,
		Data:   resp.Data,
	}, nil
}

func (c *subprocessCounter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	c.parent.logger.Debug("Counter closed", zap.String("counter", c.id), zap.Any("counts", c.counts))

	if !c.parent.running() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.parent.call(ctx, &request{Type: msgClose, Counter: c.id}); err != nil {
		return fmt.Errorf("failed to release counter %s: %w", c.id, err)
	}
	return nil
}
