package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"SkyCount/internal/progress"
	"SkyCount/internal/video"

	"github.com/google/uuid"
)

// State is the position of a session in its processing lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateMetadataRead State = "metadata_read"
	StateProcessing   State = "processing"
	StateComplete     State = "complete"
	StateFailed       State = "failed"
)

var (
	ErrUnreadableVideo   = video.ErrUnreadableVideo
	ErrProcessing        = errors.New("an error occurred during video processing")
	ErrEmptyVideo        = errors.New("video contains no frames")
	ErrUnsupportedFormat = errors.New("unsupported video format")
	ErrNoArtifact        = errors.New("no processed video available")
)

// AllowedExtensions lists the upload extensions the page accepts.
var AllowedExtensions = []string{".mp4", ".avi", ".mov"}

// CheckExtension rejects filenames outside AllowedExtensions, ignoring case.
func CheckExtension(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if !slices.Contains(AllowedExtensions, ext) {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
	}
	return nil
}

// UserMessage renders err the way it is shown on the upload page.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnreadableVideo):
		return "Error reading video file. Please try again with a valid video."
	case errors.Is(err, ErrUnsupportedFormat):
		return "Unsupported file type. Please upload an mp4, avi or mov video."
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return fmt.Sprintf("An error occurred during video processing: %v", pe.Err)
	}
	return fmt.Sprintf("An error occurred during video processing: %v", err)
}

// ProcessingError is a failure while decoding, annotating or encoding. It
// matches ErrProcessing and its cause under errors.Is.
type ProcessingError struct {
	Stage string
	Frame int
	Err   error
}

func (e *ProcessingError) Error() string {
	if e.Frame >= 0 {
		return fmt.Sprintf("%s: %s at frame %d: %v", ErrProcessing, e.Stage, e.Frame, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrProcessing, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() []error {
	return []error{ErrProcessing, e.Err}
}

// CacheKey selects what identifies an upload for reuse of the previous
// artifact.
type CacheKey string

const (
	CacheByContent  CacheKey = "content"
	CacheByFilename CacheKey = "filename"
)

// UploadedVideo is a user-supplied file.
type UploadedVideo struct {
	Filename string
	Body     io.Reader
}

// Artifact is the processed video of a completed pass.
type Artifact struct {
	ID        uuid.UUID      `json:"id"`
	Path      string         `json:"-"`
	Frames    int            `json:"frames"`
	Metadata  video.Metadata `json:"metadata"`
	Identity  string         `json:"identity"`
	Filename  string         `json:"filename"`
	Empty     bool           `json:"empty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Session holds one user's processing state. Passes within a session run
// one at a time.
type Session struct {
	ID uuid.UUID

	pass sync.Mutex

	mu           sync.RWMutex
	state        State
	artifact     *Artifact
	lastIdentity string
	lastFilename string
	lastErr      string
	jobID        uuid.UUID
	tracker      *progress.Tracker
	dir          string
	touched      time.Time
}

// New creates an idle session with a fresh ID.
func New() *Session {
	return NewWithID(uuid.New())
}

// NewWithID creates an idle session with the given ID.
func NewWithID(id uuid.UUID) *Session {
	return &Session{ID: id, state: StateIdle, touched: time.Now()}
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID       uuid.UUID          `json:"id"`
	State    State              `json:"state"`
	Filename string             `json:"filename,omitempty"`
	Error    string             `json:"error,omitempty"`
	JobID    *uuid.UUID         `json:"job_id,omitempty"`
	Artifact *Artifact          `json:"artifact,omitempty"`
	Progress *progress.Snapshot `json:"progress,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ID:       s.ID,
		State:    s.state,
		Filename: s.lastFilename,
		Error:    s.lastErr,
	}
	if s.jobID != uuid.Nil {
		id := s.jobID
		snap.JobID = &id
	}
	if s.artifact != nil {
		a := *s.artifact
		snap.Artifact = &a
	}
	if s.tracker != nil {
		p := s.tracker.Snapshot()
		snap.Progress = &p
	}
	return snap
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Artifact returns the current artifact or ErrNoArtifact.
func (s *Session) Artifact() (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.artifact == nil {
		return nil, ErrNoArtifact
	}
	a := *s.artifact
	return &a, nil
}

// SetJob records the job tracking the current pass.
func (s *Session) SetJob(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobID = id
}

func (s *Session) JobID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobID
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = time.Now()
}

func (s *Session) lastTouched() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.touched
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) setTracker(t *progress.Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker = t
}

// cachedArtifact returns the artifact when identity matches the last
// completed pass and its file is still on disk.
func (s *Session) cachedArtifact(identity string) (*Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.artifact == nil || s.lastIdentity != identity {
		return nil, false
	}
	if _, err := os.Stat(s.artifact.Path); err != nil {
		return nil, false
	}
	a := *s.artifact
	return &a, true
}

// beginPass drops the previous result and enters MetadataRead.
func (s *Session) beginPass(filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardArtifactLocked()
	s.lastIdentity = ""
	s.lastFilename = filename
	s.lastErr = ""
	s.tracker = nil
	s.state = StateMetadataRead
}

func (s *Session) complete(a *Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact = a
	s.lastIdentity = a.Identity
	s.lastFilename = a.Filename
	s.lastErr = ""
	s.state = StateComplete
}

func (s *Session) fail(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardArtifactLocked()
	s.lastIdentity = ""
	s.lastErr = message
	s.state = StateFailed
}

// reset returns the session to Idle and discards any artifact.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardArtifactLocked()
	s.lastIdentity = ""
	s.lastFilename = ""
	s.lastErr = ""
	s.tracker = nil
	s.state = StateIdle
}

func (s *Session) discardArtifactLocked() {
	if s.artifact == nil {
		return
	}
	_ = os.Remove(s.artifact.Path)
	s.artifact = nil
}

// workDir returns the session's scratch directory under base, creating it
// on first use.
func (s *Session) workDir(base string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		s.dir = filepath.Join(base, "skycount-"+s.ID.String())
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	return s.dir, nil
}

// close discards everything the session left on disk.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardArtifactLocked()
	if s.dir != "" {
		_ = os.RemoveAll(s.dir)
	}
	s.state = StateIdle
}

// Discard removes everything the session left on disk, waiting for a
// running pass to end first.
func (s *Session) Discard() {
	s.pass.Lock()
	defer s.pass.Unlock()
	s.close()
}
