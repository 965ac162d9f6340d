package session

import (
	"sync"
	"time"

	"SkyCount/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry keeps live sessions in memory, keyed by the session cookie.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewRegistry creates a registry expiring sessions idle for longer than
// ttl. A zero ttl never expires them.
func NewRegistry(ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// GetOrCreate returns the session with id, creating it if needed. The bool
// reports whether it was created.
func (r *Registry) GetOrCreate(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.touch()
		return s, false
	}

	s := NewWithID(id)
	r.sessions[id] = s
	metrics.ActiveSessions.Set(float64(len(r.sessions)))

	r.logger.Debug("Session created", zap.String("session_id", id.String()))
	return s, true
}

// Get returns an existing session.
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Touch returns an existing session and marks it as used.
func (r *Registry) Touch(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		s.touch()
	}
	return s, ok
}

// Delete removes a session and everything it left on disk. It waits for a
// running pass to finish.
func (r *Registry) Delete(id uuid.UUID) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	s.pass.Lock()
	s.close()
	s.pass.Unlock()

	r.logger.Info("Session deleted", zap.String("session_id", id.String()))
	return true
}

// Sweep expires sessions idle for longer than the ttl. Sessions with a pass
// in progress are skipped.
func (r *Registry) Sweep() int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if !s.lastTouched().Before(cutoff) {
			continue
		}
		if !s.pass.TryLock() {
			continue
		}
		delete(r.sessions, id)
		expired = append(expired, s)
	}
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	for _, s := range expired {
		s.close()
		s.pass.Unlock()
	}

	if len(expired) > 0 {
		r.logger.Info("Expired idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close discards every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[uuid.UUID]*Session)
	metrics.ActiveSessions.Set(0)
	r.mu.Unlock()

	for _, s := range sessions {
		s.pass.Lock()
		s.close()
		s.pass.Unlock()
	}
}
