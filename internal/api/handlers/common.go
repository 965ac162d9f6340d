package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"SkyCount/internal/progress"
	"SkyCount/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// SessionCookie carries the session ID between the page and the API.
const SessionCookie = "skycount_session"

// Processor runs and resets passes. *session.Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, s *session.Session, upload session.UploadedVideo, reporter progress.Reporter) (*session.Result, error)
	Reset(s *session.Session)
}

// sessionFromCookie returns the caller's session. An absent or unknown
// cookie gets a freshly minted session; client-supplied IDs are never
// adopted.
func sessionFromCookie(w http.ResponseWriter, r *http.Request, sessions *session.Registry) *session.Session {
	if c, err := r.Cookie(SessionCookie); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			if s, ok := sessions.Touch(id); ok {
				return s
			}
		}
	}

	s, _ := sessions.GetOrCreate(uuid.New())
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    s.ID.String(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(24 * time.Hour),
	})
	return s
}

// sessionFromPath resolves the {id} URL parameter to a live session.
func sessionFromPath(r *http.Request, sessions *session.Registry) (*session.Session, int, string) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return nil, http.StatusBadRequest, "Invalid session ID"
	}
	s, ok := sessions.Get(id)
	if !ok {
		return nil, http.StatusNotFound, "Session not found"
	}
	return s, http.StatusOK, ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}
