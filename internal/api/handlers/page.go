package handlers

import (
	"embed"
	"html/template"
	"net/http"
	"strings"

	"SkyCount/internal/session"

	"go.uber.org/zap"
)

//go:embed templates/page.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/page.html"))

// PageHandler serves the upload page
type PageHandler struct {
	sessions *session.Registry
	logger   *zap.Logger
}

// NewPageHandler creates a new page handler
func NewPageHandler(sessions *session.Registry, logger *zap.Logger) *PageHandler {
	return &PageHandler{sessions: sessions, logger: logger}
}

type pageData struct {
	Title       string
	Accept      string
	SessionID   string
	DownloadURL string
	HasArtifact bool
}

// Serve renders the page for the caller's session
func (h *PageHandler) Serve(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCookie(w, r, h.sessions)
	_, err := sess.Artifact()

	data := pageData{
		Title:       "People Counting for Drone Footage",
		Accept:      strings.Join(session.AllowedExtensions, ","),
		SessionID:   sess.ID.String(),
		DownloadURL: "/sessions/" + sess.ID.String() + "/download",
		HasArtifact: err == nil,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		h.logger.Error("Failed to render page", zap.Error(err))
	}
}
