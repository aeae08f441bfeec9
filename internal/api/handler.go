// Package api provides shared JSON helpers and the side routes of the chat
// server: health, last build error and diagnostics ingest.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/viagen/viagen/internal/config"
	"github.com/viagen/viagen/internal/credentials"
	"github.com/viagen/viagen/internal/diagnostics"
	"github.com/viagen/viagen/internal/store"
)

const maxDiagnosticBodySize = 64 << 10

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrTrailingData is returned by DecodeJSON when the body holds more than one
// JSON value.
var ErrTrailingData = errors.New("unexpected data after JSON body")

// DecodeJSON decodes a request body that must be exactly one JSON value.
// A *http.MaxBytesError from the body reader is returned unwrapped.
func DecodeJSON(body io.Reader, v interface{}) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	var extra json.RawMessage
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return nil
	case err != nil:
		return err
	default:
		return ErrTrailingData
	}
}

// Handler serves the health, error and diagnostics routes.
type Handler struct {
	cfg   *config.Config
	creds *credentials.Credentials
	diag  *diagnostics.Buffer
	repo  store.Repository // optional
}

// NewHandler creates a new Handler.
func NewHandler(cfg *config.Config, creds *credentials.Credentials, diag *diagnostics.Buffer, repo store.Repository) *Handler {
	return &Handler{cfg: cfg, creds: creds, diag: diag, repo: repo}
}

// RegisterRoutes registers the side routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/error", h.HandleError)
	r.Delete("/error", h.HandleClearError)
	r.Get("/diagnostics", h.HandleListDiagnostics)
	r.Post("/diagnostics", h.HandleIngestDiagnostic)
}

// SessionWindow describes a time-boxed hosting session.
type SessionWindow struct {
	StartedAt      int64 `json:"startedAt"`
	ExpiresAt      int64 `json:"expiresAt"`
	TimeoutSeconds int64 `json:"timeoutSeconds"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string         `json:"status"`
	Configured bool           `json:"configured"`
	Auth       string         `json:"auth"`
	Git        bool           `json:"git"`
	Branch     *string        `json:"branch"`
	Session    *SessionWindow `json:"session"`
	Database   string         `json:"database,omitempty"`
}

// HandleHealth reports whether the server can run exchanges.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Configured: h.creds.Configured(),
		Auth:       string(h.creds.Mode()),
		Git:        h.cfg.GitToken != "",
	}
	if !resp.Configured {
		resp.Status = "error"
	}
	if h.cfg.Branch != "" {
		branch := h.cfg.Branch
		resp.Branch = &branch
	}
	if h.cfg.SessionStart > 0 && h.cfg.SessionTimeout > 0 {
		resp.Session = &SessionWindow{
			StartedAt:      h.cfg.SessionStart,
			ExpiresAt:      h.cfg.SessionStart + h.cfg.SessionTimeout,
			TimeoutSeconds: h.cfg.SessionTimeout,
		}
	}
	if h.repo != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.Database = "ok"
		if err := h.repo.Ping(ctx); err != nil {
			slog.Warn("Health check database ping failed", "error", err)
			resp.Database = "error"
		}
	}
	JSON(w, http.StatusOK, resp)
}

// HandleError returns the most recent build error, or null.
func (h *Handler) HandleError(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]*diagnostics.BuildError{"error": h.diag.LastError()})
}

// HandleClearError forgets the last build error.
func (h *Handler) HandleClearError(w http.ResponseWriter, _ *http.Request) {
	h.diag.ClearLastError()
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleListDiagnostics returns the buffered build output.
func (h *Handler) HandleListDiagnostics(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string][]diagnostics.Entry{"entries": h.diag.Entries()})
}

type diagnosticRequest struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// HandleIngestDiagnostic accepts a log line pushed by a build-tool hook.
func (h *Handler) HandleIngestDiagnostic(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDiagnosticBodySize)

	var req diagnosticRequest
	if err := DecodeJSON(r.Body, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, `Missing "text" field`)
		return
	}
	level, ok := diagnostics.ParseLevel(req.Level)
	if !ok {
		Error(w, http.StatusBadRequest, "level must be one of info, warn, error")
		return
	}

	h.diag.Push(level, req.Text)
	JSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}
