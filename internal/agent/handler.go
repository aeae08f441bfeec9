package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/viagen/viagen/internal/api"
	"github.com/viagen/viagen/internal/domain"
	"github.com/viagen/viagen/internal/identity"
	"github.com/viagen/viagen/internal/protocol"
	"github.com/viagen/viagen/internal/store"
	"github.com/viagen/viagen/internal/transcript"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

const noAuthMessage = "No Claude auth configured. Set ANTHROPIC_API_KEY or CLAUDE_ACCESS_TOKEN."

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Repo        store.Repository // optional, backs /chat/exchanges
	RateLimiter *RateLimiter     // optional
	MaxBodySize int64
	// OriginPatterns are passed to the WebSocket upgrader.
	OriginPatterns []string
	Logger         *slog.Logger
}

// Handler serves the chat routes over SSE and WebSocket.
type Handler struct {
	session        *Session
	repo           store.Repository
	rateLimiter    *RateLimiter
	maxBodySize    int64
	originPatterns []string
	logger         *slog.Logger
}

// NewHandler creates a chat handler bound to one session.
func NewHandler(session *Session, opts HandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxRequestBodySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = []string{"*"}
	}
	return &Handler{
		session:        session,
		repo:           opts.Repo,
		rateLimiter:    opts.RateLimiter,
		maxBodySize:    opts.MaxBodySize,
		originPatterns: opts.OriginPatterns,
		logger:         opts.Logger,
	}
}

// RegisterRoutes registers the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/chat", h.HandleChat)
	r.HandleFunc("/chat/reset", h.HandleReset)
	r.Get("/chat/history", h.HandleHistory)
	r.Get("/chat/status", h.HandleStatus)
	r.Get("/chat/exchanges", h.HandleExchanges)
	r.Get("/chat/ws", h.HandleWebSocket)
}

// Close releases handler resources.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// HandleChat runs one exchange and streams its events as SSE.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.Error(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if h.rateLimiter != nil && !h.rateLimiter.Allow(identity.IPFromRequest(r)) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if !h.session.Configured() {
		api.Error(w, http.StatusInternalServerError, noAuthMessage)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var req ChatRequest
	if err := api.DecodeJSON(r.Body, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		api.Error(w, http.StatusBadRequest, `Missing "message" field`)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	sink := &sseSink{w: w, flusher: flusher, logger: h.logger.With("request_id", reqID)}

	ex, err := h.session.SendMessage(r.Context(), req.Message, sink)
	if err != nil {
		h.writeSendError(w, r, err)
		return
	}
	sink.begin()

	h.logger.Info("Chat stream opened",
		"request_id", reqID,
		"exchange_id", ex.ID,
		"ip", identity.IPFromRequest(r),
	)

	// The exchange writes to w until done; returning earlier would hand the
	// ResponseWriter back to net/http while writes are still possible.
	<-ex.Done()

	if r.Context().Err() != nil {
		h.logger.Info("Chat client disconnected", "request_id", reqID, "exchange_id", ex.ID)
	}
}

func (h *Handler) writeSendError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNoCredentials):
		api.Error(w, http.StatusInternalServerError, noAuthMessage)
	case errors.Is(err, ErrEmptyMessage):
		api.Error(w, http.StatusBadRequest, `Missing "message" field`)
	case errors.Is(err, ErrRefresh):
		h.logger.Error("Token refresh failed before exchange", "error", err)
		api.Error(w, http.StatusInternalServerError, "Failed to refresh Claude token: "+strings.TrimPrefix(err.Error(), ErrRefresh.Error()+": "))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Info("Chat client left before exchange started", "ip", identity.IPFromRequest(r))
	default:
		h.logger.Error("Failed to start exchange", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to start exchange")
	}
}

// HandleReset forgets the session's continuity token.
func (h *Handler) HandleReset(w http.ResponseWriter, _ *http.Request) {
	h.session.Reset()
	api.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleHistory returns transcript entries, optionally only those newer
// than the since query parameter (epoch milliseconds).
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	var since *int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			api.Error(w, http.StatusBadRequest, "Invalid since parameter")
			return
		}
		since = &ts
	}

	entries, err := h.session.History(since)
	if err != nil {
		h.logger.Error("Failed to read transcript", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	api.JSON(w, http.StatusOK, map[string][]transcript.Entry{"entries": entries})
}

type statusResponse struct {
	Session    string `json:"session"`
	Configured bool   `json:"configured"`
	Busy       bool   `json:"busy"`
	Resumable  bool   `json:"resumable"`
}

// HandleStatus reports whether an exchange is in flight.
func (h *Handler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	api.JSON(w, http.StatusOK, statusResponse{
		Session:    h.session.Name(),
		Configured: h.session.Configured(),
		Busy:       h.session.Active() != nil,
		Resumable:  h.session.ContinuityToken() != "",
	})
}

// HandleExchanges lists recent exchange records, newest first.
func (h *Handler) HandleExchanges(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		api.JSON(w, http.StatusOK, map[string][]*domain.ExchangeRecord{"exchanges": {}})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			api.Error(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = n
	}
	records, err := h.repo.ListExchanges(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list exchanges", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to list exchanges")
		return
	}
	if records == nil {
		records = []*domain.ExchangeRecord{}
	}
	api.JSON(w, http.StatusOK, map[string][]*domain.ExchangeRecord{"exchanges": records})
}

// sseSink writes exchange events as SSE frames. Headers are committed on
// begin or the first event, whichever comes first. After a write error the
// client is gone and further events are discarded.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *slog.Logger

	mu       sync.Mutex
	started  bool
	closed   bool
	doneSent bool
}

func (s *sseSink) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *sseSink) startLocked() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

// OnEvent implements Sink.
func (s *sseSink) OnEvent(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.doneSent {
		return
	}
	s.startLocked()

	var err error
	if ev.Type == protocol.EventDone {
		s.doneSent = true
		err = writeSSE(s.w, "done", "{}")
	} else {
		var data []byte
		data, err = json.Marshal(ev)
		if err != nil {
			s.logger.Warn("failed to marshal chat event", "error", err, "type", ev.Type)
			return
		}
		err = writeSSE(s.w, "", string(data))
	}
	if err != nil {
		s.closed = true
		s.logger.Debug("SSE write failed, dropping remaining events", "error", err)
		return
	}
	s.flusher.Flush()
}

// writeSSE writes one frame. An empty event name yields a data-only frame.
func writeSSE(w io.Writer, event, data string) error {
	if event == "" {
		_, err := fmt.Fprintf(w, "data: %s\n\n", data)
		return err
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
