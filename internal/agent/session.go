package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viagen/viagen/internal/credentials"
	"github.com/viagen/viagen/internal/domain"
	"github.com/viagen/viagen/internal/process"
	"github.com/viagen/viagen/internal/store"
	"github.com/viagen/viagen/internal/transcript"
)

const storeTimeout = 5 * time.Second

// SessionConfig wires a Session to its collaborators.
type SessionConfig struct {
	Name         string
	Credentials  *credentials.Credentials
	Transcript   *transcript.Store
	Diagnostics  DiagnosticsSource // optional
	Spawner      process.Spawner
	Store        store.Repository // optional
	ClaudeBin    string
	Model        string
	ProjectRoot  string
	SystemPrompt string // empty = DefaultSystemPrompt

	// PersistContinuity mirrors the continuity token into Store.
	PersistContinuity bool
	// BaseEnv is the environment the child inherits; nil means os.Environ().
	BaseEnv []string
	Logger  *slog.Logger
}

// Session is one logical conversation. Exchanges on a session run strictly
// one at a time, so each exchange sees the continuity token left by the
// previous one.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	// slot holds a token while an exchange is in flight.
	slot chan struct{}

	mu         sync.Mutex
	continuity string
	active     *Exchange
}

// NewSession returns a session with no continuity token.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Name == "" {
		cfg.Name = domain.DefaultSessionName
	}
	if cfg.Model == "" {
		cfg.Model = "sonnet"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt(cfg.ProjectRoot)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		logger: logger.With("session", cfg.Name),
		slot:   make(chan struct{}, 1),
	}
}

// Restore loads a previously persisted continuity token.
func (s *Session) Restore(ctx context.Context) error {
	if s.cfg.Store == nil {
		return nil
	}
	state, err := s.cfg.Store.GetSessionState(ctx, s.cfg.Name)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	if state == nil || state.ContinuityToken == "" {
		return nil
	}
	s.mu.Lock()
	s.continuity = state.ContinuityToken
	s.mu.Unlock()
	s.logger.Info("Restored continuity token", "updated_at", state.UpdatedAt)
	return nil
}

// Name returns the session name.
func (s *Session) Name() string { return s.cfg.Name }

// Configured reports whether credentials are available.
func (s *Session) Configured() bool {
	return s.cfg.Credentials != nil && s.cfg.Credentials.Configured()
}

// ContinuityToken returns the current continuity token, or "".
func (s *Session) ContinuityToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.continuity
}

// Active returns the in-flight exchange, or nil.
func (s *Session) Active() *Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SendMessage starts an exchange for text, delivering its events to sink.
// It waits for any in-flight exchange to finish first. Errors returned here
// mean nothing was spawned and sink received no events; once an Exchange is
// returned, every failure arrives in-band followed by done. Cancelling ctx
// after SendMessage returns cancels the exchange.
func (s *Session) SendMessage(ctx context.Context, text string, sink Sink) (*Exchange, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if !s.Configured() {
		return nil, ErrNoCredentials
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := s.cfg.Credentials.EnsureFresh(ctx); err != nil {
		<-s.slot
		return nil, fmt.Errorf("%w: %w", ErrRefresh, err)
	}

	if err := s.cfg.Transcript.Append(transcript.Entry{
		Role: transcript.RoleUser,
		Type: transcript.TypeMessage,
		Text: text,
	}); err != nil {
		s.logger.Warn("Failed to append user message to transcript", "error", err)
	}

	var diagnostics []string
	if s.cfg.Diagnostics != nil {
		diagnostics = s.cfg.Diagnostics.RecentDiagnostics()
	}
	baseEnv := s.cfg.BaseEnv
	if baseEnv == nil {
		baseEnv = os.Environ()
	}

	continuity := s.ContinuityToken()
	cmd := process.Command{
		Path: s.cfg.ClaudeBin,
		Args: buildArgs(composePrompt(s.cfg.SystemPrompt, diagnostics), s.cfg.Model, continuity, text),
		Env:  buildEnv(baseEnv, s.cfg.Credentials.Env()),
		Dir:  s.cfg.ProjectRoot,
	}

	ex := newExchange(s, uuid.NewString(), sink)
	s.mu.Lock()
	s.active = ex
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, ex.Cancel)
	go func() {
		defer func() {
			stop()
			s.mu.Lock()
			if s.active == ex {
				s.active = nil
			}
			s.mu.Unlock()
			<-s.slot
		}()
		ex.run(cmd, len(text))
	}()

	s.logger.Info("Exchange started",
		"exchange_id", ex.ID,
		"message_length", len(text),
		"resume", continuity != "",
		"diagnostics", len(diagnostics),
	)
	return ex, nil
}

// Reset forgets the continuity token so the next exchange starts fresh.
// The transcript is untouched.
func (s *Session) Reset() {
	s.setContinuity("")
	s.logger.Info("Session reset")
}

// History returns transcript entries, all of them when since is nil or
// those strictly newer than *since.
func (s *Session) History(since *int64) ([]transcript.Entry, error) {
	if since == nil {
		return s.cfg.Transcript.ReadAll()
	}
	return s.cfg.Transcript.ReadSince(*since)
}

// Shutdown cancels the in-flight exchange and waits for it to finish.
func (s *Session) Shutdown(ctx context.Context) error {
	ex := s.Active()
	if ex == nil {
		return nil
	}
	ex.Cancel()
	select {
	case <-ex.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setContinuity(token string) {
	s.mu.Lock()
	changed := s.continuity != token
	s.continuity = token
	s.mu.Unlock()

	if !changed || !s.cfg.PersistContinuity || s.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.cfg.Store.UpsertSessionState(ctx, &domain.SessionState{
		Name:            s.cfg.Name,
		ContinuityToken: token,
		UpdatedAt:       time.Now(),
	}); err != nil {
		s.logger.Warn("Failed to persist continuity token", "error", err)
	}
}
