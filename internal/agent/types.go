// Package agent runs chat exchanges against the assistant CLI and exposes
// them over SSE and WebSocket.
package agent

import (
	"errors"

	"github.com/viagen/viagen/internal/protocol"
)

var (
	// ErrNoCredentials is returned when no credential form is configured.
	ErrNoCredentials = errors.New("no credentials configured")
	// ErrRefresh wraps credential refresh failures that abort a send.
	ErrRefresh = errors.New("credential refresh failed")
	// ErrEmptyMessage is returned for a blank message.
	ErrEmptyMessage = errors.New("message is empty")
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// Sink receives the events of one exchange in order, ending with exactly
// one done event. OnEvent is never called concurrently for one exchange.
type Sink interface {
	OnEvent(ev protocol.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev protocol.Event)

// OnEvent implements Sink.
func (f SinkFunc) OnEvent(ev protocol.Event) { f(ev) }

// DiagnosticsSource supplies recent build errors and warnings.
type DiagnosticsSource interface {
	RecentDiagnostics() []string
}

// Result summarizes a finished exchange.
type Result struct {
	ExitCode  int
	Cancelled bool
	// SpawnErr is set when the process never started.
	SpawnErr error
}
