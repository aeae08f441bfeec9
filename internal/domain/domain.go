// Package domain contains core domain types shared by the store and the chat engine.
package domain

import (
	"time"
)

// DefaultSessionName names the single chat session a server owns.
const DefaultSessionName = "default"

// SessionState is the persisted part of a chat session.
type SessionState struct {
	Name            string
	ContinuityToken string
	UpdatedAt       time.Time
}

// ExchangeStatus is the lifecycle state of one exchange.
type ExchangeStatus string

const (
	ExchangeRunning   ExchangeStatus = "running"
	ExchangeCompleted ExchangeStatus = "completed"
	ExchangeFailed    ExchangeStatus = "failed"
	ExchangeCancelled ExchangeStatus = "cancelled"
)

// ExchangeRecord describes one subprocess invocation driven by one message.
type ExchangeRecord struct {
	ID            string         `json:"id"`
	SessionName   string         `json:"session_name"`
	MessageLength int            `json:"message_length"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	Status        ExchangeStatus `json:"status"`
	StderrTail    string         `json:"stderr_tail,omitempty"`
}

// Duration returns how long the exchange ran, or zero while running.
func (e *ExchangeRecord) Duration() time.Duration {
	if e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}
