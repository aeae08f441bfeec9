// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/viagen/viagen/internal/domain"
)

// Repository persists chat session state and exchange records.
type Repository interface {
	// GetSessionState returns nil, nil when no state exists for name.
	GetSessionState(ctx context.Context, name string) (*domain.SessionState, error)

	// UpsertSessionState creates or replaces the state for state.Name.
	UpsertSessionState(ctx context.Context, state *domain.SessionState) error

	// StartExchange records a newly spawned exchange.
	StartExchange(ctx context.Context, rec *domain.ExchangeRecord) error

	// FinishExchange records the outcome of an exchange.
	FinishExchange(ctx context.Context, id string, status domain.ExchangeStatus, exitCode int, stderrTail string, finishedAt time.Time) error

	// ListExchanges returns the most recent exchanges, newest first.
	ListExchanges(ctx context.Context, limit int) ([]*domain.ExchangeRecord, error)

	// AbandonRunningExchanges marks exchanges still recorded as running as
	// failed. Called at startup, when no exchange can be in flight.
	AbandonRunningExchanges(ctx context.Context, finishedAt time.Time) (int64, error)

	// CleanupExchanges deletes finished exchanges older than ttl.
	CleanupExchanges(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
