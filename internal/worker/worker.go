// Package worker runs the server's periodic background jobs.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/viagen/viagen/internal/store"
)

// DefaultRetentionInterval is how often finished exchange records are swept.
const DefaultRetentionInterval = 1 * time.Hour

// DefaultRefreshInterval is how often the credential expiry is checked.
const DefaultRefreshInterval = 1 * time.Minute

// Refresher keeps a credential fresh.
type Refresher interface {
	NeedsRefresh() bool
	EnsureFresh(ctx context.Context) error
}

// StartRetentionWorker runs a background goroutine that periodically deletes
// finished exchange records older than ttl. A non-positive ttl disables it.
func StartRetentionWorker(ctx context.Context, repo store.Repository, ttl, interval time.Duration) {
	if ttl <= 0 {
		slog.Info("Retention worker disabled")
		return
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "ttl", ttl)

		sweepExchanges(ctx, repo, ttl)
		for {
			select {
			case <-ticker.C:
				sweepExchanges(ctx, repo, ttl)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExchanges(ctx context.Context, repo store.Repository, ttl time.Duration) {
	deleted, err := repo.CleanupExchanges(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Retention worker failed to clean up exchanges", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker removed old exchanges", "count", deleted)
	}
}

// StartTokenRefreshWorker refreshes the credential ahead of expiry so an
// idle server does not pay the refresh on the next chat request. Failures
// are logged; the next chat request retries inline.
func StartTokenRefreshWorker(ctx context.Context, creds Refresher, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Token refresh worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				refreshIfDue(ctx, creds)
			case <-ctx.Done():
				slog.Info("Token refresh worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func refreshIfDue(ctx context.Context, creds Refresher) {
	if !creds.NeedsRefresh() {
		return
	}
	if err := creds.EnsureFresh(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("Background token refresh failed", "error", err)
		return
	}
	slog.Debug("Background token refresh completed")
}
