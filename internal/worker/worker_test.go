package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/viagen/viagen/internal/store"
)

type fakeRepo struct {
	store.Repository
	calls atomic.Int32
	ttl   atomic.Int64
}

func (f *fakeRepo) CleanupExchanges(_ context.Context, ttl time.Duration) (int64, error) {
	f.calls.Add(1)
	f.ttl.Store(int64(ttl))
	return 2, nil
}

type fakeRefresher struct {
	due     atomic.Bool
	ensures atomic.Int32
	err     error
}

func (f *fakeRefresher) NeedsRefresh() bool { return f.due.Load() }

func (f *fakeRefresher) EnsureFresh(context.Context) error {
	f.ensures.Add(1)
	f.due.Store(false)
	return f.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartRetentionWorker(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := &fakeRepo{}
	StartRetentionWorker(ctx, repo, time.Hour, 10*time.Millisecond)

	waitFor(t, func() bool { return repo.calls.Load() >= 2 })
	if got := time.Duration(repo.ttl.Load()); got != time.Hour {
		t.Errorf("ttl = %v, want 1h", got)
	}
}

func TestStartRetentionWorker_DisabledWithoutTTL(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	StartRetentionWorker(context.Background(), repo, 0, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if n := repo.calls.Load(); n != 0 {
		t.Errorf("cleanup called %d times, want 0", n)
	}
}

func TestStartTokenRefreshWorker(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	creds := &fakeRefresher{}
	StartTokenRefreshWorker(ctx, creds, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	if n := creds.ensures.Load(); n != 0 {
		t.Fatalf("EnsureFresh called %d times before due", n)
	}

	creds.due.Store(true)
	waitFor(t, func() bool { return creds.ensures.Load() == 1 })
}

func TestRefreshIfDue_LogsFailure(t *testing.T) {
	t.Parallel()

	creds := &fakeRefresher{err: errors.New("boom")}
	creds.due.Store(true)
	refreshIfDue(context.Background(), creds)
	if n := creds.ensures.Load(); n != 1 {
		t.Errorf("EnsureFresh called %d times, want 1", n)
	}
}
