package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/viagen/viagen/internal/credentials"
	"github.com/viagen/viagen/internal/process"
)

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

func TestHandleChat_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		creds      *credentials.Credentials
		method     string
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "wrong method",
			creds:      apiKeyCreds(),
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
			wantError:  "Method not allowed",
		},
		{
			name:       "no credentials",
			creds:      credentials.NewAPIKey("", credentials.Options{}),
			method:     http.MethodPost,
			body:       `{"message":"hi"}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  "No Claude auth configured. Set ANTHROPIC_API_KEY or CLAUDE_ACCESS_TOKEN.",
		},
		{
			name:       "invalid json",
			creds:      apiKeyCreds(),
			method:     http.MethodPost,
			body:       `{"message":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid JSON body",
		},
		{
			name:       "trailing garbage",
			creds:      apiKeyCreds(),
			method:     http.MethodPost,
			body:       `{"message":"hi"} not json`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid JSON body",
		},
		{
			name:       "two json values",
			creds:      apiKeyCreds(),
			method:     http.MethodPost,
			body:       `{"message":"hi"}{"message":"again"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid JSON body",
		},
		{
			name:       "missing message",
			creds:      apiKeyCreds(),
			method:     http.MethodPost,
			body:       `{"text":"hi"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  `Missing "message" field`,
		},
		{
			name:       "blank message",
			creds:      apiKeyCreds(),
			method:     http.MethodPost,
			body:       `{"message":"   "}`,
			wantStatus: http.StatusBadRequest,
			wantError:  `Missing "message" field`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tt.creds)
			h := NewHandler(f.session, HandlerOptions{Logger: quietLogger()})

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, "/chat", strings.NewReader(tt.body))
			newTestRouter(h).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeError(t, rec); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
			if n := len(f.spawner.commands()); n != 0 {
				t.Errorf("spawned %d processes, want 0", n)
			}
		})
	}
}

func TestHandleChat_BodyTooLarge(t *testing.T) {
	t.Parallel()
	f := newFixture(t, apiKeyCreds())
	h := NewHandler(f.session, HandlerOptions{MaxBodySize: 16, Logger: quietLogger()})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"`+strings.Repeat("x", 64)+`"}`))
	newTestRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHandleChat_Streams(t *testing.T) {
	t.Parallel()
	f := newFixture(t, apiKeyCreds())
	f.spawner.queue(&fakeProcess{chunks: []process.Chunk{
		stdout(initLine, textLine, toolLine, resultLine("Done.")),
	}})
	h := NewHandler(f.session, HandlerOptions{Logger: quietLogger()})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
	newTestRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	want := `data: {"type":"text","text":"Hello"}` + "\n\n" +
		`data: {"type":"tool_use","name":"Edit","input":{"file":"App.tsx"}}` + "\n\n" +
		`data: {"type":"text","text":"Done."}` + "\n\n" +
		"event: done\ndata: {}\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body =\n%s\nwant\n%s", got, want)
	}
}

func TestHandleChat_SpawnFailureStreamsError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, apiKeyCreds())
	f.spawner.err = errNotFound
	h := NewHandler(f.session, HandlerOptions{Logger: quietLogger()})

	rec := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`)))

	want := `data: {"type":"error","text":"executable file not found"}` + "\n\nevent: done\ndata: {}\n\n"
	if rec.Code != http.StatusOK || rec.Body.String() != want {
		t.Errorf("status %d body %q", rec.Code, rec.Body.String())
	}
}

func TestHandleChat_RefreshFailure(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	creds := credentials.NewOAuth("stale", "r1", now.Unix(), credentials.Options{
		Refresher: &stubRefresher{err: &credentials.RefreshError{Kind: credentials.KindServer, Err: errNotFound}},
		Logger:    quietLogger(),
		Now:       func() time.Time { return now },
	})
	f := newFixture(t, creds)
	h := NewHandler(f.session, HandlerOptions{Logger: quietLogger()})

	rec := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`)))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decodeError(t, rec); !strings.HasPrefix(got, "Failed to refresh Claude token: ") {
		t.Errorf("error = %q", got)
	}
	if n := len(f.spawner.commands()); n != 0 {
		t.Errorf("spawned %d processes, want 0", n)
	}
}

func TestHandleChat_RateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, apiKeyCreds())
	h := NewHandler(f.session, HandlerOptions{RateLimiter: NewRateLimiter(1, time.Minute), Logger: quietLogger()})
	defer h.Close()
	router := newTestRouter(h)

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`)))
		if rec.Code != want {
			t.Errorf("request %d status = %d, want %d", i, rec.Code, want)
		}
	}
}

func TestHandleChat_ClientDisconnectTerminates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, apiKeyCreds())
	f.spawner.queue(&fakeProcess{chunks: []process.Chunk{stdout(textLine)}, hold: true})
	h := NewHandler(f.session, HandlerOptions{Logger: quietLogger()})
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/chat", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, `data: {"type":"text"`) {
		t.Fatalf("first line = %q, %v", line, err)
	}
	cancel()

	waitUntil(t, func() bool {
		procs := f.spawner.spawned()
		return len(procs) == 1 && procs[0].terminated.Load()
	})
	waitUntil(t, func() bool { return f.session.Active() == nil })
}

func TestHandleHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, apiKeyCreds())
	ex, err := f.session.SendMessage(context.Background(), "hi", &recordingSink{})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	waitExchange(t, ex)
	router := newTestRouter(NewHandler(f.session, HandlerOptions{Logger: quietLogger()}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/history", nil))
	var body struct {
		Entries []struct {
			Role string `json:"role"`
			Type string `json:"type"`
		} `json:"entries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || len(body.Entries) != 2 || body.Entries[0].Role != "user" {
		t.Errorf("status %d entries %+v", rec.Code, body.Entries)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/history?since=abc", nil))
	if rec.Code != http.StatusBadRequest || decodeError(t, rec) != "Invalid since parameter" {
		t.Errorf("bad since: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/history?since=99999999999999", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"entries":[]}` {
		t.Errorf("future since: status %d body %q", rec.Code, rec.Body.String())
	}
}

func TestHandleReset(t *testing.T) {
	t.Parallel()
	f := newFixture(t, apiKeyCreds())
	f.spawner.queue(&fakeProcess{chunks: []process.Chunk{stdout(initLine, resultLine("ok"))}})
	ex, err := f.session.SendMessage(context.Background(), "hi", &recordingSink{})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	waitExchange(t, ex)
	router := newTestRouter(NewHandler(f.session, HandlerOptions{Logger: quietLogger()}))

	for _, method := range []string{http.MethodPost, http.MethodGet} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, "/chat/reset", nil))
		if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
			t.Errorf("%s /chat/reset: status %d body %q", method, rec.Code, rec.Body.String())
		}
	}
	if tok := f.session.ContinuityToken(); tok != "" {
		t.Errorf("ContinuityToken() = %q after reset", tok)
	}
}

func TestHandleStatusAndExchanges(t *testing.T) {
	t.Parallel()
	f := newFixture(t, apiKeyCreds())
	router := newTestRouter(NewHandler(f.session, HandlerOptions{Logger: quietLogger()}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/status", nil))
	var status statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Configured || status.Busy || status.Session != "default" {
		t.Errorf("status = %+v", status)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/exchanges", nil))
	if strings.TrimSpace(rec.Body.String()) != `{"exchanges":[]}` {
		t.Errorf("exchanges without store = %q", rec.Body.String())
	}
}
