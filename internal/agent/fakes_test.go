package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/viagen/viagen/internal/credentials"
	"github.com/viagen/viagen/internal/process"
	"github.com/viagen/viagen/internal/protocol"
	"github.com/viagen/viagen/internal/transcript"
)

// fakeProcess replays scripted chunks. With hold set it stays alive after
// the script until terminated.
type fakeProcess struct {
	chunks []process.Chunk
	code   int
	hold   bool

	output     chan process.Chunk
	done       chan struct{}
	term       chan struct{}
	termOnce   sync.Once
	terminated atomic.Bool
	exit       process.Exit
}

func (p *fakeProcess) start() {
	p.output = make(chan process.Chunk)
	p.done = make(chan struct{})
	p.term = make(chan struct{})
	go func() {
		code := p.replay()
		p.exit = process.Exit{Code: code}
		close(p.done)
		close(p.output)
	}()
}

func (p *fakeProcess) replay() int {
	for _, c := range p.chunks {
		select {
		case p.output <- c:
		case <-p.term:
			return -1
		}
	}
	if p.hold {
		<-p.term
		return -1
	}
	return p.code
}

func (p *fakeProcess) Output() <-chan process.Chunk { return p.output }
func (p *fakeProcess) Done() <-chan struct{}        { return p.done }
func (p *fakeProcess) Pid() int                     { return 4242 }
func (p *fakeProcess) StderrTail() string           { return "" }

func (p *fakeProcess) Wait() process.Exit {
	<-p.done
	return p.exit
}

func (p *fakeProcess) Terminate() {
	p.terminated.Store(true)
	p.termOnce.Do(func() { close(p.term) })
}

// fakeSpawner hands out queued processes, defaulting to a short successful run.
type fakeSpawner struct {
	mu    sync.Mutex
	err   error
	next  []*fakeProcess
	cmds  []process.Command
	procs []*fakeProcess
}

func (s *fakeSpawner) queue(p ...*fakeProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = append(s.next, p...)
}

func (s *fakeSpawner) Spawn(cmd process.Command) (process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	if s.err != nil {
		return nil, s.err
	}
	var p *fakeProcess
	if len(s.next) > 0 {
		p, s.next = s.next[0], s.next[1:]
	} else {
		p = &fakeProcess{chunks: []process.Chunk{stdout(resultLine("ok"))}}
	}
	p.start()
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) commands() []process.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]process.Command(nil), s.cmds...)
}

func (s *fakeSpawner) spawned() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

func stdout(lines ...string) process.Chunk {
	return process.Chunk{Stream: process.Stdout, Data: []byte(strings.Join(lines, "\n") + "\n")}
}

func stderr(text string) process.Chunk {
	return process.Chunk{Stream: process.Stderr, Data: []byte(text)}
}

const (
	initLine = `{"type":"system","subtype":"init","session_id":"sess-1"}`
	textLine = `{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"}]}}`
	toolLine = `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Edit","input":{"file":"App.tsx"}}]}}`
)

func resultLine(text string) string {
	return `{"type":"result","subtype":"success","result":"` + text + `"}`
}

// recordingSink collects events.
type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *recordingSink) OnEvent(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) snapshot() []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Event(nil), s.events...)
}

func countDone(events []protocol.Event) int {
	n := 0
	for _, ev := range events {
		if ev.Type == protocol.EventDone {
			n++
		}
	}
	return n
}

type staticDiagnostics []string

func (d staticDiagnostics) RecentDiagnostics() []string { return d }

type stubRefresher struct {
	calls atomic.Int32
	tok   credentials.Token
	err   error
}

func (r *stubRefresher) Refresh(context.Context, string) (credentials.Token, error) {
	r.calls.Add(1)
	return r.tok, r.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sessionFixture struct {
	session    *Session
	spawner    *fakeSpawner
	transcript *transcript.Store
}

func newFixture(t *testing.T, creds *credentials.Credentials, mutate ...func(*SessionConfig)) *sessionFixture {
	t.Helper()
	sp := &fakeSpawner{}
	ts := transcript.New(filepath.Join(t.TempDir(), ".viagen", "chat-log.jsonl"))
	cfg := SessionConfig{
		Credentials: creds,
		Transcript:  ts,
		Spawner:     sp,
		ClaudeBin:   "claude",
		ProjectRoot: "/work/app",
		BaseEnv:     []string{"PATH=/usr/bin", "CLAUDECODE_ENTRYPOINT=cli", "ANTHROPIC_API_KEY=inherited"},
		Logger:      quietLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return &sessionFixture{session: NewSession(cfg), spawner: sp, transcript: ts}
}

func apiKeyCreds() *credentials.Credentials {
	return credentials.NewAPIKey("sk-test", credentials.Options{Logger: quietLogger()})
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitExchange(t *testing.T, ex *Exchange) Result {
	t.Helper()
	select {
	case <-ex.Done():
		return ex.Wait()
	case <-time.After(3 * time.Second):
		t.Fatal("exchange did not finish")
		return Result{}
	}
}

var errNotFound = errors.New("executable file not found")
