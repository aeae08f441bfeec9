package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/viagen/viagen/internal/domain"
	"github.com/viagen/viagen/internal/process"
	"github.com/viagen/viagen/internal/protocol"
	"github.com/viagen/viagen/internal/transcript"
)

// Exchange is one subprocess invocation driven by one message.
type Exchange struct {
	ID string

	session *Session
	sink    Sink
	logger  *slog.Logger
	done    chan struct{}

	mu        sync.Mutex
	proc      process.Process
	cancelled bool

	// Touched only by the run goroutine.
	doneSent bool
	result   Result
}

func newExchange(s *Session, id string, sink Sink) *Exchange {
	return &Exchange{
		ID:      id,
		session: s,
		sink:    sink,
		logger:  s.logger.With("exchange_id", id),
		done:    make(chan struct{}),
	}
}

// Cancel terminates the subprocess. The exchange still completes normally
// and emits done. Safe to call repeatedly and after completion.
func (e *Exchange) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return
	}
	e.cancelled = true
	if e.proc != nil {
		e.logger.Info("Exchange cancelled, terminating process", "pid", e.proc.Pid())
		e.proc.Terminate()
	}
}

// Done is closed once done has been emitted and the process reaped.
func (e *Exchange) Done() <-chan struct{} { return e.done }

// Wait blocks until the exchange completes.
func (e *Exchange) Wait() Result {
	<-e.done
	return e.result
}

func (e *Exchange) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *Exchange) emit(ev protocol.Event) {
	if e.doneSent {
		return
	}
	if ev.Type == protocol.EventDone {
		e.doneSent = true
	}
	e.sink.OnEvent(ev)
}

func (e *Exchange) run(cmd process.Command, messageLength int) {
	defer close(e.done)
	started := time.Now()
	e.recordStart(started, messageLength)

	if e.isCancelled() {
		e.result = Result{Cancelled: true, ExitCode: -1}
		e.emit(protocol.DoneEvent())
		e.recordFinish(domain.ExchangeCancelled, -1, "")
		return
	}

	proc, err := e.session.cfg.Spawner.Spawn(cmd)
	if err != nil {
		e.logger.Error("Failed to spawn assistant process", "error", err, "path", cmd.Path)
		e.result = Result{ExitCode: -1, SpawnErr: err}
		e.emit(protocol.ErrorEvent(err.Error()))
		e.emit(protocol.DoneEvent())
		e.recordFinish(domain.ExchangeFailed, -1, err.Error())
		return
	}

	e.mu.Lock()
	e.proc = proc
	cancelled := e.cancelled
	e.mu.Unlock()
	if cancelled {
		proc.Terminate()
	}

	dec := protocol.NewDecoder()
	for chunk := range proc.Output() {
		switch chunk.Stream {
		case process.Stdout:
			e.apply(dec.Write(chunk.Data))
		case process.Stderr:
			if ev, ok := protocol.StderrEvent(chunk.Data); ok {
				e.emit(ev)
			}
		}
	}
	e.apply(dec.Flush())

	exit := proc.Wait()
	cancelled = e.isCancelled()
	e.result = Result{ExitCode: exit.Code, Cancelled: cancelled}

	if !e.doneSent && !cancelled && exit.Code != 0 {
		e.emit(protocol.ErrorEvent(fmt.Sprintf("assistant process exited with code %d", exit.Code)))
	}
	e.emit(protocol.DoneEvent())

	status := domain.ExchangeCompleted
	switch {
	case cancelled:
		status = domain.ExchangeCancelled
	case exit.Code != 0:
		status = domain.ExchangeFailed
	}
	e.recordFinish(status, exit.Code, proc.StderrTail())

	e.logger.Info("Exchange finished",
		"status", status,
		"exit_code", exit.Code,
		"duration", time.Since(started),
	)
}

// apply forwards decoded updates, persisting the significant ones.
func (e *Exchange) apply(updates []protocol.Update) {
	for _, u := range updates {
		if u.Event == nil {
			if u.SessionID != "" {
				e.session.setContinuity(u.SessionID)
			}
			continue
		}
		if e.doneSent {
			continue
		}
		e.persist(u)
		e.emit(*u.Event)
	}
}

func (e *Exchange) persist(u protocol.Update) {
	var entry transcript.Entry
	switch u.Persist {
	case protocol.PersistText:
		entry = transcript.Entry{Role: transcript.RoleAssistant, Type: transcript.TypeText, Text: u.Event.Text}
	case protocol.PersistToolUse:
		entry = transcript.Entry{Role: transcript.RoleAssistant, Type: transcript.TypeToolUse, Name: u.Event.Name, Input: u.Event.Input}
	case protocol.PersistResult:
		entry = transcript.Entry{Role: transcript.RoleAssistant, Type: transcript.TypeResult, Text: u.Event.Text}
	default:
		return
	}
	if err := e.session.cfg.Transcript.Append(entry); err != nil {
		e.logger.Warn("Failed to append transcript entry", "type", entry.Type, "error", err)
	}
}

func (e *Exchange) recordStart(started time.Time, messageLength int) {
	repo := e.session.cfg.Store
	if repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := repo.StartExchange(ctx, &domain.ExchangeRecord{
		ID:            e.ID,
		SessionName:   e.session.cfg.Name,
		MessageLength: messageLength,
		StartedAt:     started,
		Status:        domain.ExchangeRunning,
	}); err != nil {
		e.logger.Warn("Failed to record exchange start", "error", err)
	}
}

func (e *Exchange) recordFinish(status domain.ExchangeStatus, exitCode int, stderrTail string) {
	repo := e.session.cfg.Store
	if repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := repo.FinishExchange(ctx, e.ID, status, exitCode, stderrTail, time.Now()); err != nil {
		e.logger.Warn("Failed to record exchange finish", "error", err)
	}
}
