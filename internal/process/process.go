// Package process spawns the assistant CLI and exposes its output as a
// single ordered chunk stream with exit status and escalating termination.
package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// DefaultGrace is how long Terminate waits after SIGTERM before SIGKILL.
const DefaultGrace = 3 * time.Second

const (
	readBufferSize  = 32 * 1024
	defaultTailSize = 8 * 1024
)

// Stream identifies which pipe a chunk came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one read from a child pipe.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Exit describes how the child finished. Code is -1 when the child was
// killed by a signal.
type Exit struct {
	Code int
	Err  error
}

// Command describes one child invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Process is a running child.
type Process interface {
	// Output delivers chunks in read order and is closed once both pipes
	// reach EOF and the child has been reaped. It must be drained.
	Output() <-chan Chunk
	// Wait blocks until Output is closed.
	Wait() Exit
	// Done is closed when the child has been reaped.
	Done() <-chan struct{}
	// Terminate stops the child, escalating to a forced kill after the
	// grace period. Safe to call repeatedly and after exit.
	Terminate()
	Pid() int
	// StderrTail returns the last bytes written to stderr.
	StderrTail() string
}

// Spawner starts processes.
type Spawner interface {
	Spawn(cmd Command) (Process, error)
}

// ExecSpawner starts real OS processes in their own process group.
type ExecSpawner struct {
	Grace    time.Duration
	TailSize int
	Logger   *slog.Logger
}

// NewExecSpawner returns a spawner using the given termination grace period.
func NewExecSpawner(grace time.Duration, logger *slog.Logger) *ExecSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSpawner{Grace: grace, Logger: logger}
}

// Spawn starts cmd. Lookup and start failures are returned directly.
func (s *ExecSpawner) Spawn(c Command) (Process, error) {
	if c.Path == "" {
		return nil, errors.New("spawn: empty executable path")
	}

	//nolint:gosec // executable and arguments come from server configuration
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = nil
	setProcAttrs(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdout pipe: %w", c.Path, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stderr pipe: %w", c.Path, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", c.Path, err)
	}

	grace := s.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &execProcess{
		cmd:    cmd,
		output: make(chan Chunk, 64),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		tail:   newTailBuffer(s.TailSize),
		grace:  grace,
		logger: logger,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.pump(&readers, Stdout, stdout)
	go p.pump(&readers, Stderr, stderr)

	// Reap only after both pipes drain; exec.Cmd.Wait closes them.
	go func() {
		readers.Wait()
		err := cmd.Wait()
		p.exit = Exit{Code: cmd.ProcessState.ExitCode(), Err: err}
		close(p.done)
		close(p.output)
		close(p.closed)
	}()

	logger.Debug("Process started", "pid", cmd.Process.Pid, "path", c.Path)
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	output chan Chunk
	done   chan struct{} // child reaped
	closed chan struct{} // output closed, exit recorded
	exit   Exit
	tail   *tailBuffer
	grace  time.Duration
	logger *slog.Logger

	termOnce sync.Once
}

func (p *execProcess) pump(wg *sync.WaitGroup, stream Stream, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if stream == Stderr {
				_, _ = p.tail.Write(data)
			}
			p.output <- Chunk{Stream: stream, Data: data}
		}
		if err != nil {
			return
		}
	}
}

func (p *execProcess) Output() <-chan Chunk  { return p.output }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) StderrTail() string    { return p.tail.String() }

func (p *execProcess) Wait() Exit {
	<-p.closed
	return p.exit
}

func (p *execProcess) Terminate() {
	select {
	case <-p.done:
		return
	default:
	}
	p.termOnce.Do(func() {
		pid := p.cmd.Process.Pid
		if err := terminate(p.cmd.Process); err != nil {
			p.logger.Debug("Terminate signal failed, process likely exited", "pid", pid, "error", err)
		}
		go func() {
			timer := time.NewTimer(p.grace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				p.logger.Warn("Process ignored termination, killing", "pid", pid, "grace", p.grace)
				if err := kill(p.cmd.Process); err != nil {
					p.logger.Debug("Kill failed", "pid", pid, "error", err)
				}
			}
		}()
	})
}
