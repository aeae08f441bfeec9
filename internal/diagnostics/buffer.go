// Package diagnostics keeps recent build-tool log output so the assistant can
// see compile errors and warnings.
package diagnostics

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// MaxEntries bounds the number of entries kept in memory.
const MaxEntries = 100

// Level is a diagnostic severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps a free-form level name to a Level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error", "err":
		return LevelError, true
	default:
		return "", false
	}
}

// Entry is one buffered log line.
type Entry struct {
	Level     Level  `json:"level"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // ms
}

// BuildError is the most recent error reported by the build tool.
type BuildError struct {
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Buffer is a bounded, concurrency-safe log of recent build output. When a
// log path is set, every push rewrites the mirror file.
type Buffer struct {
	mu        sync.RWMutex
	entries   []Entry
	lastError *BuildError
	logPath   string
	now       func() time.Time
	logger    *slog.Logger
}

// NewBuffer returns a buffer mirrored to logPath (empty disables the mirror).
func NewBuffer(logPath string, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Buffer{logPath: logPath, now: time.Now, logger: logger}
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			logger.Warn("Failed to create diagnostics log dir", "path", logPath, "error", err)
		}
		b.mu.Lock()
		b.flushLocked()
		b.mu.Unlock()
	}
	return b
}

// Push appends an entry, evicting the oldest beyond MaxEntries. Error
// entries also become the last build error.
func (b *Buffer) Push(level Level, text string) {
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.now().UnixMilli()
	b.entries = append(b.entries, Entry{Level: level, Text: text, Timestamp: ts})
	if over := len(b.entries) - MaxEntries; over > 0 {
		b.entries = append(b.entries[:0:0], b.entries[over:]...)
	}
	if level == LevelError {
		b.lastError = &BuildError{Message: text, Timestamp: ts}
	}
	b.flushLocked()
}

// SetLastError records a structured build error without buffering a line.
func (b *Buffer) SetLastError(e *BuildError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastError = e
}

// ClearLastError forgets the last build error, e.g. after a successful rebuild.
func (b *Buffer) ClearLastError() {
	b.SetLastError(nil)
}

// LastError returns the most recent build error, or nil.
func (b *Buffer) LastError() *BuildError {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastError == nil {
		return nil
	}
	e := *b.lastError
	return &e
}

// Entries returns a copy of the buffered entries, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// RecentDiagnostics returns warn and error entries as "[LEVEL] text".
func (b *Buffer) RecentDiagnostics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for _, e := range b.entries {
		if e.Level == LevelWarn || e.Level == LevelError {
			out = append(out, fmt.Sprintf("[%s] %s", strings.ToUpper(string(e.Level)), e.Text))
		}
	}
	return out
}

func (b *Buffer) flushLocked() {
	if b.logPath == "" {
		return
	}
	var sb strings.Builder
	for _, e := range b.entries {
		ts := time.UnixMilli(e.Timestamp).UTC().Format("2006-01-02T15:04:05.000Z")
		fmt.Fprintf(&sb, "[%s] [%s] %s\n", ts, strings.ToUpper(string(e.Level)), e.Text)
	}
	if err := os.WriteFile(b.logPath, []byte(sb.String()), 0o644); err != nil {
		b.logger.Warn("Failed to write diagnostics log", "path", b.logPath, "error", err)
	}
}
