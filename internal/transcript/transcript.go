// Package transcript persists the chat transcript as an append-only JSONL file.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry types.
const (
	TypeMessage = "message"
	TypeText    = "text"
	TypeToolUse = "tool_use"
	TypeResult  = "result"
)

// Entry is one persisted transcript line.
type Entry struct {
	Role      string          `json:"role"`
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Store appends to and reads from a single transcript file.
type Store struct {
	path string
	now  func() time.Time

	mu     sync.Mutex
	last   int64
	seeded bool
}

// New returns a store backed by the file at path. The file and its parent
// directory are created on first append.
func New(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Append stamps entry with the current time in milliseconds and appends it.
// Timestamps never go below the last one written, so file order is
// non-decreasing even if the wall clock steps back.
func (s *Store) Append(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seeded {
		// Pick up where a previous process left off.
		if entries, err := s.ReadAll(); err == nil && len(entries) > 0 {
			s.last = entries[len(entries)-1].Timestamp
		}
		s.seeded = true
	}

	ts := s.now().UnixMilli()
	if ts < s.last {
		ts = s.last
	}
	entry.Timestamp = ts

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript entry: %w", err)
	}
	s.last = ts
	return nil
}

// ReadAll returns every parseable entry in file order. A missing file yields
// no entries; malformed lines are skipped.
func (s *Store) ReadAll() ([]Entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	entries := []Entry{}
	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			var e Entry
			if err := json.Unmarshal([]byte(line), &e); err == nil {
				entries = append(entries, e)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read transcript: %w", readErr)
		}
	}
	return entries, nil
}

// ReadSince returns entries with a timestamp strictly greater than ts.
func (s *Store) ReadSince(ts int64) ([]Entry, error) {
	all, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	out := []Entry{}
	for _, e := range all {
		if e.Timestamp > ts {
			out = append(out, e)
		}
	}
	return out, nil
}
