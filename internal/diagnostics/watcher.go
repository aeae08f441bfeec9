package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 100 * time.Millisecond

var (
	errorPattern = regexp.MustCompile(`(?i)\b(error|failed|exception)\b|✘`)
	warnPattern  = regexp.MustCompile(`(?i)\bwarn(ing)?\b|⚠`)
	ansiPattern  = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
)

// Classify assigns a level to a raw build-log line.
func Classify(line string) Level {
	switch {
	case errorPattern.MatchString(line):
		return LevelError
	case warnPattern.MatchString(line):
		return LevelWarn
	default:
		return LevelInfo
	}
}

// Watcher tails a build-tool log file and feeds new lines into a Buffer.
// It starts at the current end of the file and follows truncation and
// recreation.
type Watcher struct {
	path   string
	buf    *Buffer
	logger *slog.Logger

	offset  int64
	partial []byte
}

// NewWatcher returns a watcher for the log file at path.
func NewWatcher(path string, buf *Buffer, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, buf: buf, logger: logger}
}

// Run watches until ctx is done. The parent directory must exist; the file
// itself may appear later.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory so creation and rename of the file are seen.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	if info, err := os.Stat(w.path); err == nil {
		w.offset = info.Size()
	}
	w.logger.Info("Build log watcher started", "path", w.path, "offset", w.offset)

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Build log watcher shutting down", "reason", ctx.Err())
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.offset = 0
				w.partial = nil
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(debounceDuration)
		case <-debounce.C:
			if err := w.readNew(); err != nil {
				w.logger.Warn("Failed to read build log", "path", w.path, "error", err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Build log watcher error", "error", err)
		}
	}
}

// readNew pushes every complete line appended since the last read.
func (w *Watcher) readNew() error {
	f, err := os.Open(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < w.offset {
		// Truncated: start over.
		w.offset = 0
		w.partial = nil
	}
	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	w.offset += int64(len(data))

	data = append(w.partial, data...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		w.pushLine(string(data[:i]))
		data = data[i+1:]
	}
	w.partial = append([]byte(nil), data...)
	return nil
}

func (w *Watcher) pushLine(line string) {
	line = string(bytes.TrimSpace([]byte(ansiPattern.ReplaceAllString(line, ""))))
	if line == "" {
		return
	}
	w.buf.Push(Classify(line), line)
}
