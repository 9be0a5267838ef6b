// Package logs keeps one append-only output log per service.
package logs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 3
	maxTailBytes      = 256 * 1024
)

// Sink maps service ids to log files under Dir. Files rotate once they exceed
// MaxSizeMB; the current file always lives at Path(id).
type Sink struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewSink creates a Sink writing below dir with default rotation limits.
func NewSink(dir string) *Sink {
	return &Sink{
		Dir:        dir,
		MaxSizeMB:  defaultMaxSizeMB,
		MaxBackups: defaultMaxBackups,
	}
}

// Path returns the log file of id. It performs no I/O.
func (s *Sink) Path(id string) string {
	return filepath.Join(s.Dir, sanitize(id)+".log")
}

// Open creates the log file of id if needed and returns an appending writer.
func (s *Sink) Open(id string) (string, io.WriteCloser, error) {
	path := s.Path(id)
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return path, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// lumberjack opens lazily on first write; create the file now so it can be
	// read before the service prints anything.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path is sanitized
	if err != nil {
		return path, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	_ = f.Close() //nolint:errcheck // reopened by the writer

	return path, &Writer{out: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    s.MaxSizeMB,
		MaxBackups: s.MaxBackups,
		MaxAge:     s.MaxAgeDays,
		Compress:   s.Compress,
	}}, nil
}

// Writer is the handle returned by Open. Writes after Close are discarded so
// a process that outlives its handle cannot reopen the file.
type Writer struct {
	mu     sync.Mutex
	out    *lumberjack.Logger
	closed bool
}

// Write appends p to the log.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	return w.out.Write(p)
}

// Close closes the log file. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.out.Close()
}

// Tail returns up to the last n lines of the log of id. A missing log yields
// no lines; n <= 0 returns every line within the read window.
func (s *Sink) Tail(id string, n int) ([]string, error) {
	f, err := os.Open(s.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }() //nolint:errcheck // read only

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	offset := int64(0)
	if stat.Size() > maxTailBytes {
		offset = stat.Size() - maxTailBytes
	}
	data, err := io.ReadAll(io.NewSectionReader(f, offset, stat.Size()-offset))
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	if offset > 0 {
		// Drop the partial first line.
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}

	lines := []string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxTailBytes)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// sanitize maps an id to a single file name. Bytes outside [A-Za-z0-9._-]
// and '%' itself are written as %XX, so distinct ids never share a file.
func sanitize(id string) string {
	if id == "" {
		return "%"
	}
	dotsOnly := strings.Trim(id, ".") == ""

	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		case c == '.' && !dotsOnly:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
