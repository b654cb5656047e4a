// internal/logging/logfile.go
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	defaultLogName  = "scanlink.log"
	defaultRotateMB = 10
	defaultKeep     = 10
)

// logFilePath resolves where file logging goes; "" means stderr only.
func logFilePath(opts Options) string {
	if p := strings.TrimSpace(opts.File); p != "" {
		return p
	}
	if dir := strings.TrimSpace(opts.Dir); dir != "" {
		return filepath.Join(dir, defaultLogName)
	}
	return ""
}

func openLogFile(opts Options) (*logFile, error) {
	path := logFilePath(opts)
	if path == "" {
		return nil, nil
	}
	rotateMB := opts.RotateMB
	if rotateMB < 1 {
		rotateMB = defaultRotateMB
	}
	keep := opts.Keep
	if keep < 1 {
		keep = defaultKeep
	}
	return newLogFile(path, int64(rotateMB)<<20, keep)
}

// logFile appends to path and, once a write would take it past limit,
// shifts generations down (path.1 is the newest, path.<keep> the oldest)
// and starts over. Logs can name devices, so files are owner-only.
type logFile struct {
	path  string
	limit int64
	keep  int

	mu   sync.Mutex
	f    *os.File
	size int64
}

func newLogFile(path string, limit int64, keep int) (*logFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	l := &logFile{path: path, limit: limit, keep: keep}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *logFile) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	l.f, l.size = f, fi.Size()
	return nil
}

func (l *logFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		if err := l.open(); err != nil {
			return 0, err
		}
	}
	if l.limit > 0 && l.size > 0 && l.size+int64(len(p)) > l.limit {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := l.f.Write(p)
	l.size += int64(n)
	return n, err
}

// rotate must be called with mu held.
func (l *logFile) rotate() error {
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	l.f = nil

	_ = os.Remove(l.generation(l.keep))
	for i := l.keep - 1; i >= 1; i-- {
		_ = os.Rename(l.generation(i), l.generation(i+1))
	}
	if err := os.Rename(l.path, l.generation(1)); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	return l.open()
}

func (l *logFile) generation(i int) string {
	return fmt.Sprintf("%s.%d", l.path, i)
}

func (l *logFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
