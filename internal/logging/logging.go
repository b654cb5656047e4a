// internal/logging/logging.go
package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Options selects where logs go and how they are scrubbed.
type Options struct {
	File     string
	Dir      string
	Level    string
	RotateMB int
	Keep     int
	Stderr   bool
	Redact   bool
}

var (
	redactMu sync.RWMutex
	secrets  = map[string]struct{}{}

	secretReplacer atomic.Value // stores *strings.Replacer
	redactEnabled  atomic.Bool
)

func init() {
	redactEnabled.Store(true)
	secretReplacer.Store(strings.NewReplacer())
}

// Init points logrus and the stdlib logger at a redacting writer. It returns
// the rotating file writer (nil when logging to stderr only) so callers can close it.
func Init(opts Options) (io.Closer, error) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	fw, err := openLogFile(opts)
	if err != nil {
		return nil, err
	}

	var dst io.Writer
	switch {
	case fw != nil && opts.Stderr:
		dst = io.MultiWriter(os.Stderr, fw)
	case fw != nil:
		dst = fw
	default:
		dst = os.Stderr
	}

	redactEnabled.Store(opts.Redact)
	w := NewLineSanitizingWriter(dst)

	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:    true,
		DisableColors:    true,
		QuoteEmptyFields: true,
	})
	logrus.SetLevel(lvl)
	logrus.SetOutput(w)

	log.SetOutput(w)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if fw == nil {
		return nil, nil
	}
	return fw, nil
}

// AddSecret registers a value that must never appear in log output.
func AddSecret(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	redactMu.Lock()
	defer redactMu.Unlock()
	if _, ok := secrets[s]; ok {
		return
	}
	secrets[s] = struct{}{}
	rebuildSecretReplacerLocked()
}

// RemoveSecret forgets a value registered with AddSecret, e.g. a master
// token whose run has ended.
func RemoveSecret(s string) {
	s = strings.TrimSpace(s)
	redactMu.Lock()
	defer redactMu.Unlock()
	if _, ok := secrets[s]; !ok {
		return
	}
	delete(secrets, s)
	rebuildSecretReplacerLocked()
}

func rebuildSecretReplacerLocked() {
	pairs := make([]string, 0, len(secrets)*2)
	for sec := range secrets {
		pairs = append(pairs, sec, "[REDACTED]")
	}
	secretReplacer.Store(strings.NewReplacer(pairs...))
}

// LineSanitizingWriter buffers until a newline and scrubs each complete line.
type LineSanitizingWriter struct {
	dst io.Writer
	mu  sync.Mutex
	buf bytes.Buffer
}

func NewLineSanitizingWriter(dst io.Writer) *LineSanitizingWriter {
	return &LineSanitizingWriter{dst: dst}
}

func (w *LineSanitizingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	_, _ = w.buf.Write(p)

	for {
		b := w.buf.Bytes()
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			break
		}
		line := string(b[:i+1])
		w.buf.Next(i + 1)

		if _, err := io.WriteString(w.dst, RedactLine(line)); err != nil {
			return n, err
		}
	}
	return n, nil
}

// RedactLine applies registered secrets, long-blob and key=value scrubbing.
func RedactLine(line string) string {
	if !redactEnabled.Load() {
		return line
	}
	out := line
	if r, ok := secretReplacer.Load().(*strings.Replacer); ok {
		out = r.Replace(out)
	}
	out = redactLongBlobs(out)
	out = redactKeyValueHints(out)
	return out
}

// Auth tokens and QR data URLs are long base64 runs; nothing legitimate is.
func redactLongBlobs(s string) string {
	const minLen = 120
	const blobChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/=_-"

	var b strings.Builder
	b.Grow(len(s))

	runStart := -1
	flush := func(end int) {
		if end-runStart >= minLen {
			b.WriteString("[REDACTED_BLOB]")
		} else {
			b.WriteString(s[runStart:end])
		}
		runStart = -1
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(blobChars, s[i]) >= 0 {
			if runStart == -1 {
				runStart = i
			}
			continue
		}
		if runStart != -1 {
			flush(i)
		}
		b.WriteByte(s[i])
	}
	if runStart != -1 {
		flush(len(s))
	}
	return b.String()
}

func redactKeyValueHints(s string) string {
	// "token=" also covers authtoken=, auth_token= and mastertoken=.
	keys := []string{"token=", "secret=", "password="}
	out := s
	for _, k := range keys {
		from := 0
		for {
			lo := strings.ToLower(out[from:])
			idx := strings.Index(lo, k)
			if idx < 0 {
				break
			}
			start := from + idx + len(k)
			end := start
			for end < len(out) && !isValueDelim(out[end]) {
				end++
			}
			if start == end || strings.HasPrefix(out[start:], "[REDACTED") {
				from = start
				continue
			}
			out = out[:start] + "[REDACTED]" + out[end:]
			from = start + len("[REDACTED]")
		}
	}
	return out
}

func isValueDelim(ch byte) bool {
	switch ch {
	case ' ', '\t', '\r', '\n', ',', '"', '\'', '&', '?', '#', ';', ')', ']', '}':
		return true
	}
	return false
}
