// Package eventlog writes the per-node protocol event file:
// outputfile_<kind>_<port>.txt in the working directory, one wall-clock
// stamped event per line, append-only. Events also mirror to slog so a
// console run shows the protocol flow.
package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

type Logger struct {
	mu   sync.Mutex
	f    *os.File
	tag  string
	mock bool
}

// New opens (or creates) the event file for the node. kind is "seed" or
// "peer".
func New(kind string, port int) (*Logger, error) {
	name := fmt.Sprintf("outputfile_%s_%d.txt", kind, port)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", name, err)
	}
	return &Logger{f: f, tag: fmt.Sprintf("%s_%d", kind, port)}, nil
}

// Discard returns a logger that only mirrors to slog. Used by tests.
func Discard(kind string, port int) *Logger {
	return &Logger{tag: fmt.Sprintf("%s_%d", kind, port), mock: true}
}

// Event appends one formatted event line.
func (l *Logger) Event(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s [%s] %s\n",
		time.Now().Format("2006-01-02 15:04:05.000"), l.tag, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.mock {
		if _, err := l.f.WriteString(line); err != nil {
			slog.Warn("event log write failed", "error", err)
		}
	}
	slog.Debug(msg, "node", l.tag)
}

func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
		l.mock = true
	}
}
