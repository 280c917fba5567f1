package console

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// maxLine bounds a buffered line; longer output is logged in pieces.
const maxLine = 4096

// LineLogger logs guest console output one line at a time with escape
// sequences removed.
type LineLogger struct {
	log   *slog.Logger
	level slog.Level

	mu  sync.Mutex
	buf []byte
}

// NewLineLogger logs complete lines to log at level.
func NewLineLogger(log *slog.Logger, level slog.Level) *LineLogger {
	return &LineLogger{log: log, level: level}
}

// Write implements io.Writer.
func (l *LineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) >= maxLine {
		l.emit(l.buf)
		l.buf = nil
	}
	return len(p), nil
}

// Flush logs a trailing partial line.
func (l *LineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.emit(l.buf)
		l.buf = nil
	}
}

func (l *LineLogger) emit(line []byte) {
	text := ansi.Strip(string(bytes.TrimRight(line, "\r")))
	l.log.Log(context.Background(), l.level, "console", "line", text)
}
