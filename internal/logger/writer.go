package logger

import (
	"bytes"
	"context"
	"sync"

	"go.uber.org/zap/zapcore"
)

// LineWriter is an io.Writer that logs every complete line it receives.
// Partial lines are buffered until a newline arrives or Flush is called.
type LineWriter struct {
	ctx   context.Context //nolint:containedctx // The writer logs on behalf of a single command run.
	level zapcore.Level

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLineWriter creates a writer logging at the given level with the logger from ctx.
func NewLineWriter(ctx context.Context, level zapcore.Level) *LineWriter {
	return &LineWriter{
		ctx:   ctx,
		level: level,
	}
}

// Write implements io.Writer.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)

	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line, keep it for the next write.
			w.buf.Reset()
			w.buf.Write(line)

			break
		}

		w.emit(line)
	}

	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return
	}

	w.emit(w.buf.Bytes())
	w.buf.Reset()
}

func (w *LineWriter) emit(line []byte) {
	text := string(bytes.TrimRight(line, "\r\n"))
	if text == "" {
		return
	}

	l := FromContext(w.ctx)

	switch w.level {
	case zapcore.DebugLevel:
		l.Debug(text)
	case zapcore.WarnLevel:
		l.Warn(text)
	case zapcore.ErrorLevel:
		l.Error(text)
	default:
		l.Info(text)
	}
}
