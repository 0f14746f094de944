package supervisor

import (
	"bytes"
	"sync"
)

// maxLine is the most a lineWriter buffers before logging a partial line.
const maxLine = 64 * 1024

// lineWriter logs each complete line written to it. It is used for a worker's stdout and
// stderr, so it never blocks or fails the writer.
type lineWriter struct {
	mu  sync.Mutex
	log func(args ...any)
	buf []byte
}

func newLineWriter(log func(args ...any)) *lineWriter {
	return &lineWriter{log: log}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLine {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.buf)
	w.buf = nil
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.log(string(line))
}
