package tunnel

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
)

const maxLineLength = 64 * 1024

var ansiRegex = regexp.MustCompile("[\u001b\u009b][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))")

// lineWriter splits process output into lines, strips terminal escapes and
// carriage returns, and hands each line to fn.
type lineWriter struct {
	fn func(line string)

	mu  sync.Mutex
	buf []byte
}

func newLineWriter(fn func(string)) *lineWriter {
	return &lineWriter{fn: fn}
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
	if len(w.buf) > maxLineLength {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(raw []byte) {
	line := strings.ReplaceAll(ansiRegex.ReplaceAllString(string(raw), ""), "\r", "")
	if line == "" {
		return
	}
	w.fn(line)
}
