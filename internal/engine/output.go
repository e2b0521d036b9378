package engine

import (
	"bytes"
	"strings"
	"sync"
)

// truncationMarker is appended to capped output so the caller knows
// the run produced more than was kept.
const truncationMarker = "\n...[output truncated]"

// cappedBuffer accepts writes up to max bytes and silently discards
// the rest. Sandboxed code can print without bound; the host must not
// buffer without bound. Safe for concurrent writers since stdout and
// stderr share one buffer to preserve interleaving.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = 1 << 20
	}
	return &cappedBuffer{max: max}
}

func (cb *cappedBuffer) Write(p []byte) (int, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.truncated {
		return len(p), nil
	}
	remaining := cb.max - cb.buf.Len()
	if remaining <= 0 {
		cb.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		cb.buf.Write(p[:remaining])
		cb.truncated = true
		return len(p), nil
	}
	return cb.buf.Write(p)
}

func (cb *cappedBuffer) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.buf.String()
}

func (cb *cappedBuffer) Truncated() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.truncated
}

// lineWriter forwards complete lines to emit as they arrive, holding
// back partial lines until their newline shows up. A trailing partial
// line is delivered by Flush.
type lineWriter struct {
	mu      sync.Mutex
	partial strings.Builder
	emit    func(line string)
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	data := lw.partial.String() + string(p)
	lw.partial.Reset()

	for {
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			lw.partial.WriteString(data)
			break
		}
		lw.emit(data[:idx])
		data = data[idx+1:]
	}
	return len(p), nil
}

func (lw *lineWriter) Flush() {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.partial.Len() > 0 {
		lw.emit(lw.partial.String())
		lw.partial.Reset()
	}
}
