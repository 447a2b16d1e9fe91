package sshctl

import (
	"bytes"
	"sync"
)

// MaxOutputSize caps what is kept of a remote command's output.
const MaxOutputSize = 1 << 20

const truncatedMarker = "\n[OUTPUT LIMIT EXCEEDED - TRUNCATED]\n"

// LimitBuffer keeps the first limit bytes written to it and discards the rest.
type LimitBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	written int64
	limit   int64
}

func NewLimitBuffer(limit int64) *LimitBuffer {
	return &LimitBuffer{limit: limit}
}

func (l *LimitBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.written >= l.limit {
		l.written += int64(len(p))
		return len(p), nil
	}
	if l.written+int64(len(p)) > l.limit {
		remaining := l.limit - l.written
		l.buf.Write(p[:remaining])
		l.buf.WriteString(truncatedMarker)
		l.written += int64(len(p))
		return len(p), nil
	}
	l.buf.Write(p)
	l.written += int64(len(p))
	return len(p), nil
}

func (l *LimitBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func (l *LimitBuffer) Truncated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written > l.limit
}
