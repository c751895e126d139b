package encoder

import (
	"bytes"
	"sync"
)

// MaxStderrSize limits how much ffmpeg diagnostics are kept per session.
const MaxStderrSize = 64 * 1024

// BoundedBuffer keeps the most recent maxSize bytes written to it.
type BoundedBuffer struct {
	mu      sync.Mutex
	data    []byte
	maxSize int
}

// NewBoundedBuffer creates a buffer holding at most maxSize bytes.
func NewBoundedBuffer(maxSize int) *BoundedBuffer {
	return &BoundedBuffer{data: make([]byte, 0, maxSize), maxSize: maxSize}
}

// Write implements io.Writer, discarding the oldest bytes on overflow.
func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.maxSize {
		b.data = append(b.data[:0], p[n-b.maxSize:]...)
		return n, nil
	}
	if over := len(b.data) + n - b.maxSize; over > 0 {
		b.data = b.data[:copy(b.data, b.data[over:])]
	}
	b.data = append(b.data, p...)
	return n, nil
}

func (b *BoundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// ExtractLastError returns the last non-empty line of ffmpeg stderr, truncated to 200 bytes.
func ExtractLastError(stderr string) string {
	lines := bytes.Split([]byte(stderr), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := string(bytes.TrimSpace(lines[i]))
		if line == "" {
			continue
		}
		if len(line) > 200 {
			return line[:200] + "..."
		}
		return line
	}
	return ""
}
