package audio

import (
	"sync"
)

// CaptureBuffer accumulates PCM frames for one capture session. Unlike a
// bounded ring, it grows with the utterance: push-to-talk holds are short
// and dropping audio mid-word is worse than the allocation.
type CaptureBuffer struct {
	mu   sync.Mutex
	data []byte
}

// NewCaptureBuffer creates a buffer with the given initial capacity hint.
func NewCaptureBuffer(capacityHint int) *CaptureBuffer {
	if capacityHint < 0 {
		capacityHint = 0
	}
	return &CaptureBuffer{
		data: make([]byte, 0, capacityHint),
	}
}

// Write appends PCM bytes. Implements io.Writer; it never fails.
func (b *CaptureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	return len(p), nil
}

// Bytes returns a copy of the accumulated audio.
func (b *CaptureBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the number of buffered bytes.
func (b *CaptureBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
