package shared

import (
	"bytes"
	"sync"
)

// TailBuffer is a thread-safe bytes.Buffer wrapper that keeps only the last
// Limit bytes written. It collects child stderr, which can be unbounded.
type TailBuffer struct {
	b     bytes.Buffer
	mu    sync.Mutex
	Limit int
}

// NewTailBuffer creates a TailBuffer keeping at most limit bytes.
func NewTailBuffer(limit int) *TailBuffer {
	return &TailBuffer{Limit: limit}
}

// Write appends p, discarding the oldest bytes beyond the limit.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.b.Write(p)
	if b.Limit > 0 && b.b.Len() > b.Limit {
		b.b.Next(b.b.Len() - b.Limit)
	}
	return n, err
}

// String returns the retained bytes.
func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}
