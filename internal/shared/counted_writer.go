package shared

import (
	"io"
	"sync/atomic"
)

// CountedWriter wraps an io.Writer and atomically counts the bytes written.
type CountedWriter struct {
	io.Writer
	total *atomic.Int64
}

// NewCountedWriter creates a new CountedWriter adding into total.
func NewCountedWriter(w io.Writer, total *atomic.Int64) *CountedWriter {
	return &CountedWriter{Writer: w, total: total}
}

func (c *CountedWriter) Write(b []byte) (int, error) {
	n, err := c.Writer.Write(b)
	if n > 0 {
		c.total.Add(int64(n))
	}
	return n, err
}
