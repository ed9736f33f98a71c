package sandbox

import "bytes"

// boundedBuffer keeps the first limit bytes written to it and silently
// drops the rest, so a chatty program can never block its pipe.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if len(p) > remaining {
		b.truncated = true
		if remaining > 0 {
			b.buf.Write(p[:remaining])
		}
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return b.buf.String()
}

// Truncated reports whether any output was dropped
func (b *boundedBuffer) Truncated() bool {
	return b.truncated
}
