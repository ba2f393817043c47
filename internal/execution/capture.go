package execution

import "sync"

// tailBuffer is an io.Writer that keeps only the last limit bytes written and
// counts the rest.
type tailBuffer struct {
	mu      sync.Mutex
	limit   int
	buf     []byte
	dropped int64
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if b.limit <= 0 {
		b.dropped += int64(n)
		return n, nil
	}
	if len(p) >= b.limit {
		b.dropped += int64(len(b.buf) + len(p) - b.limit)
		b.buf = append(b.buf[:0], p[len(p)-b.limit:]...)
		return n, nil
	}
	if over := len(b.buf) + len(p) - b.limit; over > 0 {
		b.dropped += int64(over)
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

// Output is captured process output.
type Output struct {
	// Tail holds the last bytes written, at most the configured cap.
	Tail []byte
	// Dropped counts the bytes discarded before Tail.
	Dropped int64
}

func (b *tailBuffer) output() Output {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Output{Tail: append([]byte(nil), b.buf...), Dropped: b.dropped}
}
