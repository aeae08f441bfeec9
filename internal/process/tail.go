package process

import "sync"

// tailBuffer keeps the most recent bytes written to it, overwriting the
// oldest once full.
type tailBuffer struct {
	mu   sync.Mutex
	buf  []byte
	head int // next write position
	full bool
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = defaultTailSize
	}
	return &tailBuffer{buf: make([]byte, size)}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if n >= len(t.buf) {
		copy(t.buf, p[n-len(t.buf):])
		t.head = 0
		t.full = true
		return n, nil
	}
	written := copy(t.buf[t.head:], p)
	if written < n {
		copy(t.buf, p[written:])
		t.full = true
	}
	next := t.head + n
	if next >= len(t.buf) {
		t.full = true
	}
	t.head = next % len(t.buf)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return string(t.buf[:t.head])
	}
	return string(t.buf[t.head:]) + string(t.buf[:t.head])
}

func (t *tailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return len(t.buf)
	}
	return t.head
}
