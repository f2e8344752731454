package runner

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// tailBuffer keeps the most recent limit bytes written to it. Error messages
// from analysis scripts are printed last, so the tail is what matters.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.limit {
		if n > b.limit || len(b.buf) > 0 {
			b.truncated = true
		}
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

// String returns the captured tail as valid UTF-8. A rune cut by truncation
// is dropped and invalid bytes are replaced with U+FFFD.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.buf
	if b.truncated {
		i := 0
		for i < len(buf) && i < utf8.UTFMax && !utf8.RuneStart(buf[i]) {
			i++
		}
		buf = buf[i:]
	}
	return strings.ToValidUTF8(string(buf), "\uFFFD")
}

func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
