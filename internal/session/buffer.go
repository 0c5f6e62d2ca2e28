package session

import "sync"

// Buffer is an append-only byte log addressed by absolute offsets. With a
// positive capacity the oldest bytes are discarded, but offsets keep
// counting from the start of the session.
type Buffer struct {
	mu       sync.RWMutex
	data     []byte
	base     int64 // absolute offset of data[0]
	capacity int
}

// NewBuffer creates a buffer. capacity <= 0 means unbounded.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Append adds p and returns the end offset after it.
func (b *Buffer) Append(p []byte) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if b.capacity > 0 && len(b.data) > b.capacity {
		drop := len(b.data) - b.capacity
		kept := make([]byte, b.capacity)
		copy(kept, b.data[drop:])
		b.data = kept
		b.base += int64(drop)
	}
	return b.base + int64(len(b.data))
}

// Read returns a copy of everything from offset from onwards, and the
// offset to pass on the next call. Offsets before the retained window start
// at its first byte.
func (b *Buffer) Read(from int64) ([]byte, int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	end := b.base + int64(len(b.data))
	if from < b.base {
		from = b.base
	}
	if from >= end {
		return nil, end
	}
	out := make([]byte, end-from)
	copy(out, b.data[from-b.base:])
	return out, end
}

// Len returns the total number of bytes ever appended.
func (b *Buffer) Len() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.base + int64(len(b.data))
}
