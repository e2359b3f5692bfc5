package media

import "sync"

// Blob is a fully materialized media source. It must be released when no
// longer in use; a blob that is swapped out and never released is a leak.
type Blob struct {
	mu       sync.Mutex
	data     []byte
	released bool
}

// NewBlob wraps data in a blob. The blob takes ownership of the slice.
func NewBlob(data []byte) *Blob {
	return &Blob{data: data}
}

// Bytes returns the blob payload, or nil after Release.
func (b *Blob) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	return b.data
}

// Len reports the payload size, zero after Release.
func (b *Blob) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return 0
	}
	return len(b.data)
}

// Release frees the payload. Safe to call more than once.
func (b *Blob) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	b.data = nil
}

// Released reports whether Release was called.
func (b *Blob) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}
