package media

import (
	"context"
	"sync"
	"time"
)

// MemoryBuffer is the reference Buffer implementation. A one-slot gate
// serializes operations, so Append callers genuinely wait for the previous
// operation instead of polling. An optional per-operation delay imitates a
// sink that applies appends asynchronously.
type MemoryBuffer struct {
	gate    chan struct{}
	opDelay time.Duration

	mu      sync.Mutex
	data    []byte
	offset  float64
	appends int
	ended   bool
	closed  bool
}

// NewMemoryBuffer creates an empty buffer.
func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{gate: make(chan struct{}, 1)}
}

// SetOpDelay makes every Append and Clear take d before settling.
func (b *MemoryBuffer) SetOpDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opDelay = d
}

func (b *MemoryBuffer) acquire(ctx context.Context) error {
	select {
	case b.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBuffer) release() {
	<-b.gate
}

// wait simulates the operation settling. The buffer is untouched when the
// context dies first.
func (b *MemoryBuffer) wait(ctx context.Context) error {
	b.mu.Lock()
	delay := b.opDelay
	b.mu.Unlock()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Append waits for the previous operation, then adds data to the end of the
// buffered stream.
func (b *MemoryBuffer) Append(ctx context.Context, data []byte) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	b.mu.Lock()
	closed, ended := b.closed, b.ended
	b.mu.Unlock()
	if closed {
		return ErrBufferClosed
	}
	if ended {
		return ErrBufferEnded
	}

	if err := b.wait(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	b.data = append(b.data, data...)
	b.appends++
	b.mu.Unlock()
	return nil
}

// Clear drops everything buffered and reopens an ended buffer for appends.
func (b *MemoryBuffer) Clear(ctx context.Context) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBufferClosed
	}

	if err := b.wait(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	b.data = nil
	b.ended = false
	b.mu.Unlock()
	return nil
}

// SetTimestampOffset declares where in media time the next append lands.
func (b *MemoryBuffer) SetTimestampOffset(seconds float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offset = seconds
}

// EndOfStream marks the stream complete.
func (b *MemoryBuffer) EndOfStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBufferClosed
	}
	b.ended = true
	return nil
}

// Close waits for any in-flight operation, then shuts the buffer down.
func (b *MemoryBuffer) Close() error {
	b.gate <- struct{}{}
	defer b.release()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.data = nil
	return nil
}

// Bytes returns a copy of everything appended since the last Clear.
func (b *MemoryBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// Size reports the buffered byte count.
func (b *MemoryBuffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

// TimestampOffset reports the last offset set.
func (b *MemoryBuffer) TimestampOffset() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

// Appends reports how many Append calls have settled since creation.
func (b *MemoryBuffer) Appends() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appends
}

// Ended reports whether EndOfStream was called and not undone by Clear.
func (b *MemoryBuffer) Ended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended
}

// Closed reports whether the buffer was shut down.
func (b *MemoryBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
