package media

import (
	"context"
	"errors"
	"sync"
)

// HeadlessElement is an element with no audio output, used by tests and by
// mute player runs. It can be constructed with or without streaming support
// to exercise either delivery mode.
type HeadlessElement struct {
	streaming bool

	mu       sync.Mutex
	position float64
	playing  bool
	buffer   *MemoryBuffer
	blob     *Blob
	offset   float64
}

// NewHeadlessElement creates a silent element. streaming controls whether
// Probe selects the incremental buffer path for it.
func NewHeadlessElement(streaming bool) *HeadlessElement {
	return &HeadlessElement{streaming: streaming}
}

func (h *HeadlessElement) CurrentTime() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.position
}

func (h *HeadlessElement) Seek(seconds float64) error {
	if seconds < 0 {
		return errors.New("media: negative seek position")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.position = seconds
	return nil
}

func (h *HeadlessElement) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = true
	return nil
}

func (h *HeadlessElement) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = false
}

func (h *HeadlessElement) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.playing
}

func (h *HeadlessElement) SupportsStreaming(mime string) bool {
	return h.streaming && mime != ""
}

// OpenBuffer attaches a fresh in-memory buffer, replacing any previous one.
func (h *HeadlessElement) OpenBuffer(ctx context.Context, mime string) (Buffer, error) {
	if !h.SupportsStreaming(mime) {
		return nil, errors.New("media: element cannot stream " + mime)
	}
	buf := NewMemoryBuffer()
	h.mu.Lock()
	h.buffer = buf
	h.mu.Unlock()
	return buf, nil
}

// SwapSource replaces the element's source blob and repositions playback.
func (h *HeadlessElement) SwapSource(blob *Blob, timeOffset float64) error {
	if blob.Released() {
		return ErrBlobReleased
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blob = blob
	h.offset = timeOffset
	h.position = timeOffset
	return nil
}

// Source returns the current blob, for assertions.
func (h *HeadlessElement) Source() *Blob {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blob
}

// Buffer returns the attached buffer, for assertions.
func (h *HeadlessElement) Buffer() *MemoryBuffer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buffer
}
