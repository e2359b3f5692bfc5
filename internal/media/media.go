// Package media abstracts the playback surface the engine drives. An Element
// is the audio sink; depending on what it supports, delivery happens through
// a growable streaming Buffer or through whole-source Blob swaps.
package media

import (
	"context"
	"errors"
)

// DefaultMIME is the codec the lobby origin serves segments in.
const DefaultMIME = "audio/mpeg"

var (
	// ErrBufferClosed is returned by operations on a closed buffer.
	ErrBufferClosed = errors.New("media: buffer is closed")
	// ErrBufferEnded is returned when appending after EndOfStream.
	ErrBufferEnded = errors.New("media: buffer already ended")
	// ErrBlobReleased is returned when using a blob after Release.
	ErrBlobReleased = errors.New("media: blob already released")
)

// Mode is the delivery strategy chosen for a session.
type Mode int

const (
	// ModeBuffer streams segments into a growable buffer as they arrive.
	ModeBuffer Mode = iota
	// ModeBlob rebuilds and swaps a contiguous source as the cache grows.
	ModeBlob
)

func (m Mode) String() string {
	if m == ModeBuffer {
		return "buffer"
	}
	return "blob"
}

// Element is an audio sink with a playback position.
type Element interface {
	// CurrentTime reports the playback position in seconds.
	CurrentTime() float64
	// Seek moves the playback position. Seeking into a region with no data
	// yet is allowed; the element stalls until data arrives.
	Seek(seconds float64) error
	Play() error
	Pause()
	Paused() bool
}

// BufferCapable is implemented by elements that can stream a codec
// incrementally.
type BufferCapable interface {
	// SupportsStreaming reports whether mime can be appended incrementally.
	SupportsStreaming(mime string) bool
	// OpenBuffer attaches a fresh streaming buffer for mime.
	OpenBuffer(ctx context.Context, mime string) (Buffer, error)
}

// Buffer is a growable, strictly sequential media sink. Operations are
// serialized: each call waits for the previous operation to settle before
// starting, and returns once its own effect is applied.
type Buffer interface {
	// Append adds the next run of bytes. Bytes must arrive in stream order.
	Append(ctx context.Context, data []byte) error
	// SetTimestampOffset declares the media time the next appended byte
	// belongs to. Used after Clear when appends restart mid-track.
	SetTimestampOffset(seconds float64)
	// Clear drops all buffered data, reopening the buffer for appends.
	Clear(ctx context.Context) error
	// EndOfStream marks the stream complete. No appends may follow.
	EndOfStream() error
	Close() error
}

// BlobCapable is implemented by elements that can replace their whole source.
type BlobCapable interface {
	// SwapSource replaces the element's source and positions it at timeOffset
	// seconds within the new source's own timeline.
	SwapSource(blob *Blob, timeOffset float64) error
}

// Probe picks the delivery mode for an element once per session. Everything
// downstream branches on the returned mode, never on the element again.
func Probe(el Element, mime string) Mode {
	if bc, ok := el.(BufferCapable); ok && bc.SupportsStreaming(mime) {
		return ModeBuffer
	}
	return ModeBlob
}
