// Package delivery turns cached segments into playable media. Two backends
// implement the same contract: BufferBackend streams segments into a growable
// buffer in strict order, BlobBackend rebuilds and swaps a contiguous source
// as the cache fills. The probe result decides which one a session gets;
// nothing downstream branches on capability again.
package delivery

import (
	"context"

	"lobbyaudio/internal/media"
)

// Fetcher is the slice of the download scheduler the backends drive: eager
// out-of-band fetches, queue reprioritization, and aborting the in-flight
// background fetch.
type Fetcher interface {
	FetchNow(ctx context.Context, indices []int) error
	CancelInFlight()
	// Rebuild replaces the download plan without starting or stopping the
	// drain. A running drain follows the new order; an idle one stays idle.
	Rebuild(from int)
}

// Options tunes a backend. HeadSegments is the eager window delivered before
// readiness. The two seek fields only apply to blob mode.
type Options struct {
	HeadSegments      int
	SeekReadySegments int
	SeekFetchSegments int
}

// Backend is the delivery side of one playback session.
type Backend interface {
	// Open attaches the media surface. ctx is the session scope; background
	// work stops when it dies.
	Open(ctx context.Context) error
	// DeliverInitial eagerly fetches the head window and returns once enough
	// is delivered for playback to start.
	DeliverInitial(ctx context.Context) error
	// OnSegmentCached reacts to a segment landing in the cache.
	OnSegmentCached(ctx context.Context, index int)
	// Seek moves playback to seconds. It returns the segment index the
	// download queue should rebuild from, or -1 when the cached plan still
	// holds and no rebuild is needed.
	Seek(ctx context.Context, seconds float64) (rebuildFrom int, err error)
	// Ready reports whether initial delivery completed.
	Ready() bool
	// Position reports the playback position in track time.
	Position() float64
	// Err reports the current delivery failure, if any. Downloads continue
	// past delivery errors, and a failure that later recovers clears again.
	Err() error
	Mode() media.Mode
	Close() error
}

// headIndices lists the first eager window: 0..head-1, clamped to the track.
func headIndices(head, count int) []int {
	n := min(head, count)
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// spanIndices lists from..from+n-1 clamped to the last segment.
func spanIndices(from, n, count int) []int {
	indices := make([]int, 0, n)
	for i := from; i < from+n && i < count; i++ {
		indices = append(indices, i)
	}
	return indices
}
