package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"lobbyaudio/internal/cache"
	"lobbyaudio/internal/logger"
	"lobbyaudio/internal/media"
	"lobbyaudio/internal/models"
)

// blobGrowSegments is how many new contiguous segments must accumulate before
// a playing blob is rebuilt and swapped. Swaps are not free, so single-segment
// growth is not worth one; reaching the end of the run always is.
const blobGrowSegments = 4

// BlobBackend serves elements that cannot stream. It assembles the longest
// contiguous cached run starting at the current anchor into one source blob
// and swaps it in, repositioning playback where it was. A blob never spans a
// gap in the cache.
type BlobBackend struct {
	element media.Element
	capable media.BlobCapable
	fetcher Fetcher
	cache   *cache.SegmentCache
	timing  models.Timing
	head    int
	ready3  int // forward-contiguous segments that make a seek target playable
	fetch3  int // segments a cold seek fetches eagerly
	logger  logger.Logger

	mu        sync.Mutex
	blob      *media.Blob
	blobStart int // first segment index inside the blob
	blobLen   int // contiguous segments inside the blob
	ready     bool
	closed    bool
	err       error
}

// NewBlobBackend creates the reassembly backend. The element must support
// source swaps.
func NewBlobBackend(el media.Element, fetcher Fetcher, segCache *cache.SegmentCache, timing models.Timing, opts Options, log logger.Logger) (*BlobBackend, error) {
	capable, ok := el.(media.BlobCapable)
	if !ok {
		return nil, errors.New("element does not support source swapping")
	}
	head := opts.HeadSegments
	if head < 1 {
		head = 1
	}
	ready3 := opts.SeekReadySegments
	if ready3 < 1 {
		ready3 = 1
	}
	fetch3 := opts.SeekFetchSegments
	if fetch3 < 1 {
		fetch3 = 1
	}
	return &BlobBackend{
		element: el,
		capable: capable,
		fetcher: fetcher,
		cache:   segCache,
		timing:  timing,
		head:    head,
		ready3:  ready3,
		fetch3:  fetch3,
		logger:  log,
	}, nil
}

func (b *BlobBackend) Mode() media.Mode { return media.ModeBlob }

// Open is a no-op for blob delivery; there is no surface to attach until the
// first swap.
func (b *BlobBackend) Open(ctx context.Context) error {
	return nil
}

// DeliverInitial fetches the short head window, builds the first blob from
// segment 0, and swaps it in. Blob mode is ready as soon as any playable
// source exists.
func (b *BlobBackend) DeliverInitial(ctx context.Context) error {
	if err := b.fetcher.FetchNow(ctx, headIndices(b.head, b.timing.Count)); err != nil {
		return fmt.Errorf("failed to fetch head segments: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.swapRunLocked(0, 0); err != nil {
		return err
	}
	b.ready = true
	return nil
}

// OnSegmentCached rebuilds the source when the run past the current blob has
// grown enough to matter, or completes the track.
func (b *BlobBackend) OnSegmentCached(ctx context.Context, index int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.ready || b.blob == nil {
		return
	}
	run := b.cache.ContiguousFrom(b.blobStart)
	if run <= b.blobLen {
		return
	}
	grown := run - b.blobLen
	reachesEnd := b.blobStart+run >= b.timing.Count
	if grown < blobGrowSegments && !reachesEnd {
		return
	}

	offset := b.element.CurrentTime()
	if err := b.swapRunLocked(b.blobStart, offset); err != nil {
		b.setErrLocked(err)
	}
}

// swapRunLocked assembles the contiguous run starting at start, swaps it into
// the element positioned at offset seconds inside the blob, and releases the
// previous blob. Callers hold b.mu.
func (b *BlobBackend) swapRunLocked(start int, offset float64) error {
	run := b.cache.ContiguousFrom(start)
	if run == 0 {
		return fmt.Errorf("segment %d is not cached, no source to build", start)
	}

	size := 0
	parts := make([][]byte, 0, run)
	for i := start; i < start+run; i++ {
		data, ok := b.cache.Get(i)
		if !ok {
			// The cache only grows, so the run length cannot shrink; this is
			// unreachable but cheap to keep honest.
			break
		}
		parts = append(parts, data)
		size += len(data)
	}
	payload := make([]byte, 0, size)
	for _, part := range parts {
		payload = append(payload, part...)
	}

	blob := media.NewBlob(payload)
	if err := b.capable.SwapSource(blob, offset); err != nil {
		blob.Release()
		return fmt.Errorf("failed to swap source: %w", err)
	}

	if b.blob != nil {
		b.blob.Release()
	}
	b.blob = blob
	b.blobStart = start
	b.blobLen = len(parts)
	b.logger.Debugf("Swapped source blob: segments %d..%d, %d bytes", start, start+len(parts)-1, size)
	return nil
}

// Seek moves playback using the cheapest tier that works:
//
//  1. target inside the current blob: reposition the element, nothing else;
//  2. enough forward-contiguous segments cached at the target: rebuild there;
//  3. cold target: pause, fetch the target window eagerly, rebuild from what
//     arrived.
//
// A seek is a request to hear that part of the track, so every successful
// tier leaves the element playing. Tiers 2 and 3 report the target so the
// caller rebuilds the download queue.
func (b *BlobBackend) Seek(ctx context.Context, seconds float64) (int, error) {
	target := b.timing.SegmentForTime(seconds)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return -1, errors.New("backend is closed")
	}
	inSpan := b.blob != nil && target >= b.blobStart && target < b.blobStart+b.blobLen
	blobStart := b.blobStart
	b.mu.Unlock()

	if inSpan {
		if err := b.element.Seek(seconds - b.timing.TimeForSegment(blobStart)); err != nil {
			return -1, fmt.Errorf("failed to reposition element: %w", err)
		}
		// The download plan still reorders around the new playhead, but the
		// drain is left alone so an in-span seek stays off the network.
		b.fetcher.Rebuild(target)
		return -1, b.resume()
	}

	b.fetcher.CancelInFlight()
	offset := seconds - b.timing.TimeForSegment(target)

	run := b.cache.ContiguousFrom(target)
	if run >= b.ready3 || (run > 0 && target+run >= b.timing.Count) {
		b.mu.Lock()
		err := b.swapRunLocked(target, offset)
		b.mu.Unlock()
		if err != nil {
			return target, err
		}
		return target, b.resume()
	}

	// Cold seek: nothing playable at the target yet. Hold playback while the
	// look-ahead window fetches.
	b.element.Pause()

	if err := b.fetcher.FetchNow(ctx, spanIndices(target, b.fetch3, b.timing.Count)); err != nil {
		b.logger.Warnf("Seek window fetch was incomplete: %v", err)
	}

	b.mu.Lock()
	err := b.swapRunLocked(target, offset)
	b.mu.Unlock()
	if err != nil {
		return target, fmt.Errorf("seek target never became playable: %w", err)
	}
	return target, b.resume()
}

// resume restarts a paused element after a successful seek.
func (b *BlobBackend) resume() error {
	if !b.element.Paused() {
		return nil
	}
	if err := b.element.Play(); err != nil {
		return fmt.Errorf("failed to resume playback: %w", err)
	}
	return nil
}

func (b *BlobBackend) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Position maps the element's blob-relative time back to track time.
func (b *BlobBackend) Position() float64 {
	b.mu.Lock()
	start := b.blobStart
	hasBlob := b.blob != nil
	b.mu.Unlock()
	if !hasBlob {
		return 0
	}
	return b.timing.TimeForSegment(start) + b.element.CurrentTime()
}

func (b *BlobBackend) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *BlobBackend) setErrLocked(err error) {
	if b.err == nil {
		b.err = err
	}
	b.logger.Errorf("Blob delivery error: %v", err)
}

// Span reports the segment range the current blob covers.
func (b *BlobBackend) Span() (start, length int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blobStart, b.blobLen
}

func (b *BlobBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.blob != nil {
		b.blob.Release()
		b.blob = nil
	}
	return nil
}
