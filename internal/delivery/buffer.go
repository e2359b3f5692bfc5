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

// BufferBackend streams segments into a growable element buffer. Appends are
// strictly sequential and stop at the first uncached segment; the loop wakes
// again when the gap fills. A seek outside the appended region clears the
// buffer and rebases it at the target. Append failures stop delivery only
// until the next seek or cached segment, unless the buffer itself is gone.
type BufferBackend struct {
	element media.Element
	capable media.BufferCapable
	fetcher Fetcher
	cache   *cache.SegmentCache
	timing  models.Timing
	head    int
	logger  logger.Logger

	wakeCh  chan struct{}
	readyCh chan struct{}

	// appendMu serializes a committed append against a seek's rebase: the
	// seek waits for the bytes to land, then clears them with everything
	// else. Lock order is appendMu before mu.
	appendMu sync.Mutex

	mu          sync.Mutex
	buffer      media.Buffer
	bufferStart int    // first segment index the buffer holds since the last clear
	nextAppend  int    // next segment index to append; [bufferStart, nextAppend) is appended
	generation  uint64 // bumped by seeks to invalidate in-flight appends
	ready       bool
	ended       bool
	closed      bool
	terminal    bool          // the buffer itself is gone; no retry can help
	err         error
	haltCh      chan struct{} // re-armed when a transient fault is retired
}

// NewBufferBackend creates the incremental backend. The element must be
// buffer-capable; the probe guarantees that when it picks this mode.
func NewBufferBackend(el media.Element, fetcher Fetcher, segCache *cache.SegmentCache, timing models.Timing, opts Options, log logger.Logger) (*BufferBackend, error) {
	capable, ok := el.(media.BufferCapable)
	if !ok {
		return nil, errors.New("element does not support incremental buffering")
	}
	head := opts.HeadSegments
	if head < 1 {
		head = 1
	}
	return &BufferBackend{
		element: el,
		capable: capable,
		fetcher: fetcher,
		cache:   segCache,
		timing:  timing,
		head:    head,
		logger:  log,
		wakeCh:  make(chan struct{}, 1),
		readyCh: make(chan struct{}),
		haltCh:  make(chan struct{}),
	}, nil
}

func (b *BufferBackend) Mode() media.Mode { return media.ModeBuffer }

// Open attaches the stream buffer and starts the append loop for the life of
// the session context.
func (b *BufferBackend) Open(ctx context.Context) error {
	buf, err := b.capable.OpenBuffer(ctx, media.DefaultMIME)
	if err != nil {
		return fmt.Errorf("failed to open stream buffer: %w", err)
	}
	b.mu.Lock()
	b.buffer = buf
	b.mu.Unlock()
	go b.appendLoop(ctx)
	return nil
}

// DeliverInitial fetches the head window and waits until it is appended.
func (b *BufferBackend) DeliverInitial(ctx context.Context) error {
	if err := b.fetcher.FetchNow(ctx, headIndices(b.head, b.timing.Count)); err != nil {
		return fmt.Errorf("failed to fetch head segments: %w", err)
	}
	b.wake()
	for {
		b.mu.Lock()
		halt := b.haltCh
		b.mu.Unlock()
		select {
		case <-b.readyCh:
			return nil
		case <-halt:
			if err := b.Err(); err != nil {
				return err
			}
			// The fault was retired before we saw it; wait on the re-armed
			// channel.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnSegmentCached nudges the append loop; it appends whatever contiguous run
// is now available.
func (b *BufferBackend) OnSegmentCached(ctx context.Context, index int) {
	b.wake()
}

func (b *BufferBackend) wake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// appendLoop is the only goroutine that touches the buffer outside Seek and
// Close, which keeps appends in order by construction.
func (b *BufferBackend) appendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wakeCh:
			b.appendAvailable(ctx)
		}
	}
}

// appendAvailable appends cached segments from nextAppend until it hits a gap
// or the end of the track. A generation bump between the snapshot and the
// append settling means a seek rebased the buffer; the result is discarded.
// A failed append leaves the segment unconsumed, so the next wake retries it.
func (b *BufferBackend) appendAvailable(ctx context.Context) {
	for {
		b.mu.Lock()
		if b.closed || b.terminal {
			b.mu.Unlock()
			return
		}
		next := b.nextAppend
		gen := b.generation
		buf := b.buffer
		ended := b.ended
		b.mu.Unlock()

		if next >= b.timing.Count {
			if !ended {
				b.endStream(buf, gen)
			}
			return
		}

		data, ok := b.cache.Get(next)
		if !ok {
			return
		}

		// Holding appendMu commits the append: a concurrent seek cannot
		// clear the buffer until the bytes have landed, and a seek that got
		// in first shows up in the generation before Append runs.
		b.appendMu.Lock()
		b.mu.Lock()
		stale := b.generation != gen
		b.mu.Unlock()
		if stale {
			b.appendMu.Unlock()
			continue
		}
		err := buf.Append(ctx, data)
		b.appendMu.Unlock()

		b.mu.Lock()
		if b.generation != gen {
			// A seek rebased the buffer after this append landed, and its
			// clear ran after appendMu was released, wiping these bytes.
			b.mu.Unlock()
			continue
		}
		if err != nil {
			b.mu.Unlock()
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			b.halt(fmt.Errorf("buffer append of segment %d failed: %w", next, err))
			return
		}
		b.recoverLocked()
		b.nextAppend = next + 1
		b.maybeReadyLocked()
		b.mu.Unlock()
	}
}

// maybeReadyLocked flips readiness once the initial head window is appended.
func (b *BufferBackend) maybeReadyLocked() {
	if b.ready {
		return
	}
	if b.nextAppend >= min(b.head, b.timing.Count) {
		b.ready = true
		close(b.readyCh)
		b.logger.Infof("Stream buffer ready after %d segments", b.nextAppend)
	}
}

// endStream closes out the buffer once every segment is appended. Holding the
// lock across EndOfStream keeps it ordered against a racing seek's rebase.
func (b *BufferBackend) endStream(buf media.Buffer, gen uint64) {
	b.mu.Lock()
	if b.generation != gen || b.ended || b.closed {
		b.mu.Unlock()
		return
	}
	err := buf.EndOfStream()
	if err == nil {
		b.ended = true
		b.recoverLocked()
	}
	b.mu.Unlock()

	if err != nil {
		b.halt(fmt.Errorf("failed to end stream: %w", err))
		return
	}
	b.logger.Debugf("Appended final segment, stream ended")
}

// halt records a delivery failure and unblocks anyone waiting on initial
// delivery. A dead buffer stops delivery for good; any other failure is left
// parked for the next seek or cached segment to retry.
func (b *BufferBackend) halt(err error) {
	terminal := errors.Is(err, media.ErrBufferClosed)
	b.mu.Lock()
	if b.err == nil {
		b.err = err
		close(b.haltCh)
	}
	if terminal {
		b.terminal = true
	}
	b.mu.Unlock()
	if terminal {
		b.logger.Errorf("Incremental delivery halted: %v", err)
	} else {
		b.logger.Warnf("Incremental delivery paused: %v", err)
	}
}

// recoverLocked retires a transient fault once delivery works again. The halt
// channel is re-armed so a later failure can signal anew.
func (b *BufferBackend) recoverLocked() {
	if b.err == nil || b.terminal {
		return
	}
	b.err = nil
	b.haltCh = make(chan struct{})
}

// Seek moves playback. Inside the appended region it repositions the element
// and nothing else. Outside it, it aborts the in-flight fetch, invalidates
// pending appends, clears and rebases the buffer at the target, and asks the
// caller to rebuild the download queue from there.
func (b *BufferBackend) Seek(ctx context.Context, seconds float64) (int, error) {
	target := b.timing.SegmentForTime(seconds)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return -1, errors.New("backend is closed")
	}
	inRange := target >= b.bufferStart && target < b.nextAppend
	buf := b.buffer
	b.mu.Unlock()
	if buf == nil {
		return -1, errors.New("backend is not open")
	}

	if inRange {
		if err := b.element.Seek(seconds); err != nil {
			return -1, fmt.Errorf("failed to reposition element: %w", err)
		}
		b.mu.Lock()
		parked := b.err != nil && !b.terminal
		b.mu.Unlock()
		if parked {
			b.wake()
		}
		return -1, nil
	}

	b.fetcher.CancelInFlight()

	// The rebase waits under appendMu for any committed append to land, so
	// the clear below wipes every byte the old timeline produced.
	b.appendMu.Lock()
	b.mu.Lock()
	b.generation++
	b.bufferStart = target
	b.nextAppend = target
	b.ended = false
	b.recoverLocked()
	b.mu.Unlock()

	err := buf.Clear(ctx)
	if err == nil {
		buf.SetTimestampOffset(b.timing.TimeForSegment(target))
	}
	b.appendMu.Unlock()
	if err != nil {
		b.halt(fmt.Errorf("buffer clear failed: %w", err))
		return target, err
	}

	// Position the element now; it stalls until data arrives.
	if err := b.element.Seek(seconds); err != nil {
		return target, fmt.Errorf("failed to reposition element: %w", err)
	}

	b.wake()
	return target, nil
}

func (b *BufferBackend) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Position reports track time; in buffer mode the element timeline is the
// track timeline.
func (b *BufferBackend) Position() float64 {
	return b.element.CurrentTime()
}

func (b *BufferBackend) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Ended reports whether the final segment was appended and the stream closed.
func (b *BufferBackend) Ended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended
}

// AppendedRange reports the segment span currently in the buffer.
func (b *BufferBackend) AppendedRange() (start, next int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferStart, b.nextAppend
}

func (b *BufferBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	buf := b.buffer
	b.mu.Unlock()
	if buf != nil {
		return buf.Close()
	}
	return nil
}
