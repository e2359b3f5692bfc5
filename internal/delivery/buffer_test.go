package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobbyaudio/internal/cache"
	"lobbyaudio/internal/logger"
	"lobbyaudio/internal/media"
)

// wrappedElement is a headless element whose streaming buffer is wrapped by
// the test before the backend sees it.
type wrappedElement struct {
	*media.HeadlessElement
	wrap func(media.Buffer) media.Buffer
}

func (w *wrappedElement) OpenBuffer(ctx context.Context, mime string) (media.Buffer, error) {
	buf, err := w.HeadlessElement.OpenBuffer(ctx, mime)
	if err != nil {
		return nil, err
	}
	return w.wrap(buf), nil
}

// gatedBuffer parks each Append at entry while armed, before the underlying
// buffer sees any bytes.
type gatedBuffer struct {
	media.Buffer

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newGatedBuffer(buf media.Buffer) *gatedBuffer {
	return &gatedBuffer{Buffer: buf, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedBuffer) arm(on bool) {
	g.mu.Lock()
	g.armed = on
	g.mu.Unlock()
}

func (g *gatedBuffer) Append(ctx context.Context, data []byte) error {
	g.mu.Lock()
	armed := g.armed
	g.mu.Unlock()
	if armed {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.Buffer.Append(ctx, data)
}

// flakyBuffer fails the next n appends before the bytes reach the underlying
// buffer, then behaves normally.
type flakyBuffer struct {
	media.Buffer

	mu    sync.Mutex
	fails int
}

func (f *flakyBuffer) failNext(n int) {
	f.mu.Lock()
	f.fails = n
	f.mu.Unlock()
}

func (f *flakyBuffer) Append(ctx context.Context, data []byte) error {
	f.mu.Lock()
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("surface temporarily unavailable")
	}
	return f.Buffer.Append(ctx, data)
}

func newWrappedBufferFixture(t *testing.T, wrap func(media.Buffer) media.Buffer) (*BufferBackend, *media.HeadlessElement, *cache.SegmentCache) {
	t.Helper()
	el := &wrappedElement{HeadlessElement: media.NewHeadlessElement(true), wrap: wrap}
	segCache := cache.New(testTiming.Count)
	backend, err := NewBufferBackend(el, newFakeFetcher(segCache), segCache, testTiming, Options{HeadSegments: 3}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend, el.HeadlessElement, segCache
}

func newBufferFixture(t *testing.T) (*BufferBackend, *media.HeadlessElement, *cache.SegmentCache, *fakeFetcher) {
	t.Helper()
	el := media.NewHeadlessElement(true)
	segCache := cache.New(testTiming.Count)
	fetcher := newFakeFetcher(segCache)
	backend, err := NewBufferBackend(el, fetcher, segCache, testTiming, Options{HeadSegments: 3}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend, el, segCache, fetcher
}

func openAndDeliver(t *testing.T, backend *BufferBackend, ctx context.Context) {
	t.Helper()
	require.NoError(t, backend.Open(ctx))
	require.NoError(t, backend.DeliverInitial(ctx))
}

func TestBufferBackendRequiresCapableElement(t *testing.T) {
	el := media.NewHeadlessElement(false)
	segCache := cache.New(1)
	_, err := NewBufferBackend(el, newFakeFetcher(segCache), segCache, testTiming, Options{HeadSegments: 3}, logger.Nop())
	assert.Error(t, err)
}

func TestBufferInitialDelivery(t *testing.T) {
	backend, el, _, fetcher := newBufferFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	openAndDeliver(t, backend, ctx)

	assert.True(t, backend.Ready())
	require.Equal(t, [][]int{{0, 1, 2}}, fetcher.fetchCalls())
	assert.Equal(t, payloadRun(0, 3), el.Buffer().Bytes())

	start, next := backend.AppendedRange()
	assert.Zero(t, start)
	assert.Equal(t, 3, next)
	assert.False(t, backend.Ended())
}

func TestBufferAppendsStopAtGap(t *testing.T) {
	backend, el, segCache, _ := newBufferFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openAndDeliver(t, backend, ctx)

	// Segment 4 arrives before 3: nothing moves past the gap.
	segCache.Set(4, payload(4))
	backend.OnSegmentCached(ctx, 4)
	assert.Never(t, func() bool { return el.Buffer().Size() > 3000 }, 100*time.Millisecond, 10*time.Millisecond)

	// Filling the gap appends 3 and 4 in order.
	segCache.Set(3, payload(3))
	backend.OnSegmentCached(ctx, 3)
	require.Eventually(t, func() bool { return el.Buffer().Size() == 5000 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, payloadRun(0, 5), el.Buffer().Bytes())
}

func TestBufferEndsStreamAtLastSegment(t *testing.T) {
	backend, el, segCache, _ := newBufferFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openAndDeliver(t, backend, ctx)

	for i := 3; i < 10; i++ {
		segCache.Set(i, payload(i))
		backend.OnSegmentCached(ctx, i)
	}

	require.Eventually(t, backend.Ended, time.Second, 5*time.Millisecond)
	assert.True(t, el.Buffer().Ended())
	assert.Equal(t, payloadRun(0, 10), el.Buffer().Bytes())
}

func TestBufferInRangeSeekOnlyMovesElement(t *testing.T) {
	backend, el, _, fetcher := newBufferFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openAndDeliver(t, backend, ctx)

	before := el.Buffer().Appends()

	rebuild, err := backend.Seek(ctx, 15) // segment 1, already appended
	require.NoError(t, err)

	assert.Equal(t, -1, rebuild)
	assert.Equal(t, float64(15), el.CurrentTime())
	assert.Zero(t, fetcher.cancelCount())
	assert.Len(t, fetcher.fetchCalls(), 1, "an in-range seek stays off the network")
	assert.Equal(t, before, el.Buffer().Appends())
	assert.Equal(t, payloadRun(0, 3), el.Buffer().Bytes())
}

func TestBufferOutOfRangeSeekRebasesBuffer(t *testing.T) {
	backend, el, segCache, fetcher := newBufferFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openAndDeliver(t, backend, ctx)

	rebuild, err := backend.Seek(ctx, 75) // segment 7, nothing cached there
	require.NoError(t, err)

	assert.Equal(t, 7, rebuild)
	assert.Equal(t, 1, fetcher.cancelCount(), "the in-flight fetch is aborted")
	assert.Empty(t, el.Buffer().Bytes(), "the buffer is cleared")
	assert.Equal(t, float64(70), el.Buffer().TimestampOffset())
	assert.Equal(t, float64(75), el.CurrentTime(), "the element moves immediately and stalls")
	assert.True(t, backend.Ready(), "readiness survives a seek")

	// Data arriving at the target appends into the rebased buffer.
	segCache.Set(7, payload(7))
	backend.OnSegmentCached(ctx, 7)
	require.Eventually(t, func() bool { return el.Buffer().Size() == 1000 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, payload(7), el.Buffer().Bytes())

	start, next := backend.AppendedRange()
	assert.Equal(t, 7, start)
	assert.Equal(t, 8, next)
}

func TestBufferSeekBackAfterEndReopensStream(t *testing.T) {
	backend, el, segCache, _ := newBufferFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openAndDeliver(t, backend, ctx)

	segCache.Set(7, payload(7))
	segCache.Set(8, payload(8))
	segCache.Set(9, payload(9))

	_, err := backend.Seek(ctx, 75)
	require.NoError(t, err)
	require.Eventually(t, backend.Ended, time.Second, 5*time.Millisecond)

	// Seeking back before the buffer start clears and reopens the stream.
	rebuild, err := backend.Seek(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, rebuild)
	require.Eventually(t, func() bool {
		_, next := backend.AppendedRange()
		return next == 3
	}, time.Second, 5*time.Millisecond)
	assert.False(t, backend.Ended())
	assert.Equal(t, payloadRun(0, 3), el.Buffer().Bytes())
}

func TestBufferHaltsOnAppendFailure(t *testing.T) {
	backend, el, segCache, _ := newBufferFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openAndDeliver(t, backend, ctx)

	// Kill the buffer behind the backend's back; the next append must halt
	// delivery without panicking or spinning.
	require.NoError(t, el.Buffer().Close())
	segCache.Set(3, payload(3))
	backend.OnSegmentCached(ctx, 3)

	require.Eventually(t, func() bool { return backend.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, backend.Err(), media.ErrBufferClosed)

	// Later segments still cache fine, but a dead buffer never comes back.
	segCache.Set(4, payload(4))
	backend.OnSegmentCached(ctx, 4)
	_, next := backend.AppendedRange()
	assert.Equal(t, 3, next)
	assert.Error(t, backend.Err())
}

func TestBufferResumesAfterTransientAppendFailure(t *testing.T) {
	var flaky *flakyBuffer
	backend, el, segCache := newWrappedBufferFixture(t, func(buf media.Buffer) media.Buffer {
		flaky = &flakyBuffer{Buffer: buf}
		return flaky
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openAndDeliver(t, backend, ctx)

	flaky.failNext(1)
	segCache.Set(3, payload(3))
	backend.OnSegmentCached(ctx, 3)

	require.Eventually(t, func() bool { return backend.Err() != nil }, time.Second, 5*time.Millisecond)
	_, next := backend.AppendedRange()
	assert.Equal(t, 3, next, "the failed segment stays unconsumed")

	// The next cached segment retries the failed append and clears the error.
	segCache.Set(4, payload(4))
	backend.OnSegmentCached(ctx, 4)
	require.Eventually(t, func() bool {
		_, next := backend.AppendedRange()
		return next == 5
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, backend.Err())
	assert.Equal(t, payloadRun(0, 5), el.Buffer().Bytes())
}

func TestBufferSeekRetiresTransientFailure(t *testing.T) {
	var flaky *flakyBuffer
	backend, el, segCache := newWrappedBufferFixture(t, func(buf media.Buffer) media.Buffer {
		flaky = &flakyBuffer{Buffer: buf}
		return flaky
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openAndDeliver(t, backend, ctx)

	flaky.failNext(1)
	segCache.Set(3, payload(3))
	backend.OnSegmentCached(ctx, 3)
	require.Eventually(t, func() bool { return backend.Err() != nil }, time.Second, 5*time.Millisecond)

	rebuild, err := backend.Seek(ctx, 75)
	require.NoError(t, err)
	assert.Equal(t, 7, rebuild)
	assert.NoError(t, backend.Err(), "a rebasing seek retires the parked failure")

	// Delivery works again at the new position.
	segCache.Set(7, payload(7))
	backend.OnSegmentCached(ctx, 7)
	require.Eventually(t, func() bool { return el.Buffer().Size() == 1000 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, payload(7), el.Buffer().Bytes())
}

func TestBufferSeekWaitsForCommittedAppend(t *testing.T) {
	var gate *gatedBuffer
	backend, el, segCache := newWrappedBufferFixture(t, func(buf media.Buffer) media.Buffer {
		gate = newGatedBuffer(buf)
		return gate
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openAndDeliver(t, backend, ctx)

	// Park the append of segment 3 after the loop has committed to it.
	gate.arm(true)
	segCache.Set(3, payload(3))
	backend.OnSegmentCached(ctx, 3)
	<-gate.entered

	done := make(chan struct{})
	var rebuild int
	var seekErr error
	go func() {
		rebuild, seekErr = backend.Seek(ctx, 85) // segment 8
		close(done)
	}()

	// The rebase must wait for the parked append instead of clearing
	// underneath it.
	select {
	case <-done:
		t.Fatal("seek finished while an append was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	gate.release <- struct{}{}
	<-done
	require.NoError(t, seekErr)
	assert.Equal(t, 8, rebuild)
	assert.Empty(t, el.Buffer().Bytes(), "nothing from the old timeline survives the rebase")

	// Only data for the rebased timeline lands from here on.
	gate.arm(false)
	segCache.Set(8, payload(8))
	backend.OnSegmentCached(ctx, 8)
	require.Eventually(t, func() bool { return el.Buffer().Size() == 1000 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, payload(8), el.Buffer().Bytes())

	start, next := backend.AppendedRange()
	assert.Equal(t, 8, start)
	assert.Equal(t, 9, next)
}

func TestBufferInitialFetchFailureFailsDelivery(t *testing.T) {
	backend, _, _, fetcher := newBufferFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, backend.Open(ctx))

	fetcher.fail[1] = true
	assert.Error(t, backend.DeliverInitial(ctx))
}

func TestBufferHaltUnblocksInitialDelivery(t *testing.T) {
	backend, el, _, _ := newBufferFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, backend.Open(ctx))

	// The surface dies before the head window lands: DeliverInitial must
	// surface the halt instead of waiting out the caller's context.
	require.NoError(t, el.Buffer().Close())

	err := backend.DeliverInitial(ctx)
	require.Error(t, err)
	assert.Equal(t, backend.Err(), err)
}

func TestBufferShortTrackReadyBeforeHeadWindow(t *testing.T) {
	el := media.NewHeadlessElement(true)
	shortTiming := testTiming
	shortTiming.Count = 2
	shortTiming.TotalSize = 2000
	shortTiming.Duration = 20
	segCache := cache.New(2)
	fetcher := newFakeFetcher(segCache)
	backend, err := NewBufferBackend(el, fetcher, segCache, shortTiming, Options{HeadSegments: 3}, logger.Nop())
	require.NoError(t, err)
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	openAndDeliver(t, backend, ctx)

	assert.True(t, backend.Ready())
	require.Equal(t, [][]int{{0, 1}}, fetcher.fetchCalls())
	require.Eventually(t, backend.Ended, time.Second, 5*time.Millisecond)
}
