// Package scheduler plans and drains segment downloads for one playback
// session. The queue runs forward from the playback target and wraps around
// to backfill earlier segments, so listeners get upcoming audio first.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lobbyaudio/internal/cache"
	"lobbyaudio/internal/logger"
	"lobbyaudio/internal/models"
	"lobbyaudio/internal/origin"
)

// Options carries the session tunables the scheduler needs.
type Options struct {
	// FetchRate throttles background drain fetches (requests per second).
	// Zero disables throttling. Eager fetches are never throttled.
	FetchRate  float64
	FetchBurst int
	// PreloadToken marks every request as speculative until the session is
	// promoted.
	PreloadToken string
}

// Scheduler downloads a track's segments exactly once each, in queue order.
// All cache writes for a session go through it.
type Scheduler struct {
	client  *origin.Client
	cache   *cache.SegmentCache
	limiter *rate.Limiter
	logger  logger.Logger
	trackID string

	mu           sync.Mutex
	manifest     *models.Manifest
	queue        []int
	inflight     map[int]chan struct{}
	draining     bool
	preloadToken string
	refreshGen   uint64
	fetchCancel  context.CancelFunc

	// refreshMu serializes manifest refreshes so concurrent stale-token
	// failures trigger a single origin round trip.
	refreshMu sync.Mutex

	onSegment func(index int, data []byte)
	onStalled func(err error)
}

// New creates a scheduler for one track session.
func New(client *origin.Client, segCache *cache.SegmentCache, manifest *models.Manifest, opts Options, log logger.Logger) *Scheduler {
	var limiter *rate.Limiter
	if opts.FetchRate > 0 {
		burst := opts.FetchBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.FetchRate), burst)
	}
	return &Scheduler{
		client:       client,
		cache:        segCache,
		limiter:      limiter,
		logger:       log,
		trackID:      manifest.TrackID,
		manifest:     manifest,
		inflight:     make(map[int]chan struct{}),
		preloadToken: opts.PreloadToken,
	}
}

// OnSegment registers the callback invoked after each segment lands in the
// cache. Wire it before the first Kick.
func (s *Scheduler) OnSegment(fn func(index int, data []byte)) {
	s.onSegment = fn
}

// OnStalled registers the callback invoked when a full queue pass fails and
// the drain gives up until the next Kick.
func (s *Scheduler) OnStalled(fn func(err error)) {
	s.onStalled = fn
}

// Manifest returns the current manifest, which refreshes may have swapped.
func (s *Scheduler) Manifest() *models.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

// Promote clears the preload token so further requests count as real playback.
func (s *Scheduler) Promote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preloadToken = ""
}

// Rebuild replaces the queue: missing segments from `from` forward, then the
// missing ones before it. Segments already cached or in flight are skipped
// when popped.
func (s *Scheduler) Rebuild(from int) {
	missing := s.cache.Missing(from)
	s.mu.Lock()
	s.queue = missing
	s.mu.Unlock()
	s.logger.Debugf("Rebuilt download queue for track %s from segment %d: %d entries", s.trackID, from, len(missing))
}

// QueueLen reports the remaining queue length.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Kick ensures the background drain is running. It returns immediately; at
// most one drain goroutine exists per scheduler.
func (s *Scheduler) Kick(ctx context.Context) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()
	go s.drain(ctx)
}

// CancelInFlight aborts the drain's current fetch, if any. The drain keeps
// running; the aborted segment stays missing and returns on the next Rebuild.
func (s *Scheduler) CancelInFlight() {
	s.mu.Lock()
	cancel := s.fetchCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// FetchNow downloads the given segments immediately, in parallel, bypassing
// the queue and the rate limiter. Already-cached segments are skipped. It
// returns the first error.
func (s *Scheduler) FetchNow(ctx context.Context, indices []int) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(indices))
	for _, index := range indices {
		if s.cache.Has(index) {
			continue
		}
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			if err := s.fetchOne(ctx, index, true); err != nil {
				errs <- fmt.Errorf("eager fetch of segment %d failed: %w", index, err)
			}
		}(index)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// drain pops and fetches until the queue empties, the context dies, or a full
// pass yields nothing but failures.
func (s *Scheduler) drain(ctx context.Context) {
	failed := 0
	var lastErr error
	for {
		if ctx.Err() != nil {
			s.stopDraining()
			return
		}

		index, ok := s.next()
		if !ok {
			// next already cleared the draining flag.
			return
		}
		if s.cache.Has(index) {
			continue
		}

		err := s.fetchDrained(ctx, index)
		if err == nil {
			failed = 0
			continue
		}
		if ctx.Err() != nil {
			s.stopDraining()
			return
		}
		if errors.Is(err, context.Canceled) {
			// A seek aborted this fetch. The segment is still missing, so the
			// rebuilt queue already carries it. Nothing to report.
			continue
		}

		s.mu.Lock()
		s.queue = append(s.queue, index)
		remaining := len(s.queue)
		s.mu.Unlock()

		failed++
		lastErr = err
		s.logger.Warnf("Segment %d of track %s failed, requeued at tail: %v", index, s.trackID, err)
		if failed >= remaining {
			// Every remaining segment failed once. Stop instead of hammering
			// the origin; the next load, seek, or resume kicks again.
			s.stopDraining()
			s.logger.Warnf("Download of track %s stalled after a full failing pass: %v", s.trackID, lastErr)
			if s.onStalled != nil {
				s.onStalled(lastErr)
			}
			return
		}
	}
}

// fetchDrained wraps one queue fetch in a cancelable scope so a seek can
// abort it without touching the session context.
func (s *Scheduler) fetchDrained(ctx context.Context, index int) error {
	fetchCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.fetchCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.fetchCancel = nil
		s.mu.Unlock()
		cancel()
	}()
	return s.fetchOne(fetchCtx, index, false)
}

// fetchOne downloads a segment exactly once. When another fetch already owns
// the index it waits for that fetch to settle and re-checks the cache: an
// aborted owner leaves the segment missing, and this caller takes over.
func (s *Scheduler) fetchOne(ctx context.Context, index int, eager bool) error {
	for {
		if s.cache.Has(index) {
			return nil
		}

		s.mu.Lock()
		if ch, ok := s.inflight[index]; ok {
			s.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		done := make(chan struct{})
		s.inflight[index] = done
		s.mu.Unlock()

		err := s.download(ctx, index, eager)

		s.mu.Lock()
		delete(s.inflight, index)
		s.mu.Unlock()
		close(done)
		return err
	}
}

// download performs the origin round trip for one segment, refreshing the
// manifest and retrying once when the fetch fails.
func (s *Scheduler) download(ctx context.Context, index int, eager bool) error {
	if !eager && s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	m := s.manifest
	preload := s.preloadToken
	gen := s.refreshGen
	s.mu.Unlock()

	if m.Expired(time.Now()) {
		if err := s.refresh(ctx, gen); err != nil {
			return fmt.Errorf("manifest expired and refresh failed: %w", err)
		}
		s.mu.Lock()
		m = s.manifest
		gen = s.refreshGen
		s.mu.Unlock()
	}

	seg, ok := m.SegmentByIndex(index)
	if !ok {
		return fmt.Errorf("segment %d is outside the manifest", index)
	}

	data, err := s.client.FetchSegment(ctx, s.trackID, seg, preload)
	if err != nil && ctx.Err() == nil {
		// Any failed fetch gets one manifest refresh and one retry, whether
		// the token went stale or the connection dropped mid-transfer.
		if origin.IsAuthError(err) {
			s.logger.Debugf("Segment %d of track %s rejected with a stale token: %v", index, s.trackID, err)
		} else {
			s.logger.Debugf("Segment %d of track %s failed, refreshing manifest before retry: %v", index, s.trackID, err)
		}
		if rerr := s.refresh(ctx, gen); rerr != nil {
			return fmt.Errorf("segment %d failed and manifest refresh failed: %w", index, rerr)
		}
		s.mu.Lock()
		seg, ok = s.manifest.SegmentByIndex(index)
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("segment %d missing from refreshed manifest", index)
		}
		data, err = s.client.FetchSegment(ctx, s.trackID, seg, preload)
	}
	if err != nil {
		return err
	}

	s.cache.Set(index, data)
	if s.onSegment != nil {
		s.onSegment(index, data)
	}
	return nil
}

// refresh replaces the manifest unless another fetch already did since the
// caller observed generation gen.
func (s *Scheduler) refresh(ctx context.Context, gen uint64) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.Lock()
	current := s.refreshGen
	preload := s.preloadToken
	s.mu.Unlock()
	if current != gen {
		return nil
	}

	manifest, err := s.client.FetchManifest(ctx, s.trackID, preload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.manifest = manifest
	s.refreshGen++
	s.mu.Unlock()
	s.logger.Infof("Refreshed manifest for track %s", s.trackID)
	return nil
}

// next pops the first index that is neither cached nor in flight. When the
// queue is empty it clears the draining flag in the same critical section, so
// a concurrent Kick can restart cleanly.
func (s *Scheduler) next() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		index := s.queue[0]
		s.queue = s.queue[1:]
		if _, ok := s.inflight[index]; ok {
			continue
		}
		return index, true
	}
	s.draining = false
	return 0, false
}

func (s *Scheduler) stopDraining() {
	s.mu.Lock()
	s.draining = false
	s.mu.Unlock()
}
