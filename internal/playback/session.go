package playback

import (
	"context"
	"fmt"

	"lobbyaudio/internal/cache"
	"lobbyaudio/internal/delivery"
	"lobbyaudio/internal/media"
	"lobbyaudio/internal/models"
	"lobbyaudio/internal/scheduler"
	"lobbyaudio/internal/waveform"
)

// session bundles everything owned by one loaded track: the segment cache,
// the download scheduler, the delivery backend, and the waveform extractor.
// The engine replaces the whole object on the next LoadTrack and destroys it
// on Cleanup.
type session struct {
	trackID string
	timing  models.Timing

	// ctx scopes all background work of the session: the download drain, the
	// buffer append loop, and the waveform worker.
	ctx    context.Context
	cancel context.CancelFunc

	cache     *cache.SegmentCache
	sched     *scheduler.Scheduler
	backend   delivery.Backend
	extractor *waveform.Extractor
}

// buildSession assembles the per-track machinery around a fetched manifest.
// The element is probed once here; nothing downstream branches on capability
// again.
func (e *Engine) buildSession(manifest *models.Manifest, preloadToken string) (*session, error) {
	timing := manifest.Timing(e.cfg.AssumedByteRate)
	segCache := cache.New(timing.Count)
	sched := scheduler.New(e.client, segCache, manifest, scheduler.Options{
		FetchRate:    e.cfg.FetchRate,
		FetchBurst:   e.cfg.FetchBurst,
		PreloadToken: preloadToken,
	}, e.logger)

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		trackID:   manifest.TrackID,
		timing:    timing,
		ctx:       ctx,
		cancel:    cancel,
		cache:     segCache,
		sched:     sched,
		extractor: waveform.New(timing.Count, e.logger),
	}

	mode := media.Probe(e.element, media.DefaultMIME)
	var (
		backend delivery.Backend
		err     error
	)
	switch mode {
	case media.ModeBuffer:
		backend, err = delivery.NewBufferBackend(e.element, sched, segCache, timing, delivery.Options{
			HeadSegments: e.cfg.HeadSegments,
		}, e.logger)
	default:
		backend, err = delivery.NewBlobBackend(e.element, sched, segCache, timing, delivery.Options{
			HeadSegments:      e.cfg.BlobHeadSegments,
			SeekReadySegments: e.cfg.SeekReadySegments,
			SeekFetchSegments: e.cfg.SeekFetchSegments,
		}, e.logger)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build %s delivery for track %s: %w", mode, manifest.TrackID, err)
	}
	sess.backend = backend
	return sess, nil
}

// teardown stops background work, closes the delivery surface, and drops the
// cached segments.
func (s *session) teardown() {
	s.cancel()
	if s.backend != nil {
		s.backend.Close()
	}
	s.cache.Clear()
}
