// Package playback is the top of the engine: it ties the manifest, the
// segment cache, the download scheduler, the delivery backend, tag metadata,
// and waveform extraction into one facade. Callers load a track, watch
// snapshots, seek, and clean up.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"lobbyaudio/internal/config"
	"lobbyaudio/internal/logger"
	"lobbyaudio/internal/media"
	"lobbyaudio/internal/meta"
	"lobbyaudio/internal/models"
	"lobbyaudio/internal/origin"
)

// ErrNoSession is returned by operations that require a loaded track.
var ErrNoSession = errors.New("no track loaded")

// Snapshot is a read-only copy of the engine state, safe to retain.
type Snapshot struct {
	TrackID string
	// Loading is true from LoadTrack entry until readiness or failure.
	Loading bool
	// Seeking is true while a SeekTo repositions the backend.
	Seeking bool
	// Ready means initial delivery completed and playback can start.
	Ready bool
	// Progress is the cached share of the track's segments, 0 to 100.
	Progress float64
	// AllCached means every segment of the track is in the session cache.
	AllCached bool
	// Duration is the track duration in seconds. When the manifest carries
	// none it is estimated from the total size and DurationEstimated is set.
	Duration          float64
	DurationEstimated bool
	// BlobMode reports delivery through rebuilt blob sources instead of an
	// incremental buffer.
	BlobMode bool
	// Err is the most recent failure. A stalled background download is
	// non-terminal: cached audio keeps playing and the next successful fetch
	// clears the error.
	Err error
	// Peaks is the waveform overview, PeaksPerSegment bytes per segment.
	// Regions not yet extracted are zero.
	Peaks []byte
	// Meta carries tags read from the first segment, when present.
	Meta models.TrackMeta
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.Peaks != nil {
		out.Peaks = append([]byte(nil), s.Peaks...)
	}
	return out
}

// Option configures one LoadTrack call.
type Option func(*loadOptions)

type loadOptions struct {
	preloadToken string
	preloadOnly  bool
}

// WithPreloadToken marks the session's requests as speculative with the given
// short-lived token until ContinueDownload promotes it.
func WithPreloadToken(token string) Option {
	return func(o *loadOptions) { o.preloadToken = token }
}

// WithPreloadOnly stops after the initial head window: the track becomes
// ready, but the rest of the download waits for ContinueDownload.
func WithPreloadOnly() Option {
	return func(o *loadOptions) { o.preloadOnly = true }
}

// Engine owns at most one playback session at a time.
type Engine struct {
	client  *origin.Client
	cfg     *config.Config
	element media.Element
	logger  logger.Logger

	// opMu serializes LoadTrack, ContinueDownload, and Cleanup.
	opMu sync.Mutex

	mu      sync.Mutex
	session *session
	snap    Snapshot
	updates chan Snapshot
}

// New creates an engine delivering to element through client.
func New(client *origin.Client, cfg *config.Config, element media.Element, log logger.Logger) *Engine {
	return &Engine{
		client:  client,
		cfg:     cfg,
		element: element,
		logger:  log,
		updates: make(chan Snapshot, 1),
	}
}

// LoadTrack tears down any current session and loads trackID. On return the
// track is ready for playback; unless WithPreloadOnly was given, the remaining
// segments keep downloading in the background.
func (e *Engine) LoadTrack(ctx context.Context, trackID string, opts ...Option) error {
	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.teardown()

	e.setState(func(s *Snapshot) {
		*s = Snapshot{TrackID: trackID, Loading: true}
	})

	manifest, err := e.client.FetchManifest(ctx, trackID, lo.preloadToken)
	if err != nil {
		err = fmt.Errorf("failed to load track %s: %w", trackID, err)
		e.setState(func(s *Snapshot) {
			s.Loading = false
			s.Err = err
		})
		return err
	}

	sess, err := e.buildSession(manifest, lo.preloadToken)
	if err != nil {
		e.setState(func(s *Snapshot) {
			s.Loading = false
			s.Err = err
		})
		return err
	}

	e.wire(sess)
	sess.extractor.Start(sess.ctx)

	e.mu.Lock()
	e.session = sess
	e.snap.Duration = sess.timing.Duration
	e.snap.DurationEstimated = sess.timing.Estimated
	e.snap.BlobMode = sess.backend.Mode() == media.ModeBlob
	e.snap.Peaks = sess.extractor.Peaks()
	e.publishLocked()
	e.mu.Unlock()

	if err := sess.backend.Open(sess.ctx); err != nil {
		return e.failLoad(sess, fmt.Errorf("failed to open delivery for track %s: %w", trackID, err))
	}
	if err := sess.backend.DeliverInitial(ctx); err != nil {
		return e.failLoad(sess, fmt.Errorf("initial delivery for track %s failed: %w", trackID, err))
	}

	e.setState(func(s *Snapshot) {
		s.Loading = false
		s.Ready = true
	})
	e.logger.Infof("Track %s ready in %s mode (%.1fs, %d segments)",
		trackID, sess.backend.Mode(), sess.timing.Duration, sess.timing.Count)

	if !lo.preloadOnly {
		sess.sched.Rebuild(0)
		sess.sched.Kick(sess.ctx)
	}
	return nil
}

// ContinueDownload promotes a preloaded session to a full background
// download. Requests stop carrying the preload marker and the queue drains
// from the current playback position.
func (e *Engine) ContinueDownload() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	sess := e.session
	e.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}

	sess.sched.Promote()
	sess.sched.Rebuild(sess.timing.SegmentForTime(sess.backend.Position()))
	sess.sched.Kick(sess.ctx)
	return nil
}

// SeekTo moves playback to seconds. It blocks until the backend has
// repositioned; when the backend asks for it, the download queue is rebuilt
// around the target and the drain restarted.
func (e *Engine) SeekTo(ctx context.Context, seconds float64) error {
	e.mu.Lock()
	sess := e.session
	if sess == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	e.snap.Seeking = true
	e.publishLocked()
	e.mu.Unlock()

	rebuildFrom, err := sess.backend.Seek(ctx, seconds)
	if rebuildFrom >= 0 {
		sess.sched.Rebuild(rebuildFrom)
		sess.sched.Kick(sess.ctx)
	}

	// A failing delivery surface stays visible after a successful seek;
	// scheduler stall errors are left for the queue cycles to reconcile.
	deliveryErr := sess.backend.Err()
	e.setSessionState(sess, func(s *Snapshot) {
		s.Seeking = false
		if err != nil {
			s.Err = err
		} else if deliveryErr != nil {
			s.Err = deliveryErr
		}
	})
	if err != nil {
		return fmt.Errorf("seek to %.1fs failed: %w", seconds, err)
	}
	return nil
}

// Position reports the current playback position in track seconds.
func (e *Engine) Position() float64 {
	e.mu.Lock()
	sess := e.session
	e.mu.Unlock()
	if sess == nil {
		return 0
	}
	return sess.backend.Position()
}

// Cleanup tears down the current session and resets the visible state. Safe
// to call any number of times.
func (e *Engine) Cleanup() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.teardown()
	e.setState(func(s *Snapshot) {
		*s = Snapshot{}
	})
}

// State returns a copy of the current engine state.
func (e *Engine) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.clone()
}

// Updates delivers coalesced state snapshots. Publishing never blocks the
// engine: when the consumer lags, intermediate snapshots are dropped and the
// latest wins.
func (e *Engine) Updates() <-chan Snapshot {
	return e.updates
}

// wire connects the session's scheduler and extractor callbacks to the
// delivery backend and the engine state. Must run before the first fetch.
func (e *Engine) wire(sess *session) {
	sess.sched.OnSegment(func(index int, data []byte) {
		sess.backend.OnSegmentCached(sess.ctx, index)
		sess.extractor.Enqueue(index, data)
		e.noteSegment(sess, index, data)
	})
	sess.sched.OnStalled(func(err error) {
		e.setSessionState(sess, func(s *Snapshot) {
			s.Err = err
		})
	})
	sess.extractor.OnUpdate(func(int) {
		e.setSessionState(sess, func(s *Snapshot) {
			s.Peaks = sess.extractor.Peaks()
		})
	})
}

// noteSegment folds one cached segment into the visible state. Tags are read
// off the first segment only. A successful fetch clears a stall error, but a
// failing delivery surface stays visible until it recovers.
func (e *Engine) noteSegment(sess *session, index int, data []byte) {
	deliveryErr := sess.backend.Err()
	e.setSessionState(sess, func(s *Snapshot) {
		s.Progress = sess.cache.Progress()
		s.AllCached = sess.cache.Complete()
		s.Err = deliveryErr
		if index == 0 {
			if m := meta.FromSegment(data); m != (models.TrackMeta{}) {
				s.Meta = m
			}
		}
	})
}

// failLoad destroys a half-built session and surfaces err as the load result.
func (e *Engine) failLoad(sess *session, err error) error {
	e.mu.Lock()
	if e.session == sess {
		e.session = nil
	}
	e.mu.Unlock()
	sess.teardown()

	e.setState(func(s *Snapshot) {
		s.Loading = false
		s.Err = err
	})
	return err
}

// teardown drops and destroys the current session, if any.
func (e *Engine) teardown() {
	e.mu.Lock()
	sess := e.session
	e.session = nil
	e.mu.Unlock()
	if sess == nil {
		return
	}
	sess.teardown()
	e.logger.Debugf("Tore down session for track %s", sess.trackID)
}

// setState mutates the snapshot and publishes the result.
func (e *Engine) setState(fn func(*Snapshot)) {
	e.mu.Lock()
	fn(&e.snap)
	e.publishLocked()
	e.mu.Unlock()
}

// setSessionState is setState guarded against callbacks from a torn-down
// session racing the one that replaced it.
func (e *Engine) setSessionState(sess *session, fn func(*Snapshot)) {
	e.mu.Lock()
	if e.session != sess {
		e.mu.Unlock()
		return
	}
	fn(&e.snap)
	e.publishLocked()
	e.mu.Unlock()
}

// publishLocked offers the current snapshot to the updates channel, evicting
// the stale one when the consumer has not caught up. Callers hold e.mu, so
// there is exactly one publisher.
func (e *Engine) publishLocked() {
	snap := e.snap.clone()
	for {
		select {
		case e.updates <- snap:
			return
		default:
		}
		select {
		case <-e.updates:
		default:
		}
	}
}
