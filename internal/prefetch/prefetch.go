// Package prefetch warms the HTTP cache for tracks the listener is likely to
// play next. It only ever issues plain GETs through the shared caching
// transport; the segment cache and delivery backends never see it.
package prefetch

import (
	"context"
	"strings"
	"sync"
	"time"

	"lobbyaudio/internal/logger"
	"lobbyaudio/internal/origin"
)

// Prefetcher watches playlist state and warms upcoming tracks while playback
// is running. Every Update supersedes the previous one: the old run is
// canceled and a new debounced run starts from scratch.
type Prefetcher struct {
	client   *origin.Client
	logger   logger.Logger
	tracks   int
	debounce time.Duration

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// New creates a prefetcher warming up to tracks upcoming entries.
func New(client *origin.Client, tracks int, debounce time.Duration, log logger.Logger) *Prefetcher {
	return &Prefetcher{
		client:   client,
		logger:   log,
		tracks:   tracks,
		debounce: debounce,
	}
}

// Update reports the current playlist state. Any previous run is canceled.
// A new run starts only while playing, after the debounce interval, and only
// for tracks listed after the current one.
func (p *Prefetcher) Update(ctx context.Context, playlist []string, currentTrackID string, playing bool) {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}

	if !playing || p.tracks <= 0 {
		p.mu.Unlock()
		return
	}
	upcoming := upcomingTracks(playlist, currentTrackID, p.tracks)
	if len(upcoming) == 0 {
		p.mu.Unlock()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(runCtx, gen, upcoming)
}

// Stop cancels any pending or running prefetch.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Prefetcher) stale(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen != gen
}

func (p *Prefetcher) run(ctx context.Context, gen uint64, trackIDs []string) {
	timer := time.NewTimer(p.debounce)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	for _, trackID := range trackIDs {
		if ctx.Err() != nil || p.stale(gen) {
			return
		}
		p.warmTrack(ctx, trackID)
	}
}

// warmTrack fetches the track's HLS playlist and warms the init segment and
// first media segment it names. Failures are logged and skipped; prefetch is
// purely opportunistic.
func (p *Prefetcher) warmTrack(ctx context.Context, trackID string) {
	body, err := p.client.FetchPlaylist(ctx, trackID)
	if err != nil {
		p.logger.Debugf("Prefetch playlist for track %s skipped: %v", trackID, err)
		return
	}

	initURI, mediaURI := scanPlaylist(string(body))
	warmed := 0
	for _, uri := range []string{initURI, mediaURI} {
		if uri == "" {
			continue
		}
		if err := p.client.Warm(ctx, uri); err != nil {
			p.logger.Debugf("Prefetch warm of %s skipped: %v", uri, err)
			continue
		}
		warmed++
	}
	p.logger.Debugf("Prefetched track %s: playlist plus %d segment(s)", trackID, warmed)
}

// upcomingTracks lists up to max tracks that follow current in the playlist.
func upcomingTracks(playlist []string, current string, max int) []string {
	start := -1
	for i, id := range playlist {
		if id == current {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil
	}

	upcoming := make([]string, 0, max)
	for _, id := range playlist[start:] {
		if id == "" || id == current {
			continue
		}
		upcoming = append(upcoming, id)
		if len(upcoming) == max {
			break
		}
	}
	return upcoming
}

// scanPlaylist pulls the EXT-X-MAP init URI and the first media URI out of an
// HLS media playlist. Anything it cannot find comes back empty.
func scanPlaylist(text string) (initURI, mediaURI string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#EXT-X-MAP:") {
			if uri := attrValue(line, "URI"); uri != "" && initURI == "" {
				initURI = uri
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if mediaURI == "" {
			mediaURI = line
		}
	}
	return initURI, mediaURI
}

// attrValue extracts a quoted attribute value from an HLS tag line.
func attrValue(line, name string) string {
	marker := name + `="`
	start := strings.Index(line, marker)
	if start < 0 {
		return ""
	}
	rest := line[start+len(marker):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}
