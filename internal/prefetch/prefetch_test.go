package prefetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobbyaudio/internal/logger"
	"lobbyaudio/internal/origin"
)

type originRecorder struct {
	server *httptest.Server

	mu   sync.Mutex
	hits []string
}

func newOriginRecorder(t *testing.T) *originRecorder {
	t.Helper()
	rec := &originRecorder{}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.hits = append(rec.hits, r.URL.Path)
		rec.mu.Unlock()

		if strings.HasPrefix(r.URL.Path, "/api/hls/") {
			trackID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/hls/"), "/playlist")
			fmt.Fprintf(w, "#EXTM3U\n")
			fmt.Fprintf(w, "#EXT-X-VERSION:7\n")
			fmt.Fprintf(w, "#EXT-X-MAP:URI=\"/media/%s/init.mp4\"\n", trackID)
			fmt.Fprintf(w, "#EXTINF:10.0,\n")
			fmt.Fprintf(w, "/media/%s/seg0.m4s\n", trackID)
			fmt.Fprintf(w, "/media/%s/seg1.m4s\n", trackID)
			return
		}
		w.Write([]byte("bytes"))
	}))
	t.Cleanup(rec.server.Close)
	return rec
}

func (rec *originRecorder) hitPaths() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.hits...)
}

func newTestPrefetcher(t *testing.T, rec *originRecorder, tracks int) *Prefetcher {
	t.Helper()
	client := origin.New(rec.server.URL, 5*time.Second, nil, logger.Nop())
	return New(client, tracks, 20*time.Millisecond, logger.Nop())
}

func TestUpdateWarmsUpcomingTracks(t *testing.T) {
	rec := newOriginRecorder(t)
	p := newTestPrefetcher(t, rec, 2)

	p.Update(context.Background(), []string{"a", "b", "c", "d"}, "a", true)

	require.Eventually(t, func() bool {
		return len(rec.hitPaths()) >= 6
	}, 2*time.Second, 10*time.Millisecond)

	hits := rec.hitPaths()
	for _, want := range []string{
		"/api/hls/b/playlist",
		"/media/b/init.mp4",
		"/media/b/seg0.m4s",
		"/api/hls/c/playlist",
		"/media/c/init.mp4",
		"/media/c/seg0.m4s",
	} {
		assert.Contains(t, hits, want)
	}
	assert.NotContains(t, hits, "/api/hls/d/playlist", "should stop at the configured track count")
	assert.NotContains(t, hits, "/media/b/seg1.m4s", "only the first media segment is warmed")
}

func TestUpdateSkippedWhilePaused(t *testing.T) {
	rec := newOriginRecorder(t)
	p := newTestPrefetcher(t, rec, 2)

	p.Update(context.Background(), []string{"a", "b", "c"}, "a", false)

	assert.Never(t, func() bool {
		return len(rec.hitPaths()) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestUpdateDebouncesRapidChanges(t *testing.T) {
	rec := newOriginRecorder(t)
	p := newTestPrefetcher(t, rec, 1)

	// Skipping through tracks faster than the debounce interval should only
	// warm for the track the listener settles on.
	p.Update(context.Background(), []string{"a", "b", "c"}, "a", true)
	p.Update(context.Background(), []string{"a", "b", "c"}, "b", true)

	require.Eventually(t, func() bool {
		return len(rec.hitPaths()) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	hits := rec.hitPaths()
	assert.NotContains(t, hits, "/api/hls/b/playlist", "superseded run should never fire")
	assert.Contains(t, hits, "/api/hls/c/playlist")
}

func TestStopCancelsPendingRun(t *testing.T) {
	rec := newOriginRecorder(t)
	p := newTestPrefetcher(t, rec, 2)

	p.Update(context.Background(), []string{"a", "b"}, "a", true)
	p.Stop()

	assert.Never(t, func() bool {
		return len(rec.hitPaths()) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestUpdateWithNothingUpcoming(t *testing.T) {
	rec := newOriginRecorder(t)
	p := newTestPrefetcher(t, rec, 2)

	p.Update(context.Background(), []string{"a", "b"}, "b", true)
	p.Update(context.Background(), []string{"a", "b"}, "missing", true)

	assert.Never(t, func() bool {
		return len(rec.hitPaths()) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestUpcomingTracks(t *testing.T) {
	playlist := []string{"a", "b", "c", "d", "e"}

	assert.Equal(t, []string{"b", "c"}, upcomingTracks(playlist, "a", 2))
	assert.Equal(t, []string{"d", "e"}, upcomingTracks(playlist, "c", 3))
	assert.Empty(t, upcomingTracks(playlist, "e", 2))
	assert.Empty(t, upcomingTracks(playlist, "nope", 2))
	assert.Empty(t, upcomingTracks(nil, "a", 2))
	assert.Equal(t, []string{"b"}, upcomingTracks([]string{"a", "", "b"}, "a", 2),
		"blank entries are skipped")
}

func TestScanPlaylist(t *testing.T) {
	text := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-MAP:URI=\"init.mp4\",BYTERANGE=\"720@0\"",
		"#EXTINF:9.8,",
		"seg-000.m4s",
		"seg-001.m4s",
	}, "\n")

	initURI, mediaURI := scanPlaylist(text)
	assert.Equal(t, "init.mp4", initURI)
	assert.Equal(t, "seg-000.m4s", mediaURI)

	initURI, mediaURI = scanPlaylist("#EXTM3U\nonly-media.ts\n")
	assert.Empty(t, initURI)
	assert.Equal(t, "only-media.ts", mediaURI)

	initURI, mediaURI = scanPlaylist("#EXTM3U\n#EXT-X-ENDLIST\n")
	assert.Empty(t, initURI)
	assert.Empty(t, mediaURI)
}

func TestAttrValue(t *testing.T) {
	assert.Equal(t, "a b", attrValue(`#EXT-X-MAP:URI="a b",OTHER="x"`, "URI"))
	assert.Empty(t, attrValue(`#EXT-X-MAP:URI=unquoted`, "URI"))
	assert.Empty(t, attrValue(`#EXT-X-MAP:URI="unterminated`, "URI"))
	assert.Empty(t, attrValue(`#EXT-X-MAP:`, "URI"))
}
