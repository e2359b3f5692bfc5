package delivery

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"lobbyaudio/internal/cache"
	"lobbyaudio/internal/models"
)

// Ten segments of 1000 bytes over 100 seconds: ten seconds per segment.
var testTiming = models.Timing{
	TotalSize:   10000,
	SegmentSize: 1000,
	Count:       10,
	Duration:    100,
}

func payload(index int) []byte {
	return bytes.Repeat([]byte{byte('0' + index)}, 1000)
}

func payloadRun(from, n int) []byte {
	var out []byte
	for i := from; i < from+n; i++ {
		out = append(out, payload(i)...)
	}
	return out
}

// fakeFetcher stands in for the scheduler: FetchNow lands payloads straight
// in the cache and every call is recorded.
type fakeFetcher struct {
	cache *cache.SegmentCache

	mu       sync.Mutex
	calls    [][]int
	cancels  int
	rebuilds []int
	fail     map[int]bool
}

func newFakeFetcher(segCache *cache.SegmentCache) *fakeFetcher {
	return &fakeFetcher{cache: segCache, fail: make(map[int]bool)}
}

func (f *fakeFetcher) FetchNow(ctx context.Context, indices []int) error {
	f.mu.Lock()
	f.calls = append(f.calls, append([]int(nil), indices...))
	f.mu.Unlock()

	var firstErr error
	for _, index := range indices {
		f.mu.Lock()
		failed := f.fail[index]
		f.mu.Unlock()
		if failed {
			if firstErr == nil {
				firstErr = fmt.Errorf("segment %d unavailable", index)
			}
			continue
		}
		f.cache.Set(index, payload(index))
	}
	return firstErr
}

func (f *fakeFetcher) CancelInFlight() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
}

func (f *fakeFetcher) Rebuild(from int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuilds = append(f.rebuilds, from)
}

func (f *fakeFetcher) fetchCalls() [][]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]int, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeFetcher) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeFetcher) rebuildCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.rebuilds...)
}
