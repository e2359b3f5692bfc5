// Package cache holds fetched segment bytes for the lifetime of one playback
// session. The cache only grows; nothing is evicted until the session ends.
package cache

import "sync"

// SegmentCache maps segment index to raw bytes for a single track.
type SegmentCache struct {
	mu       sync.RWMutex
	segments map[int][]byte
	count    int
	bytes    int64
}

// New creates a cache expecting count segments.
func New(count int) *SegmentCache {
	return &SegmentCache{
		segments: make(map[int][]byte, count),
		count:    count,
	}
}

// Set stores a segment's bytes. The first write for an index wins; a segment
// is never fetched twice in one session, so a duplicate is dropped.
func (c *SegmentCache) Set(index int, data []byte) {
	if index < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.segments[index]; ok {
		return
	}
	c.segments[index] = data
	c.bytes += int64(len(data))
}

// Get returns a segment's bytes if cached.
func (c *SegmentCache) Get(index int) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.segments[index]
	return data, ok
}

// Has reports whether a segment is cached.
func (c *SegmentCache) Has(index int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.segments[index]
	return ok
}

// Len reports how many segments are cached.
func (c *SegmentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.segments)
}

// Bytes reports the total cached payload size.
func (c *SegmentCache) Bytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytes
}

// Count reports how many segments the track has in total.
func (c *SegmentCache) Count() int {
	return c.count
}

// Complete reports whether every segment is cached.
func (c *SegmentCache) Complete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count > 0 && len(c.segments) >= c.count
}

// Progress reports the cached share of segments as a percentage.
func (c *SegmentCache) Progress() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.count == 0 {
		return 0
	}
	return float64(len(c.segments)) / float64(c.count) * 100
}

// ContiguousFrom counts cached segments starting at start with no gap.
func (c *SegmentCache) ContiguousFrom(start int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for i := start; i < c.count; i++ {
		if _, ok := c.segments[i]; !ok {
			break
		}
		n++
	}
	return n
}

// Missing lists uncached indices in playback order: from first, wrapping
// around to the segments before it. This is the scheduler's queue shape.
func (c *SegmentCache) Missing(from int) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	missing := make([]int, 0, c.count-len(c.segments))
	for i := from; i < c.count; i++ {
		if _, ok := c.segments[i]; !ok {
			missing = append(missing, i)
		}
	}
	for i := 0; i < from && i < c.count; i++ {
		if _, ok := c.segments[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Clear drops every cached segment. Used on session teardown.
func (c *SegmentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments = make(map[int][]byte)
	c.bytes = 0
}
