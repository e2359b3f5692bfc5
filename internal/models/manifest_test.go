package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evenManifest(count int, segSize int64) *Manifest {
	segments := make([]Segment, count)
	for i := range segments {
		start := int64(i) * segSize
		segments[i] = Segment{Index: i, Start: start, End: start + segSize - 1, Token: "tok"}
	}
	return &Manifest{
		TrackID:     "track-1",
		TotalSize:   int64(count) * segSize,
		SegmentSize: segSize,
		Segments:    segments,
	}
}

func TestManifestJSONShape(t *testing.T) {
	raw := `{
		"trackId": "track-9",
		"totalSize": 1000,
		"segmentSize": 400,
		"segments": [{"index": 0, "start": 0, "end": 399, "token": "t0"}],
		"expiresAt": 1700000000000,
		"duration": 62.5
	}`

	var m Manifest
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	assert.Equal(t, "track-9", m.TrackID)
	assert.Equal(t, int64(1000), m.TotalSize)
	assert.Equal(t, int64(400), m.SegmentSize)
	assert.Equal(t, int64(1700000000000), m.ExpiresAt)
	assert.Equal(t, 62.5, m.Duration)
	require.Len(t, m.Segments, 1)
	assert.Equal(t, int64(400), m.Segments[0].Size())
}

func TestSegmentLookup(t *testing.T) {
	m := evenManifest(3, 100)

	assert.Equal(t, 3, m.SegmentCount())
	assert.Equal(t, 2, m.LastIndex())

	seg, ok := m.SegmentByIndex(1)
	require.True(t, ok)
	assert.Equal(t, int64(100), seg.Start)

	_, ok = m.SegmentByIndex(3)
	assert.False(t, ok)
	_, ok = m.SegmentByIndex(-1)
	assert.False(t, ok)
}

func TestExpired(t *testing.T) {
	now := time.Now()

	m := evenManifest(1, 10)
	assert.False(t, m.Expired(now), "zero expiry means no expiry")

	m.ExpiresAt = now.Add(time.Minute).UnixMilli()
	assert.False(t, m.Expired(now))

	m.ExpiresAt = now.Add(-time.Minute).UnixMilli()
	assert.True(t, m.Expired(now))
}

func TestTimingEstimatesDuration(t *testing.T) {
	// Ten segments of 500000 bytes at the assumed 16000 B/s.
	m := evenManifest(10, 500000)

	timing := m.Timing(0)

	assert.True(t, timing.Estimated)
	assert.Equal(t, 312.5, timing.Duration)
	assert.Equal(t, float64(16000), timing.ByteRate())
}

func TestTimingPrefersManifestDuration(t *testing.T) {
	m := evenManifest(10, 500000)
	m.Duration = 300

	timing := m.Timing(16000)

	assert.False(t, timing.Estimated)
	assert.Equal(t, float64(300), timing.Duration)
}

func TestSegmentForTime(t *testing.T) {
	m := evenManifest(10, 500000)
	timing := m.Timing(16000) // 31.25s per segment

	tests := []struct {
		seconds float64
		want    int
	}{
		{0, 0},
		{-5, 0},
		{31.24, 0},
		{31.25, 1},
		{218.75, 7},
		{312.5, 9}, // exactly the end clamps to the last segment
		{99999, 9},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, timing.SegmentForTime(tt.seconds), "t=%v", tt.seconds)
	}
}

func TestTimeForSegmentRoundTrips(t *testing.T) {
	m := evenManifest(10, 500000)
	timing := m.Timing(16000)

	assert.Zero(t, timing.TimeForSegment(0))
	assert.Equal(t, 31.25, timing.TimeForSegment(1))
	assert.Equal(t, 218.75, timing.TimeForSegment(7))

	for i := 0; i < 10; i++ {
		assert.Equal(t, i, timing.SegmentForTime(timing.TimeForSegment(i)))
	}
}

func TestSegmentDurationShortLastSegment(t *testing.T) {
	m := evenManifest(4, 100)
	m.TotalSize = 350 // last segment holds 50 bytes
	m.Segments[3].End = 349
	m.Duration = 35 // 10 B/s

	timing := m.Timing(0)

	assert.Equal(t, float64(10), timing.SegmentDuration(0))
	assert.Equal(t, float64(5), timing.SegmentDuration(3))
	assert.Zero(t, timing.SegmentDuration(4))
}
