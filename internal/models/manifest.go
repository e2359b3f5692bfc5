package models

import "time"

// DefaultByteRate is the assumed audio byte rate (bytes per second) used to
// estimate durations when the manifest does not carry one. It has no
// correctness guarantee for variable-bitrate sources; every duration derived
// from it is an estimate, never a fact.
const DefaultByteRate = 16000

// Manifest describes how a track is chunked and authorizes access to it.
// It is immutable once fetched; token expiry replaces it wholesale.
type Manifest struct {
	TrackID     string    `json:"trackId"`
	TotalSize   int64     `json:"totalSize"`
	SegmentSize int64     `json:"segmentSize"`
	Segments    []Segment `json:"segments"`
	// ExpiresAt is the token expiry as unix milliseconds.
	ExpiresAt int64 `json:"expiresAt"`
	// Duration in seconds. Authoritative when > 0, otherwise estimated.
	Duration float64 `json:"duration,omitempty"`
}

// Segment is one independently fetchable, token-authorized byte range.
// The token authorizes exactly one segment fetch and expires with the manifest.
type Segment struct {
	Index int    `json:"index"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Token string `json:"token"`
}

// Size returns the byte length of the segment's inclusive range.
func (s Segment) Size() int64 {
	return s.End - s.Start + 1
}

// SegmentCount returns the number of segments in the manifest.
func (m *Manifest) SegmentCount() int {
	return len(m.Segments)
}

// LastIndex returns the highest segment index, or -1 for an empty manifest.
func (m *Manifest) LastIndex() int {
	return len(m.Segments) - 1
}

// SegmentByIndex returns the segment with the given index.
func (m *Manifest) SegmentByIndex(index int) (Segment, bool) {
	if index < 0 || index >= len(m.Segments) {
		return Segment{}, false
	}
	return m.Segments[index], true
}

// Expired reports whether the manifest's tokens have expired at the given time.
func (m *Manifest) Expired(now time.Time) bool {
	if m.ExpiresAt == 0 {
		return false
	}
	return now.UnixMilli() >= m.ExpiresAt
}

// Timing derives the time↔byte mapping for this manifest. When the manifest
// has no authoritative duration it is estimated from TotalSize and
// assumedByteRate (DefaultByteRate when zero).
func (m *Manifest) Timing(assumedByteRate int64) Timing {
	if assumedByteRate <= 0 {
		assumedByteRate = DefaultByteRate
	}

	t := Timing{
		TotalSize:   m.TotalSize,
		SegmentSize: m.SegmentSize,
		Count:       len(m.Segments),
		Duration:    m.Duration,
	}
	if t.Duration <= 0 {
		t.Duration = float64(m.TotalSize) / float64(assumedByteRate)
		t.Estimated = true
	}
	return t
}

// Timing maps between playback time and segment indices. All conversions
// assume a constant byte rate across the track, which is exact for CBR audio
// and an approximation otherwise.
type Timing struct {
	TotalSize   int64
	SegmentSize int64
	Count       int
	// Duration is the effective track duration in seconds.
	Duration float64
	// Estimated is set when Duration was derived from an assumed byte rate.
	Estimated bool
}

// ByteRate returns the effective bytes-per-second of the track.
func (t Timing) ByteRate() float64 {
	if t.Duration <= 0 {
		return 0
	}
	return float64(t.TotalSize) / t.Duration
}

// SegmentForTime returns the index of the segment containing the given
// playback time, clamped to the valid range.
func (t Timing) SegmentForTime(seconds float64) int {
	if t.Count == 0 || t.SegmentSize <= 0 {
		return 0
	}
	if seconds <= 0 {
		return 0
	}

	byteOffset := seconds * t.ByteRate()
	index := int(byteOffset / float64(t.SegmentSize))
	if index >= t.Count {
		index = t.Count - 1
	}
	return index
}

// TimeForSegment returns the playback time at which the given segment starts.
func (t Timing) TimeForSegment(index int) float64 {
	rate := t.ByteRate()
	if rate <= 0 || index <= 0 {
		return 0
	}
	return float64(int64(index)*t.SegmentSize) / rate
}

// SegmentDuration returns the playback time the given segment spans. The
// final segment is usually shorter than the rest.
func (t Timing) SegmentDuration(index int) float64 {
	rate := t.ByteRate()
	if rate <= 0 || index < 0 || index >= t.Count {
		return 0
	}

	size := t.SegmentSize
	if index == t.Count-1 {
		if rem := t.TotalSize - int64(index)*t.SegmentSize; rem > 0 {
			size = rem
		}
	}
	return float64(size) / rate
}

// TrackMeta is the tag metadata carried in a track's leading audio bytes.
type TrackMeta struct {
	Title  string
	Artist string
	Album  string
}
