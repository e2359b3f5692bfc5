// Package waveform computes per-segment amplitude peaks for seek-bar
// rendering. Extraction is best-effort and fully decoupled from playback:
// a segment that fails to decode simply leaves its region of the waveform
// flat.
package waveform

import (
	"context"
	"math"
	"sync"

	"lobbyaudio/internal/logger"
)

// PeaksPerSegment is how many amplitude buckets each segment contributes.
const PeaksPerSegment = 32

type job struct {
	index int
	data  []byte
}

// Extractor owns a track's peaks array and a single worker that fills it in
// as segments arrive. The array always has its full length; unprocessed
// regions are zero.
type Extractor struct {
	logger logger.Logger
	count  int
	jobs   chan job

	mu    sync.RWMutex
	peaks []byte

	onUpdate func(index int)
}

// New allocates a zero-filled peaks array for segmentCount segments. The job
// queue holds one slot per segment, so enqueues never block.
func New(segmentCount int, log logger.Logger) *Extractor {
	return &Extractor{
		logger: log,
		count:  segmentCount,
		jobs:   make(chan job, segmentCount+1),
		peaks:  make([]byte, segmentCount*PeaksPerSegment),
	}
}

// OnUpdate registers a callback fired after a segment's peaks merge in.
// Wire it before Start.
func (e *Extractor) OnUpdate(fn func(index int)) {
	e.onUpdate = fn
}

// Start launches the worker for the life of ctx.
func (e *Extractor) Start(ctx context.Context) {
	go e.worker(ctx)
}

// Enqueue schedules a segment for extraction. It never blocks; a full queue
// drops the job and leaves that region flat.
func (e *Extractor) Enqueue(index int, data []byte) {
	if index < 0 || index >= e.count {
		return
	}
	select {
	case e.jobs <- job{index: index, data: data}:
	default:
		e.logger.Debugf("Waveform queue full, skipping segment %d", index)
	}
}

// Peaks returns a copy of the full peaks array.
func (e *Extractor) Peaks() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]byte(nil), e.peaks...)
}

func (e *Extractor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.jobs:
			e.process(j)
		}
	}
}

func (e *Extractor) process(j job) {
	samples, err := decodeSamples(j.data)
	if err != nil {
		e.logger.Debugf("Waveform decode of segment %d skipped: %v", j.index, err)
		return
	}

	peaks := rmsPeaks(samples, PeaksPerSegment)

	e.mu.Lock()
	copy(e.peaks[j.index*PeaksPerSegment:], peaks)
	e.mu.Unlock()

	if e.onUpdate != nil {
		e.onUpdate(j.index)
	}
}

// rmsPeaks splits samples into buckets equal windows and maps each window's
// RMS amplitude onto 0..255.
func rmsPeaks(samples []float64, buckets int) []byte {
	peaks := make([]byte, buckets)
	if len(samples) == 0 {
		return peaks
	}

	window := len(samples) / buckets
	if window == 0 {
		window = 1
	}
	for b := 0; b < buckets; b++ {
		start := b * window
		if start >= len(samples) {
			break
		}
		end := start + window
		if b == buckets-1 || end > len(samples) {
			end = len(samples)
		}

		var sum float64
		for _, s := range samples[start:end] {
			sum += s * s
		}
		rms := math.Sqrt(sum / float64(end-start))

		v := math.Round(rms * 255)
		if v > 255 {
			v = 255
		}
		peaks[b] = byte(v)
	}
	return peaks
}
