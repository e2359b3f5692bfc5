// Package sound plays blob sources through the machine's speakers. It is the
// delivery surface cmd/player hands to the engine: it cannot stream, so the
// capability probe puts such sessions on the blob backend.
package sound

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"

	"lobbyaudio/internal/logger"
	"lobbyaudio/internal/media"
)

const (
	speakerBufferSize = 250 * time.Millisecond
	volumeBase        = 2
	minVolumeDB       = -10.0
	volumeCurve       = 0.5
	defaultVolume     = 80
)

// blobReader adapts a blob payload to the decoder. Keeping the Seeker surface
// visible is what lets the decoded stream seek by sample.
type blobReader struct {
	*bytes.Reader
}

func (blobReader) Close() error { return nil }

// Speaker is a blob-capable media element backed by the system audio output.
// Each SwapSource decodes the new payload and replaces whatever was playing,
// preserving the pause state.
type Speaker struct {
	logger logger.Logger

	mu            sync.Mutex
	inited        bool
	rate          beep.SampleRate
	format        beep.Format
	streamer      beep.StreamSeekCloser
	ctrl          *beep.Ctrl
	volume        *effects.Volume
	volumePercent int
	paused        bool
	closed        bool
}

// NewSpeaker creates a speaker element. The audio device is initialized
// lazily, on the first SwapSource.
func NewSpeaker(log logger.Logger) *Speaker {
	return &Speaker{
		logger:        log,
		volumePercent: defaultVolume,
		paused:        true,
	}
}

// SwapSource decodes blob as MP3 and plays it from timeOffset seconds into
// the new source, releasing nothing itself: the caller owns blob lifetimes.
func (s *Speaker) SwapSource(blob *media.Blob, timeOffset float64) error {
	data := blob.Bytes()
	if data == nil {
		return media.ErrBlobReleased
	}

	streamer, format, err := mp3.Decode(blobReader{bytes.NewReader(data)})
	if err != nil {
		return fmt.Errorf("failed to decode source: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		streamer.Close()
		return errors.New("sound: speaker is closed")
	}
	if err := s.initLocked(format.SampleRate); err != nil {
		streamer.Close()
		return err
	}

	speaker.Clear()
	if s.streamer != nil {
		s.streamer.Close()
	}
	s.streamer = streamer
	s.format = format

	if pos := format.SampleRate.N(secondsToDuration(timeOffset)); pos > 0 {
		if max := streamer.Len() - 1; pos > max {
			pos = max
		}
		if err := streamer.Seek(pos); err != nil {
			s.logger.Warnf("Could not position new source at %.1fs: %v", timeOffset, err)
		}
	}

	s.volume = &effects.Volume{
		Streamer: streamer,
		Base:     volumeBase,
		Volume:   percentToGain(s.volumePercent),
		Silent:   s.volumePercent == 0,
	}
	s.ctrl = &beep.Ctrl{Streamer: s.volume, Paused: s.paused}
	speaker.Play(s.ctrl)

	s.logger.Debugf("Swapped speaker source: %d bytes at %.1fs, %d Hz", len(data), timeOffset, format.SampleRate)
	return nil
}

// CurrentTime reports the position within the current source, in seconds.
func (s *Speaker) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamer == nil {
		return 0
	}
	speaker.Lock()
	pos := s.streamer.Position()
	speaker.Unlock()
	return s.format.SampleRate.D(pos).Seconds()
}

// Seek moves playback to seconds within the current source.
func (s *Speaker) Seek(seconds float64) error {
	if seconds < 0 {
		return errors.New("sound: negative seek position")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamer == nil {
		return errors.New("sound: no source loaded")
	}

	pos := s.format.SampleRate.N(secondsToDuration(seconds))
	speaker.Lock()
	if max := s.streamer.Len() - 1; pos > max {
		pos = max
	}
	err := s.streamer.Seek(pos)
	speaker.Unlock()
	if err != nil {
		return fmt.Errorf("failed to seek source: %w", err)
	}
	return nil
}

// Play resumes output. Before the first source arrives it just records the
// intent; the next SwapSource starts unpaused.
func (s *Speaker) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	if s.ctrl != nil {
		speaker.Lock()
		s.ctrl.Paused = false
		speaker.Unlock()
	}
	return nil
}

// Pause suspends output without touching the position.
func (s *Speaker) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	if s.ctrl != nil {
		speaker.Lock()
		s.ctrl.Paused = true
		speaker.Unlock()
	}
}

// Paused reports whether output is suspended.
func (s *Speaker) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetVolume sets the output volume as a 0-100 percentage.
func (s *Speaker) SetVolume(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumePercent = percent
	if s.volume == nil {
		return
	}
	speaker.Lock()
	s.volume.Volume = percentToGain(percent)
	s.volume.Silent = percent == 0
	speaker.Unlock()
}

// Close stops output and releases the decoder. The speaker cannot be reused.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.inited {
		speaker.Clear()
	}
	if s.streamer != nil {
		s.streamer.Close()
		s.streamer = nil
	}
	s.ctrl = nil
	s.volume = nil
	return nil
}

// initLocked brings up the audio device, reinitializing when the sample rate
// changes between sources. Callers hold s.mu.
func (s *Speaker) initLocked(rate beep.SampleRate) error {
	if s.inited && rate == s.rate {
		return nil
	}
	if err := speaker.Init(rate, rate.N(speakerBufferSize)); err != nil {
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}
	s.rate = rate
	s.inited = true
	s.logger.Debugf("Speaker initialized at %d Hz", rate)
	return nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// percentToGain maps a 0-100 volume onto the exponent the effects package
// expects. The square-root curve keeps the low end of the dial usable.
func percentToGain(percent int) float64 {
	if percent <= 0 {
		return minVolumeDB
	}
	if percent >= 100 {
		return 0
	}
	adjusted := math.Pow(float64(percent)/100, volumeCurve)
	return (1 - adjusted) * minVolumeDB
}
