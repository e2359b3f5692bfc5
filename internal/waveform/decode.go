package waveform

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/mewkiz/flac"
)

type container int

const (
	containerUnknown container = iota
	containerMP3
	containerOgg
	containerFLAC
	containerWAV
)

// sniff identifies the audio container from leading bytes. Only MP3 is
// self-framing, so mid-track segments of other formats come back unknown and
// their waveform region stays flat.
func sniff(data []byte) container {
	if len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")) {
		return containerMP3
	}
	if len(data) >= 4 {
		switch {
		case bytes.Equal(data[:4], []byte("OggS")):
			return containerOgg
		case bytes.Equal(data[:4], []byte("fLaC")):
			return containerFLAC
		case bytes.Equal(data[:4], []byte("RIFF")):
			return containerWAV
		}
	}
	if findMP3Sync(data) >= 0 {
		return containerMP3
	}
	return containerUnknown
}

// findMP3Sync scans the first few KB for a plausible MPEG frame header.
// Byte-ranged segments rarely start exactly on a frame boundary.
func findMP3Sync(data []byte) int {
	limit := len(data) - 4
	if limit > 4096 {
		limit = 4096
	}
	for i := 0; i <= limit; i++ {
		if data[i] != 0xFF || data[i+1]&0xE0 != 0xE0 {
			continue
		}
		if data[i+1]&0x18 == 0x08 { // reserved MPEG version
			continue
		}
		if data[i+1]&0x06 == 0 { // reserved layer
			continue
		}
		if data[i+2]&0xF0 == 0xF0 { // invalid bitrate
			continue
		}
		if data[i+2]&0x0C == 0x0C { // invalid sample rate
			continue
		}
		return i
	}
	return -1
}

// skipID3 drops a leading ID3v2 tag so the decoder starts at audio frames.
func skipID3(data []byte) []byte {
	if len(data) < 10 || !bytes.Equal(data[:3], []byte("ID3")) {
		return data
	}
	size := int(data[6]&0x7F)<<21 | int(data[7]&0x7F)<<14 | int(data[8]&0x7F)<<7 | int(data[9]&0x7F)
	total := 10 + size
	if data[5]&0x10 != 0 {
		total += 10 // footer
	}
	if total >= len(data) {
		return nil
	}
	return data[total:]
}

// decodeSamples turns a segment into mono-ish normalized samples in -1..1.
// Interleaved channels are kept interleaved; RMS does not care.
func decodeSamples(data []byte) ([]float64, error) {
	switch sniff(data) {
	case containerMP3:
		return decodeMP3(data)
	case containerOgg:
		return decodeOgg(data)
	case containerFLAC:
		return decodeFLAC(data)
	case containerWAV:
		return decodeWAV(data)
	default:
		return nil, errors.New("unrecognized audio container")
	}
}

func decodeMP3(data []byte) ([]float64, error) {
	data = skipID3(data)
	start := findMP3Sync(data)
	if start < 0 {
		return nil, errors.New("no MPEG frame sync found")
	}

	dec, err := mp3.NewDecoder(bytes.NewReader(data[start:]))
	if err != nil {
		return nil, fmt.Errorf("mp3 decoder rejected segment: %w", err)
	}

	// go-mp3 always emits 16-bit little-endian stereo.
	var samples []float64
	buf := make([]byte, 8192)
	for {
		n, err := dec.Read(buf)
		for i := 0; i+3 < n; i += 4 {
			left := int16(uint16(buf[i]) | uint16(buf[i+1])<<8)
			right := int16(uint16(buf[i+2]) | uint16(buf[i+3])<<8)
			samples = append(samples, (float64(left)+float64(right))/2/32768)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			// Byte-ranged segments usually end mid-frame; keep what decoded.
			if len(samples) > 0 {
				break
			}
			return nil, fmt.Errorf("mp3 decode failed: %w", err)
		}
	}
	if len(samples) == 0 {
		return nil, errors.New("mp3 segment decoded to no samples")
	}
	return samples, nil
}

func decodeOgg(data []byte) ([]float64, error) {
	raw, _, err := oggvorbis.ReadAll(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("vorbis decode failed: %w", err)
	}
	samples := make([]float64, len(raw))
	for i, s := range raw {
		samples[i] = float64(s)
	}
	return samples, nil
}

func decodeFLAC(data []byte) ([]float64, error) {
	stream, err := flac.New(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("flac decoder rejected segment: %w", err)
	}
	defer stream.Close()

	norm := float64(int64(1) << (stream.Info.BitsPerSample - 1))
	var samples []float64
	for {
		frame, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			if len(samples) > 0 {
				break
			}
			return nil, fmt.Errorf("flac decode failed: %w", err)
		}
		for _, sub := range frame.Subframes {
			for _, s := range sub.Samples {
				samples = append(samples, float64(s)/norm)
			}
		}
	}
	if len(samples) == 0 {
		return nil, errors.New("flac segment decoded to no samples")
	}
	return samples, nil
}

func decodeWAV(data []byte) ([]float64, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("invalid wav segment")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wav decode failed: %w", err)
	}
	norm := float64(int64(1) << (dec.BitDepth - 1))
	samples := make([]float64, len(buf.Data))
	for i, s := range buf.Data {
		samples[i] = float64(s) / norm
	}
	return samples, nil
}
