// Package meta pulls display metadata out of a track's leading bytes.
package meta

import (
	"bytes"

	"github.com/bogem/id3v2/v2"

	"lobbyaudio/internal/models"
)

// FromSegment parses an ID3v2 tag from the first segment of a track. Most
// lobby uploads carry one; tracks without it just return empty fields.
func FromSegment(data []byte) models.TrackMeta {
	if len(data) < 10 || !bytes.Equal(data[:3], []byte("ID3")) {
		return models.TrackMeta{}
	}

	tag, err := id3v2.ParseReader(bytes.NewReader(data), id3v2.Options{Parse: true})
	if err != nil || tag == nil {
		return models.TrackMeta{}
	}

	return models.TrackMeta{
		Title:  tag.Title(),
		Artist: tag.Artist(),
		Album:  tag.Album(),
	}
}
