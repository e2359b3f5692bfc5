// Package origin talks to the lobby origin: manifest fetches, token-scoped
// segment fetches, and HLS playlist reads for the prefetcher.
package origin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"lobbyaudio/internal/logger"
	"lobbyaudio/internal/models"
)

const userAgent = "lobbyaudio/1.0"

// StatusError reports a non-2xx origin response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin returned %s", e.Status)
}

// IsAuthError reports whether err is a 401 or 403 origin response, which
// means the segment token or session has gone stale.
func IsAuthError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
}

// Client is the HTTP client for the lobby origin.
type Client struct {
	http   *resty.Client
	logger logger.Logger
}

// New creates an origin client. transport may be nil; passing the shared
// caching transport lets prefetch warms serve later segment fetches.
func New(baseURL string, timeout time.Duration, transport http.RoundTripper, log logger.Logger) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent)
	if transport != nil {
		rc.SetTransport(transport)
	}
	return &Client{http: rc, logger: log}
}

// FetchManifest retrieves and validates the segment manifest for a track.
// A non-empty preloadToken marks the request as speculative so the origin can
// deprioritize it.
func (c *Client) FetchManifest(ctx context.Context, trackID string, preloadToken string) (*models.Manifest, error) {
	req := c.http.R().
		SetContext(ctx).
		SetResult(&models.Manifest{})
	if preloadToken != "" {
		req.SetQueryParam("preload", preloadToken)
	}

	resp, err := req.Get(fmt.Sprintf("/api/manifest/%s", trackID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest for track %s: %w", trackID, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to fetch manifest for track %s: %w",
			trackID, &StatusError{Code: resp.StatusCode(), Status: resp.Status()})
	}

	manifest, ok := resp.Result().(*models.Manifest)
	if !ok || manifest == nil {
		return nil, fmt.Errorf("failed to decode manifest for track %s", trackID)
	}
	if err := validate(manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest for track %s: %w", trackID, err)
	}

	c.logger.Debugf("Fetched manifest for track %s: %d segments, %d bytes total",
		trackID, manifest.SegmentCount(), manifest.TotalSize)
	return manifest, nil
}

// FetchSegment retrieves one segment's bytes using its per-segment token.
func (c *Client) FetchSegment(ctx context.Context, trackID string, seg models.Segment, preloadToken string) ([]byte, error) {
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("t", seg.Token)
	if preloadToken != "" {
		req.SetQueryParam("preload", preloadToken)
	}

	resp, err := req.Get(fmt.Sprintf("/api/segment/%s/%d", trackID, seg.Index))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segment %d of track %s: %w", seg.Index, trackID, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to fetch segment %d of track %s: %w",
			seg.Index, trackID, &StatusError{Code: resp.StatusCode(), Status: resp.Status()})
	}

	body := resp.Body()
	if int64(len(body)) != seg.Size() {
		c.logger.Warnf("Segment %d of track %s returned %d bytes, manifest said %d",
			seg.Index, trackID, len(body), seg.Size())
	}
	return body, nil
}

// FetchPlaylist retrieves the HLS media playlist for a track. Only the
// prefetcher uses this; playback itself never touches the HLS surface.
func (c *Client) FetchPlaylist(ctx context.Context, trackID string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/api/hls/%s/playlist", trackID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist for track %s: %w", trackID, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to fetch playlist for track %s: %w",
			trackID, &StatusError{Code: resp.StatusCode(), Status: resp.Status()})
	}
	return resp.Body(), nil
}

// Warm issues a GET for url and discards the body. With the caching transport
// installed the response stays warm for a later real fetch.
func (c *Client) Warm(ctx context.Context, url string) error {
	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return fmt.Errorf("failed to warm %s: %w", url, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("failed to warm %s: %w", url,
			&StatusError{Code: resp.StatusCode(), Status: resp.Status()})
	}
	return nil
}

// validate rejects manifests the engine cannot plan downloads from.
func validate(m *models.Manifest) error {
	if m.TrackID == "" {
		return errors.New("missing track id")
	}
	if len(m.Segments) == 0 {
		return errors.New("no segments")
	}
	if m.TotalSize <= 0 {
		return errors.New("non-positive total size")
	}
	if m.SegmentSize <= 0 {
		return errors.New("non-positive segment size")
	}
	for i, seg := range m.Segments {
		if seg.Index != i {
			return fmt.Errorf("segment %d carries index %d", i, seg.Index)
		}
		if seg.End < seg.Start {
			return fmt.Errorf("segment %d has inverted byte range", i)
		}
		if seg.Token == "" {
			return fmt.Errorf("segment %d has no token", i)
		}
	}
	return nil
}
