// Package httpcache provides a small in-memory TTL cache for GET responses.
//
// The origin client and the track prefetcher share one Transport, so segments
// warmed by the prefetcher are served from memory when a track is actually
// loaded, without the segment cache or scheduler knowing anything about it.
package httpcache

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"
)

type entry struct {
	status   int
	header   http.Header
	body     []byte
	storedAt time.Time
}

// Transport is an http.RoundTripper that caches successful GET responses.
type Transport struct {
	base     http.RoundTripper
	ttl      time.Duration
	maxBytes int64

	mu      sync.Mutex
	entries map[string]*entry
	size    int64
}

// New creates a caching transport around base. A nil base uses
// http.DefaultTransport.
func New(base http.RoundTripper, ttl time.Duration, maxBytes int64) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:     base,
		ttl:      ttl,
		maxBytes: maxBytes,
		entries:  make(map[string]*entry),
	}
}

// RoundTrip serves fresh cached GET responses and stores new ones. Responses
// carry an X-Cache header of HIT or MISS.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.base.RoundTrip(req)
	}

	key := req.URL.String()
	if resp := t.lookup(key, req); resp != nil {
		return resp, nil
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Header.Set("X-Cache", "MISS")
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	t.store(key, resp, body)

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("X-Cache", "MISS")
	return resp, nil
}

func (t *Transport) lookup(key string, req *http.Request) *http.Response {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	if time.Since(e.storedAt) > t.ttl {
		t.size -= int64(len(e.body))
		delete(t.entries, key)
		return nil
	}

	header := e.header.Clone()
	header.Set("X-Cache", "HIT")
	return &http.Response{
		Status:        http.StatusText(e.status),
		StatusCode:    e.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.body)),
		ContentLength: int64(len(e.body)),
		Request:       req,
	}
}

func (t *Transport) store(key string, resp *http.Response, body []byte) {
	if int64(len(body)) > t.maxBytes {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[key]; ok {
		t.size -= int64(len(old.body))
	}
	t.evictLocked(int64(len(body)))

	t.entries[key] = &entry{
		status:   resp.StatusCode,
		header:   resp.Header.Clone(),
		body:     body,
		storedAt: time.Now(),
	}
	t.size += int64(len(body))
}

// evictLocked drops expired entries first, then the oldest remaining ones,
// until need bytes fit under the limit.
func (t *Transport) evictLocked(need int64) {
	now := time.Now()
	for key, e := range t.entries {
		if now.Sub(e.storedAt) > t.ttl {
			t.size -= int64(len(e.body))
			delete(t.entries, key)
		}
	}
	for t.size+need > t.maxBytes && len(t.entries) > 0 {
		oldestKey := ""
		var oldestAt time.Time
		for key, e := range t.entries {
			if oldestKey == "" || e.storedAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = e.storedAt
			}
		}
		t.size -= int64(len(t.entries[oldestKey].body))
		delete(t.entries, oldestKey)
	}
}

// Len reports how many responses are currently cached.
func (t *Transport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Size reports the total cached body bytes.
func (t *Transport) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Purge empties the cache.
func (t *Transport) Purge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*entry)
	t.size = 0
}
