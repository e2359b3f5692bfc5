package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"lobbyaudio/internal/models"
)

// Defaults for every tunable. The head windows and look-ahead counts mirror
// the playback behavior the engine was tuned for: a small eager window before
// readiness, and roughly half a minute of look-ahead around seeks.
const (
	DefaultHeadSegments      = 3
	DefaultBlobHeadSegments  = 2
	DefaultSeekReadySegments = 3
	DefaultSeekFetchSegments = 5
	DefaultPrefetchTracks    = 2
	DefaultFetchTimeout      = 15 * time.Second
	DefaultPrefetchDebounce  = time.Second
	DefaultCacheTTL          = 5 * time.Minute
	DefaultCacheMaxBytes     = 16 << 20
)

// Config holds every engine and client tunable.
type Config struct {
	// OriginURL is the base URL of the lobby origin serving manifests and segments.
	OriginURL string `yaml:"origin_url"`

	// AssumedByteRate estimates track duration when the manifest omits one.
	AssumedByteRate int64 `yaml:"assumed_byte_rate"`

	// HeadSegments is the eager window fetched before readiness in buffer mode.
	HeadSegments int `yaml:"head_segments"`
	// BlobHeadSegments is the eager window fetched before readiness in blob mode.
	BlobHeadSegments int `yaml:"blob_head_segments"`
	// SeekReadySegments is how many forward-contiguous cached segments allow a
	// blob-mode seek to resume without fetching.
	SeekReadySegments int `yaml:"seek_ready_segments"`
	// SeekFetchSegments is how many segments a blob-mode cold seek fetches in parallel.
	SeekFetchSegments int `yaml:"seek_fetch_segments"`

	// FetchTimeout bounds a single segment or manifest request.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// FetchRate throttles background segment fetches (requests per second).
	// Zero disables throttling. Eager head-window and seek fetches are exempt.
	FetchRate float64 `yaml:"fetch_rate"`
	// FetchBurst is the burst size for FetchRate.
	FetchBurst int `yaml:"fetch_burst"`

	// PrefetchTracks is how many upcoming playlist entries to cache-warm.
	PrefetchTracks int `yaml:"prefetch_tracks"`
	// PrefetchDebounce is how long the prefetcher waits after a state change.
	PrefetchDebounce time.Duration `yaml:"prefetch_debounce"`

	// CacheTTL and CacheMaxBytes bound the warm HTTP response cache.
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheMaxBytes int64         `yaml:"cache_max_bytes"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		OriginURL:         "http://localhost:8080",
		AssumedByteRate:   models.DefaultByteRate,
		HeadSegments:      DefaultHeadSegments,
		BlobHeadSegments:  DefaultBlobHeadSegments,
		SeekReadySegments: DefaultSeekReadySegments,
		SeekFetchSegments: DefaultSeekFetchSegments,
		FetchTimeout:      DefaultFetchTimeout,
		FetchBurst:        1,
		PrefetchTracks:    DefaultPrefetchTracks,
		PrefetchDebounce:  DefaultPrefetchDebounce,
		CacheTTL:          DefaultCacheTTL,
		CacheMaxBytes:     DefaultCacheMaxBytes,
		LogLevel:          "info",
	}
}

// Load reads the configuration file at path, falling back to defaults when it
// does not exist, then applies environment overrides and sanity clamps.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file is fine; defaults plus env carry the demo.
		case err != nil:
			return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file at %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.clamp()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LOBBY_ORIGIN_URL"); v != "" {
		c.OriginURL = v
	}
	if v := os.Getenv("LOBBY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) clamp() {
	if c.AssumedByteRate <= 0 {
		c.AssumedByteRate = models.DefaultByteRate
	}
	if c.HeadSegments < 1 {
		c.HeadSegments = DefaultHeadSegments
	}
	if c.BlobHeadSegments < 1 {
		c.BlobHeadSegments = DefaultBlobHeadSegments
	}
	if c.SeekReadySegments < 1 {
		c.SeekReadySegments = DefaultSeekReadySegments
	}
	if c.SeekFetchSegments < 1 {
		c.SeekFetchSegments = DefaultSeekFetchSegments
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.FetchRate < 0 {
		c.FetchRate = 0
	}
	if c.FetchBurst < 1 {
		c.FetchBurst = 1
	}
	if c.PrefetchTracks < 0 {
		c.PrefetchTracks = 0
	}
	if c.PrefetchDebounce <= 0 {
		c.PrefetchDebounce = DefaultPrefetchDebounce
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.CacheMaxBytes <= 0 {
		c.CacheMaxBytes = DefaultCacheMaxBytes
	}
}
