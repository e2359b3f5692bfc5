package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"lobbyaudio/internal/config"
	"lobbyaudio/internal/httpcache"
	"lobbyaudio/internal/logger"
	"lobbyaudio/internal/media"
	"lobbyaudio/internal/origin"
	"lobbyaudio/internal/playback"
	"lobbyaudio/internal/prefetch"
	"lobbyaudio/internal/sound"
	"lobbyaudio/internal/waveform"
)

func main() {
	configFile := flag.String("c", "lobbyaudio.yml", "Path to the config file")
	logLevel := flag.String("L", "", "Log level (error, warn, info, debug); overrides the config")
	console := flag.Bool("console", false, "Human-readable logs instead of JSON")
	mute := flag.Bool("mute", false, "No audio output; runs the streaming delivery path instead")
	volume := flag.Int("volume", 80, "Playback volume, 0-100")
	preloadToken := flag.String("preload", "", "Short-lived preload token for the initial load")
	playlist := flag.String("playlist", "", "Comma-separated upcoming track ids, cache-warmed while playing")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [options] <track-id>\n\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	trackID := flag.Arg(0)

	// .env is optional; it carries LOBBY_ORIGIN_URL and friends in development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var log logger.Logger
	if *console {
		log = logger.NewConsoleLogger(cfg.LogLevel)
	} else {
		log = logger.NewLogger(cfg.LogLevel)
	}
	log.Infof("Starting lobby audio player...")
	log.Infof("Origin: %s", cfg.OriginURL)

	// The origin client and the prefetcher share one caching transport, so a
	// prefetched response serves the real fetch that follows it.
	transport := httpcache.New(nil, cfg.CacheTTL, cfg.CacheMaxBytes)
	client := origin.New(cfg.OriginURL, cfg.FetchTimeout, transport, log)

	var element media.Element
	if *mute {
		element = media.NewHeadlessElement(true)
	} else {
		spk := sound.NewSpeaker(log)
		spk.SetVolume(*volume)
		defer spk.Close()
		element = spk
	}

	engine := playback.New(client, cfg, element, log)
	defer engine.Cleanup()
	prefetcher := prefetch.New(client, cfg.PrefetchTracks, cfg.PrefetchDebounce, log)
	defer prefetcher.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchUpdates(ctx, engine, log)

	var loadOpts []playback.Option
	if *preloadToken != "" {
		loadOpts = append(loadOpts, playback.WithPreloadToken(*preloadToken))
	}
	if err := engine.LoadTrack(ctx, trackID, loadOpts...); err != nil {
		log.Errorf("Failed to load track %s: %v", trackID, err)
		os.Exit(1)
	}
	if err := element.Play(); err != nil {
		log.Errorf("Failed to start playback: %v", err)
		os.Exit(1)
	}

	// Warm upcoming tracks while this one plays.
	upcoming := splitPlaylist(*playlist)
	prefetcher.Update(ctx, append([]string{trackID}, upcoming...), trackID, true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			log.Infof("Shutting down...")
			element.Pause()
			prefetcher.Update(ctx, nil, trackID, false)
			return
		case <-ticker.C:
			printStatus(engine)
		}
	}
}

// watchUpdates logs the interesting state transitions as they happen.
func watchUpdates(ctx context.Context, engine *playback.Engine, log logger.Logger) {
	var last playback.Snapshot
	for {
		var snap playback.Snapshot
		select {
		case <-ctx.Done():
			return
		case snap = <-engine.Updates():
		}

		if snap.Ready && !last.Ready {
			mode := "buffer"
			if snap.BlobMode {
				mode = "blob"
			}
			est := ""
			if snap.DurationEstimated {
				est = " (estimated)"
			}
			log.Infof("Ready in %s mode, duration %.1fs%s", mode, snap.Duration, est)
		}
		if snap.Meta.Title != "" && snap.Meta != last.Meta {
			log.Infof("Now playing: %s - %s", snap.Meta.Artist, snap.Meta.Title)
		}
		if snap.AllCached && !last.AllCached {
			log.Infof("Track fully cached")
		}
		if snap.Err != nil && (last.Err == nil || snap.Err.Error() != last.Err.Error()) {
			log.Warnf("Playback state error: %v", snap.Err)
		}
		last = snap
	}
}

// printStatus writes a one-line progress report to stdout.
func printStatus(engine *playback.Engine) {
	snap := engine.State()
	if !snap.Ready {
		return
	}
	fmt.Printf("  %6.1fs / %6.1fs  downloaded %5.1f%%  waveform %3.0f%%\n",
		engine.Position(), snap.Duration, snap.Progress, peaksCoverage(snap.Peaks))
}

// peaksCoverage reports the share of segments whose waveform region has been
// extracted. A segment counts as soon as any of its buckets is nonzero.
func peaksCoverage(peaks []byte) float64 {
	if len(peaks) == 0 {
		return 0
	}
	segments := len(peaks) / waveform.PeaksPerSegment
	covered := 0
	for s := 0; s < segments; s++ {
		region := peaks[s*waveform.PeaksPerSegment : (s+1)*waveform.PeaksPerSegment]
		for _, p := range region {
			if p != 0 {
				covered++
				break
			}
		}
	}
	if segments == 0 {
		return 0
	}
	return float64(covered) / float64(segments) * 100
}

// splitPlaylist parses the -playlist flag into track ids.
func splitPlaylist(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if id := strings.TrimSpace(p); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
