// Command audio-gateway: serve the playback gateway, or fetch / probe
// individual assets from the command line.
//
//	serve  Run the HTTP gateway (fetch registration + audio delivery)
//	fetch  Assemble one asset to a file or stdout (incremental when possible)
//	probe  Classify a URL: media type, incremental or whole-file, size hint
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/audiocast/audio-gateway/internal/capability"
	"github.com/audiocast/audio-gateway/internal/config"
	"github.com/audiocast/audio-gateway/internal/health"
	"github.com/audiocast/audio-gateway/internal/httpclient"
	"github.com/audiocast/audio-gateway/internal/playback"
	"github.com/audiocast/audio-gateway/internal/server"
	"github.com/audiocast/audio-gateway/internal/store"
)

func main() {
	_ = config.LoadEnvFile(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[audio-gateway] ")

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAddr := serveCmd.String("addr", "", "Listen address (default: AUDIO_GATEWAY_ADDR or :5080)")
	serveBaseURL := serveCmd.String("base-url", "", "Base URL advertised in audio locators (default: AUDIO_GATEWAY_BASE_URL)")
	serveCache := serveCmd.String("cache", "", "Cache dir for whole-file fallbacks (default: AUDIO_GATEWAY_CACHE)")
	serveSkipHealth := serveCmd.Bool("skip-health", false, "Skip self health check after startup (or AUDIO_GATEWAY_SKIP_HEALTH)")

	fetchCmd := flag.NewFlagSet("fetch", flag.ExitOnError)
	fetchURL := fetchCmd.String("url", "", "Asset URL to assemble")
	fetchOut := fetchCmd.String("out", "-", "Output file; - = stdout")
	fetchTimeout := fetchCmd.Duration("timeout", 0, "Overall fetch timeout; 0 = none")

	probeCmd := flag.NewFlagSet("probe", flag.ExitOnError)
	probeURL := probeCmd.String("url", "", "Asset URL to classify")
	probeTimeout := probeCmd.Duration("timeout", 0, "Probe timeout (default: AUDIO_GATEWAY_PROBE_TIMEOUT)")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <serve|fetch|probe> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  serve  Run the HTTP gateway\n")
		fmt.Fprintf(os.Stderr, "  fetch  Assemble one asset to a file or stdout\n")
		fmt.Fprintf(os.Stderr, "  probe  Report media type and buffering capability for a URL\n")
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "serve":
		_ = serveCmd.Parse(os.Args[2:])
		addr := cfg.Addr
		if *serveAddr != "" {
			addr = *serveAddr
		}
		baseURL := cfg.BaseURL
		if *serveBaseURL != "" {
			baseURL = *serveBaseURL
		}
		if baseURL == "" {
			baseURL = "http://localhost" + addr
		}
		cacheDir := cfg.CacheDir
		if *serveCache != "" {
			cacheDir = *serveCache
		}
		if err := runServe(cfg, addr, baseURL, cacheDir, *serveSkipHealth || cfg.SkipHealthCheck); err != nil {
			log.Printf("Serve failed: %v", err)
			os.Exit(1)
		}

	case "fetch":
		_ = fetchCmd.Parse(os.Args[2:])
		if *fetchURL == "" {
			log.Print("fetch: -url is required")
			os.Exit(1)
		}
		timeout := *fetchTimeout
		if timeout == 0 {
			timeout = cfg.UpstreamTimeout
		}
		if err := runFetch(cfg, *fetchURL, *fetchOut, timeout); err != nil {
			log.Printf("Fetch failed: %v", err)
			os.Exit(1)
		}

	case "probe":
		_ = probeCmd.Parse(os.Args[2:])
		if *probeURL == "" {
			log.Print("probe: -url is required")
			os.Exit(1)
		}
		timeout := *probeTimeout
		if timeout == 0 {
			timeout = cfg.ProbeTimeout
		}
		if err := runProbe(*probeURL, timeout); err != nil {
			log.Printf("Probe failed: %v", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

func runServe(cfg *config.Config, addr, baseURL, cacheDir string, skipHealth bool) error {
	indexDB := cfg.IndexDB
	if indexDB == "" {
		indexDB = filepath.Join(cacheDir, "index.db")
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return err
	}
	st, err := store.Open(cacheDir, indexDB, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := &server.Server{
		Addr:        addr,
		BaseURL:     baseURL,
		MaxSessions: cfg.MaxSessions,
		Factory: &playback.Factory{
			Client:        httpclient.Default(),
			StreamClient:  httpclient.ForStreaming(),
			Store:         st,
			ChunkBytes:    cfg.ChunkBytes,
			HighWatermark: cfg.HighWatermark,
			LowWatermark:  cfg.LowWatermark,
			StartupDelay:  cfg.StartupDelay,
			ReadRateBytes: cfg.ReadRateBytes,
		},
	}
	log.Printf("Gateway config: cache=%q sessions=%d watermarks=%d/%d", cacheDir, cfg.MaxSessions, cfg.HighWatermark, cfg.LowWatermark)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !skipHealth {
		go func() {
			time.Sleep(time.Second)
			checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := health.CheckEndpoints(checkCtx, baseURL); err != nil {
				log.Printf("Self health check failed: %v", err)
			} else {
				log.Print("Self health check OK")
			}
		}()
	}

	return srv.Run(ctx)
}

func runFetch(cfg *config.Config, rawURL, out string, timeout time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cacheDir, err := os.MkdirTemp("", "audio-gateway-fetch-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(cacheDir)
	st, err := store.Open(cacheDir, filepath.Join(cacheDir, "index.db"), nil)
	if err != nil {
		return err
	}
	defer st.Close()

	f := &playback.Factory{
		Client:        httpclient.Default(),
		StreamClient:  httpclient.ForStreaming(),
		Store:         st,
		ChunkBytes:    cfg.ChunkBytes,
		HighWatermark: cfg.HighWatermark,
		LowWatermark:  cfg.LowWatermark,
		ReadRateBytes: cfg.ReadRateBytes,
	}
	h, err := f.Open(ctx, "fetch", rawURL)
	if err != nil {
		return err
	}
	defer h.Close()

	var dst io.Writer = os.Stdout
	if out != "-" {
		file, err := os.Create(out)
		if err != nil {
			return err
		}
		defer file.Close()
		dst = file
	}

	rc, err := h.Stream(ctx, 0)
	if err != nil {
		return err
	}
	defer rc.Close()
	n, err := io.Copy(dst, rc)
	if err != nil {
		return err
	}
	<-h.Done()
	if err := h.Err(); err != nil {
		return err
	}
	log.Printf("Fetched %d bytes type=%q incremental=%t", n, h.ContentType(), h.Incremental())
	return nil
}

func runProbe(rawURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	v, err := capability.Sniff(ctx, rawURL, httpclient.WithTimeout(timeout))
	if err != nil {
		return err
	}
	path := "whole-file"
	if v.Incremental {
		path = "incremental"
	}
	fmt.Printf("type=%q path=%s", v.MIME, path)
	if v.SizeHint > 0 {
		fmt.Printf(" size=%d", v.SizeHint)
	}
	fmt.Println()
	return nil
}
