package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds gateway + assembler + cache settings.
// Load from env and/or .env file via LoadEnvFile.
type Config struct {
	// HTTP surface
	Addr    string // e.g. :5080
	BaseURL string // e.g. http://192.168.1.10:5080 advertised in handle locators

	// Paths
	CacheDir string // e.g. /var/cache/audio-gateway; fallback payloads land here
	IndexDB  string // SQLite index of materialized assets; "" = <CacheDir>/index.db

	// Assembler
	MaxSessions     int           // max concurrent assemblies; excess requests get 503
	ChunkBytes      int           // read size per ReadNext; 0 = default 64 KiB
	HighWatermark   int           // pause reads when pending bytes exceed this; 0 = default 4 MiB
	LowWatermark    int           // resume reads when pending bytes drop below this; 0 = default 1 MiB
	StartupDelay    time.Duration // compatibility knob for picky players; 0 = rely on readiness signal
	UpstreamTimeout time.Duration // per-fetch overall timeout; 0 = no deadline (live-ish sources)

	// Upstream courtesy cap: bytes/sec per fetch. 0 = unlimited.
	ReadRateBytes int

	// Probe
	ProbeTimeout time.Duration

	// SkipHealthCheck disables the post-startup self check of /healthz and
	// /metrics (useful when the gateway listens on a socket the process
	// cannot dial back to).
	SkipHealthCheck bool
}

// Load reads config from environment. Call LoadEnvFile(".env") before Load() to use a .env file.
func Load() *Config {
	c := &Config{
		Addr:            getEnv("AUDIO_GATEWAY_ADDR", ":5080"),
		BaseURL:         os.Getenv("AUDIO_GATEWAY_BASE_URL"),
		CacheDir:        getEnv("AUDIO_GATEWAY_CACHE", "/var/cache/audio-gateway"),
		IndexDB:         os.Getenv("AUDIO_GATEWAY_INDEX_DB"),
		MaxSessions:     getEnvInt("AUDIO_GATEWAY_MAX_SESSIONS", 8),
		ChunkBytes:      getEnvInt("AUDIO_GATEWAY_CHUNK_BYTES", 64<<10),
		HighWatermark:   getEnvInt("AUDIO_GATEWAY_HIGH_WATERMARK", 4<<20),
		LowWatermark:    getEnvInt("AUDIO_GATEWAY_LOW_WATERMARK", 1<<20),
		StartupDelay:    getEnvDuration("AUDIO_GATEWAY_STARTUP_DELAY", 0),
		UpstreamTimeout: getEnvDuration("AUDIO_GATEWAY_UPSTREAM_TIMEOUT", 0),
		ReadRateBytes:   getEnvInt("AUDIO_GATEWAY_READ_RATE_BYTES", 0),
		ProbeTimeout:    getEnvDuration("AUDIO_GATEWAY_PROBE_TIMEOUT", 8*time.Second),
		SkipHealthCheck: getEnvBool("AUDIO_GATEWAY_SKIP_HEALTH", false),
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 8
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 64 << 10
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 4 << 20
	}
	if c.LowWatermark <= 0 || c.LowWatermark >= c.HighWatermark {
		c.LowWatermark = c.HighWatermark / 4
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 8 * time.Second
	}
	return c
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, _ := strconv.Atoi(v)
		return n
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
