package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.Addr != ":5080" {
		t.Errorf("Addr = %q, want :5080", c.Addr)
	}
	if c.MaxSessions != 8 {
		t.Errorf("MaxSessions = %d, want 8", c.MaxSessions)
	}
	if c.ChunkBytes != 64<<10 {
		t.Errorf("ChunkBytes = %d, want %d", c.ChunkBytes, 64<<10)
	}
	if c.HighWatermark != 4<<20 || c.LowWatermark != 1<<20 {
		t.Errorf("watermarks = %d/%d, want %d/%d", c.HighWatermark, c.LowWatermark, 4<<20, 1<<20)
	}
	if c.StartupDelay != 0 {
		t.Errorf("StartupDelay = %v, want 0", c.StartupDelay)
	}
}

func TestLoad_env(t *testing.T) {
	os.Clearenv()
	os.Setenv("AUDIO_GATEWAY_ADDR", ":9000")
	os.Setenv("AUDIO_GATEWAY_MAX_SESSIONS", "3")
	os.Setenv("AUDIO_GATEWAY_HIGH_WATERMARK", "1048576")
	os.Setenv("AUDIO_GATEWAY_LOW_WATERMARK", "262144")
	os.Setenv("AUDIO_GATEWAY_UPSTREAM_TIMEOUT", "90s")
	c := Load()
	if c.Addr != ":9000" {
		t.Errorf("Addr = %q", c.Addr)
	}
	if c.MaxSessions != 3 {
		t.Errorf("MaxSessions = %d", c.MaxSessions)
	}
	if c.HighWatermark != 1<<20 || c.LowWatermark != 256<<10 {
		t.Errorf("watermarks = %d/%d", c.HighWatermark, c.LowWatermark)
	}
	if c.UpstreamTimeout != 90*time.Second {
		t.Errorf("UpstreamTimeout = %v", c.UpstreamTimeout)
	}
}

func TestLoad_skipHealth(t *testing.T) {
	os.Clearenv()
	if c := Load(); c.SkipHealthCheck {
		t.Error("SkipHealthCheck true by default")
	}
	for _, v := range []string{"1", "true", "yes"} {
		os.Setenv("AUDIO_GATEWAY_SKIP_HEALTH", v)
		if c := Load(); !c.SkipHealthCheck {
			t.Errorf("SkipHealthCheck = false for %q", v)
		}
	}
	os.Setenv("AUDIO_GATEWAY_SKIP_HEALTH", "0")
	if c := Load(); c.SkipHealthCheck {
		t.Error("SkipHealthCheck = true for \"0\"")
	}
}

func TestLoad_lowWatermarkClamped(t *testing.T) {
	os.Clearenv()
	os.Setenv("AUDIO_GATEWAY_HIGH_WATERMARK", "1000")
	os.Setenv("AUDIO_GATEWAY_LOW_WATERMARK", "5000")
	c := Load()
	if c.LowWatermark >= c.HighWatermark {
		t.Errorf("LowWatermark %d not clamped below HighWatermark %d", c.LowWatermark, c.HighWatermark)
	}
}

func TestLoadEnvFile(t *testing.T) {
	os.Clearenv()
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nAUDIO_GATEWAY_ADDR=:7000\nexport AUDIO_GATEWAY_MAX_SESSIONS=5\nAUDIO_GATEWAY_CACHE=\"/tmp/agw\"\n\nBADLINE\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	c := Load()
	if c.Addr != ":7000" {
		t.Errorf("Addr = %q, want :7000", c.Addr)
	}
	if c.MaxSessions != 5 {
		t.Errorf("MaxSessions = %d, want 5 (export prefix)", c.MaxSessions)
	}
	if c.CacheDir != "/tmp/agw" {
		t.Errorf("CacheDir = %q, want /tmp/agw (quotes stripped)", c.CacheDir)
	}
}

func TestLoadEnvFile_missing(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing .env should be nil error, got %v", err)
	}
}
