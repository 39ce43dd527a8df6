package httpclient

import (
	"log"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var (
	defaultClient   *http.Client
	streamingClient *http.Client
)

func init() {
	t := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
	}
	defaultClient = &http.Client{
		Timeout:   DefaultTimeout,
		Transport: t,
	}

	// Streaming transport: no overall client timeout (an audio fetch runs for
	// the length of the asset), but keep connect/header deadlines sane.
	st := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ResponseHeaderTimeout: 20 * time.Second,
	}
	if err := http2.ConfigureTransport(st); err != nil {
		log.Printf("httpclient: http2 configure failed: %v (falling back to HTTP/1.1)", err)
	}
	streamingClient = &http.Client{Transport: st}
}

// Default returns the shared tuned HTTP client for probes, health checks,
// and the fallback materializer.
func Default() *http.Client {
	return defaultClient
}

// ForStreaming returns the shared client for incremental audio fetches.
// No Client.Timeout: cancellation comes from the request context.
func ForStreaming() *http.Client {
	return streamingClient
}

// WithTimeout returns a client with the given timeout and the same transport as Default (or a copy).
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: t.Clone(),
	}
}
