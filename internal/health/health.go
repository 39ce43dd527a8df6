package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CheckOrigin fetches one byte of the origin URL. Returns nil if reachable.
func CheckOrigin(ctx context.Context, originURL string) error {
	if originURL == "" {
		return fmt.Errorf("no origin URL configured")
	}
	// Some origins reject HEAD; use a ranged GET and drain the byte.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", "bytes=0-0")
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("origin unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("origin returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// CheckEndpoints hits the gateway's own surface at baseURL and returns the
// first error or nil.
func CheckEndpoints(ctx context.Context, baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, path := range []string{"/healthz", "/metrics"} {
		url := baseURL + path
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
		}
	}
	return nil
}
