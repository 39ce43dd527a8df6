package store

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/audiocast/audio-gateway/internal/metrics"
	"github.com/audiocast/audio-gateway/internal/safeurl"
)

// flightGroup collapses concurrent materializations of the same asset into
// one download; waiters share the outcome.
type flightGroup struct {
	mu       sync.Mutex
	inFlight map[string]chan struct{}
	lastErr  map[string]error
}

// Materialize ensures the asset is on disk in full and returns its index
// entry. The partial file is renamed into place only after the whole body
// landed, so readers never see a half-written cache hit.
func (s *Store) Materialize(ctx context.Context, assetID, streamURL string) (*Entry, error) {
	if e, err := s.Lookup(assetID); err != nil {
		return nil, err
	} else if e != nil {
		if fi, err := os.Stat(e.Path); err == nil && fi.Size() == e.Size {
			return e, nil
		}
		// Index row without a matching file: refetch.
		log.Printf("store: stale index row asset=%s path=%q", assetID, e.Path)
	}

	s.flight.mu.Lock()
	if s.flight.inFlight == nil {
		s.flight.inFlight = make(map[string]chan struct{})
		s.flight.lastErr = make(map[string]error)
	}
	if wait, exists := s.flight.inFlight[assetID]; exists {
		s.flight.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
		s.flight.mu.Lock()
		lastErr := s.flight.lastErr[assetID]
		s.flight.mu.Unlock()
		if lastErr != nil {
			return nil, lastErr
		}
		return s.Lookup(assetID)
	}
	done := make(chan struct{})
	s.flight.inFlight[assetID] = done
	s.flight.mu.Unlock()

	e, err := s.fetchWhole(ctx, assetID, streamURL)

	s.flight.mu.Lock()
	delete(s.flight.inFlight, assetID)
	if err != nil {
		s.flight.lastErr[assetID] = err
	} else {
		delete(s.flight.lastErr, assetID)
	}
	close(done)
	s.flight.mu.Unlock()
	return e, err
}

func (s *Store) fetchWhole(ctx context.Context, assetID, streamURL string) (*Entry, error) {
	partial := PartialPath(s.dir, assetID)
	final := Path(s.dir, assetID)
	if err := os.MkdirAll(filepath.Dir(partial), 0755); err != nil {
		return nil, err
	}

	log.Printf("store: fetch asset=%s url=%q dest=%q", assetID, safeurl.RedactURL(streamURL), partial)
	metrics.FallbackFetches.Inc()

	ct, size, err := s.download(ctx, streamURL, partial)
	if err != nil {
		removeQuiet(partial)
		log.Printf("store: fetch failed asset=%s err=%v", assetID, err)
		return nil, err
	}
	if err := os.Rename(partial, final); err != nil {
		removeQuiet(partial)
		return nil, err
	}

	e := Entry{AssetID: assetID, ContentType: ct, Size: size, Path: final, FetchedAt: time.Now()}
	if err := s.index(ctx, e); err != nil {
		return nil, fmt.Errorf("index asset %s: %w", assetID, err)
	}
	log.Printf("store: fetch ok asset=%s size=%d type=%q", assetID, size, ct)
	return &e, nil
}

func (s *Store) download(ctx context.Context, url, destPath string) (contentType string, size int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", "AudioGateway/1.0")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("get %s: %s", safeurl.RedactURL(url), resp.Status)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return "", 0, err
	}
	size, err = io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}
	return resp.Header.Get("Content-Type"), size, nil
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("store: remove %q: %v", path, err)
	}
}
