// Package server exposes the gateway's HTTP surface: fetch registration,
// audio delivery from the growing buffer or the cache, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiocast/audio-gateway/internal/health"
	"github.com/audiocast/audio-gateway/internal/metrics"
	"github.com/audiocast/audio-gateway/internal/playback"
	"github.com/audiocast/audio-gateway/internal/safeurl"
)

// Server runs the audio gateway. One session per asset; sessions are created
// by POST /assets/{id}/fetch and drained by GET /audio/{id}.
type Server struct {
	Addr        string
	BaseURL     string
	MaxSessions int
	Factory     *playback.Factory

	mu       sync.RWMutex
	sessions map[string]*session
	started  time.Time
}

type session struct {
	assetID string
	url     string
	handle  *playback.Handle
	created time.Time
}

// Run blocks until ctx is cancelled or the server fails to start. On
// shutdown it stops accepting new connections and waits briefly for
// in-flight requests to finish.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.sessions == nil {
		s.sessions = make(map[string]*session)
	}
	s.started = time.Now()
	s.mu.Unlock()

	addr := s.Addr
	if addr == "" {
		addr = ":5004"
	}

	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Gateway listening on %s (BaseURL %s)", addr, s.BaseURL)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("Shutting down gateway ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Gateway shutdown: %v", err)
		}
		<-serverErr
		s.closeAllSessions()
		return nil
	}
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	if s.sessions == nil {
		s.sessions = make(map[string]*session)
	}
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/assets/", http.HandlerFunc(s.serveAssets))
	mux.Handle("/audio/", http.HandlerFunc(s.serveAudio))
	mux.Handle("/healthz", s.serveHealth())
	mux.Handle("/metrics", metrics.Handler())
	return logRequests(mux)
}

func (s *Server) closeAllSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.handle.Close()
		delete(s.sessions, id)
	}
}

// serveAssets routes /assets/{id}/fetch (POST), /assets/{id} (GET, DELETE).
func (s *Server) serveAssets(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/assets/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case action == "fetch" && r.Method == http.MethodPost:
		s.handleFetch(w, r, id)
	case action == "" && r.Method == http.MethodGet:
		s.handleStatus(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		s.handleRelease(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request, id string) {
	rawURL := r.URL.Query().Get("url")
	if !safeurl.IsHTTPOrHTTPS(rawURL) {
		http.Error(w, "url must be http or https", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		if sess == nil {
			http.Error(w, "fetch already in progress", http.StatusConflict)
			return
		}
		s.writeStatus(w, sess, http.StatusOK)
		return
	}
	if s.MaxSessions > 0 && len(s.sessions) >= s.MaxSessions {
		s.mu.Unlock()
		log.Printf("server: session limit reached max=%d asset=%s", s.MaxSessions, id)
		http.Error(w, "session limit reached", http.StatusServiceUnavailable)
		return
	}
	// Reserve the slot before the (possibly slow) open so a concurrent fetch
	// of the same asset waits its turn instead of double-opening.
	s.sessions[id] = nil
	s.mu.Unlock()

	h, err := s.Factory.Open(r.Context(), id, rawURL)

	s.mu.Lock()
	if err != nil {
		delete(s.sessions, id)
		s.mu.Unlock()
		log.Printf("server: fetch failed asset=%s url=%q err=%v", id, safeurl.RedactURL(rawURL), err)
		http.Error(w, "fetch failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	sess := &session{assetID: id, url: rawURL, handle: h, created: time.Now()}
	s.sessions[id] = sess
	s.mu.Unlock()

	s.writeStatus(w, sess, http.StatusCreated)
}

func (s *Server) lookup(id string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	sess := s.lookup(id)
	if sess == nil {
		http.NotFound(w, r)
		return
	}
	s.writeStatus(w, sess, http.StatusOK)
}

func (s *Server) writeStatus(w http.ResponseWriter, sess *session, code int) {
	h := sess.handle
	state := "assembling"
	select {
	case <-h.Done():
		if h.Err() != nil {
			state = "failed"
		} else {
			state = "complete"
		}
	default:
	}
	body := map[string]interface{}{
		"asset_id":     sess.assetID,
		"content_type": h.ContentType(),
		"incremental":  h.Incremental(),
		"state":        state,
		"buffered":     h.BufferedBytes(),
		"audio_url":    s.BaseURL + h.Locator(),
	}
	if hint := h.SizeHint(); hint > 0 {
		body["size"] = hint
	}
	if err := h.Err(); err != nil {
		body["error"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.Lock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if sess == nil {
		http.NotFound(w, r)
		return
	}
	sess.handle.Close()
	w.WriteHeader(http.StatusNoContent)
}

// serveAudio streams /audio/{id}. Playback starts as soon as the first
// chunk is committed; the response body then grows with the buffer.
func (s *Server) serveAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/audio/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	sess := s.lookup(id)
	if sess == nil {
		http.NotFound(w, r)
		return
	}
	h := sess.handle

	select {
	case <-h.Ready():
	case <-r.Context().Done():
		return
	}
	if err := h.Err(); err != nil {
		log.Printf("server: audio asset=%s failed before start: %v", id, err)
		http.Error(w, "assembly failed", http.StatusBadGateway)
		return
	}

	off := int64(0)
	status := http.StatusOK
	// Ranges are honored only once the asset is complete: a 206 must carry a
	// definite Content-Range, and a still-growing buffer has no last byte to
	// name. Incomplete assets get the full stream from byte zero.
	if rng := r.Header.Get("Range"); rng != "" && h.Complete() {
		start, ok := parseRangeStart(rng)
		if !ok || start >= h.BufferedBytes() {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(h.BufferedBytes(), 10))
			http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		off = start
		status = http.StatusPartialContent
	}

	rc, err := h.Stream(r.Context(), off)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	if ct := h.ContentType(); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Accept-Ranges", "bytes")
	if h.Complete() {
		total := h.BufferedBytes()
		w.Header().Set("Content-Length", strconv.FormatInt(total-off, 10))
		if status == http.StatusPartialContent {
			w.Header().Set("Content-Range",
				"bytes "+strconv.FormatInt(off, 10)+"-"+strconv.FormatInt(total-1, 10)+"/"+strconv.FormatInt(total, 10))
		}
	}
	w.WriteHeader(status)

	n, err := copyFlush(w, rc)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("server: audio asset=%s aborted after %d bytes: %v", id, n, err)
		return
	}
	log.Printf("server: audio asset=%s served bytes=%d offset=%d", id, n, off)
}

// parseRangeStart handles the open-ended form "bytes=N-" that streaming
// clients send. Multi-part and suffix ranges are not worth supporting here.
func parseRangeStart(rng string) (int64, bool) {
	rest, ok := strings.CutPrefix(rng, "bytes=")
	if !ok {
		return 0, false
	}
	num, ok := strings.CutSuffix(rest, "-")
	if !ok || num == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// copyFlush copies body bytes, flushing after every write so clients hear
// audio while the download is still in flight.
func copyFlush(w http.ResponseWriter, r io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

// serveHealth reports gateway liveness. With ?origin=<url> it additionally
// checks upstream reachability and answers 503 when the origin is down.
func (s *Server) serveHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		active := len(s.sessions)
		started := s.started
		s.mu.RUnlock()

		status := http.StatusOK
		fields := map[string]interface{}{
			"status":   "ok",
			"sessions": active,
			"started":  started.Format(time.RFC3339),
		}
		if origin := r.URL.Query().Get("origin"); origin != "" {
			if !safeurl.IsHTTPOrHTTPS(origin) {
				http.Error(w, "origin must be http or https", http.StatusBadRequest)
				return
			}
			if err := health.CheckOrigin(r.Context(), origin); err != nil {
				status = http.StatusServiceUnavailable
				fields["status"] = "degraded"
				fields["origin"] = err.Error()
			} else {
				fields["origin"] = "ok"
			}
		}

		body, _ := json.Marshal(fields)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	})
}
