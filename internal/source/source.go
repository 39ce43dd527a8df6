// Package source turns one upstream HTTP fetch into a strictly sequential
// chunk stream. One Source owns one response body; ReadNext is not safe for
// concurrent use and must not be called again after it returns an error.
package source

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"

	"github.com/audiocast/audio-gateway/internal/httpclient"
	"github.com/audiocast/audio-gateway/internal/safeurl"
)

const DefaultChunkBytes = 64 << 10

// TransportError is a network or HTTP failure during open or read.
type TransportError struct {
	URL        string // redacted
	StatusCode int    // 0 when the failure was below HTTP
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Options tunes Open. Zero value is usable.
type Options struct {
	Client          *http.Client // nil = httpclient.ForStreaming()
	ChunkBytes      int          // read size per ReadNext; 0 = DefaultChunkBytes
	RateBytesPerSec int          // upstream courtesy cap; 0 = unlimited
}

// Source yields byte chunks from one network fetch, in arrival order,
// terminating with io.EOF or a single terminal error.
type Source struct {
	ctx         context.Context
	url         string // redacted, for logs and errors
	resp        *http.Response
	body        io.Reader // resp.Body, possibly wrapped for content-encoding
	chunkBytes  int
	sizeHint    int64
	contentType string
	limiter     *rate.Limiter
	release     func() // host semaphore slot
	err         error  // sticky terminal error (io.EOF included)
	pendingErr  error  // error observed alongside a non-empty read; surfaced next call
}

// Open issues the GET and returns a Source once response headers arrive.
// Non-2xx status is a *TransportError. ctx cancels both the open and every
// subsequent ReadNext; cancellation aborts the in-flight read.
func Open(ctx context.Context, rawURL string, opts Options) (*Source, error) {
	display := safeurl.RedactURL(rawURL)
	if !safeurl.IsHTTPOrHTTPS(rawURL) {
		return nil, &TransportError{URL: display, Err: fmt.Errorf("unsupported URL scheme")}
	}
	client := opts.Client
	if client == nil {
		client = httpclient.ForStreaming()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{URL: display, Err: err}
	}
	req.Header.Set("User-Agent", "AudioGateway/1.0")
	// Explicit Accept-Encoding so we control decoding; the transport's
	// automatic gzip would hide Content-Length even for identity bodies.
	req.Header.Set("Accept-Encoding", "br, gzip, identity")

	release := httpclient.GlobalHostSem.Acquire(rawURL)
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{URL: display, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		release()
		return nil, &TransportError{URL: display, StatusCode: resp.StatusCode}
	}

	s := &Source{
		ctx:         ctx,
		url:         display,
		resp:        resp,
		chunkBytes:  opts.ChunkBytes,
		sizeHint:    -1,
		contentType: resp.Header.Get("Content-Type"),
		release:     release,
	}
	if s.chunkBytes <= 0 {
		s.chunkBytes = DefaultChunkBytes
	}
	if opts.RateBytesPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateBytesPerSec), s.chunkBytes)
	}

	switch resp.Header.Get("Content-Encoding") {
	case "br":
		s.body = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			s.Close()
			return nil, &TransportError{URL: display, Err: err}
		}
		s.body = gz
	default:
		s.body = resp.Body
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				s.sizeHint = n
			}
		}
	}
	log.Printf("source: open url=%s status=%d type=%q size_hint=%d", display, resp.StatusCode, s.contentType, s.sizeHint)
	return s, nil
}

// ReadNext returns the next chunk in arrival order. io.EOF is the end signal;
// any other error is terminal and repeats on further calls. The returned
// slice is owned by the caller.
func (s *Source) ReadNext() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.pendingErr != nil {
		s.err = s.mapErr(s.pendingErr)
		return nil, s.err
	}
	buf := make([]byte, s.chunkBytes)
	for {
		n, err := s.body.Read(buf)
		if n > 0 {
			if s.limiter != nil {
				if werr := s.limiter.WaitN(s.ctx, n); werr != nil {
					s.err = s.mapErr(werr)
					return nil, s.err
				}
			}
			if err != nil {
				// Deliver the bytes now; the error repeats on the next call.
				s.pendingErr = err
			}
			return buf[:n], nil
		}
		if err != nil {
			s.err = s.mapErr(err)
			return nil, s.err
		}
		// (0, nil) reads are legal for io.Reader; try again.
	}
}

func (s *Source) mapErr(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	return &TransportError{URL: s.url, Err: err}
}

// SizeHint returns the upstream Content-Length, or -1 when unknown
// (chunked or content-encoded responses). Progress hint only.
func (s *Source) SizeHint() int64 { return s.sizeHint }

// ContentType returns the response Content-Type header value.
func (s *Source) ContentType() string { return s.contentType }

// Close releases the connection and the per-host slot. Safe to call after an
// error and more than once.
func (s *Source) Close() error {
	if s.resp == nil {
		return nil
	}
	err := s.resp.Body.Close()
	s.resp = nil
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return err
}
