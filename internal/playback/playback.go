// Package playback hands out playback handles. The capability gate is
// consulted exactly once per asset: formats that tolerate a growing buffer
// get the incremental pipeline, everything else takes the whole-file path.
package playback

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/audiocast/audio-gateway/internal/assembler"
	"github.com/audiocast/audio-gateway/internal/capability"
	"github.com/audiocast/audio-gateway/internal/httpclient"
	"github.com/audiocast/audio-gateway/internal/sink"
	"github.com/audiocast/audio-gateway/internal/source"
	"github.com/audiocast/audio-gateway/internal/store"
)

// Factory builds playback handles. Zero value works for tests; the server
// fills every field from config.
type Factory struct {
	Client        *http.Client // capability probes
	StreamClient  *http.Client // incremental fetches
	Store         *store.Store // whole-file fallback
	ChunkBytes    int
	HighWatermark int
	LowWatermark  int
	// StartupDelay holds playback back for a fixed interval after the first
	// append. Readiness already gates on real buffered data, so this stays
	// zero outside of compatibility setups.
	StartupDelay  time.Duration
	ReadRateBytes int
}

// Open classifies the asset and starts the matching path. The returned
// handle is live: an incremental handle has its assembly already running.
func (f *Factory) Open(ctx context.Context, assetID, rawURL string) (*Handle, error) {
	verdict, err := capability.Sniff(ctx, rawURL, f.client())
	if err != nil {
		return nil, err
	}
	log.Printf("playback: asset=%s type=%q incremental=%t", assetID, verdict.MIME, verdict.Incremental)
	if verdict.Incremental {
		return f.openIncremental(ctx, assetID, rawURL, verdict)
	}
	return f.openWhole(ctx, assetID, rawURL, verdict)
}

func (f *Factory) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return httpclient.Default()
}

func (f *Factory) openIncremental(ctx context.Context, assetID, rawURL string, v capability.Verdict) (*Handle, error) {
	streamClient := f.StreamClient
	if streamClient == nil {
		streamClient = httpclient.ForStreaming()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	src, err := source.Open(runCtx, rawURL, source.Options{
		Client:          streamClient,
		ChunkBytes:      f.ChunkBytes,
		RateBytesPerSec: f.ReadRateBytes,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	if ct := src.ContentType(); ct != "" {
		v.MIME = ct
	}
	if hint := src.SizeHint(); hint > 0 {
		v.SizeHint = hint
	}

	buf := sink.NewBuffer(capability.FirstChunkCheck(v.MIME))
	pipe := assembler.New(src, buf, assembler.Config{
		HighWatermark: f.HighWatermark,
		LowWatermark:  f.LowWatermark,
		Name:          assetID,
	})
	h := &Handle{
		assetID:     assetID,
		contentType: v.MIME,
		sizeHint:    v.SizeHint,
		incremental: true,
		buf:         buf,
		pipe:        pipe,
		cancel:      cancel,
		ready:       pipe.Ready(),
	}
	if f.StartupDelay > 0 {
		h.ready = delayAfter(pipe.Ready(), f.StartupDelay)
	}
	go pipe.Run(runCtx)
	return h, nil
}

func (f *Factory) openWhole(ctx context.Context, assetID, rawURL string, v capability.Verdict) (*Handle, error) {
	entry, err := f.Store.Materialize(ctx, assetID, rawURL)
	if err != nil {
		return nil, err
	}
	ct := entry.ContentType
	if ct == "" {
		ct = v.MIME
	}
	return &Handle{
		assetID:     assetID,
		contentType: ct,
		sizeHint:    entry.Size,
		filePath:    entry.Path,
		ready:       closedChan,
		done:        closedChan,
	}, nil
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// delayAfter closes the returned channel a fixed interval after in fires.
func delayAfter(in <-chan struct{}, d time.Duration) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		<-in
		time.Sleep(d)
		close(out)
	}()
	return out
}

// Handle is one playable asset, backed by either the growing buffer or a
// fully materialized cache file.
type Handle struct {
	assetID     string
	contentType string
	sizeHint    int64
	incremental bool

	// incremental path
	buf    *sink.Buffer
	pipe   *assembler.Pipeline
	cancel context.CancelFunc
	ready  <-chan struct{}

	// whole-file path
	filePath string
	done     <-chan struct{}
}

func (h *Handle) AssetID() string     { return h.assetID }
func (h *Handle) ContentType() string { return h.contentType }
func (h *Handle) Incremental() bool   { return h.incremental }

// Locator is the server-relative playback path for this asset. Valid as soon
// as Ready fires; for whole-file assets the handle only exists once the
// download completed, so it is always valid there.
func (h *Handle) Locator() string { return "/audio/" + h.assetID }

// SizeHint is the expected total size, or -1 when unknown. For incremental
// assets the hint comes from the origin and may be absent.
func (h *Handle) SizeHint() int64 { return h.sizeHint }

// BufferedBytes reports how much is playable right now.
func (h *Handle) BufferedBytes() int64 {
	if h.buf != nil {
		return h.buf.Len()
	}
	return h.sizeHint
}

// Complete reports whether every byte of the asset is available.
func (h *Handle) Complete() bool {
	if h.buf != nil {
		return h.buf.Complete()
	}
	return true
}

// Ready is closed when playback may start: first append committed on the
// incremental path, immediately on the whole-file path.
func (h *Handle) Ready() <-chan struct{} { return h.ready }

// Done is closed when the asset is fully assembled or its assembly failed.
func (h *Handle) Done() <-chan struct{} {
	if h.pipe != nil {
		return h.pipe.Done()
	}
	return h.done
}

// Err reports the terminal assembly error, nil while running or when clean.
func (h *Handle) Err() error {
	if h.pipe != nil {
		return h.pipe.Err()
	}
	return nil
}

// Stream returns a reader positioned at off. Incremental readers block at
// the tail until more bytes arrive or the assembly ends.
func (h *Handle) Stream(ctx context.Context, off int64) (io.ReadCloser, error) {
	if h.buf != nil {
		return io.NopCloser(h.buf.NewReader(ctx, off)), nil
	}
	file, err := os.Open(h.filePath)
	if err != nil {
		return nil, err
	}
	if off > 0 {
		if _, err := file.Seek(off, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}
	return file, nil
}

// Close stops an in-flight assembly. Cached files stay on disk.
func (h *Handle) Close() error {
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}
