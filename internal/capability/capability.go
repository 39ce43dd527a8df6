// Package capability decides, per audio format, whether a stream can be fed
// to the playback buffer incrementally or must be materialized whole first.
package capability

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Verdict is the gate's answer for one asset.
type Verdict struct {
	MIME        string
	Incremental bool
	SizeHint    int64 // -1 when the origin did not say
}

// incrementalByMIME maps normalized media types to gate verdicts. Formats
// with self-delimiting frames (MP3, ADTS AAC) or page/block structure (Ogg,
// FLAC, WebM) play correctly from a growing buffer. MP4/M4A keep their moov
// atom wherever the muxer put it, frequently at the end, so they are not
// safe to start before the download completes.
var incrementalByMIME = map[string]bool{
	"audio/mpeg":   true,
	"audio/mp3":    true,
	"audio/aac":    true,
	"audio/aacp":   true,
	"audio/ogg":    true,
	"audio/opus":   true,
	"audio/flac":   true,
	"audio/x-flac": true,
	"audio/webm":   true,
	"video/webm":   true,

	"audio/mp4":       false,
	"audio/x-m4a":     false,
	"video/mp4":       false,
	"application/mp4": false,
}

var incrementalByExt = map[string]bool{
	".mp3":  true,
	".aac":  true,
	".ogg":  true,
	".oga":  true,
	".opus": true,
	".flac": true,
	".webm": true,

	".mp4": false,
	".m4a": false,
	".m4b": false,
}

// SupportsIncrementalBuffering reports whether the media type can be played
// back from a buffer that is still being appended to. Unknown types get
// false: the whole-file path always produces correct playback, just later.
func SupportsIncrementalBuffering(mediaType string) bool {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mediaType))
	}
	return incrementalByMIME[mt]
}

// Sniff classifies an asset URL. Extension heuristics settle the common
// cases without a request; otherwise a one-byte ranged GET asks the origin
// for its Content-Type. The verdict is computed once per asset, never
// re-evaluated mid-stream.
func Sniff(ctx context.Context, rawURL string, client *http.Client) (Verdict, error) {
	v := Verdict{SizeHint: -1}
	u, err := url.Parse(rawURL)
	if err != nil {
		return v, err
	}
	ext := strings.ToLower(pathExt(u.Path))
	if inc, ok := incrementalByExt[ext]; ok {
		v.MIME = mime.TypeByExtension(ext)
		v.Incremental = inc
		return v, nil
	}

	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	ctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return v, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := client.Do(req)
	if err != nil {
		return v, err
	}
	defer resp.Body.Close()

	v.MIME = resp.Header.Get("Content-Type")
	v.Incremental = SupportsIncrementalBuffering(v.MIME)
	if resp.StatusCode == http.StatusPartialContent {
		if total := rangeTotal(resp.Header.Get("Content-Range")); total > 0 {
			v.SizeHint = total
		}
	} else if resp.ContentLength > 0 {
		v.SizeHint = resp.ContentLength
	}
	return v, nil
}

func pathExt(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		p = p[i+1:]
	}
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i:]
	}
	return ""
}

// rangeTotal pulls the total size out of "bytes 0-0/12345". Returns 0 when
// the origin sent "*" or garbage.
func rangeTotal(cr string) int64 {
	i := strings.LastIndexByte(cr, '/')
	if i < 0 {
		return 0
	}
	var n int64
	for _, c := range cr[i+1:] {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
