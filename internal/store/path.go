package store

import (
	"path/filepath"
	"strings"
)

// Path returns the cache file path for an asset. Stable: the same assetID
// always maps to the same path.
func Path(cacheDir, assetID string) string {
	safe := sanitizeID(assetID)
	return filepath.Join(cacheDir, "audio", safe+".audio")
}

// PartialPath is the download destination; the materializer renames it to
// Path only after the whole body landed, so a Path that exists is complete.
func PartialPath(cacheDir, assetID string) string {
	safe := sanitizeID(assetID)
	return filepath.Join(cacheDir, "audio", safe+".partial")
}

func sanitizeID(id string) string {
	s := strings.ReplaceAll(id, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "_")
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		s = "unknown"
	}
	return s
}
