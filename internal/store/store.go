// Package store is the whole-file fallback path: assets whose format cannot
// be played from a growing buffer are downloaded to the cache directory in
// full, indexed in SQLite, and served from disk.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "modernc.org/sqlite"

	"github.com/audiocast/audio-gateway/internal/httpclient"
)

// Entry is one indexed cache row.
type Entry struct {
	AssetID     string
	ContentType string
	Size        int64
	Path        string
	FetchedAt   time.Time
}

// Store owns the cache directory and its SQLite index.
type Store struct {
	dir    string
	db     *sql.DB
	client *http.Client

	flight flightGroup
}

// Open opens (creating if needed) the index database and returns a Store
// rooted at cacheDir. dbPath is typically <cacheDir>/index.db.
func Open(cacheDir, dbPath string, client *http.Client) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS assets (
		asset_id     TEXT PRIMARY KEY,
		content_type TEXT NOT NULL DEFAULT '',
		size         INTEGER NOT NULL DEFAULT 0,
		path         TEXT NOT NULL,
		fetched_at   INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache index schema: %w", err)
	}
	if client == nil {
		client = httpclient.Default()
	}
	return &Store{dir: cacheDir, db: db, client: client}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Lookup returns the index entry for assetID, or (nil, nil) when absent.
func (s *Store) Lookup(assetID string) (*Entry, error) {
	var e Entry
	var ts int64
	err := s.db.QueryRow(
		"SELECT asset_id, content_type, size, path, fetched_at FROM assets WHERE asset_id = ?",
		assetID,
	).Scan(&e.AssetID, &e.ContentType, &e.Size, &e.Path, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.FetchedAt = time.Unix(ts, 0)
	return &e, nil
}

func (s *Store) index(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (asset_id, content_type, size, path, fetched_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(asset_id) DO UPDATE SET
		   content_type = excluded.content_type,
		   size = excluded.size,
		   path = excluded.path,
		   fetched_at = excluded.fetched_at`,
		e.AssetID, e.ContentType, e.Size, e.Path, e.FetchedAt.Unix())
	return err
}

// Evict removes one asset from disk and index.
func (s *Store) Evict(ctx context.Context, assetID string) error {
	e, err := s.Lookup(assetID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM assets WHERE asset_id = ?", assetID); err != nil {
		return err
	}
	if e != nil {
		removeQuiet(e.Path)
	}
	return nil
}
