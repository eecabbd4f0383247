package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetCacheEntry retrieves a cached stage output by fingerprint.
// Returns nil, nil on a miss.
func (db *DB) GetCacheEntry(ctx context.Context, fingerprint string) (*CacheEntry, error) {
	var entry CacheEntry
	err := db.pool.QueryRow(ctx,
		`SELECT fingerprint, stage_name, output, model, created_at
		 FROM cache_entries WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&entry.Fingerprint, &entry.StageName, &entry.Output, &entry.Model, &entry.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &entry, nil
}

// PutCacheEntry stores a cache entry. The cache is append-only per key:
// an existing entry is never overwritten.
func (db *DB) PutCacheEntry(ctx context.Context, entry *CacheEntry) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO cache_entries (fingerprint, stage_name, output, model)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		entry.Fingerprint, entry.StageName, entry.Output, entry.Model,
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// DeleteCacheEntry removes an entry, used to invalidate corrupted values so
// they can be recomputed.
func (db *DB) DeleteCacheEntry(ctx context.Context, fingerprint string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE fingerprint = $1`, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}
