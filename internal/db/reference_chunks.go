package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertReferenceChunks appends a chunk batch for a source. Writes are
// idempotent: an existing (source, index) pair is left untouched.
func (db *DB) InsertReferenceChunks(ctx context.Context, chunks []ReferenceChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(
			`INSERT INTO reference_chunks (source_id, chunk_index, text, tokens, span_start, span_end)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (source_id, chunk_index) DO NOTHING`,
			c.SourceID, c.Index, c.Text, c.Tokens, c.Start, c.End,
		)
	}

	if err := db.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert reference chunks: %w", err)
	}
	return nil
}

// ListReferenceChunks retrieves chunks for a source in index order.
func (db *DB) ListReferenceChunks(ctx context.Context, sourceID string) ([]ReferenceChunk, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT source_id, chunk_index, text, tokens, span_start, span_end, created_at
		 FROM reference_chunks WHERE source_id = $1 ORDER BY chunk_index`,
		sourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list reference chunks: %w", err)
	}
	defer rows.Close()

	var out []ReferenceChunk
	for rows.Next() {
		var c ReferenceChunk
		if err := rows.Scan(&c.SourceID, &c.Index, &c.Text, &c.Tokens, &c.Start, &c.End, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reference chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// HasReferenceChunks reports whether a source has already been chunked.
func (db *DB) HasReferenceChunks(ctx context.Context, sourceID string) (bool, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reference_chunks WHERE source_id = $1`, sourceID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count reference chunks: %w", err)
	}
	return count > 0, nil
}

// DeleteReferenceChunks removes all chunks for a source.
func (db *DB) DeleteReferenceChunks(ctx context.Context, sourceID string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM reference_chunks WHERE source_id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("failed to delete reference chunks: %w", err)
	}
	return nil
}
