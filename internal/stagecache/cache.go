// Package stagecache provides a content-addressed cache of per-stage
// generation outputs, shared across jobs and rows. Concurrent misses for the
// same fingerprint collapse into a single computation: duplicate generation
// calls for identical inputs are a correctness bug, not an efficiency loss.
package stagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/adrian/answerforge/internal/db"
)

// Store is the persistence surface the cache needs.
type Store interface {
	GetCacheEntry(ctx context.Context, fingerprint string) (*db.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry *db.CacheEntry) error
	DeleteCacheEntry(ctx context.Context, fingerprint string) error
}

// ComputeResult is the output of a cache-miss computation.
type ComputeResult struct {
	Output string
	Model  string
}

// ComputeFunc produces a stage output on a cache miss.
type ComputeFunc func(ctx context.Context) (*ComputeResult, error)

// Result is what GetOrCompute hands back to the caller.
type Result struct {
	Output   string
	Model    string
	CacheHit bool
}

// Cache coalesces lookups through a persistent store.
type Cache struct {
	store Store
	group singleflight.Group
}

// New creates a Cache backed by the given store.
func New(store Store) *Cache {
	return &Cache{store: store}
}

// Fingerprint computes the stable cache key for a stage invocation: a hash
// over the stage name and its canonicalized inputs.
func Fingerprint(stageName string, inputs ...string) string {
	h := sha256.New()
	h.Write([]byte(stageName))
	for _, in := range inputs {
		h.Write([]byte{0})
		h.Write([]byte(canonicalize(in)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize normalizes an input so equivalent texts fingerprint alike.
func canonicalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

// GetOrCompute returns the cached output for the fingerprint of stageName +
// inputs, computing and persisting it on a miss. At most one computation per
// fingerprint is in flight; concurrent callers share the winner's result.
// If persistence fails the computed value is still returned, it just is not
// guaranteed to be reusable later.
func (c *Cache) GetOrCompute(ctx context.Context, stageName string, inputs []string, compute ComputeFunc) (*Result, error) {
	fp := Fingerprint(stageName, inputs...)

	v, err, shared := c.group.Do(fp, func() (interface{}, error) {
		entry, err := c.store.GetCacheEntry(ctx, fp)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			if usable(entry) {
				return &Result{Output: entry.Output, Model: entry.Model, CacheHit: true}, nil
			}
			// Corrupted entry: treat as a miss and supersede it.
			_ = c.store.DeleteCacheEntry(ctx, fp)
		}

		computed, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		// Best effort persist; the value is returned either way.
		_ = c.store.PutCacheEntry(ctx, &db.CacheEntry{
			Fingerprint: fp,
			StageName:   stageName,
			Output:      computed.Output,
			Model:       computed.Model,
		})

		return &Result{Output: computed.Output, Model: computed.Model}, nil
	})
	if err != nil {
		return nil, err
	}

	// Copy before flagging: the singleflight result is shared between
	// coalesced callers. A caller that rode along on another's computation
	// made no backend call, so it counts as a hit.
	res := *v.(*Result)
	if shared {
		res.CacheHit = true
	}
	return &res, nil
}

// usable reports whether a stored entry can be served.
func usable(entry *db.CacheEntry) bool {
	return entry.Output != "" && utf8.ValidString(entry.Output)
}
