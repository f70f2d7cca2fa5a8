// Package cache stores fetched video files on disk and keeps a durable
// metadata index describing them.
//
// Layout under the root directory:
//
//	<root>/cache_metadata.json     # FileIndex (when no Redis index is configured)
//	<root>/<platform>/<id>.<ext>   # video files
//
// Files are always complete before their index record becomes visible.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
)

// ErrCorruptRecord marks an index record that exists but cannot be decoded.
// Index implementations wrap it so callers can tell bad data from a failed read.
var ErrCorruptRecord = errors.New("corrupt index record")

// Store is the content cache used by the relay.
type Store interface {
	// Lookup returns the fresh entry for ref.
	// Returns nil, nil on a miss, including expired entries and entries whose
	// file vanished; such stale records are removed as a side effect.
	Lookup(ctx context.Context, ref model.ContentRef) (*model.CacheEntry, error)

	// Put moves the file at in.SourcePath into the cache and publishes an entry
	// for in.Ref, replacing any previous one. The source must be non-empty.
	Put(ctx context.Context, in PutInput) (*model.CacheEntry, error)

	// Remove deletes the entry for ref and its file.
	// Removing an absent entry is not an error.
	Remove(ctx context.Context, ref model.ContentRef) error

	// RemoveIf removes the entry for ref only if match reports true for the
	// entry currently stored. It reports whether an entry was removed.
	RemoveIf(ctx context.Context, ref model.ContentRef, match func(model.CacheEntry) bool) (bool, error)

	// AllEntries returns every indexed entry in no particular order.
	AllEntries(ctx context.Context) ([]model.CacheEntry, error)

	// ReclaimOrphans deletes files under the cache root that no index record
	// points at and that were last modified before cutoff.
	ReclaimOrphans(ctx context.Context, cutoff time.Time) (OrphanReport, error)
}

// OrphanReport summarizes one ReclaimOrphans pass.
type OrphanReport struct {
	Files int
	Bytes int64
}

// PutInput describes a freshly fetched file to publish.
type PutInput struct {
	Ref        model.ContentRef
	SourcePath string
	FetchedAt  time.Time
}

// Index is the durable metadata index behind a Store.
// FilePath values stored in an Index are relative to the cache root.
type Index interface {
	// Get returns the record for key.
	// Returns nil, nil if the key is not indexed and an error wrapping
	// ErrCorruptRecord if the stored record cannot be decoded.
	Get(ctx context.Context, key string) (*model.CacheEntry, error)

	// Set stores the record for entry.Key(), replacing any previous one.
	Set(ctx context.Context, entry model.CacheEntry) error

	// Delete removes the record for key.
	// Returns nil if the key was not indexed.
	Delete(ctx context.Context, key string) error

	// All returns every record.
	All(ctx context.Context) ([]model.CacheEntry, error)
}
