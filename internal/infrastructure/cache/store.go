package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
	"github.com/hszk-dev/vidrelay/internal/infrastructure/metrics"
)

const (
	defaultExtension = ".mp4"

	// tempFilePrefix names the temp files moveFile copies through.
	tempFilePrefix = ".cache-"
)

var (
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	extensionChars  = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)
)

// StoreConfig holds configuration for DiskStore.
type StoreConfig struct {
	// RootDir is the cache root. Files live in RootDir/<platform>/.
	RootDir string
	// TTL is the maximum age of an entry served as a hit. Zero disables expiry.
	TTL time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DiskStore implements Store on the local filesystem.
type DiskStore struct {
	root  string
	ttl   time.Duration
	now   func() time.Time
	index Index

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// Compile-time verification that DiskStore implements Store.
var _ Store = (*DiskStore)(nil)

// NewDiskStore creates the cache root and per-platform directories and
// returns a store backed by index.
func NewDiskStore(cfg StoreConfig, index Index) (*DiskStore, error) {
	if cfg.RootDir == "" {
		return nil, errors.New("cache root directory required")
	}
	if index == nil {
		return nil, errors.New("cache index required")
	}

	root, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}

	for _, p := range model.Platforms {
		if err := os.MkdirAll(filepath.Join(root, p.String()), 0o755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", p, err)
		}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &DiskStore{
		root:  root,
		ttl:   cfg.TTL,
		now:   now,
		index: index,
		locks: make(map[string]*entryLock),
	}, nil
}

// Root returns the absolute cache root directory.
func (s *DiskStore) Root() string {
	return s.root
}

// TTL returns the configured time-to-live.
func (s *DiskStore) TTL() time.Duration {
	return s.ttl
}

// Lookup returns the fresh entry for ref or nil on a miss.
func (s *DiskStore) Lookup(ctx context.Context, ref model.ContentRef) (*model.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := ref.Key()
	rec, err := s.index.Get(ctx, key)
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpLookup, metrics.CacheStatusError).Inc()
		if errors.Is(err, ErrCorruptRecord) {
			// Drop it so the next fetch can replace it.
			slog.Warn("undecodable cache index record, treating as miss",
				"key", key,
				"error", err,
			)
			s.dropRecord(ctx, key)
			return nil, nil
		}
		// The record may be fine; leave it for the next lookup.
		slog.Warn("cache index read failed, treating as miss",
			"key", key,
			"error", err,
		)
		return nil, nil
	}
	if rec == nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpLookup, metrics.CacheStatusMiss).Inc()
		return nil, nil
	}

	entry, reason := s.validate(*rec)
	if reason != "" {
		slog.Info("discarding stale cache entry",
			"key", key,
			"reason", reason,
		)
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpLookup, metrics.CacheStatusStale).Inc()
		s.discardStale(ctx, *rec)
		return nil, nil
	}

	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpLookup, metrics.CacheStatusHit).Inc()
	return &entry, nil
}

// validate resolves rec against the filesystem. It returns a non-empty reason
// when the record must not be served.
func (s *DiskStore) validate(rec model.CacheEntry) (model.CacheEntry, string) {
	if rec.IsExpired(s.now(), s.ttl) {
		return model.CacheEntry{}, "expired"
	}

	abs, err := s.resolve(rec.FilePath)
	if err != nil {
		return model.CacheEntry{}, "invalid path"
	}

	info, err := os.Stat(abs)
	switch {
	case err != nil:
		return model.CacheEntry{}, "file missing"
	case !info.Mode().IsRegular():
		return model.CacheEntry{}, "not a regular file"
	case info.Size() == 0:
		return model.CacheEntry{}, "empty file"
	}

	entry := rec
	entry.FilePath = abs
	entry.SizeBytes = info.Size()
	return entry, ""
}

// discardStale removes rec if it is still the indexed record for its key.
func (s *DiskStore) discardStale(ctx context.Context, rec model.CacheEntry) {
	_, err := s.RemoveIf(ctx, rec.Ref(), func(current model.CacheEntry) bool {
		return current.FetchedAt.Equal(rec.FetchedAt) && current.FilePath == rec.FilePath
	})
	if err != nil {
		slog.Warn("failed to remove stale cache entry",
			"key", rec.Key(),
			"error", err,
		)
	}
}

// dropRecord deletes an index record without touching files.
func (s *DiskStore) dropRecord(ctx context.Context, key string) {
	unlock := s.lockEntry(key)
	defer unlock()

	if err := s.index.Delete(ctx, key); err != nil {
		slog.Warn("failed to drop cache index record",
			"key", key,
			"error", err,
		)
	}
}

// Put moves in.SourcePath into the cache and publishes the entry.
func (s *DiskStore) Put(ctx context.Context, in PutInput) (*model.CacheEntry, error) {
	if !in.Ref.Platform.IsValid() || in.Ref.CanonicalID == "" {
		return nil, fmt.Errorf("invalid content ref %q", in.Ref.Key())
	}

	info, err := os.Stat(in.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEmptyFile, err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrEmptyFile, in.SourcePath)
	}

	key := in.Ref.Key()
	unlock := s.lockEntry(key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rel := s.relativePath(in.Ref, in.SourcePath)
	dest := filepath.Join(s.root, rel)

	size, err := moveFile(in.SourcePath, dest)
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpPut, metrics.CacheStatusError).Inc()
		return nil, fmt.Errorf("%w: move into cache: %v", model.ErrStorage, err)
	}
	if size == 0 {
		_ = os.Remove(dest)
		return nil, fmt.Errorf("%w: %s", model.ErrEmptyFile, dest)
	}

	previous, err := s.index.Get(ctx, key)
	if err != nil {
		previous = nil
	}

	fetchedAt := in.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = s.now()
	}

	rec := model.CacheEntry{
		CanonicalID: in.Ref.CanonicalID,
		Platform:    in.Ref.Platform,
		FilePath:    filepath.ToSlash(rel),
		FetchedAt:   fetchedAt.UTC(),
		SizeBytes:   size,
	}

	// The file is complete at this point; publishing makes it visible.
	if err := s.index.Set(ctx, rec); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpPut, metrics.CacheStatusError).Inc()
		_ = s.index.Delete(ctx, key) // Best effort; the file is gone below so the record would be a miss anyway
		_ = os.Remove(dest)
		return nil, fmt.Errorf("%w: publish index record: %v", model.ErrStorage, err)
	}

	if previous != nil && previous.FilePath != rec.FilePath {
		s.removeFile(previous.FilePath)
	}

	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpPut, metrics.CacheStatusSuccess).Inc()

	entry := rec
	entry.FilePath = dest
	return &entry, nil
}

// Remove deletes the index record and the file for ref.
func (s *DiskStore) Remove(ctx context.Context, ref model.ContentRef) error {
	_, err := s.RemoveIf(ctx, ref, nil)
	return err
}

// RemoveIf deletes the entry for ref when match accepts it. A nil match
// accepts any entry.
func (s *DiskStore) RemoveIf(ctx context.Context, ref model.ContentRef, match func(model.CacheEntry) bool) (bool, error) {
	key := ref.Key()
	unlock := s.lockEntry(key)
	defer unlock()

	rec, err := s.index.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCorruptRecord) {
			return false, fmt.Errorf("read index record: %w", err)
		}
		// Drop the unusable record; its file is left to ReclaimOrphans.
		if delErr := s.index.Delete(ctx, key); delErr != nil {
			return false, fmt.Errorf("delete index record: %w", delErr)
		}
		return true, nil
	}
	if rec == nil {
		s.removeFile(s.relativePath(ref, ""))
		return false, nil
	}
	if match != nil && !match(*rec) {
		return false, nil
	}

	// Unpublish first so no reader is handed a path that is about to vanish.
	if err := s.index.Delete(ctx, key); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpRemove, metrics.CacheStatusError).Inc()
		return false, fmt.Errorf("delete index record: %w", err)
	}
	s.removeFile(rec.FilePath)

	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpRemove, metrics.CacheStatusSuccess).Inc()
	return true, nil
}

// AllEntries returns every indexed entry with absolute file paths.
func (s *DiskStore) AllEntries(ctx context.Context) ([]model.CacheEntry, error) {
	recs, err := s.index.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list index: %w", err)
	}

	entries := make([]model.CacheEntry, 0, len(recs))
	for _, rec := range recs {
		if abs, err := s.resolve(rec.FilePath); err == nil {
			rec.FilePath = abs
		}
		entries = append(entries, rec)
	}
	return entries, nil
}

// ReclaimOrphans walks the platform directories and deletes files older than
// cutoff that are not the indexed file for their key. These are left behind
// by a crash between move and publish, by a cold start after a corrupt index,
// or by an interrupted copy.
func (s *DiskStore) ReclaimOrphans(ctx context.Context, cutoff time.Time) (OrphanReport, error) {
	var report OrphanReport

	recs, err := s.index.All(ctx)
	if err != nil {
		return report, fmt.Errorf("list index: %w", err)
	}
	indexed := make(map[string]bool, len(recs))
	for _, rec := range recs {
		indexed[filepath.FromSlash(rec.FilePath)] = true
	}

	var errs []error
	for _, p := range model.Platforms {
		dirents, err := os.ReadDir(filepath.Join(s.root, p.String()))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("read %s directory: %w", p, err))
			}
			continue
		}

		for _, de := range dirents {
			if err := ctx.Err(); err != nil {
				return report, errors.Join(append(errs, err)...)
			}
			if !de.Type().IsRegular() {
				continue
			}
			rel := filepath.Join(p.String(), de.Name())
			if indexed[rel] {
				continue
			}

			size, removed, err := s.reclaimFile(ctx, p, de.Name(), cutoff)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if removed {
				report.Files++
				report.Bytes += size
				slog.Info("removed orphaned cache file",
					"path", rel,
					"size_bytes", size,
				)
			}
		}
	}

	return report, errors.Join(errs...)
}

// reclaimFile removes platform/name when it is older than cutoff and still
// unindexed. The entry lock keeps a concurrent Put of the same key from
// publishing the file while it is being removed.
func (s *DiskStore) reclaimFile(ctx context.Context, p model.Platform, name string, cutoff time.Time) (int64, bool, error) {
	rel := filepath.Join(p.String(), name)

	if !strings.HasPrefix(name, tempFilePrefix) {
		ref := model.ContentRef{Platform: p, CanonicalID: strings.TrimSuffix(name, filepath.Ext(name))}
		unlock := s.lockEntry(ref.Key())
		defer unlock()

		rec, err := s.index.Get(ctx, ref.Key())
		if err != nil && !errors.Is(err, ErrCorruptRecord) {
			return 0, false, fmt.Errorf("check %s: %w", ref.Key(), err)
		}
		if rec != nil && filepath.FromSlash(rec.FilePath) == rel {
			return 0, false, nil
		}
	}

	abs := filepath.Join(s.root, rel)
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat %s: %w", rel, err)
	}
	if !info.ModTime().Before(cutoff) {
		return 0, false, nil
	}

	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, false, fmt.Errorf("remove %s: %w", rel, err)
	}
	return info.Size(), true, nil
}

// relativePath returns the cache-relative location for ref. The extension is
// taken from source when it looks like a media extension.
func (s *DiskStore) relativePath(ref model.ContentRef, source string) string {
	ext := strings.ToLower(filepath.Ext(source))
	if !extensionChars.MatchString(ext) {
		ext = defaultExtension
	}
	return filepath.Join(ref.Platform.String(), SafeFileName(ref.CanonicalID)+ext)
}

// resolve turns a cache-relative path into an absolute one, rejecting
// anything that escapes the root.
func (s *DiskStore) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid cache path %q", rel)
	}
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	if !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("cache path %q escapes root", rel)
	}
	return abs, nil
}

func (s *DiskStore) removeFile(rel string) {
	abs, err := s.resolve(rel)
	if err != nil {
		return
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to remove cached file",
			"path", abs,
			"error", err,
		)
	}
}

func (s *DiskStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// SafeFileName maps a canonical id onto a name that is safe on any filesystem.
func SafeFileName(id string) string {
	name := unsafeNameChars.ReplaceAllString(id, "_")
	if name == "" {
		return "_"
	}
	return name
}

// moveFile moves src to dst, replacing dst atomically. It falls back to a
// copy through a temp file when a rename is impossible (e.g. across devices).
func moveFile(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}

	if err := os.Rename(src, dst); err == nil {
		info, err := os.Stat(dst)
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), tempFilePrefix+"*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, in)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}

	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	_ = os.Remove(src)
	return written, nil
}
