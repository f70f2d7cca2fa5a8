package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
)

const (
	// IndexFileName is the name of the metadata index file under the cache root.
	IndexFileName = "cache_metadata.json"

	indexFormatVersion = 1
)

// indexFile is the on-disk layout of the FileIndex.
type indexFile struct {
	Version int                  `json:"version"`
	Entries map[string]entryJSON `json:"entries"`
}

// FileIndex implements Index as a single human-readable JSON file.
// Every mutation rewrites the file through a temp file and rename, so a
// crash mid-write leaves the previous version intact.
type FileIndex struct {
	path string

	mu      sync.RWMutex
	entries map[string]entryJSON

	// persistMu serializes file writes; each write snapshots the latest state.
	persistMu sync.Mutex
}

// Compile-time verification that FileIndex implements Index.
var _ Index = (*FileIndex)(nil)

// OpenFileIndex loads the index stored at path.
// A missing file yields an empty index. An unreadable or corrupt file is
// moved aside and also yields an empty index: a cold cache is preferable to
// refusing to start.
func OpenFileIndex(path string) (*FileIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	idx := &FileIndex{
		path:    path,
		entries: make(map[string]entryJSON),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("cache index unreadable, starting cold",
				"path", path,
				"error", err,
			)
		}
		return idx, nil
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		quarantine := path + ".corrupt"
		_ = os.Rename(path, quarantine) // Best effort; a failed rename is overwritten on next persist
		slog.Warn("cache index corrupt, starting cold",
			"path", path,
			"quarantined_to", quarantine,
			"error", err,
		)
		return idx, nil
	}

	for key, rec := range file.Entries {
		entry, err := fromJSON(rec)
		if err != nil || entry.Key() != key {
			slog.Warn("dropping invalid cache index record",
				"key", key,
				"error", err,
			)
			continue
		}
		idx.entries[key] = rec
	}

	return idx, nil
}

// Path returns the location of the index file.
func (idx *FileIndex) Path() string {
	return idx.path
}

func (idx *FileIndex) Get(_ context.Context, key string) (*model.CacheEntry, error) {
	idx.mu.RLock()
	rec, ok := idx.entries[key]
	idx.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	entry, err := fromJSON(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, key, err)
	}
	return &entry, nil
}

func (idx *FileIndex) Set(_ context.Context, entry model.CacheEntry) error {
	idx.mu.Lock()
	idx.entries[entry.Key()] = toJSON(entry)
	idx.mu.Unlock()

	return idx.persist()
}

func (idx *FileIndex) Delete(_ context.Context, key string) error {
	idx.mu.Lock()
	_, ok := idx.entries[key]
	delete(idx.entries, key)
	idx.mu.Unlock()

	if !ok {
		return nil
	}
	return idx.persist()
}

func (idx *FileIndex) All(_ context.Context) ([]model.CacheEntry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	entries := make([]model.CacheEntry, 0, len(idx.entries))
	for _, rec := range idx.entries {
		entry, err := fromJSON(rec)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Len returns the number of indexed records.
func (idx *FileIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// persist writes the current state to disk.
func (idx *FileIndex) persist() error {
	idx.persistMu.Lock()
	defer idx.persistMu.Unlock()

	idx.mu.RLock()
	file := indexFile{
		Version: indexFormatVersion,
		Entries: make(map[string]entryJSON, len(idx.entries)),
	}
	for k, v := range idx.entries {
		file.Entries[k] = v
	}
	idx.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	return writeFileAtomic(idx.path, data)
}

// writeFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp index: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}
