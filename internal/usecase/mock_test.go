package usecase

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
	"github.com/hszk-dev/vidrelay/internal/domain/repository"
	"github.com/hszk-dev/vidrelay/internal/infrastructure/cache"
	"github.com/hszk-dev/vidrelay/internal/mediaprobe"
)

// mockFetcher provides a configurable mock for Fetcher.
// By default it writes a small file into the work directory.
type mockFetcher struct {
	fetchFn func(ctx context.Context, req repository.FetchRequest) (*repository.FetchResult, error)
	calls   atomic.Int32
}

func (m *mockFetcher) Fetch(ctx context.Context, req repository.FetchRequest) (*repository.FetchResult, error) {
	m.calls.Add(1)
	if m.fetchFn != nil {
		return m.fetchFn(ctx, req)
	}
	return writeDownload(req, []byte("video-bytes"))
}

// writeDownload simulates a fetcher producing a file.
func writeDownload(req repository.FetchRequest, data []byte) (*repository.FetchResult, error) {
	path := filepath.Join(req.WorkDir, req.Ref.CanonicalID+".mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	return &repository.FetchResult{FilePath: path}, nil
}

// mockResolver provides a configurable mock for LinkResolver.
type mockResolver struct {
	resolveFn func(ctx context.Context, rawURL string) (string, error)
}

func (m *mockResolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, rawURL)
	}
	return rawURL, nil
}

// mockProber provides a configurable mock for Prober.
type mockProber struct {
	probeFn func(ctx context.Context, path string) (*mediaprobe.Info, error)
}

func (m *mockProber) Probe(ctx context.Context, path string) (*mediaprobe.Info, error) {
	if m.probeFn != nil {
		return m.probeFn(ctx, path)
	}
	return &mediaprobe.Info{HasVideo: true}, nil
}

// mockFetchLog records every FetchRecord it receives.
type mockFetchLog struct {
	mu       sync.Mutex
	records  []*repository.FetchRecord
	recordFn func(ctx context.Context, rec *repository.FetchRecord) error
}

func (m *mockFetchLog) Record(ctx context.Context, rec *repository.FetchRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	if m.recordFn != nil {
		return m.recordFn(ctx, rec)
	}
	return nil
}

func (m *mockFetchLog) Recent(ctx context.Context, ref model.ContentRef, limit int) ([]*repository.FetchRecord, error) {
	return nil, nil
}

func (m *mockFetchLog) outcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.records))
	for i, r := range m.records {
		out[i] = r.Outcome
	}
	return out
}

// mockCapacity counts EnforceCapacity calls.
type mockCapacity struct {
	calls atomic.Int32
	keeps [][]model.ContentRef
	mu    sync.Mutex
}

func (m *mockCapacity) EnforceCapacity(ctx context.Context, keep ...model.ContentRef) (int, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.keeps = append(m.keeps, keep)
	m.mu.Unlock()
	return 0, nil
}

// mockStore provides a configurable mock for cache.Store.
// Unset functions fall through to delegate when it is non-nil.
type mockStore struct {
	delegate     cache.Store
	lookupFn     func(ctx context.Context, ref model.ContentRef) (*model.CacheEntry, error)
	putFn        func(ctx context.Context, in cache.PutInput) (*model.CacheEntry, error)
	allEntriesFn func(ctx context.Context) ([]model.CacheEntry, error)
	removeIfFn   func(ctx context.Context, ref model.ContentRef, match func(model.CacheEntry) bool) (bool, error)
	reclaimFn    func(ctx context.Context, cutoff time.Time) (cache.OrphanReport, error)
}

func (m *mockStore) Lookup(ctx context.Context, ref model.ContentRef) (*model.CacheEntry, error) {
	if m.lookupFn != nil {
		return m.lookupFn(ctx, ref)
	}
	if m.delegate != nil {
		return m.delegate.Lookup(ctx, ref)
	}
	return nil, nil
}

func (m *mockStore) Put(ctx context.Context, in cache.PutInput) (*model.CacheEntry, error) {
	if m.putFn != nil {
		return m.putFn(ctx, in)
	}
	if m.delegate != nil {
		return m.delegate.Put(ctx, in)
	}
	return &model.CacheEntry{CanonicalID: in.Ref.CanonicalID, Platform: in.Ref.Platform, FilePath: in.SourcePath, FetchedAt: in.FetchedAt}, nil
}

func (m *mockStore) Remove(ctx context.Context, ref model.ContentRef) error {
	_, err := m.RemoveIf(ctx, ref, nil)
	return err
}

func (m *mockStore) RemoveIf(ctx context.Context, ref model.ContentRef, match func(model.CacheEntry) bool) (bool, error) {
	if m.removeIfFn != nil {
		return m.removeIfFn(ctx, ref, match)
	}
	if m.delegate != nil {
		return m.delegate.RemoveIf(ctx, ref, match)
	}
	return false, nil
}

func (m *mockStore) AllEntries(ctx context.Context) ([]model.CacheEntry, error) {
	if m.allEntriesFn != nil {
		return m.allEntriesFn(ctx)
	}
	if m.delegate != nil {
		return m.delegate.AllEntries(ctx)
	}
	return nil, nil
}

func (m *mockStore) ReclaimOrphans(ctx context.Context, cutoff time.Time) (cache.OrphanReport, error) {
	if m.reclaimFn != nil {
		return m.reclaimFn(ctx, cutoff)
	}
	if m.delegate != nil {
		return m.delegate.ReclaimOrphans(ctx, cutoff)
	}
	return cache.OrphanReport{}, nil
}

// mockObjectStorage provides a configurable mock for ObjectStorage.
type mockObjectStorage struct {
	generatePresignedDownloadURLFn func(ctx context.Context, key string, expiry time.Duration) (string, error)
	uploadFn                       func(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	deleteFn                       func(ctx context.Context, key string) error
	existsFn                       func(ctx context.Context, key string) (bool, error)
}

func (m *mockObjectStorage) GeneratePresignedDownloadURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if m.generatePresignedDownloadURLFn != nil {
		return m.generatePresignedDownloadURLFn(ctx, key, expiry)
	}
	return "http://example.com/download/" + key, nil
}

func (m *mockObjectStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if m.uploadFn != nil {
		return m.uploadFn(ctx, key, reader, size, contentType)
	}
	return nil
}

func (m *mockObjectStorage) Delete(ctx context.Context, key string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, key)
	}
	return nil
}

func (m *mockObjectStorage) Exists(ctx context.Context, key string) (bool, error) {
	if m.existsFn != nil {
		return m.existsFn(ctx, key)
	}
	return false, nil
}

// mockMessageQueue provides a configurable mock for MessageQueue.
type mockMessageQueue struct {
	publishPrefetchFn func(ctx context.Context, req repository.PrefetchRequest) error
	consumePrefetchFn func(ctx context.Context, handler func(req repository.PrefetchRequest) error) error
}

func (m *mockMessageQueue) PublishPrefetch(ctx context.Context, req repository.PrefetchRequest) error {
	if m.publishPrefetchFn != nil {
		return m.publishPrefetchFn(ctx, req)
	}
	return nil
}

func (m *mockMessageQueue) ConsumePrefetch(ctx context.Context, handler func(req repository.PrefetchRequest) error) error {
	if m.consumePrefetchFn != nil {
		return m.consumePrefetchFn(ctx, handler)
	}
	return nil
}

func (m *mockMessageQueue) Close() error {
	return nil
}

// mockRelayService provides a configurable mock for RelayService.
type mockRelayService struct {
	obtainFn  func(ctx context.Context, rawURL string) (*ObtainResult, error)
	resolveFn func(ctx context.Context, rawURL string) (model.ContentRef, string, error)
}

func (m *mockRelayService) Obtain(ctx context.Context, rawURL string) (*ObtainResult, error) {
	if m.obtainFn != nil {
		return m.obtainFn(ctx, rawURL)
	}
	return nil, nil
}

func (m *mockRelayService) Resolve(ctx context.Context, rawURL string) (model.ContentRef, string, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, rawURL)
	}
	return model.ContentRef{}, rawURL, nil
}
