package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
	"github.com/hszk-dev/vidrelay/internal/domain/repository"
	"github.com/hszk-dev/vidrelay/internal/infrastructure/cache"
)

const (
	// DefaultShareExpiry is how long a presigned share link stays valid.
	DefaultShareExpiry = time.Hour

	// DefaultShareThreshold matches the upload limit of common chat bot APIs.
	DefaultShareThreshold = 50 << 20
)

// ShareServiceConfig holds configuration for ShareService.
type ShareServiceConfig struct {
	// Expiry is the lifetime of generated links.
	Expiry time.Duration
	// Threshold is the size from which a file is served through a link
	// instead of directly. Zero shares every file.
	Threshold int64
	// KeyPrefix is prepended to every object key.
	KeyPrefix string
}

// DefaultShareServiceConfig returns the default configuration.
func DefaultShareServiceConfig() ShareServiceConfig {
	return ShareServiceConfig{
		Expiry:    DefaultShareExpiry,
		Threshold: DefaultShareThreshold,
		KeyPrefix: "shares/",
	}
}

// ShareLink is a time-limited download link for a cached file.
type ShareLink struct {
	URL       string
	ObjectKey string
	ExpiresAt time.Time
}

// ShareService mirrors cached files to object storage and hands out
// presigned links for files too large to send directly.
type ShareService interface {
	// NeedsLink reports whether entry is above the direct-delivery threshold.
	NeedsLink(entry model.CacheEntry) bool

	// Share uploads the file of entry if needed and returns a download link.
	Share(ctx context.Context, entry model.CacheEntry) (*ShareLink, error)
}

type shareService struct {
	storage   repository.ObjectStorage
	expiry    time.Duration
	threshold int64
	keyPrefix string
	now       func() time.Time
}

// NewShareService creates a new ShareService.
func NewShareService(storage repository.ObjectStorage, cfg ShareServiceConfig) ShareService {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultShareExpiry
	}
	return &shareService{
		storage:   storage,
		expiry:    cfg.Expiry,
		threshold: cfg.Threshold,
		keyPrefix: cfg.KeyPrefix,
		now:       time.Now,
	}
}

func (s *shareService) NeedsLink(entry model.CacheEntry) bool {
	return entry.SizeBytes >= s.threshold
}

// Share is idempotent per entry: the object key includes the fetch time, so a
// refetched video gets a new object and an unchanged one is uploaded once.
func (s *shareService) Share(ctx context.Context, entry model.CacheEntry) (*ShareLink, error) {
	key := s.objectKey(entry)

	exists, err := s.storage.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check shared object: %w", err)
	}

	if !exists {
		if err := s.upload(ctx, key, entry); err != nil {
			return nil, err
		}
		slog.Info("cached video mirrored to object storage",
			"key", entry.Key(),
			"object_key", key,
			"size_bytes", entry.SizeBytes,
		)
	}

	link, err := s.storage.GeneratePresignedDownloadURL(ctx, key, s.expiry)
	if err != nil {
		return nil, fmt.Errorf("generate share link: %w", err)
	}

	return &ShareLink{
		URL:       link,
		ObjectKey: key,
		ExpiresAt: s.now().Add(s.expiry),
	}, nil
}

func (s *shareService) upload(ctx context.Context, key string, entry model.CacheEntry) error {
	f, err := os.Open(entry.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: cached file vanished: %s", model.ErrStorage, entry.FilePath)
		}
		return fmt.Errorf("open cached file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat cached file: %w", err)
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectReader(f); err == nil {
		contentType = mt.String()
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind cached file: %w", err)
	}

	if err := s.storage.Upload(ctx, key, f, info.Size(), contentType); err != nil {
		return fmt.Errorf("upload cached file: %w", err)
	}
	return nil
}

func (s *shareService) objectKey(entry model.CacheEntry) string {
	ext := strings.ToLower(filepath.Ext(entry.FilePath))
	if ext == "" {
		ext = ".mp4"
	}
	return fmt.Sprintf("%s%s/%s-%d%s",
		s.keyPrefix,
		entry.Platform,
		cache.SafeFileName(entry.CanonicalID),
		entry.FetchedAt.Unix(),
		ext,
	)
}
