package cache

import (
	"fmt"
	"time"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
)

// entryJSON is the persisted representation of a CacheEntry.
// Using explicit struct avoids coupling to domain model's JSON tags.
type entryJSON struct {
	CanonicalID string `json:"canonical_id"`
	Platform    string `json:"platform"`
	FilePath    string `json:"file_path"`
	FetchedAt   string `json:"fetched_at"`
	SizeBytes   int64  `json:"size_bytes"`
}

func toJSON(e model.CacheEntry) entryJSON {
	return entryJSON{
		CanonicalID: e.CanonicalID,
		Platform:    e.Platform.String(),
		FilePath:    e.FilePath,
		FetchedAt:   e.FetchedAt.UTC().Format(time.RFC3339Nano),
		SizeBytes:   e.SizeBytes,
	}
}

func fromJSON(v entryJSON) (model.CacheEntry, error) {
	platform, err := model.ParsePlatform(v.Platform)
	if err != nil {
		return model.CacheEntry{}, fmt.Errorf("parse platform: %w", err)
	}
	if v.CanonicalID == "" {
		return model.CacheEntry{}, fmt.Errorf("empty canonical_id")
	}
	if v.FilePath == "" {
		return model.CacheEntry{}, fmt.Errorf("empty file_path")
	}

	fetchedAt, err := time.Parse(time.RFC3339Nano, v.FetchedAt)
	if err != nil {
		return model.CacheEntry{}, fmt.Errorf("parse fetched_at: %w", err)
	}

	return model.CacheEntry{
		CanonicalID: v.CanonicalID,
		Platform:    platform,
		FilePath:    v.FilePath,
		FetchedAt:   fetchedAt,
		SizeBytes:   v.SizeBytes,
	}, nil
}
