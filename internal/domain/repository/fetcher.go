package repository

import (
	"context"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
)

// FetchRequest describes one retrieval for a platform fetcher.
type FetchRequest struct {
	// Ref is the classified identity of the content.
	Ref model.ContentRef
	// URL is the URL the user sent, after short-link resolution.
	URL string
	// WorkDir is a private, already created directory the fetcher may write into.
	// It is removed once the result has been moved into the cache.
	WorkDir string
}

// FetchResult is the outcome of a successful retrieval.
type FetchResult struct {
	// FilePath is the absolute path of the downloaded video file.
	FilePath string
}

// Fetcher retrieves a video from one platform.
// Implementations live outside the cache core (scrapers, CLI downloaders,
// browser automation) and are treated as slow black boxes.
type Fetcher interface {
	// Fetch downloads the content described by req and returns the produced file.
	// Errors should wrap model.ErrFetchTransient or model.ErrFetchPermanent
	// when the implementation can tell the two apart; unclassified errors are
	// treated as transient.
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

// LinkResolver expands short links (e.g. vm.tiktok.com) into their final URL.
type LinkResolver interface {
	Resolve(ctx context.Context, rawURL string) (string, error)
}
