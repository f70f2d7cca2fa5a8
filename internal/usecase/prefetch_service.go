package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hszk-dev/vidrelay/internal/classifier"
	"github.com/hszk-dev/vidrelay/internal/domain/model"
	"github.com/hszk-dev/vidrelay/internal/domain/repository"
)

const (
	// DefaultMaxRetries is the default number of attempts for a prefetch
	// request before it is dropped.
	DefaultMaxRetries = 3
)

// PrefetchServiceConfig holds configuration for PrefetchService.
type PrefetchServiceConfig struct {
	// MaxRetries is the maximum number of retry attempts before a request is dropped.
	MaxRetries int
}

// DefaultPrefetchServiceConfig returns the default configuration.
func DefaultPrefetchServiceConfig() PrefetchServiceConfig {
	return PrefetchServiceConfig{
		MaxRetries: DefaultMaxRetries,
	}
}

// PrefetchService warms the cache asynchronously through the message queue.
type PrefetchService interface {
	// Enqueue validates rawURL and publishes a prefetch request for it.
	Enqueue(ctx context.Context, rawURL string) (*repository.PrefetchRequest, error)

	// ProcessRequest handles a prefetch request from the message queue.
	// Returns nil on success or when retrying cannot help.
	// Returns an error for retryable failures that should be redelivered.
	ProcessRequest(ctx context.Context, req repository.PrefetchRequest) error
}

type prefetchService struct {
	relay      RelayService
	queue      repository.MessageQueue
	maxRetries int
}

// NewPrefetchService creates a new PrefetchService.
// queue may be nil in a process that only consumes.
func NewPrefetchService(relay RelayService, queue repository.MessageQueue, cfg PrefetchServiceConfig) PrefetchService {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &prefetchService{
		relay:      relay,
		queue:      queue,
		maxRetries: cfg.MaxRetries,
	}
}

func (s *prefetchService) Enqueue(ctx context.Context, rawURL string) (*repository.PrefetchRequest, error) {
	if !classifier.IsSupported(rawURL) {
		return nil, model.NewFetchError(model.ErrUnsupportedPlatform, model.ContentRef{}, fmt.Errorf("cannot prefetch %q", rawURL))
	}
	if s.queue == nil {
		return nil, errors.New("prefetch queue not configured")
	}

	req := repository.PrefetchRequest{
		ID:          uuid.New(),
		URL:         rawURL,
		RequestedAt: time.Now().UTC(),
	}
	if err := s.queue.PublishPrefetch(ctx, req); err != nil {
		return nil, fmt.Errorf("publish prefetch request: %w", err)
	}

	return &req, nil
}

func (s *prefetchService) ProcessRequest(ctx context.Context, req repository.PrefetchRequest) error {
	result, err := s.relay.Obtain(ctx, req.URL)
	if err == nil {
		slog.Info("prefetch completed",
			"request_id", req.ID,
			"key", result.Entry.Key(),
			"cache_hit", result.CacheHit,
		)
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("prefetch %s interrupted: %w", req.ID, ctx.Err())
	}

	var fe *model.FetchError
	retryable := errors.As(err, &fe) && fe.Retryable()
	if !retryable {
		slog.Warn("prefetch failed permanently, dropping",
			"request_id", req.ID,
			"url", req.URL,
			"error", err,
		)
		return nil
	}

	if req.RetryCount+1 >= s.maxRetries {
		slog.Error("prefetch retries exhausted, dropping",
			"request_id", req.ID,
			"url", req.URL,
			"retry_count", req.RetryCount,
			"error", err,
		)
		return nil
	}

	return fmt.Errorf("prefetch %s: %w", req.ID, err)
}
