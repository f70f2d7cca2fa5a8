package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PrefetchRequest asks a worker to warm the cache for a URL.
type PrefetchRequest struct {
	ID          uuid.UUID `json:"id"`
	URL         string    `json:"url"`
	RequestedAt time.Time `json:"requested_at"`
	RetryCount  int       `json:"retry_count"`
}

// MessageQueue defines the interface for message queue operations.
// Implementations should be provided by the infrastructure layer (e.g., RabbitMQ).
type MessageQueue interface {
	// PublishPrefetch sends a prefetch request to the queue.
	// Used by the API server to warm the cache ahead of a user request.
	PublishPrefetch(ctx context.Context, req PrefetchRequest) error

	// ConsumePrefetch starts consuming prefetch requests from the queue.
	// The handler function is called for each received request.
	// Used by the worker service.
	ConsumePrefetch(ctx context.Context, handler func(req PrefetchRequest) error) error

	// Close gracefully closes the connection to the message queue.
	Close() error
}
