package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
)

// Fetch outcomes recorded in the fetch log.
const (
	OutcomeHit         = "hit"
	OutcomeFetched     = "fetched"
	OutcomeShared      = "shared"
	OutcomeUnsupported = "unsupported"
	OutcomeTransient   = "transient"
	OutcomePermanent   = "permanent"
	OutcomeTimeout     = "timeout"
	OutcomeStorage     = "storage"
	OutcomeCanceled    = "canceled"
)

// FetchRecord is one row of the fetch audit log.
type FetchRecord struct {
	ID          uuid.UUID
	URL         string
	Platform    model.Platform
	CanonicalID string
	Outcome     string
	Error       string
	Duration    time.Duration
	RequestedAt time.Time
}

// FetchLogRepository persists an audit trail of obtain requests.
type FetchLogRepository interface {
	// Record stores a single obtain outcome.
	Record(ctx context.Context, rec *FetchRecord) error

	// Recent returns the latest records for a content key, newest first.
	Recent(ctx context.Context, ref model.ContentRef, limit int) ([]*FetchRecord, error)
}
