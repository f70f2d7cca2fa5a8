package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
	"github.com/hszk-dev/vidrelay/internal/domain/repository"
)

// DefaultRecentLimit caps Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 20

// DBTX is an interface that abstracts pgxpool.Pool and pgx.Tx for testability.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const createFetchLogTable = `
	CREATE TABLE IF NOT EXISTS fetch_log (
		id           UUID PRIMARY KEY,
		url          TEXT NOT NULL,
		platform     TEXT NOT NULL DEFAULT '',
		canonical_id TEXT NOT NULL DEFAULT '',
		outcome      TEXT NOT NULL,
		error        TEXT,
		duration_ms  BIGINT NOT NULL,
		requested_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS fetch_log_key_idx ON fetch_log (platform, canonical_id, requested_at DESC);
`

// FetchLogRepository implements repository.FetchLogRepository using PostgreSQL.
type FetchLogRepository struct {
	db DBTX
}

// NewFetchLogRepository creates a new FetchLogRepository instance.
func NewFetchLogRepository(db DBTX) *FetchLogRepository {
	return &FetchLogRepository{db: db}
}

// EnsureSchema creates the fetch_log table and its index when missing.
func (r *FetchLogRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, createFetchLogTable); err != nil {
		return fmt.Errorf("failed to create fetch_log table: %w", err)
	}
	return nil
}

// Record persists a single obtain outcome.
func (r *FetchLogRepository) Record(ctx context.Context, rec *repository.FetchRecord) error {
	const query = `
		INSERT INTO fetch_log (id, url, platform, canonical_id, outcome, error, duration_ms, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Exec(ctx, query,
		rec.ID,
		rec.URL,
		rec.Platform.String(),
		rec.CanonicalID,
		rec.Outcome,
		nullString(rec.Error),
		rec.Duration.Milliseconds(),
		rec.RequestedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrDuplicateRecord
		}
		return fmt.Errorf("failed to record fetch: %w", err)
	}

	return nil
}

// Recent returns the latest records for ref, newest first.
func (r *FetchLogRepository) Recent(ctx context.Context, ref model.ContentRef, limit int) ([]*repository.FetchRecord, error) {
	const query = `
		SELECT id, url, platform, canonical_id, outcome, error, duration_ms, requested_at
		FROM fetch_log
		WHERE platform = $1 AND canonical_id = $2
		ORDER BY requested_at DESC
		LIMIT $3
	`

	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := r.db.Query(ctx, query, ref.Platform.String(), ref.CanonicalID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fetch log: %w", err)
	}
	defer rows.Close()

	var records []*repository.FetchRecord
	for rows.Next() {
		rec, err := scanFetchRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fetch record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fetch log: %w", err)
	}

	return records, nil
}

// PruneBefore deletes records requested before cutoff and returns how many were removed.
func (r *FetchLogRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM fetch_log WHERE requested_at < $1`

	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune fetch log: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanFetchRecord(row pgx.Row) (*repository.FetchRecord, error) {
	var (
		rec        repository.FetchRecord
		platform   string
		errMsg     *string
		durationMS int64
	)

	err := row.Scan(
		&rec.ID,
		&rec.URL,
		&platform,
		&rec.CanonicalID,
		&rec.Outcome,
		&errMsg,
		&durationMS,
		&rec.RequestedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Platform = model.Platform(platform)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	if errMsg != nil {
		rec.Error = *errMsg
	}

	return &rec, nil
}

// nullString returns nil for empty strings, otherwise returns a pointer to the string.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Compile-time verification that FetchLogRepository implements repository.FetchLogRepository.
var _ repository.FetchLogRepository = (*FetchLogRepository)(nil)
