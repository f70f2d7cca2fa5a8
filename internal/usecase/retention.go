package usecase

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
	"github.com/hszk-dev/vidrelay/internal/infrastructure/cache"
	"github.com/hszk-dev/vidrelay/internal/infrastructure/metrics"
)

const (
	// DefaultSweepInterval is how often the sweeper runs when scheduled.
	DefaultSweepInterval = time.Hour

	// DefaultOrphanGrace is how old an unindexed cache file must be before
	// it is reclaimed.
	DefaultOrphanGrace = time.Hour
)

// RetentionSweeperConfig holds configuration for RetentionSweeper.
type RetentionSweeperConfig struct {
	// TTL is the maximum age of an entry. Zero disables expiry sweeps.
	TTL time.Duration
	// MaxBytes bounds the total size of cached files. Zero means unbounded.
	MaxBytes int64
	// Interval is the period between scheduled sweeps.
	Interval time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// LogPruner, when set, drops fetch log records older than LogRetention.
	LogPruner    FetchLogPruner
	LogRetention time.Duration
	// OrphanGrace is the minimum age of an unindexed file before it is deleted.
	OrphanGrace time.Duration
	// ScratchDir holds per-fetch work directories. Entries older than
	// ScratchMaxAge were left by an interrupted fetch and are removed.
	ScratchDir    string
	ScratchMaxAge time.Duration
}

// FetchLogPruner deletes audit records older than a cutoff.
type FetchLogPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepReport summarizes one scheduled run.
type SweepReport struct {
	Expired     int
	Evicted     int
	Orphans     int   // unindexed cache files removed
	OrphanBytes int64 // bytes freed by removing them
	Scratch     int   // abandoned work directories removed
	Entries     int
	TotalBytes  int64
	Pruned      int64
	StartedAt   time.Time
	FinishedAt  time.Time
}

// RetentionSweeper removes expired entries and keeps the cache under its size bound.
type RetentionSweeper struct {
	store    cache.Store
	ttl      time.Duration
	maxBytes int64
	interval time.Duration
	now      func() time.Time

	logPruner    FetchLogPruner
	logRetention time.Duration

	orphanGrace   time.Duration
	scratchDir    string
	scratchMaxAge time.Duration

	// runMu serializes sweeps so scheduled, startup and on-demand runs never overlap.
	runMu sync.Mutex

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

// Compile-time verification that RetentionSweeper implements CapacityEnforcer.
var _ CapacityEnforcer = (*RetentionSweeper)(nil)

// NewRetentionSweeper creates a new RetentionSweeper.
func NewRetentionSweeper(store cache.Store, cfg RetentionSweeperConfig) *RetentionSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = DefaultOrphanGrace
	}
	if cfg.ScratchMaxAge <= 0 {
		cfg.ScratchMaxAge = 2 * DefaultFetchTimeout
	}
	return &RetentionSweeper{
		store:    store,
		ttl:      cfg.TTL,
		maxBytes: cfg.MaxBytes,
		interval: cfg.Interval,
		now:      cfg.Now,

		logPruner:    cfg.LogPruner,
		logRetention: cfg.LogRetention,

		orphanGrace:   cfg.OrphanGrace,
		scratchDir:    cfg.ScratchDir,
		scratchMaxAge: cfg.ScratchMaxAge,
	}
}

// Sweep removes every entry strictly older than the TTL at now and returns
// the number removed. An entry replaced by a fresh fetch while the sweep
// runs is kept.
func (s *RetentionSweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	return s.sweep(ctx, now)
}

func (s *RetentionSweeper) sweep(ctx context.Context, now time.Time) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}

	entries, err := s.store.AllEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.IsExpired(now, s.ttl) {
			continue
		}

		ok, err := s.store.RemoveIf(ctx, e.Ref(), func(current model.CacheEntry) bool {
			return current.IsExpired(now, s.ttl)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", e.Key(), err))
			continue
		}
		if ok {
			removed++
			metrics.SweepRemovalsTotal.WithLabelValues(metrics.SweepReasonExpired).Inc()
		}
	}

	return removed, errors.Join(errs...)
}

// EnforceCapacity evicts the oldest entries until the total size fits
// MaxBytes. Entries in keep are never evicted.
func (s *RetentionSweeper) EnforceCapacity(ctx context.Context, keep ...model.ContentRef) (int, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	return s.enforceCapacity(ctx, keep)
}

func (s *RetentionSweeper) enforceCapacity(ctx context.Context, keep []model.ContentRef) (int, error) {
	if s.maxBytes <= 0 {
		return 0, nil
	}

	entries, err := s.store.AllEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}

	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	if total <= s.maxBytes {
		return 0, nil
	}

	protected := make(map[string]struct{}, len(keep))
	for _, ref := range keep {
		protected[ref.Key()] = struct{}{}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FetchedAt.Before(entries[j].FetchedAt)
	})

	var (
		evicted int
		errs    []error
	)
	for _, e := range entries {
		if total <= s.maxBytes {
			break
		}
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		if _, ok := protected[e.Key()]; ok {
			continue
		}

		fetchedAt := e.FetchedAt
		ok, err := s.store.RemoveIf(ctx, e.Ref(), func(current model.CacheEntry) bool {
			return current.FetchedAt.Equal(fetchedAt)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("evict %s: %w", e.Key(), err))
			continue
		}
		if ok {
			evicted++
			total -= e.SizeBytes
			metrics.SweepRemovalsTotal.WithLabelValues(metrics.SweepReasonCapacity).Inc()
		}
	}

	if evicted > 0 {
		slog.Info("cache capacity enforced",
			"evicted", evicted,
			"total", humanize.Bytes(uint64(max(total, 0))),
			"limit", humanize.Bytes(uint64(s.maxBytes)),
		)
	}

	return evicted, errors.Join(errs...)
}

// reclaimScratch removes work directories older than scratchMaxAge.
func (s *RetentionSweeper) reclaimScratch(now time.Time) (int, error) {
	if s.scratchDir == "" {
		return 0, nil
	}

	dirents, err := os.ReadDir(s.scratchDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read scratch directory: %w", err)
	}

	cutoff := now.Add(-s.scratchMaxAge)
	var (
		removed int
		errs    []error
	)
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.scratchDir, de.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		removed++
		metrics.SweepRemovalsTotal.WithLabelValues(metrics.SweepReasonScratch).Inc()
		slog.Info("removed abandoned work directory",
			"path", path,
		)
	}

	return removed, errors.Join(errs...)
}

// RunOnce performs an expiry sweep, reclaims unindexed files and abandoned
// work directories, enforces capacity and refreshes the cache gauges.
func (s *RetentionSweeper) RunOnce(ctx context.Context) (*SweepReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	report := &SweepReport{StartedAt: s.now()}

	expired, sweepErr := s.sweep(ctx, report.StartedAt)
	report.Expired = expired

	orphans, orphanErr := s.store.ReclaimOrphans(ctx, report.StartedAt.Add(-s.orphanGrace))
	report.Orphans, report.OrphanBytes = orphans.Files, orphans.Bytes
	if orphanErr != nil {
		orphanErr = fmt.Errorf("reclaim orphans: %w", orphanErr)
	}
	metrics.SweepRemovalsTotal.WithLabelValues(metrics.SweepReasonOrphan).Add(float64(orphans.Files))

	scratch, scratchErr := s.reclaimScratch(report.StartedAt)
	report.Scratch = scratch

	evicted, capErr := s.enforceCapacity(ctx, nil)
	report.Evicted = evicted

	var pruneErr error
	if s.logPruner != nil && s.logRetention > 0 {
		report.Pruned, pruneErr = s.logPruner.PruneBefore(ctx, report.StartedAt.Add(-s.logRetention))
		if pruneErr != nil {
			pruneErr = fmt.Errorf("prune fetch log: %w", pruneErr)
		}
	}

	if entries, err := s.store.AllEntries(ctx); err == nil {
		report.Entries = len(entries)
		for _, e := range entries {
			report.TotalBytes += e.SizeBytes
		}
		metrics.CacheEntries.Set(float64(report.Entries))
		metrics.CacheBytes.Set(float64(report.TotalBytes))
	}

	report.FinishedAt = s.now()
	return report, errors.Join(sweepErr, orphanErr, scratchErr, capErr, pruneErr)
}

// Start runs one sweep immediately and then schedules one every Interval.
// The scheduled runs use ctx; they stop when Stop is called.
func (s *RetentionSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("retention sweeper already started")
	}

	s.runAndLog(ctx)

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	spec := "@every " + s.interval.String()
	id, err := c.AddFunc(spec, func() { s.runAndLog(ctx) })
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}

	c.Start()
	s.cron = c
	s.entryID = id

	slog.Info("retention sweeper started",
		"interval", s.interval,
		"ttl", s.ttl,
		"max_bytes", s.maxBytes,
	)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to end.
func (s *RetentionSweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextRun returns when the next scheduled sweep is due, or the zero time
// when the sweeper is not running.
func (s *RetentionSweeper) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

func (s *RetentionSweeper) runAndLog(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		slog.Error("retention sweep failed",
			"error", err,
		)
	}
	slog.Info("retention sweep finished",
		"expired", report.Expired,
		"evicted", report.Evicted,
		"orphans", report.Orphans,
		"orphan_size", humanize.Bytes(uint64(report.OrphanBytes)),
		"scratch_dirs", report.Scratch,
		"entries", report.Entries,
		"pruned_records", report.Pruned,
		"size", humanize.Bytes(uint64(report.TotalBytes)),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
}
