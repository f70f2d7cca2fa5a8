package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hszk-dev/vidrelay/internal/classifier"
	"github.com/hszk-dev/vidrelay/internal/domain/model"
	"github.com/hszk-dev/vidrelay/internal/domain/repository"
	"github.com/hszk-dev/vidrelay/internal/infrastructure/cache"
	"github.com/hszk-dev/vidrelay/internal/infrastructure/metrics"
	"github.com/hszk-dev/vidrelay/internal/mediaprobe"
)

const (
	// DefaultFetchTimeout bounds a single fetcher invocation.
	DefaultFetchTimeout = 300 * time.Second

	fetchLogTimeout = 5 * time.Second
)

// RelayServiceConfig holds configuration for RelayService.
type RelayServiceConfig struct {
	// FetchTimeout bounds each fetcher invocation, independent of callers.
	FetchTimeout time.Duration
	// WorkDir is where per-fetch scratch directories are created.
	// It should live on the same filesystem as the cache root so that
	// publishing is a rename.
	WorkDir string
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultRelayServiceConfig returns the default configuration.
func DefaultRelayServiceConfig() RelayServiceConfig {
	return RelayServiceConfig{
		FetchTimeout: DefaultFetchTimeout,
		WorkDir:      os.TempDir(),
	}
}

// RelayDependencies are the collaborators of RelayService.
// Store and Fetchers are required; the rest may be nil.
type RelayDependencies struct {
	Store    cache.Store
	Fetchers map[model.Platform]repository.Fetcher
	Resolver repository.LinkResolver
	Prober   mediaprobe.Prober
	FetchLog repository.FetchLogRepository
	Capacity CapacityEnforcer
}

// CapacityEnforcer keeps the cache under its size bound.
type CapacityEnforcer interface {
	// EnforceCapacity evicts entries until the cache fits its bound.
	// Entries listed in keep are never evicted.
	EnforceCapacity(ctx context.Context, keep ...model.ContentRef) (int, error)
}

// ObtainResult is the outcome of a successful Obtain.
type ObtainResult struct {
	Entry model.CacheEntry
	// CacheHit is true when no fetch was needed.
	CacheHit bool
	// Shared is true when the result came from a fetch started for several callers.
	Shared bool
}

// RelayService turns video URLs into locally cached files.
type RelayService interface {
	// Obtain returns a cached file for rawURL, fetching it on a miss.
	// Concurrent calls for the same content share one fetch.
	// Errors carry one of the model failure kinds (see model.KindOf).
	Obtain(ctx context.Context, rawURL string) (*ObtainResult, error)

	// Resolve classifies rawURL, following short links when needed.
	Resolve(ctx context.Context, rawURL string) (model.ContentRef, string, error)
}

type relayService struct {
	store    cache.Store
	fetchers map[model.Platform]repository.Fetcher
	resolver repository.LinkResolver
	prober   mediaprobe.Prober
	fetchLog repository.FetchLogRepository
	capacity CapacityEnforcer
	sfGroup  singleflight.Group

	fetchTimeout time.Duration
	workDir      string
	now          func() time.Time
}

// NewRelayService creates a new RelayService.
func NewRelayService(deps RelayDependencies, cfg RelayServiceConfig) (RelayService, error) {
	if deps.Store == nil {
		return nil, errors.New("relay service requires a cache store")
	}
	if len(deps.Fetchers) == 0 {
		return nil, errors.New("relay service requires at least one fetcher")
	}

	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	fetchers := make(map[model.Platform]repository.Fetcher, len(deps.Fetchers))
	for p, f := range deps.Fetchers {
		if f != nil {
			fetchers[p] = f
		}
	}

	return &relayService{
		store:        deps.Store,
		fetchers:     fetchers,
		resolver:     deps.Resolver,
		prober:       deps.Prober,
		fetchLog:     deps.FetchLog,
		capacity:     deps.Capacity,
		fetchTimeout: cfg.FetchTimeout,
		workDir:      cfg.WorkDir,
		now:          cfg.Now,
	}, nil
}

// Obtain implements the cache-aside flow with a per-key single flight.
func (s *relayService) Obtain(ctx context.Context, rawURL string) (*ObtainResult, error) {
	start := s.now()

	ref, target, err := s.Resolve(ctx, rawURL)
	if err != nil {
		s.record(ctx, rawURL, ref, start, nil, err)
		return nil, err
	}

	entry, err := s.store.Lookup(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("cache lookup failed, fetching",
			"key", ref.Key(),
			"error", err,
		)
	}
	if entry != nil {
		result := &ObtainResult{Entry: *entry, CacheHit: true}
		s.record(ctx, rawURL, ref, start, result, nil)
		return result, nil
	}

	// The flight runs on a context detached from this caller so that one
	// caller giving up does not fail the others waiting on the same key.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.sfGroup.DoChan(ref.Key(), func() (any, error) {
		return s.fetchAndStore(flightCtx, ref, target)
	})

	select {
	case <-ctx.Done():
		s.record(ctx, rawURL, ref, start, nil, ctx.Err())
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightShared).Inc()
		} else {
			metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightInitiated).Inc()
		}

		if res.Err != nil {
			s.record(ctx, rawURL, ref, start, nil, res.Err)
			return nil, res.Err
		}

		result := *res.Val.(*ObtainResult)
		result.Shared = res.Shared
		s.record(ctx, rawURL, ref, start, &result, nil)
		return &result, nil
	}
}

// Resolve classifies rawURL and returns the reference together with the
// URL that should be handed to the fetcher.
func (s *relayService) Resolve(ctx context.Context, rawURL string) (model.ContentRef, string, error) {
	ref, err := classifier.Classify(rawURL)
	target := rawURL

	if errors.Is(err, classifier.ErrNeedsResolution) {
		if s.resolver == nil {
			return model.ContentRef{}, "", model.NewFetchError(model.ErrUnsupportedPlatform, model.ContentRef{}, err)
		}

		resolved, rerr := s.resolver.Resolve(ctx, rawURL)
		if rerr != nil {
			return model.ContentRef{}, "", model.NewFetchError(failureKind(ctx, rerr), model.ContentRef{}, rerr)
		}

		ref, err = classifier.Classify(resolved)
		if errors.Is(err, classifier.ErrNeedsResolution) {
			err = fmt.Errorf("%w: short link resolved to another short link", model.ErrUnsupportedPlatform)
		}
		target = resolved
	}
	if err != nil {
		return model.ContentRef{}, "", model.NewFetchError(model.ErrUnsupportedPlatform, model.ContentRef{}, err)
	}

	if _, ok := s.fetchers[ref.Platform]; !ok {
		return ref, "", model.NewFetchError(model.ErrUnsupportedPlatform, ref, errors.New("no fetcher bound to platform"))
	}

	return ref, target, nil
}

// fetchAndStore runs once per key at a time. It re-checks the cache because a
// flight for the same key may have published just before this one started.
func (s *relayService) fetchAndStore(ctx context.Context, ref model.ContentRef, target string) (*ObtainResult, error) {
	if entry, err := s.store.Lookup(ctx, ref); err == nil && entry != nil {
		return &ObtainResult{Entry: *entry, CacheHit: true}, nil
	}

	workDir, err := os.MkdirTemp(s.workDir, ref.Platform.String()+"-*")
	if err != nil {
		metrics.FetchesTotal.WithLabelValues(ref.Platform.String(), metrics.FetchOutcomeStorage).Inc()
		return nil, model.NewFetchError(model.ErrStorage, ref, fmt.Errorf("create work directory: %w", err))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	// The fetcher may ignore its context, so the deadline is enforced here.
	// A fetch abandoned on timeout removes its own work directory once it
	// finally returns.
	done := make(chan fetchOutcome, 1)
	started := time.Now()
	go func() {
		path, err := s.fetch(fetchCtx, ref, target, workDir)
		done <- fetchOutcome{path: path, err: err}
	}()

	var out fetchOutcome
	select {
	case out = <-done:
	case <-fetchCtx.Done():
		select {
		case out = <-done:
		default:
			go s.reapAbandoned(ref, workDir, started, done)
			metrics.FetchesTotal.WithLabelValues(ref.Platform.String(), metrics.FetchOutcomeTimeout).Inc()
			slog.Warn("fetch abandoned after timeout",
				"key", ref.Key(),
				"timeout", s.fetchTimeout,
			)
			return nil, model.NewFetchError(model.ErrFetchTimeout, ref,
				fmt.Errorf("fetcher did not return within %s: %w", s.fetchTimeout, fetchCtx.Err()))
		}
	}
	defer s.cleanup(workDir)

	if out.err != nil {
		metrics.FetchesTotal.WithLabelValues(ref.Platform.String(), outcomeLabel(model.KindOf(out.err))).Inc()
		return nil, out.err
	}
	path := out.path

	entry, err := s.store.Put(ctx, cache.PutInput{
		Ref:        ref,
		SourcePath: path,
		FetchedAt:  s.now(),
	})
	if err != nil {
		kind := model.ErrStorage
		if errors.Is(err, model.ErrEmptyFile) {
			kind = model.ErrFetchTransient
		}
		metrics.FetchesTotal.WithLabelValues(ref.Platform.String(), outcomeLabel(kind)).Inc()
		return nil, model.NewFetchError(kind, ref, err)
	}

	metrics.FetchesTotal.WithLabelValues(ref.Platform.String(), metrics.FetchOutcomeSuccess).Inc()
	slog.Info("video cached",
		"key", ref.Key(),
		"size_bytes", entry.SizeBytes,
	)

	if s.capacity != nil {
		if _, err := s.capacity.EnforceCapacity(ctx, ref); err != nil {
			slog.Warn("capacity enforcement failed",
				"key", ref.Key(),
				"error", err,
			)
		}
	}

	return &ObtainResult{Entry: *entry}, nil
}

type fetchOutcome struct {
	path string
	err  error
}

// reapAbandoned waits for a fetch that outlived its deadline and removes
// whatever it left behind.
func (s *relayService) reapAbandoned(ref model.ContentRef, workDir string, started time.Time, done <-chan fetchOutcome) {
	out := <-done
	s.cleanup(workDir)
	slog.Warn("abandoned fetch returned",
		"key", ref.Key(),
		"elapsed", time.Since(started),
		"error", out.err,
	)
}

// fetch invokes the platform fetcher and validates what it produced.
// Every error it returns is a *model.FetchError.
func (s *relayService) fetch(ctx context.Context, ref model.ContentRef, target, workDir string) (string, error) {
	fetcher := s.fetchers[ref.Platform]

	start := time.Now()
	res, err := fetcher.Fetch(ctx, repository.FetchRequest{
		Ref:     ref,
		URL:     target,
		WorkDir: workDir,
	})
	metrics.FetchDuration.WithLabelValues(ref.Platform.String()).Observe(time.Since(start).Seconds())

	if err == nil && (res == nil || res.FilePath == "") {
		err = fmt.Errorf("%w: fetcher returned no file", model.ErrEmptyFile)
	}
	if err == nil {
		err = checkFile(res.FilePath)
	}
	if err == nil && s.prober != nil {
		if _, perr := s.prober.Probe(ctx, res.FilePath); perr != nil {
			err = fmt.Errorf("probe downloaded file: %w", perr)
		}
	}

	if err != nil {
		var fe *model.FetchError
		if errors.As(err, &fe) && fe.Kind != nil && fe.Ref == ref {
			return "", fe
		}

		kind := failureKind(ctx, err)
		slog.Warn("fetch failed",
			"key", ref.Key(),
			"kind", kind,
			"error", err,
		)
		return "", model.NewFetchError(kind, ref, err)
	}

	return res.FilePath, nil
}

// checkFile rejects missing or zero-byte fetcher output before it reaches the store.
func checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrEmptyFile, err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return fmt.Errorf("%w: %s", model.ErrEmptyFile, path)
	}
	return nil
}

// failureKind classifies a fetch failure. Errors that carry no kind are
// transient; a blown deadline is a timeout whatever the fetcher reported.
func failureKind(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return model.ErrFetchTimeout
	}
	if kind := model.KindOf(err); kind != nil {
		return kind
	}
	return model.ErrFetchTransient
}

func outcomeLabel(kind error) string {
	switch {
	case errors.Is(kind, model.ErrFetchPermanent):
		return metrics.FetchOutcomePermanent
	case errors.Is(kind, model.ErrFetchTimeout):
		return metrics.FetchOutcomeTimeout
	case errors.Is(kind, model.ErrStorage):
		return metrics.FetchOutcomeStorage
	default:
		return metrics.FetchOutcomeTransient
	}
}

func (s *relayService) cleanup(workDir string) {
	if err := os.RemoveAll(workDir); err != nil {
		slog.Warn("failed to remove work directory",
			"path", workDir,
			"error", err,
		)
	}
}

// record appends an audit row. Failures are logged and otherwise ignored.
func (s *relayService) record(ctx context.Context, rawURL string, ref model.ContentRef, start time.Time, result *ObtainResult, err error) {
	if s.fetchLog == nil {
		return
	}

	rec := &repository.FetchRecord{
		ID:          uuid.New(),
		URL:         rawURL,
		Platform:    ref.Platform,
		CanonicalID: ref.CanonicalID,
		Outcome:     recordOutcome(result, err),
		Duration:    s.now().Sub(start),
		RequestedAt: start,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchLogTimeout)
	defer cancel()

	if err := s.fetchLog.Record(logCtx, rec); err != nil {
		slog.Warn("failed to record fetch log",
			"url", rawURL,
			"error", err,
		)
	}
}

func recordOutcome(result *ObtainResult, err error) string {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return repository.OutcomeCanceled
		}
		switch model.KindOf(err) {
		case model.ErrUnsupportedPlatform:
			return repository.OutcomeUnsupported
		case model.ErrFetchPermanent:
			return repository.OutcomePermanent
		case model.ErrFetchTimeout:
			return repository.OutcomeTimeout
		case model.ErrStorage:
			return repository.OutcomeStorage
		default:
			if errors.Is(err, context.DeadlineExceeded) {
				return repository.OutcomeTimeout
			}
			return repository.OutcomeTransient
		}
	}

	switch {
	case result.CacheHit:
		return repository.OutcomeHit
	case result.Shared:
		return repository.OutcomeShared
	default:
		return repository.OutcomeFetched
	}
}
