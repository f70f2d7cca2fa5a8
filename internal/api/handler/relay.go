package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
	"github.com/hszk-dev/vidrelay/internal/domain/repository"
	"github.com/hszk-dev/vidrelay/internal/infrastructure/cache"
	"github.com/hszk-dev/vidrelay/internal/usecase"
)

// Cache status values of the X-Cache response header.
const (
	cacheHit  = "HIT"
	cacheMiss = "MISS"
)

// Request/Response types

type ObtainRequest struct {
	URL string `json:"url"`
}

type EntryResponse struct {
	Key         string `json:"key"`
	Platform    string `json:"platform"`
	CanonicalID string `json:"canonical_id"`
	FilePath    string `json:"file_path"`
	SizeBytes   int64  `json:"size_bytes"`
	FetchedAt   string `json:"fetched_at"`
	AgeSeconds  int64  `json:"age_seconds"`
}

type ObtainResponse struct {
	EntryResponse
	CacheHit       bool   `json:"cache_hit"`
	Shared         bool   `json:"shared"`
	ShareURL       string `json:"share_url,omitempty"`
	ShareExpiresAt string `json:"share_expires_at,omitempty"`
}

type PrefetchResponse struct {
	RequestID string `json:"request_id"`
	URL       string `json:"url"`
}

type ListEntriesResponse struct {
	Entries    []EntryResponse `json:"entries"`
	TotalBytes int64           `json:"total_bytes"`
}

type SweepResponse struct {
	Expired     int    `json:"expired"`
	Evicted     int    `json:"evicted"`
	Orphans     int    `json:"orphans"`
	OrphanBytes int64  `json:"orphan_bytes"`
	Scratch     int    `json:"scratch_dirs"`
	Pruned      int64  `json:"pruned_records"`
	Entries     int    `json:"entries"`
	TotalBytes  int64  `json:"total_bytes"`
	StartedAt   string `json:"started_at"`
	DurationMS  int64  `json:"duration_ms"`
}

type FetchRecordResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	RequestedAt string `json:"requested_at"`
}

// Sweeper runs one retention pass on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (*usecase.SweepReport, error)
}

// RelayDependencies holds what RelayHandler serves. Only Relay and Store are
// required; the other features answer 503 when absent.
type RelayDependencies struct {
	Relay    usecase.RelayService
	Store    cache.Store
	Prefetch usecase.PrefetchService
	Share    usecase.ShareService
	Sweeper  Sweeper
	FetchLog repository.FetchLogRepository
	Now      func() time.Time
}

// RelayHandler handles video relay HTTP requests.
type RelayHandler struct {
	relay    usecase.RelayService
	store    cache.Store
	prefetch usecase.PrefetchService
	share    usecase.ShareService
	sweeper  Sweeper
	fetchLog repository.FetchLogRepository
	now      func() time.Time
}

// NewRelayHandler creates a new RelayHandler.
func NewRelayHandler(deps RelayDependencies) *RelayHandler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &RelayHandler{
		relay:    deps.Relay,
		store:    deps.Store,
		prefetch: deps.Prefetch,
		share:    deps.Share,
		sweeper:  deps.Sweeper,
		fetchLog: deps.FetchLog,
		now:      deps.Now,
	}
}

// Routes mounts the relay endpoints on r.
func (h *RelayHandler) Routes(r chi.Router) {
	r.Post("/obtain", h.Obtain)
	r.Post("/prefetch", h.Prefetch)
	r.Post("/sweep", h.Sweep)
	r.Get("/entries", h.ListEntries)
	r.Route("/entries/{platform}/{id}", func(r chi.Router) {
		r.Delete("/", h.DeleteEntry)
		r.Get("/file", h.ServeFile)
		r.Get("/history", h.History)
	})
}

// Obtain handles POST /v1/obtain
func (h *RelayHandler) Obtain(w http.ResponseWriter, r *http.Request) {
	var req ObtainRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.URL == "" {
		Error(w, http.StatusBadRequest, "invalid_url", "URL is required")
		return
	}

	result, err := h.relay.Obtain(r.Context(), req.URL)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	resp := ObtainResponse{
		EntryResponse: h.toEntryResponse(result.Entry),
		CacheHit:      result.CacheHit,
		Shared:        result.Shared,
	}

	if h.share != nil && h.share.NeedsLink(result.Entry) {
		link, err := h.share.Share(r.Context(), result.Entry)
		if err != nil {
			// The local file is still valid; the caller can fall back to it.
			slog.Warn("failed to create share link",
				"key", result.Entry.Key(),
				"error", err,
			)
		} else {
			resp.ShareURL = link.URL
			resp.ShareExpiresAt = formatTime(link.ExpiresAt)
		}
	}

	if result.CacheHit {
		w.Header().Set("X-Cache", cacheHit)
	} else {
		w.Header().Set("X-Cache", cacheMiss)
	}
	JSON(w, http.StatusOK, resp)
}

// Prefetch handles POST /v1/prefetch
func (h *RelayHandler) Prefetch(w http.ResponseWriter, r *http.Request) {
	if h.prefetch == nil {
		Error(w, http.StatusServiceUnavailable, "prefetch_disabled", "Prefetch queue is not configured")
		return
	}

	var req ObtainRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.URL == "" {
		Error(w, http.StatusBadRequest, "invalid_url", "URL is required")
		return
	}

	queued, err := h.prefetch.Enqueue(r.Context(), req.URL)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	JSON(w, http.StatusAccepted, PrefetchResponse{
		RequestID: queued.ID.String(),
		URL:       queued.URL,
	})
}

// ListEntries handles GET /v1/entries
func (h *RelayHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.AllEntries(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key() < entries[j].Key()
	})

	resp := ListEntriesResponse{Entries: make([]EntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, h.toEntryResponse(e))
		resp.TotalBytes += e.SizeBytes
	}

	JSON(w, http.StatusOK, resp)
}

// DeleteEntry handles DELETE /v1/entries/{platform}/{id}
func (h *RelayHandler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	ref, ok := refFromPath(w, r)
	if !ok {
		return
	}

	if err := h.store.Remove(r.Context(), ref); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ServeFile handles GET /v1/entries/{platform}/{id}/file
func (h *RelayHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	ref, ok := refFromPath(w, r)
	if !ok {
		return
	}

	entry, err := h.store.Lookup(r.Context(), ref)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if entry == nil {
		Error(w, http.StatusNotFound, "entry_not_found", "No cached video for this key")
		return
	}

	w.Header().Set("X-Cache", cacheHit)
	http.ServeFile(w, r, entry.FilePath)
}

// History handles GET /v1/entries/{platform}/{id}/history
func (h *RelayHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.fetchLog == nil {
		Error(w, http.StatusServiceUnavailable, "fetch_log_disabled", "Fetch log is not configured")
		return
	}

	ref, ok := refFromPath(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			Error(w, http.StatusBadRequest, "invalid_limit", "Limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.fetchLog.Recent(r.Context(), ref, limit)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	resp := make([]FetchRecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, FetchRecordResponse{
			ID:          rec.ID.String(),
			URL:         rec.URL,
			Outcome:     rec.Outcome,
			Error:       rec.Error,
			DurationMS:  rec.Duration.Milliseconds(),
			RequestedAt: formatTime(rec.RequestedAt),
		})
	}

	JSON(w, http.StatusOK, resp)
}

// Sweep handles POST /v1/sweep
func (h *RelayHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		Error(w, http.StatusServiceUnavailable, "sweeper_disabled", "Retention sweeper is not configured")
		return
	}

	report, err := h.sweeper.RunOnce(r.Context())
	if report == nil {
		h.handleServiceError(w, r, err)
		return
	}
	if err != nil {
		slog.Warn("sweep completed with errors",
			"error", err,
		)
	}

	JSON(w, http.StatusOK, SweepResponse{
		Expired:     report.Expired,
		Evicted:     report.Evicted,
		Orphans:     report.Orphans,
		OrphanBytes: report.OrphanBytes,
		Scratch:     report.Scratch,
		Pruned:      report.Pruned,
		Entries:     report.Entries,
		TotalBytes:  report.TotalBytes,
		StartedAt:   formatTime(report.StartedAt),
		DurationMS:  report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	})
}

func (h *RelayHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		// The client is gone; nothing useful can be written.
		return
	case errors.Is(err, model.ErrUnsupportedPlatform):
		Error(w, http.StatusUnprocessableEntity, "unsupported_url", "URL is not a supported video link")
	case errors.Is(err, model.ErrFetchTimeout), errors.Is(err, context.DeadlineExceeded):
		Error(w, http.StatusGatewayTimeout, "fetch_timeout", "Timed out fetching the video")
	case errors.Is(err, model.ErrFetchPermanent):
		Error(w, http.StatusBadGateway, "fetch_failed", "The video is unavailable")
	case errors.Is(err, model.ErrFetchTransient):
		w.Header().Set("Retry-After", "30")
		Error(w, http.StatusServiceUnavailable, "fetch_unavailable", "Fetching the video failed, try again later")
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		Error(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}

func (h *RelayHandler) toEntryResponse(e model.CacheEntry) EntryResponse {
	return EntryResponse{
		Key:         e.Key(),
		Platform:    e.Platform.String(),
		CanonicalID: e.CanonicalID,
		FilePath:    e.FilePath,
		SizeBytes:   e.SizeBytes,
		FetchedAt:   formatTime(e.FetchedAt),
		AgeSeconds:  int64(e.Age(h.now()).Seconds()),
	}
}

func refFromPath(w http.ResponseWriter, r *http.Request) (model.ContentRef, bool) {
	platform := model.Platform(chi.URLParam(r, "platform"))
	if !platform.IsValid() {
		Error(w, http.StatusBadRequest, "invalid_platform", "Unknown platform")
		return model.ContentRef{}, false
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		Error(w, http.StatusBadRequest, "invalid_id", "Canonical ID is required")
		return model.ContentRef{}, false
	}

	return model.ContentRef{Platform: platform, CanonicalID: id}, true
}
