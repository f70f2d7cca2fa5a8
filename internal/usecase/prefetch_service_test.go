package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
	"github.com/hszk-dev/vidrelay/internal/domain/repository"
)

func TestPrefetchService_Enqueue(t *testing.T) {
	var published []repository.PrefetchRequest
	queue := &mockMessageQueue{
		publishPrefetchFn: func(ctx context.Context, req repository.PrefetchRequest) error {
			published = append(published, req)
			return nil
		},
	}
	svc := NewPrefetchService(&mockRelayService{}, queue, DefaultPrefetchServiceConfig())

	req, err := svc.Enqueue(context.Background(), scenarioURL)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if req.ID == uuid.Nil {
		t.Error("request ID should be set")
	}
	if req.URL != scenarioURL {
		t.Errorf("URL = %q, want %q", req.URL, scenarioURL)
	}
	if req.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", req.RetryCount)
	}
	if len(published) != 1 || published[0].ID != req.ID {
		t.Errorf("published = %+v", published)
	}
}

func TestPrefetchService_Enqueue_ShortLink(t *testing.T) {
	svc := NewPrefetchService(&mockRelayService{}, &mockMessageQueue{}, DefaultPrefetchServiceConfig())

	if _, err := svc.Enqueue(context.Background(), "https://vm.tiktok.com/ZMabc123/"); err != nil {
		t.Errorf("short links should be accepted for prefetch: %v", err)
	}
}

func TestPrefetchService_Enqueue_Errors(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		queue   repository.MessageQueue
		wantErr error
	}{
		{
			name:    "unsupported url",
			url:     "https://example.com/watch?v=1",
			queue:   &mockMessageQueue{},
			wantErr: model.ErrUnsupportedPlatform,
		},
		{
			name:  "no queue",
			url:   scenarioURL,
			queue: nil,
		},
		{
			name: "publish fails",
			url:  scenarioURL,
			queue: &mockMessageQueue{
				publishPrefetchFn: func(context.Context, repository.PrefetchRequest) error {
					return errors.New("channel closed")
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewPrefetchService(&mockRelayService{}, tt.queue, DefaultPrefetchServiceConfig())

			_, err := svc.Enqueue(context.Background(), tt.url)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPrefetchService_ProcessRequest(t *testing.T) {
	ref := model.ContentRef{Platform: model.PlatformTikTok, CanonicalID: "123"}

	tests := []struct {
		name       string
		retryCount int
		obtainErr  error
		wantErr    bool
	}{
		{name: "success"},
		{
			name:      "transient failure is retried",
			obtainErr: model.NewFetchError(model.ErrFetchTransient, ref, errors.New("429")),
			wantErr:   true,
		},
		{
			name:      "timeout is retried",
			obtainErr: model.NewFetchError(model.ErrFetchTimeout, ref, context.DeadlineExceeded),
			wantErr:   true,
		},
		{
			name:      "storage failure is retried",
			obtainErr: model.NewFetchError(model.ErrStorage, ref, errors.New("disk full")),
			wantErr:   true,
		},
		{
			name:      "permanent failure is dropped",
			obtainErr: model.NewFetchError(model.ErrFetchPermanent, ref, errors.New("private")),
		},
		{
			name:      "unsupported is dropped",
			obtainErr: model.NewFetchError(model.ErrUnsupportedPlatform, model.ContentRef{}, nil),
		},
		{
			name:      "unclassified error is dropped",
			obtainErr: errors.New("boom"),
		},
		{
			name:       "retries exhausted",
			retryCount: DefaultMaxRetries - 1,
			obtainErr:  model.NewFetchError(model.ErrFetchTransient, ref, errors.New("429")),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotURL string
			relay := &mockRelayService{
				obtainFn: func(ctx context.Context, rawURL string) (*ObtainResult, error) {
					gotURL = rawURL
					if tt.obtainErr != nil {
						return nil, tt.obtainErr
					}
					return &ObtainResult{Entry: model.CacheEntry{Platform: ref.Platform, CanonicalID: ref.CanonicalID}}, nil
				},
			}
			svc := NewPrefetchService(relay, nil, DefaultPrefetchServiceConfig())

			err := svc.ProcessRequest(context.Background(), repository.PrefetchRequest{
				ID:         uuid.New(),
				URL:        scenarioURL,
				RetryCount: tt.retryCount,
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("ProcessRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, tt.obtainErr) {
				t.Errorf("returned error should wrap the fetch error, got %v", err)
			}
			if gotURL != scenarioURL {
				t.Errorf("relay got %q, want %q", gotURL, scenarioURL)
			}
		})
	}
}

func TestPrefetchService_ProcessRequest_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	relay := &mockRelayService{
		obtainFn: func(ctx context.Context, rawURL string) (*ObtainResult, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	svc := NewPrefetchService(relay, nil, DefaultPrefetchServiceConfig())

	err := svc.ProcessRequest(ctx, repository.PrefetchRequest{ID: uuid.New(), URL: scenarioURL})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("interrupted request should report cancellation, got %v", err)
	}
}
