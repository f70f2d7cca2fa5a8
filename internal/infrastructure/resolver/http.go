// Package resolver expands platform short links by following HTTP redirects.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
	"github.com/hszk-dev/vidrelay/internal/domain/repository"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxRedirects = 10
	defaultUserAgent    = "Mozilla/5.0 (compatible; vidrelay/1.0)"
)

// Config holds configuration for the HTTP resolver.
type Config struct {
	// Timeout bounds a single resolution including all redirects.
	Timeout time.Duration
	// MaxRedirects is the maximum number of redirects followed.
	MaxRedirects int
	// UserAgent is sent with every request. Some platforms reject empty agents.
	UserAgent string
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:      defaultTimeout,
		MaxRedirects: defaultMaxRedirects,
		UserAgent:    defaultUserAgent,
	}
}

// HTTPResolver implements repository.LinkResolver with a HEAD request that
// follows redirects, falling back to GET for servers that refuse HEAD.
type HTTPResolver struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
}

// Compile-time verification that HTTPResolver implements LinkResolver.
var _ repository.LinkResolver = (*HTTPResolver)(nil)

// NewHTTPResolver creates a resolver. A nil client selects a dedicated one.
func NewHTTPResolver(cfg Config, client *http.Client) *HTTPResolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	if client == nil {
		client = &http.Client{}
	}
	c := *client
	maxRedirects := cfg.MaxRedirects
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}

	return &HTTPResolver{
		client:    &c,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
	}
}

// Resolve returns the final URL rawURL redirects to.
func (r *HTTPResolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	target := strings.TrimSpace(rawURL)
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}
	if _, err := url.ParseRequestURI(target); err != nil {
		return "", fmt.Errorf("%w: invalid short link: %v", model.ErrFetchPermanent, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	final, status, err := r.follow(ctx, http.MethodHead, target)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		final, status, err = r.follow(ctx, http.MethodGet, target)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: resolve %s: %v", model.ErrFetchTimeout, target, err)
		}
		return "", fmt.Errorf("%w: resolve %s: %v", model.ErrFetchTransient, target, err)
	}

	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return "", fmt.Errorf("%w: short link %s returned %d", model.ErrFetchPermanent, target, status)
	case status == http.StatusTooManyRequests || status >= 500:
		return "", fmt.Errorf("%w: short link %s returned %d", model.ErrFetchTransient, target, status)
	}

	return final, nil
}

// follow issues one request and returns the URL of the last hop.
func (r *HTTPResolver) follow(ctx context.Context, method, target string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.Request.URL.String(), resp.StatusCode, nil
}
