package fetcher

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
	"github.com/hszk-dev/vidrelay/internal/domain/repository"
)

func newRequest(t *testing.T) repository.FetchRequest {
	t.Helper()
	return repository.FetchRequest{
		Ref:     model.ContentRef{Platform: model.PlatformTikTok, CanonicalID: "123"},
		URL:     "https://www.tiktok.com/@u/video/123",
		WorkDir: t.TempDir(),
	}
}

func TestDefaultCommandConfig(t *testing.T) {
	cfg := DefaultCommandConfig()
	if cfg.BinaryPath != "yt-dlp" {
		t.Errorf("BinaryPath = %q, want yt-dlp", cfg.BinaryPath)
	}
	if cfg.Format == "" {
		t.Error("expected a default format selector")
	}
}

func TestCommandFetcher_Fetch_Success(t *testing.T) {
	req := newRequest(t)
	f := NewCommandFetcher(CommandConfig{MaxFileSize: "200M"})

	var gotArgs []string
	f.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		// A leftover fragment must not be picked over the real file.
		_ = os.WriteFile(filepath.Join(req.WorkDir, "123.mp4.part"), []byte("x"), 0644)
		return nil, os.WriteFile(filepath.Join(req.WorkDir, "123.mp4"), []byte("video-bytes"), 0644)
	}

	res, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if want := filepath.Join(req.WorkDir, "123.mp4"); res.FilePath != want {
		t.Errorf("FilePath = %q, want %q", res.FilePath, want)
	}

	if gotArgs[len(gotArgs)-1] != req.URL || gotArgs[len(gotArgs)-2] != "--" {
		t.Errorf("URL must be the final argument after --, got %v", gotArgs)
	}
	if !slices.Contains(gotArgs, "--max-filesize") {
		t.Errorf("expected --max-filesize in %v", gotArgs)
	}
	if !slices.Contains(gotArgs, "--no-playlist") {
		t.Errorf("expected --no-playlist in %v", gotArgs)
	}
}

func TestCommandFetcher_Fetch_NoOutput(t *testing.T) {
	req := newRequest(t)
	f := NewCommandFetcher(DefaultCommandConfig())
	f.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, os.WriteFile(filepath.Join(req.WorkDir, "123.mp4"), nil, 0644)
	}

	_, err := f.Fetch(context.Background(), req)
	if !errors.Is(err, model.ErrFetchTransient) {
		t.Errorf("expected ErrFetchTransient, got %v", err)
	}
	if !errors.Is(err, model.ErrEmptyFile) {
		t.Errorf("expected ErrEmptyFile, got %v", err)
	}
}

func TestCommandFetcher_Fetch_SkippedOverMaxFileSize(t *testing.T) {
	f := NewCommandFetcher(CommandConfig{MaxFileSize: "10M"})
	f.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		out := "[info] 123: Downloading 1 format(s): 0\n" +
			"[download] File is larger than max-filesize (52428800 bytes > 10485760 bytes). Aborting.\n"
		return []byte(out), nil
	}

	_, err := f.Fetch(context.Background(), newRequest(t))
	if !errors.Is(err, model.ErrFetchPermanent) {
		t.Errorf("an oversized video must fail permanently, got %v", err)
	}
}

func TestRunCommand_KillsProcessGroupOnTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix only")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// The background sleep holds the output pipe open like a merge helper would.
	start := time.Now()
	_, err := runCommand(ctx, "sh", "-c", "sleep 3 & sleep 3")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected an error for a killed command")
	}
	if elapsed > 2*time.Second {
		t.Errorf("runCommand returned after %v, want shortly after the deadline", elapsed)
	}
}

func TestCommandFetcher_Fetch_Failures(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"rate limited", "ERROR: [TikTok] 123: HTTP Error 429: Too Many Requests", model.ErrFetchTransient},
		{"private", "ERROR: [Instagram] abc: This is a private video", model.ErrFetchPermanent},
		{"removed", "ERROR: [youtube] dQw4w9WgXcQ: Video unavailable. This video has been removed", model.ErrFetchPermanent},
		{"not found", "ERROR: unable to download webpage: HTTP Error 404: Not Found", model.ErrFetchPermanent},
		{"server error", "ERROR: HTTP Error 503: Service Unavailable", model.ErrFetchTransient},
		{"unknown", "ERROR: something odd happened", model.ErrFetchTransient},
		{"no stderr", "", model.ErrFetchTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewCommandFetcher(DefaultCommandConfig())
			f.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
				return []byte("[info] extracting\n" + tt.stderr + "\n"), errors.New("exit status 1")
			}

			_, err := f.Fetch(context.Background(), newRequest(t))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCommandFetcher_Fetch_Timeout(t *testing.T) {
	f := NewCommandFetcher(DefaultCommandConfig())
	f.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, errors.New("signal: killed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, newRequest(t))
	if !errors.Is(err, model.ErrFetchTimeout) {
		t.Errorf("expected ErrFetchTimeout, got %v", err)
	}
}

func TestCommandFetcher_Fetch_InvalidRequest(t *testing.T) {
	f := NewCommandFetcher(DefaultCommandConfig())
	f.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		t.Fatal("downloader must not run for an invalid request")
		return nil, nil
	}

	t.Run("empty url", func(t *testing.T) {
		req := newRequest(t)
		req.URL = ""
		if _, err := f.Fetch(context.Background(), req); !errors.Is(err, model.ErrFetchPermanent) {
			t.Errorf("expected ErrFetchPermanent, got %v", err)
		}
	})

	t.Run("missing work dir", func(t *testing.T) {
		req := newRequest(t)
		req.WorkDir = filepath.Join(req.WorkDir, "missing")
		if _, err := f.Fetch(context.Background(), req); !errors.Is(err, model.ErrStorage) {
			t.Errorf("expected ErrStorage, got %v", err)
		}
	})
}
