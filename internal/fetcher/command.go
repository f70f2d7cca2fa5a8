// Package fetcher holds retrieval adapters that download videos from
// platforms into a work directory.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
	"github.com/hszk-dev/vidrelay/internal/domain/repository"
)

// CommandConfig holds configuration for the yt-dlp based fetcher.
type CommandConfig struct {
	// BinaryPath is the path to the yt-dlp binary.
	// If empty, "yt-dlp" will be used (assumes it's in PATH).
	BinaryPath string

	// Format is the yt-dlp format selector.
	// Default: prefer a single mp4 file, fall back to the best available.
	Format string

	// MaxFileSize aborts downloads above this size (yt-dlp syntax, e.g. "200M").
	// Empty means no limit.
	MaxFileSize string

	// ExtraArgs are appended before the URL (cookies, proxy, etc.).
	ExtraArgs []string
}

// DefaultCommandConfig returns a CommandConfig with production-ready defaults.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		BinaryPath: "yt-dlp",
		Format:     "best[ext=mp4]/bestvideo[ext=mp4]+bestaudio[ext=m4a]/best",
	}
}

// waitDelay bounds how long Run waits for output pipes after the process
// was killed.
const waitDelay = 3 * time.Second

// runFunc executes a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) (output []byte, err error)

// CommandFetcher implements repository.Fetcher by running yt-dlp as a subprocess.
// One binary covers every supported platform.
type CommandFetcher struct {
	config CommandConfig
	run    runFunc
}

// Compile-time verification that CommandFetcher implements Fetcher.
var _ repository.Fetcher = (*CommandFetcher)(nil)

// NewCommandFetcher creates a new yt-dlp based fetcher.
func NewCommandFetcher(cfg CommandConfig) *CommandFetcher {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "yt-dlp"
	}
	return &CommandFetcher{
		config: cfg,
		run:    runCommand,
	}
}

// Fetch downloads req.URL into req.WorkDir and returns the produced file.
func (f *CommandFetcher) Fetch(ctx context.Context, req repository.FetchRequest) (*repository.FetchResult, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("%w: empty url", model.ErrFetchPermanent)
	}
	if err := validateWorkDir(req.WorkDir); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorage, err)
	}

	args := f.buildArgs(req)

	output, err := f.run(ctx, f.config.BinaryPath, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", model.ErrFetchTimeout, ctx.Err())
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("download cancelled: %w", ctx.Err())
		}
		return nil, classifyFailure(err, output)
	}

	path, err := findOutput(req.WorkDir)
	if err != nil {
		// yt-dlp skips oversized downloads and still exits 0.
		if strings.Contains(strings.ToLower(string(output)), maxFileSizeMarker) {
			return nil, fmt.Errorf("%w: %s", model.ErrFetchPermanent, lastLine(output))
		}
		return nil, fmt.Errorf("%w: %v", model.ErrFetchTransient, err)
	}

	return &repository.FetchResult{FilePath: path}, nil
}

// buildArgs constructs the yt-dlp command arguments.
func (f *CommandFetcher) buildArgs(req repository.FetchRequest) []string {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--no-part",
		"--no-mtime",
		"--restrict-filenames",
		"-o", filepath.Join(req.WorkDir, "%(id)s.%(ext)s"),
	}
	if f.config.Format != "" {
		args = append(args, "-f", f.config.Format)
	}
	if f.config.MaxFileSize != "" {
		args = append(args, "--max-filesize", f.config.MaxFileSize)
	}
	args = append(args, f.config.ExtraArgs...)
	// "--" keeps a URL starting with "-" from being read as a flag.
	return append(args, "--", req.URL)
}

func validateWorkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("work directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("work path is not a directory: %s", dir)
	}
	return nil
}

// findOutput returns the largest non-empty regular file in dir.
func findOutput(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read work directory: %w", err)
	}

	var (
		best     string
		bestSize int64
	)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best = filepath.Join(dir, name)
			bestSize = info.Size()
		}
	}

	if best == "" {
		return "", fmt.Errorf("%w: downloader produced no file", model.ErrEmptyFile)
	}
	return best, nil
}

// maxFileSizeMarker appears when a download exceeds --max-filesize.
const maxFileSizeMarker = "larger than max-filesize"

// Markers are matched against lower-cased yt-dlp output.
var (
	permanentMarkers = []string{
		"private video",
		"video unavailable",
		"is not available",
		"has been removed",
		"does not exist",
		"http error 404",
		"http error 410",
		"unsupported url",
		"account has been terminated",
		"copyright",
		"max-filesize",
	}
	transientMarkers = []string{
		"http error 429",
		"too many requests",
		"rate-limit",
		"timed out",
		"connection reset",
		"temporary failure",
		"http error 5",
	}
)

// classifyFailure maps a failed yt-dlp run onto the failure taxonomy.
// Anything not recognizably permanent is transient.
func classifyFailure(runErr error, output []byte) error {
	msg := lastLine(output)
	lower := strings.ToLower(string(output))

	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: %s", model.ErrFetchTransient, msg)
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: %s", model.ErrFetchPermanent, msg)
		}
	}

	if msg == "" {
		return fmt.Errorf("%w: %v", model.ErrFetchTransient, runErr)
	}
	return fmt.Errorf("%w: %v: %s", model.ErrFetchTransient, runErr, msg)
}

// lastLine returns the last non-empty line of out, where yt-dlp writes its error.
func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// runCommand runs name with stdout and stderr captured together; yt-dlp
// reports skipped downloads on stdout and errors on stderr.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	configureProcess(cmd)
	cmd.WaitDelay = waitDelay

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	return output.Bytes(), err
}
