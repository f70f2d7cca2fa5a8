package mediaprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FFprobeConfig holds configuration for the ffprobe-based prober.
type FFprobeConfig struct {
	// FFprobePath is the path to the ffprobe binary.
	// If empty, "ffprobe" will be used (assumes it's in PATH).
	FFprobePath string

	// RequireVideo rejects files without a video stream.
	// Default: true
	RequireVideo bool
}

// DefaultFFprobeConfig returns an FFprobeConfig with production-ready defaults.
func DefaultFFprobeConfig() FFprobeConfig {
	return FFprobeConfig{
		FFprobePath:  "ffprobe",
		RequireVideo: true,
	}
}

// FFprobe implements Prober using the ffprobe CLI.
type FFprobe struct {
	config FFprobeConfig
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Compile-time verification that FFprobe implements Prober.
var _ Prober = (*FFprobe)(nil)

// NewFFprobe creates a new ffprobe-based prober.
func NewFFprobe(cfg FFprobeConfig) *FFprobe {
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	return &FFprobe{
		config: cfg,
		run:    runCommand,
	}
}

// probeOutput is the subset of `ffprobe -print_format json` we read.
type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// Probe executes ffprobe as a subprocess and parses its JSON report.
func (p *FFprobe) Probe(ctx context.Context, path string) (*Info, error) {
	if err := validateInput(path); err != nil {
		return nil, err
	}

	out, err := p.run(ctx, p.config.FFprobePath, buildArgs(path)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("probe cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: ffprobe execution failed: %v", ErrNotMedia, err)
	}

	info, err := parseOutput(out)
	if err != nil {
		return nil, err
	}

	if p.config.RequireVideo && !info.HasVideo {
		return nil, fmt.Errorf("%w: no video stream in %s", ErrNotMedia, path)
	}

	return info, nil
}

// validateInput checks if the input file exists, is a regular file and is non-empty.
func validateInput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %s", path)
		}
		return fmt.Errorf("failed to access input file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("input path is a directory, expected a file: %s", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrNotMedia, path)
	}

	return nil
}

// buildArgs constructs the ffprobe command arguments.
func buildArgs(path string) []string {
	return []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
}

func parseOutput(out []byte) (*Info, error) {
	var report probeOutput
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("%w: unreadable ffprobe output: %v", ErrNotMedia, err)
	}

	info := &Info{FormatName: report.Format.FormatName}
	for _, s := range report.Streams {
		switch s.CodecType {
		case "video":
			info.HasVideo = true
		case "audio":
			info.HasAudio = true
		}
	}

	if d := strings.TrimSpace(report.Format.Duration); d != "" && d != "N/A" {
		if secs, err := strconv.ParseFloat(d, 64); err == nil {
			info.Duration = time.Duration(secs * float64(time.Second))
		}
	}

	return info, nil
}

// runCommand runs name and returns its stdout. Stderr is folded into the error.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
