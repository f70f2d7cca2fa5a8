// Package mediaprobe checks that downloaded files are playable media before
// they are published into the cache.
package mediaprobe

import (
	"context"
	"errors"
	"time"
)

// ErrNotMedia is returned when a file exists but holds no decodable stream.
var ErrNotMedia = errors.New("file is not a playable media file")

// Info describes the streams found in a media file.
type Info struct {
	// FormatName is the container reported by the prober (e.g. "mov,mp4,m4a,3gp,3g2,mj2").
	FormatName string
	// Duration is the container duration. Zero when unknown.
	Duration time.Duration
	// HasVideo reports whether at least one video stream is present.
	HasVideo bool
	// HasAudio reports whether at least one audio stream is present.
	HasAudio bool
}

// Prober inspects a media file on the local filesystem.
type Prober interface {
	// Probe reads the container of the file at path.
	// Returns ErrNotMedia (wrapped) when the file holds no video stream.
	Probe(ctx context.Context, path string) (*Info, error)
}
