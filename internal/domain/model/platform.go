package model

import (
	"fmt"
	"strings"
)

// Platform identifies the site a video was retrieved from.
// It also names the storage subdirectory and selects the fetcher.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
)

// Platforms lists every supported platform in a stable order.
var Platforms = []Platform{
	PlatformInstagram,
	PlatformTikTok,
	PlatformYouTube,
}

func (p Platform) IsValid() bool {
	switch p {
	case PlatformInstagram, PlatformTikTok, PlatformYouTube:
		return true
	default:
		return false
	}
}

func (p Platform) String() string {
	return string(p)
}

// ParsePlatform converts a case-insensitive name into a Platform.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, s)
	}
	return p, nil
}

// ContentRef is the normalized identity of a piece of content:
// the platform plus the identifier extracted from its URL.
type ContentRef struct {
	Platform    Platform
	CanonicalID string
}

// Key returns the cache key for the content, "<platform>/<canonical id>".
// Including the platform keeps identical ids on different sites apart.
func (r ContentRef) Key() string {
	return string(r.Platform) + "/" + r.CanonicalID
}

func (r ContentRef) String() string {
	return r.Key()
}

// IsZero reports whether the reference carries no identity.
func (r ContentRef) IsZero() bool {
	return r.Platform == "" && r.CanonicalID == ""
}

// ParseKey is the inverse of ContentRef.Key.
func ParseKey(key string) (ContentRef, error) {
	platform, id, ok := strings.Cut(key, "/")
	if !ok || id == "" {
		return ContentRef{}, fmt.Errorf("malformed cache key %q", key)
	}
	p, err := ParsePlatform(platform)
	if err != nil {
		return ContentRef{}, err
	}
	return ContentRef{Platform: p, CanonicalID: id}, nil
}
