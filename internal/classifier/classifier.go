// Package classifier maps raw video URLs to a platform and canonical id.
//
// Classification is pure: no network access, no shared state. URL variants
// that point at the same content (tracking parameters, trailing slashes,
// mobile hosts) produce the same model.ContentRef.
package classifier

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/hszk-dev/vidrelay/internal/domain/model"
)

// ErrNeedsResolution is returned for short links whose target can only be
// learned by following a redirect (e.g. vm.tiktok.com/ZMabc/).
var ErrNeedsResolution = errors.New("short link must be resolved")

const maxURLLength = 2048

var (
	instagramCode = regexp.MustCompile(`^[A-Za-z0-9_-]{5,64}$`)
	tiktokID      = regexp.MustCompile(`^[0-9]{1,25}$`)
	youtubeID     = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	shortCode     = regexp.MustCompile(`^[A-Za-z0-9]{4,32}$`)
)

type matcher func(host string, segments []string, query url.Values) (string, error)

// hostPlatforms binds every recognized host to its platform.
var hostPlatforms = map[string]model.Platform{
	"instagram.com":     model.PlatformInstagram,
	"www.instagram.com": model.PlatformInstagram,
	"m.instagram.com":   model.PlatformInstagram,
	"instagr.am":        model.PlatformInstagram,
	"www.instagr.am":    model.PlatformInstagram,

	"tiktok.com":     model.PlatformTikTok,
	"www.tiktok.com": model.PlatformTikTok,
	"m.tiktok.com":   model.PlatformTikTok,
	"vm.tiktok.com":  model.PlatformTikTok,
	"vt.tiktok.com":  model.PlatformTikTok,

	"youtube.com":       model.PlatformYouTube,
	"www.youtube.com":   model.PlatformYouTube,
	"m.youtube.com":     model.PlatformYouTube,
	"music.youtube.com": model.PlatformYouTube,
	"youtu.be":          model.PlatformYouTube,
	"www.youtu.be":      model.PlatformYouTube,
}

var matchers = map[model.Platform]matcher{
	model.PlatformInstagram: matchInstagram,
	model.PlatformTikTok:    matchTikTok,
	model.PlatformYouTube:   matchYouTube,
}

// Classify returns the platform and canonical id for rawURL.
// Unknown hosts and unknown path shapes yield model.ErrUnsupportedPlatform.
// Short links yield ErrNeedsResolution together with the platform.
func Classify(rawURL string) (model.ContentRef, error) {
	u, err := parse(rawURL)
	if err != nil {
		return model.ContentRef{}, err
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	platform, ok := hostPlatforms[host]
	if !ok {
		return model.ContentRef{}, fmt.Errorf("%w: host %q", model.ErrUnsupportedPlatform, host)
	}

	id, err := matchers[platform](host, splitPath(u.EscapedPath()), u.Query())
	if err != nil {
		return model.ContentRef{Platform: platform}, err
	}

	return model.ContentRef{Platform: platform, CanonicalID: id}, nil
}

// IsSupported reports whether rawURL classifies to a platform, including
// short links that still need resolution.
func IsSupported(rawURL string) bool {
	_, err := Classify(rawURL)
	return err == nil || errors.Is(err, ErrNeedsResolution)
}

func parse(rawURL string) (*url.URL, error) {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return nil, fmt.Errorf("%w: empty url", model.ErrUnsupportedPlatform)
	}
	if len(s) > maxURLLength {
		return nil, fmt.Errorf("%w: url too long", model.ErrUnsupportedPlatform)
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnsupportedPlatform, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: scheme %q", model.ErrUnsupportedPlatform, u.Scheme)
	}
	return u, nil
}

// splitPath returns the non-empty path segments, so trailing and doubled
// slashes never matter.
func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	segments := parts[:0]
	for _, s := range parts {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

func unsupported(host string, segments []string) error {
	return fmt.Errorf("%w: unrecognized path %q on %s", model.ErrUnsupportedPlatform, "/"+strings.Join(segments, "/"), host)
}

// matchInstagram handles /p/{code}, /reel/{code}, /reels/{code}, /tv/{code},
// optionally prefixed by a username.
func matchInstagram(host string, segments []string, _ url.Values) (string, error) {
	for i := 0; i+1 < len(segments) && i < 2; i++ {
		switch strings.ToLower(segments[i]) {
		case "p", "reel", "reels", "tv":
			code := segments[i+1]
			if instagramCode.MatchString(code) {
				return code, nil
			}
			return "", unsupported(host, segments)
		}
	}
	return "", unsupported(host, segments)
}

// matchTikTok handles /@user/video/{id}, /v/{id}.html, /embed/{id},
// /embed/v2/{id} and the short link forms.
func matchTikTok(host string, segments []string, _ url.Values) (string, error) {
	if host == "vm.tiktok.com" || host == "vt.tiktok.com" {
		if len(segments) == 1 && shortCode.MatchString(segments[0]) {
			return "", ErrNeedsResolution
		}
		return "", unsupported(host, segments)
	}

	switch {
	case len(segments) == 3 && strings.HasPrefix(segments[0], "@") && segments[1] == "video":
		return tiktokNumeric(host, segments, segments[2])
	case len(segments) == 2 && segments[0] == "v":
		return tiktokNumeric(host, segments, strings.TrimSuffix(segments[1], ".html"))
	case len(segments) == 2 && segments[0] == "embed":
		return tiktokNumeric(host, segments, segments[1])
	case len(segments) == 3 && segments[0] == "embed" && segments[1] == "v2":
		return tiktokNumeric(host, segments, segments[2])
	case len(segments) == 2 && segments[0] == "t" && shortCode.MatchString(segments[1]):
		return "", ErrNeedsResolution
	}
	return "", unsupported(host, segments)
}

func tiktokNumeric(host string, segments []string, id string) (string, error) {
	if tiktokID.MatchString(id) {
		return id, nil
	}
	return "", unsupported(host, segments)
}

// matchYouTube handles /watch?v={id}, /shorts/{id}, /embed/{id}, /live/{id}
// and youtu.be/{id}.
func matchYouTube(host string, segments []string, query url.Values) (string, error) {
	var id string
	switch {
	case strings.HasSuffix(host, "youtu.be"):
		if len(segments) == 1 {
			id = segments[0]
		}
	case len(segments) == 1 && segments[0] == "watch":
		id = query.Get("v")
	case len(segments) == 2 && (segments[0] == "shorts" || segments[0] == "embed" || segments[0] == "live"):
		id = segments[1]
	}

	if youtubeID.MatchString(id) {
		return id, nil
	}
	return "", unsupported(host, segments)
}
