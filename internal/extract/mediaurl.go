package extract

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"audiorelay/internal/shared/types"
)

var youtubeHosts = map[string]bool{
	"youtube.com":              true,
	"www.youtube.com":          true,
	"m.youtube.com":            true,
	"music.youtube.com":        true,
	"youtu.be":                 true,
	"www.youtube-nocookie.com": true,
}

// IsExtractable reports whether ref is a page that needs extraction rather
// than a direct media file.
func IsExtractable(ref string) bool {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return false
	}
	return youtubeHosts[strings.ToLower(u.Hostname())]
}

// ValidateMediaURL checks that raw is an absolute http(s) URL with a host.
func ValidateMediaURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty media URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed media URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("media URL scheme %q not allowed", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("media URL has no host")
	}
	return u, nil
}

// firstURL returns the first line of tool output that looks like a media URL.
func firstURL(out []byte) (string, error) {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, err := ValidateMediaURL(line); err != nil {
			return "", err
		}
		return line, nil
	}
	return "", errors.New("empty output")
}

// familyFromURL reads the address the URL was signed for from its "ip"
// query parameter.
func familyFromURL(raw string) types.IPFamily {
	u, err := url.Parse(raw)
	if err != nil {
		return types.FamilyAny
	}
	ip := net.ParseIP(u.Query().Get("ip"))
	switch {
	case ip == nil:
		return types.FamilyAny
	case ip.To4() != nil:
		return types.FamilyV4
	default:
		return types.FamilyV6
	}
}

// durationFromURL reads the "dur" query parameter (fractional seconds),
// rounded to the millisecond.
func durationFromURL(raw string) time.Duration {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	secs, err := strconv.ParseFloat(u.Query().Get("dur"), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(math.Round(secs*1000)) * time.Millisecond
}
