package stream

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"audiorelay/internal/shared/types"
)

// RangeSpec is a validated byte range: 0 <= Start <= End < TotalSize.
type RangeSpec struct {
	Start     int64
	End       int64
	TotalSize int64
}

// Length is the number of bytes in the span.
func (r RangeSpec) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange renders the Content-Range value for a 206.
func (r RangeSpec) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.TotalSize)
}

// Header renders the Range request header for the upstream fetch.
func (r RangeSpec) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Capped narrows the span to at most max bytes from Start.
func (r RangeSpec) Capped(max int64) RangeSpec {
	if max > 0 && r.Length() > max {
		r.End = r.Start + max - 1
	}
	return r
}

// UnsatisfiedContentRange is the Content-Range value sent with a 416.
func UnsatisfiedContentRange(total int64) string {
	return fmt.Sprintf("bytes */%d", total)
}

// ParseRange interprets a Range header against a resource of total bytes.
//
// It returns (nil, nil) when the whole resource should be served: no header,
// a unit other than bytes, a malformed value or a multi-range request.
// Out-of-bounds or inverted ranges return types.ErrRangeNotSatisfiable and are
// never clamped. A suffix range longer than the resource selects all of it.
func ParseRange(header string, total int64) (*RangeSpec, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, nil
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, nil
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	// Suffix form: bytes=-n.
	if first == "" {
		n, ok := parseOffset(last)
		if !ok {
			return nil, nil
		}
		if n == 0 || total <= 0 {
			return nil, types.ErrRangeNotSatisfiable
		}
		if n > total {
			n = total
		}
		return &RangeSpec{Start: total - n, End: total - 1, TotalSize: total}, nil
	}

	start, ok := parseOffset(first)
	if !ok {
		return nil, nil
	}
	end := total - 1
	if last != "" {
		if end, ok = parseOffset(last); !ok {
			return nil, nil
		}
	}

	if start >= total || end >= total || start > end {
		return nil, types.ErrRangeNotSatisfiable
	}
	return &RangeSpec{Start: start, End: end, TotalSize: total}, nil
}

// parseOffset reads a run of decimal digits. Values too large for int64
// saturate to math.MaxInt64 so they fail the bounds checks instead of being
// mistaken for a malformed header.
func parseOffset(s string) (int64, bool) {
	if s == "" || strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return math.MaxInt64, true
	}
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseContentRange reads a satisfied "bytes a-b/total" value as sent with
// a 206. The span must lie inside a known total.
func parseContentRange(v string) (RangeSpec, bool) {
	span, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return RangeSpec{}, false
	}
	span, totalStr, ok := strings.Cut(span, "/")
	if !ok {
		return RangeSpec{}, false
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return RangeSpec{}, false
	}
	start, ok1 := parseOffset(strings.TrimSpace(first))
	end, ok2 := parseOffset(strings.TrimSpace(last))
	total, ok3 := parseOffset(strings.TrimSpace(totalStr))
	if !ok1 || !ok2 || !ok3 || start > end || end >= total {
		return RangeSpec{}, false
	}
	return RangeSpec{Start: start, End: end, TotalSize: total}, true
}

// contentRangeTotal extracts the complete length from "bytes a-b/total".
func contentRangeTotal(v string) (int64, bool) {
	_, total, ok := strings.Cut(v, "/")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

var mobileUA = regexp.MustCompile(`(?i)Mobile|Android|iPhone|iPad`)

// IsMobile reports whether the user agent belongs to a phone or tablet.
func IsMobile(userAgent string) bool {
	return mobileUA.MatchString(userAgent)
}
