package stream

import (
	"errors"
	"testing"

	"audiorelay/internal/shared/types"
)

func TestParseRange(t *testing.T) {
	const total = 10_000_000

	cases := []struct {
		name        string
		header      string
		want        *RangeSpec
		unsatisfied bool
	}{
		{"absent", "", nil, false},
		{"closed", "bytes=0-1023", &RangeSpec{0, 1023, total}, false},
		{"open", "bytes=9000000-", &RangeSpec{9000000, total - 1, total}, false},
		{"last byte", "bytes=9999999-9999999", &RangeSpec{9999999, 9999999, total}, false},
		{"suffix", "bytes=-500", &RangeSpec{total - 500, total - 1, total}, false},
		{"suffix longer than file", "bytes=-20000000", &RangeSpec{0, total - 1, total}, false},
		{"suffix overflows int64", "bytes=-99999999999999999999", &RangeSpec{0, total - 1, total}, false},
		{"whitespace", "  bytes= 10 - 20 ", &RangeSpec{10, 20, total}, false},

		{"end past total", "bytes=9999999-10000100", nil, true},
		{"start at total", "bytes=10000000-", nil, true},
		{"start past total", "bytes=20000000-20000001", nil, true},
		{"inverted", "bytes=500-100", nil, true},
		{"zero suffix", "bytes=-0", nil, true},
		{"end overflows int64", "bytes=0-99999999999999999999", nil, true},
		{"start overflows int64", "bytes=99999999999999999999-", nil, true},
		{"both overflow", "bytes=99999999999999999999-99999999999999999999", nil, true},

		{"multi range ignored", "bytes=0-10,20-30", nil, false},
		{"other unit ignored", "items=0-10", nil, false},
		{"garbage ignored", "bytes=abc-def", nil, false},
		{"negative ignored", "bytes=-5-10", nil, false},
		{"no dash ignored", "bytes=100", nil, false},
		{"plus sign ignored", "bytes=+1-2", nil, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseRange(c.header, total)
			if c.unsatisfied {
				if !errors.Is(err, types.ErrRangeNotSatisfiable) {
					t.Fatalf("err = %v, want ErrRangeNotSatisfiable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (got == nil) != (c.want == nil) {
				t.Fatalf("got %+v, want %+v", got, c.want)
			}
			if got != nil && *got != *c.want {
				t.Fatalf("got %+v, want %+v", *got, *c.want)
			}
		})
	}
}

func TestParseContentRange(t *testing.T) {
	cases := []struct {
		in   string
		want RangeSpec
		ok   bool
	}{
		{"bytes 0-999/10000000", RangeSpec{0, 999, 10_000_000}, true},
		{" bytes 5000-5999/10000000 ", RangeSpec{5000, 5999, 10_000_000}, true},
		{"bytes 9999999-9999999/10000000", RangeSpec{9_999_999, 9_999_999, 10_000_000}, true},
		{"bytes */10000000", RangeSpec{}, false},
		{"bytes 0-999/*", RangeSpec{}, false},
		{"bytes 10-5/100", RangeSpec{}, false},
		{"bytes 0-100/100", RangeSpec{}, false},
		{"items 0-1/2", RangeSpec{}, false},
		{"", RangeSpec{}, false},
	}
	for _, c := range cases {
		got, ok := parseContentRange(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("parseContentRange(%q) = %+v, %v; want %+v, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestParseRange_EmptyResource(t *testing.T) {
	if _, err := ParseRange("bytes=0-", 0); !errors.Is(err, types.ErrRangeNotSatisfiable) {
		t.Fatalf("range on empty resource: %v", err)
	}
	if _, err := ParseRange("bytes=-10", 0); !errors.Is(err, types.ErrRangeNotSatisfiable) {
		t.Fatalf("suffix on empty resource: %v", err)
	}
}

func TestRangeSpec_Capped(t *testing.T) {
	r := RangeSpec{Start: 100, End: 9_999_999, TotalSize: 10_000_000}
	c := r.Capped(512 * 1024)
	if c.Start != 100 || c.Length() != 512*1024 {
		t.Fatalf("capped to %+v", c)
	}
	if c.ContentRange() != "bytes 100-524387/10000000" {
		t.Errorf("ContentRange = %q", c.ContentRange())
	}

	small := RangeSpec{Start: 0, End: 1023, TotalSize: 10_000_000}
	if small.Capped(512*1024) != small {
		t.Error("span under the cap was changed")
	}
}

func TestContentRangeTotal(t *testing.T) {
	if n, ok := contentRangeTotal("bytes 0-0/4096"); !ok || n != 4096 {
		t.Errorf("got %d %v", n, ok)
	}
	if _, ok := contentRangeTotal("bytes 0-0/*"); ok {
		t.Error("unknown length accepted")
	}
}

func TestIsMobile(t *testing.T) {
	for ua, want := range map[string]bool{
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)":        true,
		"Mozilla/5.0 (Linux; Android 14; Pixel 8) Mobile Safari/537.36": true,
		"Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X)":                 true,
		"Mozilla/5.0 (X11; Linux x86_64) Chrome/124.0":                  false,
		"": false,
	} {
		if got := IsMobile(ua); got != want {
			t.Errorf("IsMobile(%q) = %v", ua, got)
		}
	}
}
