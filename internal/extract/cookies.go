package extract

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// WriteCookieFile materialises a Netscape cookie blob into a private temp
// file for --cookies. yt-dlp rewrites the file it is given, so the blob is
// always copied rather than pointed at. The blob may be raw text, raw text
// with literal "\n" escapes (common in .env files), or base64.
func WriteCookieFile(blob string) (path string, cleanup func(), err error) {
	content := decodeCookieBlob(blob)
	if content == "" {
		return "", func() {}, nil
	}

	f, err := os.CreateTemp("", "audiorelay-cookies-*.txt")
	if err != nil {
		return "", nil, fmt.Errorf("creating cookie file: %w", err)
	}
	cleanup = func() { os.Remove(f.Name()) }

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("securing cookie file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("writing cookie file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}

func decodeCookieBlob(blob string) string {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return ""
	}
	if !strings.ContainsAny(blob, "\t\n") {
		if raw, err := base64.StdEncoding.DecodeString(blob); err == nil && strings.Contains(string(raw), "\t") {
			blob = string(raw)
		}
	}
	blob = strings.ReplaceAll(blob, `\n`, "\n")
	blob = strings.ReplaceAll(blob, `\t`, "\t")
	if !strings.HasSuffix(blob, "\n") {
		blob += "\n"
	}
	return blob
}
