package stream

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

var audioTypes = map[string]string{
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".m4b":  "audio/mp4",
	".aac":  "audio/aac",
	".mp3":  "audio/mpeg",
	".opus": "audio/opus",
	".webm": "audio/webm",
	".weba": "audio/webm",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".flac": "audio/flac",
	".wav":  "audio/wav",
}

// ContentTypeFor guesses the media type of a URL. Signed googlevideo URLs
// carry it in the "mime" parameter; anything else goes by file extension.
func ContentTypeFor(rawURL, fallback string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	if m := u.Query().Get("mime"); m != "" {
		if mt, _, err := mime.ParseMediaType(m); err == nil {
			return mt
		}
	}
	if t, ok := audioTypes[strings.ToLower(path.Ext(u.Path))]; ok {
		return t
	}
	return fallback
}

// usableContentType reports whether an upstream Content-Type says anything
// useful to an audio element.
func usableContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	switch mt {
	case "application/octet-stream", "binary/octet-stream", "text/plain":
		return false
	}
	return true
}
