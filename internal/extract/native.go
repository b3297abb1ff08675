package extract

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"audiorelay/internal/shared/types"

	"github.com/kkdai/youtube/v2"
)

// itagAAC128 is the m4a audio-only format the yt-dlp selector asks for first.
const itagAAC128 = 140

// NativeStrategy resolves in-process with kkdai/youtube. It is the last
// resort when the external tool is missing or blocked. Connections are pinned
// to IPv4 so the returned family is known.
type NativeStrategy struct {
	client *youtube.Client
}

func NewNativeStrategy() *NativeStrategy {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, types.FamilyV4.Network(), addr)
	}
	return &NativeStrategy{
		client: &youtube.Client{HTTPClient: &http.Client{Transport: transport}},
	}
}

func (s *NativeStrategy) Name() string {
	return types.MethodNative
}

func (s *NativeStrategy) Extract(ctx context.Context, req Request) (*types.MediaReference, error) {
	video, err := s.client.GetVideoContext(ctx, req.SourceRef)
	if err != nil {
		return nil, fmt.Errorf("fetching video metadata: %w", err)
	}

	format := pickAudioFormat(video.Formats)
	if format == nil {
		return nil, errors.New("no audio-only format available")
	}

	mediaURL, err := s.client.GetStreamURLContext(ctx, video, format)
	if err != nil {
		return nil, fmt.Errorf("resolving stream URL: %w", err)
	}

	duration := video.Duration
	if d := durationFromURL(mediaURL); d > 0 {
		duration = d
	}
	family := familyFromURL(mediaURL)
	if family == types.FamilyAny {
		family = types.FamilyV4
	}
	return &types.MediaReference{
		ResolvedMediaURL: mediaURL,
		IPFamily:         family,
		Method:           s.Name(),
		Duration:         duration,
	}, nil
}

// pickAudioFormat mirrors DefaultFormat: itag 140, else the best audio/mp4,
// else the best audio-only format of any container.
func pickAudioFormat(formats youtube.FormatList) *youtube.Format {
	if fl := formats.Itag(itagAAC128); len(fl) > 0 {
		return &fl[0]
	}
	var audioOnly []youtube.Format
	for _, f := range formats {
		if strings.HasPrefix(f.MimeType, "audio/") {
			audioOnly = append(audioOnly, f)
		}
	}
	if len(audioOnly) == 0 {
		return nil
	}
	sort.SliceStable(audioOnly, func(i, j int) bool {
		mi := strings.HasPrefix(audioOnly[i].MimeType, "audio/mp4")
		mj := strings.HasPrefix(audioOnly[j].MimeType, "audio/mp4")
		if mi != mj {
			return mi
		}
		return audioOnly[i].Bitrate > audioOnly[j].Bitrate
	})
	return &audioOnly[0]
}
