package extract

import (
	"context"
	"errors"
	"fmt"

	"audiorelay/internal/procrun"
	"audiorelay/internal/shared/logger"
	"audiorelay/internal/shared/types"
	"audiorelay/proxypool/model"
)

// DefaultFormat prefers the 128k AAC itag, then any m4a audio, then any audio.
const DefaultFormat = "140/bestaudio[ext=m4a]/bestaudio"

// ProxySource is the slice of the proxy pool the extractor needs.
type ProxySource interface {
	Current() string
	ReportFailure(addr string)
	ReportSuccess(addr string)
}

// YtDlp holds what every yt-dlp strategy shares.
type YtDlp struct {
	Runner      procrun.Runner
	Binary      string
	Format      string
	CookiesFile string
}

type ytdlpOptions struct {
	Target      string
	Format      string
	CookiesFile string
	Proxy       string
	UserAgent   string
	Family      types.IPFamily
}

// ytdlpArgs builds the argument vector for a single "print the URL" call.
// The target goes after "--" so a reference starting with '-' is never read
// as a flag.
func ytdlpArgs(o ytdlpOptions) []string {
	format := o.Format
	if format == "" {
		format = DefaultFormat
	}
	args := []string{
		"--no-playlist",
		"--no-warnings",
		"--no-progress",
		"-f", format,
		"-g",
	}
	switch o.Family {
	case types.FamilyV4:
		args = append(args, "--force-ipv4")
	case types.FamilyV6:
		args = append(args, "--force-ipv6")
	}
	if o.CookiesFile != "" {
		args = append(args, "--cookies", o.CookiesFile)
	}
	if o.Proxy != "" {
		args = append(args, "--proxy", o.Proxy)
	}
	if o.UserAgent != "" {
		args = append(args, "--user-agent", o.UserAgent)
	}
	return append(args, "--", o.Target)
}

// DirectStrategy runs yt-dlp without a proxy, forced onto one address family.
type DirectStrategy struct {
	tool   YtDlp
	family types.IPFamily
}

func NewDirectStrategy(tool YtDlp, family types.IPFamily) *DirectStrategy {
	return &DirectStrategy{tool: tool, family: family}
}

func (s *DirectStrategy) Name() string {
	if s.family == types.FamilyV6 {
		return types.MethodDirectV6
	}
	return types.MethodDirectV4
}

func (s *DirectStrategy) Extract(ctx context.Context, req Request) (*types.MediaReference, error) {
	args := ytdlpArgs(ytdlpOptions{
		Target:      req.SourceRef,
		Format:      s.tool.Format,
		CookiesFile: s.tool.CookiesFile,
		UserAgent:   req.UserAgent,
		Family:      s.family,
	})
	mediaURL, err := runYtDlp(ctx, s.tool, args)
	if err != nil {
		return nil, err
	}
	family := familyFromURL(mediaURL)
	if family == types.FamilyAny {
		family = s.family
	}
	return &types.MediaReference{
		ResolvedMediaURL: mediaURL,
		IPFamily:         family,
		Method:           s.Name(),
		Duration:         durationFromURL(mediaURL),
	}, nil
}

// ProxyStrategy runs yt-dlp through the pool's current candidate. It is
// skipped when the pool has nothing Active.
type ProxyStrategy struct {
	tool YtDlp
	pool ProxySource
}

func NewProxyStrategy(tool YtDlp, pool ProxySource) *ProxyStrategy {
	return &ProxyStrategy{tool: tool, pool: pool}
}

func (s *ProxyStrategy) Name() string {
	return types.MethodProxy
}

func (s *ProxyStrategy) Extract(ctx context.Context, req Request) (*types.MediaReference, error) {
	if s.pool == nil {
		return nil, types.ErrProxyExhausted
	}
	proxy := s.pool.Current()
	if proxy == model.Direct {
		return nil, types.ErrProxyExhausted
	}

	args := ytdlpArgs(ytdlpOptions{
		Target:      req.SourceRef,
		Format:      s.tool.Format,
		CookiesFile: s.tool.CookiesFile,
		Proxy:       proxy,
		UserAgent:   req.UserAgent,
	})
	mediaURL, err := runYtDlp(ctx, s.tool, args)
	if err != nil {
		// A cancelled request says nothing about the proxy.
		if !errors.Is(ctx.Err(), context.Canceled) {
			s.pool.ReportFailure(proxy)
		}
		return nil, fmt.Errorf("via %s: %w", logger.RedactURL(proxy), err)
	}
	s.pool.ReportSuccess(proxy)

	return &types.MediaReference{
		ResolvedMediaURL: mediaURL,
		IPFamily:         familyFromURL(mediaURL),
		Method:           s.Name(),
		Proxy:            proxy,
		Duration:         durationFromURL(mediaURL),
	}, nil
}

func runYtDlp(ctx context.Context, tool YtDlp, args []string) (string, error) {
	out, err := tool.Runner.Run(ctx, tool.Binary, args, 0)
	if err != nil {
		var pe *procrun.ProcessError
		if errors.As(err, &pe) {
			l := logger.WithComponent("Extract")
			l.Debug().
				Str("binary", pe.Binary).
				Int("exit_code", pe.ExitCode).
				Bool("timed_out", pe.TimedOut).
				Str("stderr", pe.Stderr).
				Msg("yt-dlp failed.")
		}
		return "", err
	}
	return firstURL(out)
}
