package app

import (
	"context"
	"fmt"
	"time"

	"audiorelay/internal/extract"
	"audiorelay/internal/procrun"
	"audiorelay/internal/shared/logger"
	"audiorelay/internal/shared/types"
	"audiorelay/internal/stream"
	"audiorelay/internal/transcode"
	manager "audiorelay/proxypool"
	"audiorelay/proxypool/scraper"
	"audiorelay/proxypool/storage"
	"audiorelay/proxypool/validator"
)

// NewPool builds the proxy pool. It returns nil when the pool is disabled
// and no PROXY_URL override is set. With the pool disabled but an override
// present, the pool holds only the override.
func NewPool(cfg *types.Config) (*manager.Manager, error) {
	pc := cfg.ProxyPoolConf
	if !pc.Enabled && pc.Override == "" {
		return nil, nil
	}
	v := validator.NewValidator(
		time.Duration(pc.ValidationTimeoutSec)*time.Second,
		pc.ValidationConcurrency,
		pc.ValidationTarget,
	).WithRate(pc.ValidationRPS)
	if !pc.Enabled {
		return manager.NewManager(manager.OptionsFromConfig(cfg), nil, v), nil
	}

	scrapers, err := scraper.ByNames(pc.Sources)
	if err != nil {
		return nil, fmt.Errorf("proxypool.sources: %w", err)
	}
	st := storage.NewFileStorage(pc.StoragePath)
	return manager.NewManager(manager.OptionsFromConfig(cfg), st, v, scrapers...), nil
}

// NewChain builds the extraction chain. The returned cleanup removes the
// temporary cookie file written from YOUTUBE_COOKIES.
func NewChain(ctx context.Context, cfg *types.Config, runner procrun.Runner, pool *manager.Manager) (*extract.Chain, func(), error) {
	l := logger.WithComponent("App")
	cleanup := func() {}

	bin, err := extract.ResolveYtDlp(ctx, cfg.YtDlpPath, cfg.AutoInstall)
	if err != nil {
		// The native strategy still works without yt-dlp.
		l.Warn().Err(err).Msg("yt-dlp unavailable, its strategies will fail.")
		bin = cfg.YtDlpPath
	}

	tool := extract.YtDlp{Runner: runner, Binary: bin, Format: cfg.ExtractConf.Format, CookiesFile: cfg.CookiesFile}
	if cfg.ExtractConf.Cookies != "" {
		path, rm, err := extract.WriteCookieFile(cfg.ExtractConf.Cookies)
		if err != nil {
			return nil, nil, fmt.Errorf("writing cookies: %w", err)
		}
		tool.CookiesFile = path
		cleanup = rm
	}

	// A typed nil pool must not reach the chain as a non-nil interface.
	var src extract.ProxySource
	if pool != nil {
		src = pool
	}
	chain, err := extract.NewFromConfig(cfg, tool, src)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	l.Info().Strs("strategies", chain.Strategies()).Str("ytdlp", bin).Msg("Extraction chain ready.")
	return chain, cleanup, nil
}

// NewStreamProxy builds the range proxy and its upstream clients.
func NewStreamProxy(cfg *types.Config) (*stream.Proxy, *stream.ClientFactory) {
	sc := cfg.StreamConf
	clients := stream.NewClientFactory(stream.ClientOptions{
		HeaderTimeout: time.Duration(sc.UpstreamHeaderTimeoutSec) * time.Second,
		Fingerprint:   sc.TLSFingerprint,
	})
	proxy := stream.NewProxy(clients, stream.Options{
		MobileChunk:        int64(sc.MobileChunkKiB) * 1024,
		DefaultContentType: sc.DefaultContentType,
		ProbeTimeout:       time.Duration(sc.ProbeTimeoutSec) * time.Second,
	})
	return proxy, clients
}

// NewTranscoder returns nil when the fallback is disabled. clients, when
// given, fetch family-pinned URLs for ffmpeg.
func NewTranscoder(cfg *types.Config, runner procrun.Runner, clients *stream.ClientFactory) *transcode.FFmpeg {
	if !cfg.TranscodeConf.Enabled {
		return nil
	}
	var source transcode.Source
	if clients != nil {
		source = clients
	}
	return transcode.NewFromConfig(cfg.TranscodeConf, runner, "", source)
}
