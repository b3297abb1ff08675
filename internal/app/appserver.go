// Package app wires the components into a running service and owns its
// lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"audiorelay/internal/catalog"
	"audiorelay/internal/extract"
	"audiorelay/internal/procrun"
	"audiorelay/internal/service/web"
	"audiorelay/internal/shared/logger"
	"audiorelay/internal/shared/metrics"
	"audiorelay/internal/shared/types"
	"audiorelay/internal/stream"
	"audiorelay/internal/transcode"
	manager "audiorelay/proxypool"
)

const shutdownGrace = 10 * time.Second

// AppServer is the application's main struct.
type AppServer struct {
	cfg *types.Config

	catalog    *catalog.FileCatalog
	chain      *extract.Chain
	pool       *manager.Manager // nil when disabled
	proxy      *stream.Proxy
	clients    *stream.ClientFactory
	transcoder *transcode.FFmpeg // nil when disabled
	metrics    *metrics.Metrics
	hub        *web.Hub
	web        *web.Server

	cleanup func()

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
	started   time.Time
}

// AppServer must implement the controller the admin API drives.
var _ web.ServerController = (*AppServer)(nil)

// New builds every component from cfg. It may download yt-dlp.
func New(ctx context.Context, cfg *types.Config) (*AppServer, error) {
	s := &AppServer{cfg: cfg, cleanup: func() {}}

	songs, err := catalog.NewFileCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	s.catalog = songs

	s.pool, err = NewPool(cfg)
	if err != nil {
		return nil, err
	}

	runner := procrun.NewExecRunner()
	s.chain, s.cleanup, err = NewChain(ctx, cfg, runner, s.pool)
	if err != nil {
		return nil, err
	}

	s.proxy, s.clients = NewStreamProxy(cfg)
	if s.pool != nil {
		s.proxy.SetPool(s.pool)
	}
	s.transcoder = NewTranscoder(cfg, runner, s.clients)
	if s.transcoder != nil {
		s.proxy.SetTranscoder(s.transcoder)
	}

	s.hub = web.NewHub()
	s.metrics = metrics.New()
	s.observe()

	handler := web.NewHandler(s.catalog, s.chain, s.proxy, s)
	s.web = web.NewServer(cfg.ServerConf, handler, s.hub, s.metrics.Handler())
	return s, nil
}

// observe connects component events to metrics and the websocket feed.
func (s *AppServer) observe() {
	s.chain.SetObserver(s.metrics.ObserveAttempt)
	s.proxy.SetObserver(func(e stream.Event) {
		s.metrics.ObserveStream(e)
		s.hub.Broadcast(web.MsgStreamEvent, e)
	})
	if s.pool != nil {
		s.pool.OnChange(func(snap manager.Snapshot) {
			s.metrics.ObservePool(snap)
			s.hub.Broadcast(web.MsgPoolUpdate, web.RedactSnapshot(snap))
		})
	}
	s.catalog.OnReload(func(n int) {
		s.hub.Broadcast(web.MsgCatalogReload, map[string]int{"songs": n})
	})

	s.metrics.GaugeFunc("stream", "active", "In-flight stream requests.", func() float64 {
		return float64(len(s.proxy.Sessions()))
	})
	s.metrics.GaugeFunc("transcode", "active", "Running ffmpeg transcodes.", func() float64 {
		return float64(s.ActiveTranscodes())
	})
	s.metrics.GaugeFunc("websocket", "clients", "Connected event feed clients.", func() float64 {
		return float64(s.hub.Clients())
	})
}

// Run starts the background work and the HTTP server, then blocks until
// ctx is cancelled and everything has shut down.
func (s *AppServer) Run(ctx context.Context) error {
	logger.Info().Str("listen", s.cfg.Listen).Msg("Starting audiorelay...")
	s.started = time.Now()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.pool != nil {
		s.pool.Start()
	}

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(s.ctx)
	}()

	if err := s.web.Start(&s.waitGroup); err != nil {
		s.Stop()
		return err
	}

	s.waitGroup.Add(1)
	go s.statsLoop()

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	s.Stop()
	return nil
}

// Stop shuts everything down. In-flight streams get a grace period.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.web.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("HTTP server shutdown was not clean.")
		}

		if s.cancel != nil {
			s.cancel()
		}
		if s.pool != nil {
			s.pool.Stop()
		}
		s.waitGroup.Wait()
		s.clients.CloseIdle()
		s.cleanup()
		logger.Info().Msg("audiorelay stopped.")
	})
}

// DashboardStats is pushed to websocket clients periodically.
type DashboardStats struct {
	Timestamp        time.Time `json:"timestamp"`
	UptimeSec        int64     `json:"uptime_sec"`
	ActiveStreams    int       `json:"active_streams"`
	ActiveTranscodes int64     `json:"active_transcodes"`
	CurrentProxy     string    `json:"current_proxy"`
}

// statsLoop periodically broadcasts a dashboard summary.
func (s *AppServer) statsLoop() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if s.hub.Clients() == 0 {
				continue
			}
			s.hub.Broadcast(web.MsgDashboard, &DashboardStats{
				Timestamp:        now,
				UptimeSec:        int64(now.Sub(s.started).Seconds()),
				ActiveStreams:    len(s.proxy.Sessions()),
				ActiveTranscodes: s.ActiveTranscodes(),
				CurrentProxy:     web.RedactSnapshot(s.PoolSnapshot()).Current,
			})
		case <-s.ctx.Done():
			return
		}
	}
}

// PoolSnapshot implements web.ServerController.
func (s *AppServer) PoolSnapshot() manager.Snapshot {
	if s.pool == nil {
		return manager.Snapshot{Current: "DIRECT"}
	}
	return s.pool.Snapshot()
}

// RefreshPool implements web.ServerController.
func (s *AppServer) RefreshPool(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("proxy pool is disabled")
	}
	return s.pool.Refresh(ctx)
}

// RotatePool implements web.ServerController.
func (s *AppServer) RotatePool() string {
	if s.pool == nil {
		return "DIRECT"
	}
	return s.pool.Rotate()
}

// ReloadCatalog implements web.ServerController.
func (s *AppServer) ReloadCatalog() (int, error) {
	if err := s.catalog.Reload(); err != nil {
		return 0, err
	}
	return s.catalog.Len(), nil
}

// ActiveTranscodes implements web.ServerController.
func (s *AppServer) ActiveTranscodes() int64 {
	if s.transcoder == nil {
		return 0
	}
	return s.transcoder.Active()
}

// Chain exposes the extraction chain to the CLI.
func (s *AppServer) Chain() *extract.Chain {
	return s.chain
}
