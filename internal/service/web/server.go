// Package web is the inbound HTTP surface: the stream endpoint, the status
// and admin APIs, the websocket event feed and the metrics endpoint.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"audiorelay/internal/shared/logger"
	"audiorelay/internal/shared/types"
)

type Server struct {
	cfg     types.ServerConf
	handler *Handler
	hub     *Hub
	metrics http.Handler

	srv      *http.Server
	listener net.Listener
}

// NewServer wires the routes. metrics may be nil.
func NewServer(cfg types.ServerConf, handler *Handler, hub *Hub, metrics http.Handler) *Server {
	s := &Server{cfg: cfg, handler: handler, hub: hub, metrics: metrics}
	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: audio bodies stream for as long as the track plays.
	}
	return s
}

// Routes builds the full handler chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	h := s.handler
	user, pass := s.cfg.AdminUser, s.cfg.AdminPassword

	mux.HandleFunc("GET /stream/{id}", h.HandleStream)
	mux.HandleFunc("GET /api/status", h.HandleStatus)

	mux.Handle("GET /api/proxies", basicAuthMiddleware(http.HandlerFunc(h.HandleGetProxies), user, pass))
	mux.Handle("POST /api/proxies/refresh", basicAuthMiddleware(http.HandlerFunc(h.HandleRefreshProxies), user, pass))
	mux.Handle("POST /api/proxies/rotate", basicAuthMiddleware(http.HandlerFunc(h.HandleRotateProxy), user, pass))
	mux.Handle("POST /api/catalog/reload", basicAuthMiddleware(http.HandlerFunc(h.HandleReloadCatalog), user, pass))

	if s.hub != nil {
		mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(s.hub, w, r)
		})
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	var chain http.Handler = mux
	chain = rateLimitMiddleware(chain, s.cfg.RateLimitRPS, s.cfg.RateLimitBurst)
	chain = accessLogMiddleware(chain)
	chain = requestIDMiddleware(chain)
	return chain
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(wg *sync.WaitGroup) error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = listener
	logger.Info().Str("addr", listener.Addr().String()).Msg("HTTP server listening.")

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error.")
		}
		logger.Info().Msg("HTTP server stopped.")
	}()
	return nil
}

// Addr is the bound address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting and waits for in-flight requests until ctx ends.
// Streams still running then are cut.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return s.srv.Close()
	}
	return err
}
