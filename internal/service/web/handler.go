package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"audiorelay/internal/catalog"
	"audiorelay/internal/extract"
	"audiorelay/internal/shared/logger"
	"audiorelay/internal/shared/types"
	"audiorelay/internal/stream"
	manager "audiorelay/proxypool"
	"audiorelay/proxypool/model"
)

// Resolver turns a source reference into a media reference.
type Resolver interface {
	Resolve(ctx context.Context, req extract.Request) (*types.MediaReference, error)
}

// Streamer serves a media reference to the client.
type Streamer interface {
	Handle(w http.ResponseWriter, r *http.Request, resolve stream.ResolveFunc) (stream.State, error)
	Sessions() []stream.SessionInfo
}

// ServerController is the part of the application the admin API drives.
// It decouples the web package from the app package.
type ServerController interface {
	PoolSnapshot() manager.Snapshot
	RefreshPool(ctx context.Context) error
	RotatePool() string
	ReloadCatalog() (int, error)
	ActiveTranscodes() int64
}

const refreshTimeout = 3 * time.Minute

type Handler struct {
	catalog    catalog.Lookup
	resolver   Resolver
	streamer   Streamer
	controller ServerController
	started    time.Time
}

func NewHandler(lookup catalog.Lookup, resolver Resolver, streamer Streamer, controller ServerController) *Handler {
	return &Handler{
		catalog:    lookup,
		resolver:   resolver,
		streamer:   streamer,
		controller: controller,
		started:    time.Now(),
	}
}

// HandleStream serves GET|HEAD /stream/{id}.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := logger.FromContext(r.Context(), "Web").With().Str("song_id", id).Logger()

	song, err := h.catalog.Lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			http.Error(w, "Song not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Msg("Catalog lookup failed.")
		http.Error(w, "Stream failed", http.StatusInternalServerError)
		return
	}

	ctx := log.WithContext(r.Context())
	state, err := h.streamer.Handle(w, r.WithContext(ctx), func(ctx context.Context) (*types.MediaReference, error) {
		return h.resolver.Resolve(ctx, extract.Request{SourceRef: song.FileURL, UserAgent: r.UserAgent()})
	})
	switch {
	case err == nil:
	case errors.Is(err, types.ErrRangeNotSatisfiable):
		log.Debug().Str("range", r.Header.Get("Range")).Msg("Range not satisfiable.")
	default:
		log.Warn().Err(err).Str("state", state.String()).Msg("Stream ended with an error.")
	}
}

// StatusResponse is the public health document.
type StatusResponse struct {
	Status           string `json:"status"`
	UptimeSec        int64  `json:"uptime_sec"`
	CurrentProxy     string `json:"current_proxy"`
	ActiveProxies    int    `json:"active_proxies"`
	CoolingProxies   int    `json:"cooling_proxies"`
	ActiveStreams    int    `json:"active_streams"`
	ActiveTranscodes int64  `json:"active_transcodes"`
}

// HandleStatus serves GET /api/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.controller.PoolSnapshot()
	response := StatusResponse{
		Status:           "ok",
		UptimeSec:        int64(time.Since(h.started).Seconds()),
		CurrentProxy:     redactedHost(snap.Current),
		ActiveProxies:    snap.Active,
		CoolingProxies:   snap.Cooling,
		ActiveStreams:    len(h.streamer.Sessions()),
		ActiveTranscodes: h.controller.ActiveTranscodes(),
	}
	writeJSON(w, http.StatusOK, response)
}

// HandleGetProxies serves GET /api/proxies.
func (h *Handler) HandleGetProxies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RedactSnapshot(h.controller.PoolSnapshot()))
}

// HandleRefreshProxies serves POST /api/proxies/refresh. It blocks until the
// refresh (or one already in flight) finishes.
func (h *Handler) HandleRefreshProxies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()
	if err := h.controller.RefreshPool(ctx); err != nil {
		l := logger.FromContext(r.Context(), "Web")
		l.Error().Err(err).Msg("Manual proxy refresh failed.")
		http.Error(w, "Refresh failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, RedactSnapshot(h.controller.PoolSnapshot()))
}

// HandleRotateProxy serves POST /api/proxies/rotate.
func (h *Handler) HandleRotateProxy(w http.ResponseWriter, r *http.Request) {
	current := h.controller.RotatePool()
	writeJSON(w, http.StatusOK, map[string]string{"current": logger.RedactURL(current)})
}

// HandleReloadCatalog serves POST /api/catalog/reload.
func (h *Handler) HandleReloadCatalog(w http.ResponseWriter, r *http.Request) {
	n, err := h.controller.ReloadCatalog()
	if err != nil {
		l := logger.FromContext(r.Context(), "Web")
		l.Error().Err(err).Msg("Catalog reload failed.")
		http.Error(w, "Reload failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"songs": n})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// redactedHost keeps only scheme and host of a proxy address.
func redactedHost(addr string) string {
	if addr == "" || addr == model.Direct {
		return model.Direct
	}
	u, err := model.ParseAddress(addr)
	if err != nil {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host
}

// RedactSnapshot strips credentials from every proxy address.
func RedactSnapshot(s manager.Snapshot) manager.Snapshot {
	s.Current = redactedHost(s.Current)
	candidates := make([]model.Candidate, len(s.Candidates))
	for i, c := range s.Candidates {
		c.Address = redactedHost(c.Address)
		candidates[i] = c
	}
	s.Candidates = candidates
	return s
}
