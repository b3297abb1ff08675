// Package stream proxies a resolved media URL to the client with byte-range
// support, and hands over to a transcoder when the upstream refuses.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"audiorelay/internal/shared"
	"audiorelay/internal/shared/logger"
	"audiorelay/internal/shared/types"
	"audiorelay/proxypool/model"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// State is a step of a single stream request.
type State int

const (
	StateResolvingSource State = iota
	StateAttemptingRawProxy
	StateStreaming
	StateFallbackToTranscode
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateResolvingSource:
		return "resolving_source"
	case StateAttemptingRawProxy:
		return "attempting_raw_proxy"
	case StateStreaming:
		return "streaming"
	case StateFallbackToTranscode:
		return "fallback_to_transcode"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Bodiless responses (416, HEAD) complete straight from AttemptingRawProxy.
var transitions = map[State][]State{
	StateResolvingSource:     {StateAttemptingRawProxy, StateAborted},
	StateAttemptingRawProxy:  {StateStreaming, StateFallbackToTranscode, StateCompleted, StateAborted},
	StateStreaming:           {StateCompleted, StateAborted},
	StateFallbackToTranscode: {StateCompleted, StateAborted},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transcoder serves a resolved reference as a re-encoded stream. It writes
// its own response, including error statuses.
type Transcoder interface {
	Serve(w http.ResponseWriter, r *http.Request, ref *types.MediaReference) error
}

// PoolView is the part of the proxy pool the streamer uses.
type PoolView interface {
	Current() string
	ReportFailure(addr string)
}

// ResolveFunc produces the media reference for a request.
type ResolveFunc func(ctx context.Context) (*types.MediaReference, error)

// Event describes one state transition.
type Event struct {
	Session   string    `json:"session"`
	SourceRef string    `json:"source_ref,omitempty"`
	Method    string    `json:"method,omitempty"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Bytes     int64     `json:"bytes"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Observer receives every transition. It must not block.
type Observer func(Event)

// SessionInfo is a snapshot of an in-flight stream.
type SessionInfo struct {
	ID        string    `json:"id"`
	SourceRef string    `json:"source_ref,omitempty"`
	Method    string    `json:"method,omitempty"`
	State     State     `json:"state"`
	Started   time.Time `json:"started"`
	Bytes     int64     `json:"bytes"`
}

// Options tunes the proxy.
type Options struct {
	MobileChunk        int64
	DefaultContentType string
	ProbeTimeout       time.Duration
	CacheControl       string
	UserAgent          string
}

const (
	defaultMobileChunk = 512 * 1024
	defaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	copyBufferSize     = 32 * 1024
)

var copyBuffers = sync.Pool{
	New: func() any { b := make([]byte, copyBufferSize); return &b },
}

// Proxy is the raw range proxy.
type Proxy struct {
	clients    *ClientFactory
	opts       Options
	transcoder Transcoder
	pool       PoolView
	observer   Observer
	sessions   *xsync.MapOf[string, *session]
}

func NewProxy(clients *ClientFactory, opts Options) *Proxy {
	if opts.MobileChunk <= 0 {
		opts.MobileChunk = defaultMobileChunk
	}
	if opts.DefaultContentType == "" {
		opts.DefaultContentType = "audio/mpeg"
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.CacheControl == "" {
		opts.CacheControl = "public, max-age=3600"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	return &Proxy{
		clients:  clients,
		opts:     opts,
		sessions: xsync.NewMapOf[string, *session](),
	}
}

func (p *Proxy) SetTranscoder(t Transcoder) { p.transcoder = t }

func (p *Proxy) SetPool(pool PoolView) { p.pool = pool }

func (p *Proxy) SetObserver(o Observer) { p.observer = o }

// Sessions lists in-flight streams.
func (p *Proxy) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, p.sessions.Size())
	p.sessions.Range(func(_ string, s *session) bool {
		out = append(out, s.info())
		return true
	})
	return out
}

// Handle resolves the reference and serves it. Every outcome, including a
// failed resolution, is written to w.
func (p *Proxy) Handle(w http.ResponseWriter, r *http.Request, resolve ResolveFunc) (State, error) {
	s := p.begin(r)
	defer p.end(s)

	ref, err := resolve(r.Context())
	if err != nil {
		s.to(StateAborted, err)
		http.Error(w, "Stream failed", http.StatusInternalServerError)
		return StateAborted, err
	}
	return p.serve(s, w, r, ref)
}

// Serve proxies an already resolved reference.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, ref *types.MediaReference) (State, error) {
	s := p.begin(r)
	defer p.end(s)
	return p.serve(s, w, r, ref)
}

func (p *Proxy) serve(s *session, w http.ResponseWriter, r *http.Request, ref *types.MediaReference) (State, error) {
	ctx := r.Context()
	s.setRef(ref)
	s.to(StateAttemptingRawProxy, nil)

	proxyAddr := p.identity(ref)
	client, err := p.clients.Client(ref.IPFamily, proxyAddr)
	if err != nil {
		return p.fallback(s, w, r, ref, err)
	}
	s.log.Debug().
		Str("family", ref.IPFamily.String()).
		Str("proxy", logger.RedactURL(proxyAddr)).
		Msg("Outbound identity selected.")

	ua := r.UserAgent()
	if ua == "" {
		ua = p.opts.UserAgent
	}

	total, upstreamType, err := p.probe(ctx, client, ref.ResolvedMediaURL, ua)
	if err != nil {
		p.reportProxy(ctx, proxyAddr, err)
		return p.fallback(s, w, r, ref, err)
	}

	contentType := upstreamType
	if !usableContentType(contentType) {
		contentType = ContentTypeFor(ref.ResolvedMediaURL, p.opts.DefaultContentType)
	}

	spec, err := ParseRange(r.Header.Get("Range"), total)
	if errors.Is(err, types.ErrRangeNotSatisfiable) {
		w.Header().Set("Content-Range", UnsatisfiedContentRange(total))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		s.to(StateCompleted, err)
		return StateCompleted, err
	}
	if spec != nil && IsMobile(r.UserAgent()) {
		if capped := spec.Capped(p.opts.MobileChunk); capped != *spec {
			s.log.Debug().Str("requested", spec.ContentRange()).Str("serviced", capped.ContentRange()).Msg("Mobile range capped.")
			spec = &capped
		}
	}

	if r.Method == http.MethodHead {
		p.writeHeaders(w, ref, contentType, spec, total)
		s.to(StateCompleted, nil)
		return StateCompleted, nil
	}

	body, served, err := p.fetch(ctx, client, ref.ResolvedMediaURL, ua, spec, total)
	if err != nil {
		p.reportProxy(ctx, proxyAddr, err)
		return p.fallback(s, w, r, ref, err)
	}
	defer body.Close()
	if served != nil && *served != *spec {
		s.log.Debug().Str("requested", spec.ContentRange()).Str("serviced", served.ContentRange()).Msg("Upstream narrowed the range.")
	}
	spec = served

	length := total
	if spec != nil {
		length = spec.Length()
	}

	p.writeHeaders(w, ref, contentType, spec, total)
	s.to(StateStreaming, nil)

	bufp := copyBuffers.Get().(*[]byte)
	defer copyBuffers.Put(bufp)
	n, err := io.CopyBuffer(shared.NewCountedWriter(w, &s.bytes), io.LimitReader(body, length), *bufp)
	if err == nil && n < length {
		err = fmt.Errorf("%w: upstream ended after %d of %d bytes", types.ErrUpstream, n, length)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("client went away: %w", ctx.Err())
		}
		s.to(StateAborted, err)
		return StateAborted, err
	}
	s.to(StateCompleted, nil)
	return StateCompleted, nil
}

// identity picks the proxy for the upstream fetch: the one the URL was
// extracted through, else the pool's active candidate, else direct.
// Passthrough file URLs are not bound to an address and always go direct.
func (p *Proxy) identity(ref *types.MediaReference) string {
	if ref.Proxy != "" {
		return ref.Proxy
	}
	if ref.Method == types.MethodPassthrough || p.pool == nil {
		return ""
	}
	if cur := p.pool.Current(); cur != model.Direct {
		return cur
	}
	return ""
}

func (p *Proxy) reportProxy(ctx context.Context, proxyAddr string, err error) {
	if proxyAddr == "" || p.pool == nil || ctx.Err() != nil {
		return
	}
	p.pool.ReportFailure(proxyAddr)
}

// probe learns the total size and content type. HEAD first; hosts that
// refuse HEAD or omit the length get a one-byte ranged GET.
func (p *Proxy) probe(ctx context.Context, client *http.Client, mediaURL, ua string) (int64, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaURL, nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("User-Agent", ua)
	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		case resp.StatusCode >= 400:
			return 0, "", fmt.Errorf("%w: probe status %d", types.ErrUpstream, resp.StatusCode)
		case resp.ContentLength > 0:
			return resp.ContentLength, resp.Header.Get("Content-Type"), nil
		}
	} else if ctx.Err() != nil {
		return 0, "", fmt.Errorf("%w: probe: %w", types.ErrUpstream, err)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Range", "bytes=0-0")
	resp, err = client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("%w: probe: %w", types.ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 400:
		return 0, "", fmt.Errorf("%w: probe status %d", types.ErrUpstream, resp.StatusCode)
	case resp.StatusCode == http.StatusPartialContent:
		if total, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok {
			return total, resp.Header.Get("Content-Type"), nil
		}
	case resp.ContentLength > 0:
		return resp.ContentLength, resp.Header.Get("Content-Type"), nil
	}
	return 0, "", fmt.Errorf("%w: upstream size unknown", types.ErrUpstream)
}

// fetch opens the body for spec (or the whole resource) and returns the span
// the upstream will actually deliver. The reader always starts at the
// returned span's Start: a 200 that ignored the Range header, or a 206 that
// begins before the requested offset, is skipped forward. A 206 may end
// early; its span is then narrower than spec. A 206 that does not overlap
// the request, or describes a different resource size, is an upstream error.
func (p *Proxy) fetch(ctx context.Context, client *http.Client, mediaURL, ua string, spec *RangeSpec, total int64) (io.ReadCloser, *RangeSpec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", ua)
	if spec != nil {
		req.Header.Set("Range", spec.Header())
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", types.ErrUpstream, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("%w: status %d", types.ErrUpstream, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusPartialContent {
		if spec != nil && spec.Start > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, spec.Start); err != nil {
				resp.Body.Close()
				return nil, nil, fmt.Errorf("%w: skipping to offset %d: %w", types.ErrUpstream, spec.Start, err)
			}
		}
		return resp.Body, spec, nil
	}

	served, skip, err := servedSpan(resp.Header.Get("Content-Range"), spec, total)
	if err != nil {
		resp.Body.Close()
		return nil, nil, err
	}
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, resp.Body, skip); err != nil {
			resp.Body.Close()
			return nil, nil, fmt.Errorf("%w: skipping to offset %d: %w", types.ErrUpstream, served.Start, err)
		}
	}
	return resp.Body, served, nil
}

// servedSpan reconciles the upstream's 206 Content-Range with the requested
// span. It returns the span to announce and how many leading body bytes to
// discard. A nil spec means the whole resource was asked for, so only a 206
// covering all of it is acceptable and the span stays nil.
func servedSpan(contentRange string, spec *RangeSpec, total int64) (*RangeSpec, int64, error) {
	upstream, ok := parseContentRange(contentRange)
	if !ok {
		return nil, 0, fmt.Errorf("%w: unusable Content-Range %q", types.ErrUpstream, contentRange)
	}
	if upstream.TotalSize != total {
		return nil, 0, fmt.Errorf("%w: Content-Range %q does not match size %d", types.ErrUpstream, contentRange, total)
	}
	if spec == nil {
		if upstream.Start != 0 || upstream.End != total-1 {
			return nil, 0, fmt.Errorf("%w: partial answer %q to a full request", types.ErrUpstream, contentRange)
		}
		return nil, 0, nil
	}
	if upstream.Start > spec.Start || upstream.End < spec.Start {
		return nil, 0, fmt.Errorf("%w: Content-Range %q does not cover offset %d", types.ErrUpstream, contentRange, spec.Start)
	}
	served := *spec
	if upstream.End < served.End {
		served.End = upstream.End
	}
	return &served, spec.Start - upstream.Start, nil
}

func (p *Proxy) writeHeaders(w http.ResponseWriter, ref *types.MediaReference, contentType string, spec *RangeSpec, total int64) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", p.opts.CacheControl)
	h.Set("X-Content-Type-Options", "nosniff")
	if ref.Duration > 0 {
		h.Set("X-Content-Duration", strconv.FormatFloat(ref.Duration.Seconds(), 'f', 3, 64))
	}
	if spec == nil {
		h.Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
		return
	}
	h.Set("Content-Range", spec.ContentRange())
	h.Set("Content-Length", strconv.FormatInt(spec.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
}

func (p *Proxy) fallback(s *session, w http.ResponseWriter, r *http.Request, ref *types.MediaReference, cause error) (State, error) {
	s.log.Warn().Err(cause).Msg("Raw proxy rejected, falling back to transcode.")
	s.to(StateFallbackToTranscode, cause)

	if p.transcoder == nil {
		http.Error(w, "Stream failed", http.StatusBadGateway)
		s.to(StateAborted, cause)
		return StateAborted, cause
	}
	if err := p.transcoder.Serve(&countingWriter{w: w, n: &s.bytes}, r, ref); err != nil {
		s.to(StateAborted, err)
		return StateAborted, err
	}
	s.to(StateCompleted, nil)
	return StateCompleted, nil
}

func (p *Proxy) begin(r *http.Request) *session {
	s := &session{
		id:       uuid.NewString(),
		started:  time.Now(),
		state:    StateResolvingSource,
		observer: p.observer,
	}
	s.log = logger.FromContext(r.Context(), "Stream").With().Str("session", s.id).Logger()
	p.sessions.Store(s.id, s)
	return s
}

func (p *Proxy) end(s *session) {
	p.sessions.Delete(s.id)
}

type session struct {
	id       string
	started  time.Time
	log      zerolog.Logger
	observer Observer
	bytes    atomic.Int64

	mu    sync.Mutex
	state State
	ref   *types.MediaReference
}

func (s *session) setRef(ref *types.MediaReference) {
	s.mu.Lock()
	s.ref = ref
	s.mu.Unlock()
}

// to moves the session to next and emits the transition. Illegal moves are
// logged and ignored.
func (s *session) to(next State, err error) {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, next) {
		s.mu.Unlock()
		s.log.Error().Str("from", from.String()).Str("to", next.String()).Msg("Illegal stream state transition.")
		return
	}
	s.state = next
	ev := Event{Session: s.id, From: from, To: next, Bytes: s.bytes.Load(), At: time.Now()}
	if s.ref != nil {
		ev.SourceRef = s.ref.SourceRef
		ev.Method = s.ref.Method
	}
	s.mu.Unlock()

	if err != nil {
		ev.Error = err.Error()
	}
	e := s.log.Debug()
	if next == StateAborted {
		e = s.log.Warn().Err(err)
	}
	e.Str("from", from.String()).Str("to", next.String()).Int64("bytes", ev.Bytes).Msg("Stream state transition.")

	if s.observer != nil {
		s.observer(ev)
	}
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{ID: s.id, State: s.state, Started: s.started, Bytes: s.bytes.Load()}
	if s.ref != nil {
		info.SourceRef = s.ref.SourceRef
		info.Method = s.ref.Method
	}
	return info
}

// countingWriter counts body bytes. It keeps Flush reachable through
// http.ResponseController via Unwrap.
type countingWriter struct {
	w http.ResponseWriter
	n *atomic.Int64
}

func (c *countingWriter) Header() http.Header { return c.w.Header() }

func (c *countingWriter) WriteHeader(code int) { c.w.WriteHeader(code) }

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingWriter) Unwrap() http.ResponseWriter { return c.w }
