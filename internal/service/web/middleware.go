package web

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"audiorelay/internal/shared/logger"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-ID"

// basicAuthMiddleware enforces HTTP basic auth when both user and pass are
// configured; otherwise the handler is returned unchanged.
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware tags every request with an id and stores a logger
// carrying it in the request context.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		l := log.Logger.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(l.WithContext(r.Context())))
	})
}

// accessLogMiddleware logs one line per request once the handler returns.
func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		l := logger.FromContext(r.Context(), "Web")
		var e *zerolog.Event
		switch {
		case rec.status >= 500:
			e = l.Warn()
		case r.URL.Path == "/metrics":
			e = l.Trace()
		default:
			e = l.Info()
		}
		e.Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("range", r.Header.Get("Range")).
			Int("status", rec.status).
			Int64("bytes", rec.bytes).
			Dur("elapsed", time.Since(start)).
			Str("remote_addr", clientIP(r)).
			Msg("Request served.")
	})
}

// ipLimiter is a token bucket per client address.
type ipLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *xsync.MapOf[string, *rate.Limiter]
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: xsync.NewMapOf[string, *rate.Limiter](),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	lim, _ := l.limiters.LoadOrCompute(ip, func() *rate.Limiter {
		return rate.NewLimiter(l.limit, l.burst)
	})
	return lim.Allow()
}

// rateLimitMiddleware answers 429 once a client exceeds its budget. A
// non-positive rps disables limiting.
func rateLimitMiddleware(next http.Handler, rps float64, burst int) http.Handler {
	if rps <= 0 {
		return next
	}
	limiter := newIPLimiter(rps, burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the status and body size. Flush and Hijack are
// passed through for streaming responses and websocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	http.NewResponseController(r.ResponseWriter).Flush()
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// loggingListener logs accepted connections at debug level.
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("Connection accepted.")
	}
	return conn, err
}
