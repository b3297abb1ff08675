package stream

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"audiorelay/internal/shared/types"
	"audiorelay/proxypool/model"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

// Fingerprint modes for direct upstream TLS.
const (
	FingerprintOff        = "off"
	FingerprintRandomized = "randomized"
)

// ClientOptions tunes the upstream HTTP clients.
type ClientOptions struct {
	DialTimeout   time.Duration
	HeaderTimeout time.Duration
	// Fingerprint selects the TLS ClientHello used on direct connections.
	Fingerprint string
	// RootCAs overrides the system pool for uTLS handshakes.
	RootCAs *x509.CertPool
}

type clientKey struct {
	family types.IPFamily
	proxy  string
}

// ClientFactory hands out one http.Client per (family, proxy) pair so
// connections are reused across requests that share an outbound identity.
type ClientFactory struct {
	opts    ClientOptions
	mu      sync.Mutex
	clients map[clientKey]*http.Client
}

func NewClientFactory(opts ClientOptions) *ClientFactory {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = 15 * time.Second
	}
	if opts.Fingerprint == "" {
		opts.Fingerprint = FingerprintOff
	}
	return &ClientFactory{opts: opts, clients: make(map[clientKey]*http.Client)}
}

// Client returns the client for an outbound identity. proxyAddr "" or
// model.Direct means a direct connection pinned to family.
func (f *ClientFactory) Client(family types.IPFamily, proxyAddr string) (*http.Client, error) {
	if proxyAddr == model.Direct {
		proxyAddr = ""
	}
	key := clientKey{family: family, proxy: proxyAddr}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}
	transport, err := f.transport(family, proxyAddr)
	if err != nil {
		return nil, err
	}
	// No overall timeout: bodies stream for minutes. Requests carry contexts.
	c := &http.Client{Transport: transport}
	f.clients[key] = c
	return c, nil
}

// Open starts a plain GET of ref's media URL over the identity it was
// extracted with: its proxy when it has one, otherwise a direct connection
// pinned to its IP family. Only a 200 is accepted.
func (f *ClientFactory) Open(ctx context.Context, ref *types.MediaReference, userAgent string) (io.ReadCloser, error) {
	client, err := f.Client(ref.IPFamily, ref.Proxy)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.ResolvedMediaURL, nil)
	if err != nil {
		return nil, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", types.ErrUpstream, resp.StatusCode)
	}
	return resp.Body, nil
}

// CloseIdle drops idle upstream connections of every client.
func (f *ClientFactory) CloseIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		c.CloseIdleConnections()
	}
}

func (f *ClientFactory) transport(family types.IPFamily, proxyAddr string) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: f.opts.DialTimeout, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		ResponseHeaderTimeout: f.opts.HeaderTimeout,
		TLSHandshakeTimeout:   f.opts.DialTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
		// Media bytes are already compressed; transparent gzip would break
		// Content-Length passthrough.
		DisableCompression: true,
	}

	if proxyAddr == "" {
		network := family.Network()
		t.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		}
		if f.opts.Fingerprint == FingerprintRandomized {
			t.DialTLSContext = f.utlsDialer(dialer, network)
		}
		return t, nil
	}

	u, err := url.Parse(proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address")
	}
	switch u.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			pw, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pw}
		}
		socks, err := proxy.SOCKS5("tcp", u.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		t.DialContext = cd.DialContext
	default:
		t.Proxy = http.ProxyURL(u)
		t.DialContext = dialer.DialContext
	}
	return t, nil
}

// utlsDialer performs the TLS handshake with a randomized ClientHello. ALPN
// is left out so the server settles on HTTP/1.1, which is all Transport can
// speak over a custom TLS dialer.
func (f *ClientFactory) utlsDialer(dialer *net.Dialer, network string) func(ctx context.Context, _, addr string) (net.Conn, error) {
	return func(ctx context.Context, _, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		raw, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		conn := utls.UClient(raw, &utls.Config{ServerName: host, RootCAs: f.opts.RootCAs}, utls.HelloRandomizedNoALPN)
		if err := conn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("utls handshake: %w", err)
		}
		return conn, nil
	}
}
