package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Direct is what the pool reports when no Active candidate remains.
const Direct = "DIRECT"

// SourceOverride marks the operator-pinned PROXY_URL candidate.
const SourceOverride = "override"

// State is the lifecycle state of a candidate.
type State int

const (
	// Active candidates are eligible to be current.
	Active State = iota
	// Cooling candidates hit the failure threshold and wait for a re-probe.
	Cooling
	// Dead candidates failed their re-probe and are dropped at the next swap.
	Dead
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Cooling:
		return "cooling"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Candidate is one egress proxy. It is owned by the pool manager; everything
// outside the manager works on copies.
type Candidate struct {
	// Address is the normalized proxy URL, e.g. "http://1.2.3.4:8080".
	Address  string `json:"address"`
	Protocol string `json:"protocol"` // "http" or "socks5"
	Source   string `json:"source"`

	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Latency             time.Duration `json:"latency"`
	LastChecked         time.Time     `json:"last_checked"`
	CooledAt            time.Time     `json:"cooled_at"`
}

// NewCandidate normalizes raw and returns an Active candidate.
func NewCandidate(raw, source string) (*Candidate, error) {
	u, err := ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	protocol := "http"
	if strings.HasPrefix(u.Scheme, "socks5") {
		protocol = "socks5"
	}
	return &Candidate{
		Address:  u.String(),
		Protocol: protocol,
		Source:   source,
		State:    Active,
	}, nil
}

// ParseAddress accepts "host:port" (assumed http) or a full http/https/socks5 URL.
func ParseAddress(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty proxy address")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed proxy URL")
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return nil, fmt.Errorf("proxy URL needs host and port")
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
