package validator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"audiorelay/internal/shared/logger"
	"audiorelay/proxypool/model"

	"go.uber.org/ratelimit"
	"golang.org/x/net/proxy"
)

// DefaultTarget answers 204 quickly and is served from the same edge as the
// media hosts, so a proxy that reaches it can usually reach those too.
const DefaultTarget = "https://www.youtube.com/generate_204"

type Validator struct {
	timeout     time.Duration
	concurrency int
	target      string
	pacer       ratelimit.Limiter
}

func NewValidator(timeout time.Duration, concurrency int, target string) *Validator {
	if concurrency <= 0 {
		concurrency = 5
	}
	if target == "" {
		target = DefaultTarget
	}
	return &Validator{
		timeout:     timeout,
		concurrency: concurrency,
		target:      target,
		pacer:       ratelimit.NewUnlimited(),
	}
}

// WithRate caps how many probes start per second, so a large scraped batch
// does not burst through the validation target. perSecond <= 0 removes the cap.
func (v *Validator) WithRate(perSecond int) *Validator {
	if perSecond <= 0 {
		v.pacer = ratelimit.NewUnlimited()
	} else {
		v.pacer = ratelimit.New(perSecond)
	}
	return v
}

// Validate probes every candidate with at most concurrency probes in flight
// and returns the ones that passed, fastest first. Probed candidates get
// LastChecked and Latency updated; passing ones are reset to Active.
func (v *Validator) Validate(ctx context.Context, candidates []*model.Candidate) []*model.Candidate {
	l := logger.WithComponent("ProxyPool/Validator")
	if len(candidates) == 0 {
		return nil
	}

	l.Info().Int("count", len(candidates)).Int("concurrency", v.concurrency).Msg("Starting validation batch...")

	var wg sync.WaitGroup
	resultsChan := make(chan *model.Candidate, len(candidates))
	semaphore := make(chan struct{}, v.concurrency)

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		v.pacer.Take()
		if ctx.Err() != nil {
			break
		}
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
		}
		// A free slot and a cancellation can be ready together.
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)

		go func(c *model.Candidate) {
			defer wg.Done()
			defer func() { <-semaphore }()

			start := time.Now()
			err := v.Probe(ctx, c)
			c.LastChecked = time.Now()
			if err != nil {
				l.Debug().Err(err).Str("proxy", logger.RedactURL(c.Address)).Msg("Probe failed.")
				c.Latency = 0
				return
			}
			c.Latency = time.Since(start)
			c.State = model.Active
			c.ConsecutiveFailures = 0
			resultsChan <- c
		}(c)
	}

	wg.Wait()
	close(resultsChan)

	passed := collect(resultsChan)
	if ctx.Err() != nil {
		l.Info().Int("passed", len(passed)).Msg("Validation batch cancelled.")
		return passed
	}
	l.Info().Int("passed", len(passed)).Int("probed", len(candidates)).Msg("Validation batch finished.")
	return passed
}

func collect(ch <-chan *model.Candidate) []*model.Candidate {
	out := make([]*model.Candidate, 0, len(ch))
	for c := range ch {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Latency < out[j].Latency })
	return out
}

// Probe sends one HEAD request to the target through c.
func (v *Validator) Probe(ctx context.Context, c *model.Candidate) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	transport, err := v.transportFor(c)
	if err != nil {
		return err
	}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, v.target, nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return nil
}

func (v *Validator) transportFor(c *model.Candidate) (*http.Transport, error) {
	u, err := url.Parse(c.Address)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: v.timeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: v.timeout / 2,
		DisableKeepAlives:   true,
	}

	switch c.Protocol {
	case "socks5":
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
		transport.DialContext = cd.DialContext
	default:
		transport.Proxy = http.ProxyURL(u)
	}
	return transport, nil
}
