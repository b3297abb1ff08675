package scraper

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"audiorelay/internal/shared/logger"
	"audiorelay/proxypool/model"
)

// PlainListScraper reads a newline separated "ip:port" list.
type PlainListScraper struct {
	name     string
	url      string
	protocol string
	client   *http.Client
}

func NewPlainListScraper(name, url, protocol string) *PlainListScraper {
	return &PlainListScraper{
		name:     name,
		url:      url,
		protocol: protocol,
		client:   &http.Client{Timeout: 20 * time.Second},
	}
}

func (s *PlainListScraper) Name() string {
	return s.name
}

func (s *PlainListScraper) Scrape(ctx context.Context) ([]*model.Candidate, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Debug().Str("source", s.Name()).Msg("Starting scrape...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", browserUA)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch list for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	var proxies []*model.Candidate
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		host, port, err := net.SplitHostPort(scanner.Text())
		if err != nil {
			continue
		}
		if c := candidateFrom(host, port, s.protocol, s.Name()); c != nil {
			proxies = append(proxies, c)
		}
	}
	if err := scanner.Err(); err != nil {
		return proxies, fmt.Errorf("failed to read list from %s: %w", s.Name(), err)
	}

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
