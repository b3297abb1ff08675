package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"audiorelay/internal/shared/logger"
	"audiorelay/proxypool/model"

	"github.com/PuerkitoBio/goquery"
)

// HTMLTableScraper parses the free-proxy-list.net family of pages: one row
// per proxy with IP, port and an "Https" yes/no column at index 6.
type HTMLTableScraper struct {
	name   string
	url    string
	client *http.Client
}

func NewHTMLTableScraper(name, url string) *HTMLTableScraper {
	return &HTMLTableScraper{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

func (s *HTMLTableScraper) Name() string {
	return s.name
}

func (s *HTMLTableScraper) Scrape(ctx context.Context) ([]*model.Candidate, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Debug().Str("source", s.Name()).Msg("Starting scrape...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", browserUA)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.Name(), err)
	}

	var proxies []*model.Candidate
	doc.Find("table tbody tr").Each(func(_ int, sel *goquery.Selection) {
		cells := sel.Find("td")
		if cells.Length() < 7 {
			return
		}
		// Only proxies that tunnel CONNECT can reach googlevideo over TLS.
		if !strings.EqualFold(strings.TrimSpace(cells.Eq(6).Text()), "yes") {
			return
		}
		if c := candidateFrom(cells.Eq(0).Text(), cells.Eq(1).Text(), "http", s.Name()); c != nil {
			proxies = append(proxies, c)
		}
	})

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
