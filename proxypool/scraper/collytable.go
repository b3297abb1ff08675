package scraper

import (
	"context"
	"strings"
	"sync"
	"time"

	"audiorelay/internal/shared/logger"
	"audiorelay/proxypool/model"

	"github.com/gocolly/colly/v2"
)

// CollyTableScraper scrapes the same table layout as HTMLTableScraper but
// through a colly collector, which keeps the cookies the sslproxies mirror
// sets across its redirects.
type CollyTableScraper struct {
	name string
	url  string
}

func NewCollyTableScraper(name, url string) *CollyTableScraper {
	return &CollyTableScraper{name: name, url: url}
}

func (s *CollyTableScraper) Name() string {
	return s.name
}

func (s *CollyTableScraper) Scrape(ctx context.Context) ([]*model.Candidate, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Debug().Str("source", s.Name()).Msg("Starting scrape...")

	// A fresh collector per run so callbacks do not pile up across refreshes.
	c := colly.NewCollector(
		colly.UserAgent(browserUA),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(20 * time.Second)

	var (
		mu        sync.Mutex
		proxies   []*model.Candidate
		scrapeErr error
	)

	c.OnHTML("table tbody tr", func(e *colly.HTMLElement) {
		if e.DOM.Find("td").Length() < 7 {
			return
		}
		if !strings.EqualFold(strings.TrimSpace(e.ChildText("td:nth-child(7)")), "yes") {
			return
		}
		cand := candidateFrom(e.ChildText("td:nth-child(1)"), e.ChildText("td:nth-child(2)"), "http", s.Name())
		if cand == nil {
			return
		}
		mu.Lock()
		proxies = append(proxies, cand)
		mu.Unlock()
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Str("source", s.Name()).Int("status", r.StatusCode).Msg("Request failed.")
		scrapeErr = err
	})

	if err := c.Visit(s.url); err != nil {
		return nil, err
	}
	c.Wait()

	if scrapeErr != nil && len(proxies) == 0 {
		return nil, scrapeErr
	}

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
