package scraper

import (
	"context"
	"fmt"
	"strings"

	"audiorelay/proxypool/model"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Scraper fetches candidate proxies from a public list. Implementations only
// fetch and parse; validation is the manager's job.
type Scraper interface {
	Scrape(ctx context.Context) ([]*model.Candidate, error)
	Name() string
}

// Default source URLs.
const (
	ProxyScrapeURL    = "https://api.proxyscrape.com/v2/?request=displayproxies&protocol=http&timeout=10000&country=all&ssl=yes&anonymity=all"
	FreeProxyListURL  = "https://free-proxy-list.net/"
	SSLProxiesURL     = "https://www.sslproxies.org/"
	SocksProxyListURL = "https://api.proxyscrape.com/v2/?request=displayproxies&protocol=socks5&timeout=10000&country=all"
)

// ByNames builds the scrapers named in a comma separated source list.
func ByNames(list string) ([]Scraper, error) {
	var out []Scraper
	for _, name := range strings.Split(list, ",") {
		switch strings.TrimSpace(name) {
		case "":
			continue
		case "proxyscrape":
			out = append(out, NewPlainListScraper("proxyscrape", ProxyScrapeURL, "http"))
		case "proxyscrape-socks5":
			out = append(out, NewPlainListScraper("proxyscrape-socks5", SocksProxyListURL, "socks5"))
		case "free-proxy-list":
			out = append(out, NewHTMLTableScraper("free-proxy-list", FreeProxyListURL))
		case "sslproxies":
			out = append(out, NewCollyTableScraper("sslproxies", SSLProxiesURL))
		default:
			return nil, fmt.Errorf("unknown proxy source %q", name)
		}
	}
	return out, nil
}

// candidateFrom turns a table row into a candidate, or nil if it does not parse.
func candidateFrom(host, port, protocol, source string) *model.Candidate {
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	if host == "" || port == "" {
		return nil
	}
	raw := host + ":" + port
	if protocol == "socks5" {
		raw = "socks5://" + raw
	}
	c, err := model.NewCandidate(raw, source)
	if err != nil {
		return nil
	}
	return c
}
