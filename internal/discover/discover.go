// Package discover turns a seed page into the candidate URLs of a run.
package discover

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-ingest/internal/crawler"
)

// ExtractLinks returns every anchor href of body resolved against pageURL,
// in document order without repeats. Non-http(s) targets are dropped. An
// unparsable page URL or body yields nil.
func ExtractLinks(pageURL string, body []byte) []string {
	doc, base, ok := parse(pageURL, body)
	if !ok {
		return nil
	}
	return extractLinks(doc, base)
}

func parse(pageURL string, body []byte) (*goquery.Document, *url.URL, bool) {
	base, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || !base.IsAbs() || base.Host == "" {
		return nil, nil, false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, false
	}
	return doc, base, true
}

func extractLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs, ok := crawler.ResolveReference(base, href)
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links
}

// Describe builds the discovery record of a fetched page: its title, the
// text of every h1, and its links.
func Describe(pageURL string, body []byte) crawler.DiscoveryRecord {
	record := crawler.DiscoveryRecord{URL: pageURL, H1: []string{}, Links: []string{}}
	doc, base, ok := parse(pageURL, body)
	if !ok {
		return record
	}
	record.Title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("h1").Each(func(_ int, s *goquery.Selection) {
		record.H1 = append(record.H1, strings.TrimSpace(s.Text()))
	})
	if links := extractLinks(doc, base); links != nil {
		record.Links = links
	}
	return record
}

// Config controls seed fetching.
type Config struct {
	AttemptTimeout time.Duration
}

// Discoverer fetches the seed page and reports what it links to.
type Discoverer struct {
	fetcher crawler.Fetcher
	retry   crawler.RetryPolicy
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Discoverer. The retry policy should match the fetch pool's.
func New(fetcher crawler.Fetcher, retry crawler.RetryPolicy, cfg Config, logger *zap.Logger) *Discoverer {
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy(0, 0, 0)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{fetcher: fetcher, retry: retry, cfg: cfg, logger: logger}
}

// Discover fetches seed and returns its discovery record.
func (d *Discoverer) Discover(ctx context.Context, seed string) (crawler.DiscoveryRecord, error) {
	resp, err := d.fetch(ctx, seed)
	if err != nil {
		return crawler.DiscoveryRecord{}, err
	}
	record := Describe(seed, resp.Body)
	d.logger.Info("seed page discovered",
		zap.String("url", seed),
		zap.String("title", record.Title),
		zap.Int("links", len(record.Links)),
	)
	return record, nil
}

func (d *Discoverer) fetch(ctx context.Context, seed string) (crawler.FetchResponse, error) {
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		resp, err := d.fetcher.Fetch(attemptCtx, crawler.FetchRequest{URL: seed, Attempt: attempt})
		cancel()
		if err == nil {
			return resp, nil
		}
		d.logger.Warn("seed fetch failed", zap.String("url", seed), zap.Int("attempt", attempt), zap.Error(err))
		if !d.retry.ShouldRetry(err, attempt) {
			return crawler.FetchResponse{}, fmt.Errorf("fetch seed %s after %d attempts: %w", seed, attempt, err)
		}
		timer := time.NewTimer(d.retry.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawler.FetchResponse{}, fmt.Errorf("fetch seed %s: %w", seed, ctx.Err())
		case <-timer.C:
		}
	}
}

// Candidates normalizes every discovered link, keeps the in-scope ones, and
// returns them deduplicated and sorted.
func Candidates(records []crawler.DiscoveryRecord, scope *crawler.DomainScope) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, record := range records {
		for _, link := range record.LinkRecord().DiscoveredLinks {
			normalized, err := crawler.NormalizeURL(link)
			if err != nil || !scope.Contains(normalized) {
				continue
			}
			if _, dup := seen[normalized]; dup {
				continue
			}
			seen[normalized] = struct{}{}
			out = append(out, normalized)
		}
	}
	sort.Strings(out)
	return out
}

// FilterAllowed drops URLs that robots.txt disallows. Dropped URLs are logged
// but are not fetch failures.
func FilterAllowed(ctx context.Context, urls []string, robots crawler.RobotsPolicy, logger *zap.Logger) []string {
	if robots == nil {
		return urls
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if !robots.Allowed(ctx, u) {
			logger.Info("robots.txt disallows url", zap.String("url", u))
			continue
		}
		out = append(out, u)
	}
	return out
}
