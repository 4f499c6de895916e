// Package reviews scrapes review pages with colly and turns each review block
// into a record.
package reviews

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/geoscrape/internal/scraper"
)

// Hasher derives a stable review ID from the review's fields.
type Hasher interface {
	HashRecord(record map[string]any) (string, error)
}

// Config controls the collector and the page selectors.
type Config struct {
	// URLTemplate receives the path-escaped search term through %s.
	URLTemplate    string
	UserAgent      string
	Timeout        time.Duration
	ReviewSelector string
	AuthorSelector string
	RatingSelector string
	// RatingAttr is read from the rating element; its text is used when empty.
	RatingAttr   string
	TextSelector string
	DateSelector string
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "geoscrape/1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.ReviewSelector == "" {
		c.ReviewSelector = ".review"
	}
	if c.AuthorSelector == "" {
		c.AuthorSelector = ".author"
	}
	if c.RatingSelector == "" {
		c.RatingSelector = ".rating"
	}
	if c.RatingAttr == "" {
		c.RatingAttr = "data-rating"
	}
	if c.TextSelector == "" {
		c.TextSelector = ".text"
	}
	if c.DateSelector == "" {
		c.DateSelector = ".date"
	}
}

// Searcher implements scraper.ItemSearcher.
type Searcher struct {
	cfg       Config
	hasher    Hasher
	collector *colly.Collector
}

// New builds a Searcher.
func New(cfg Config, hasher Hasher) (*Searcher, error) {
	if !strings.Contains(cfg.URLTemplate, "%s") {
		return nil, errors.New("review url template must contain %s")
	}
	if hasher == nil {
		return nil, errors.New("review hasher is required")
	}
	cfg.applyDefaults()

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Searcher{cfg: cfg, hasher: hasher, collector: c}, nil
}

// SearchItem fetches the review page for term and returns one record per review.
func (s *Searcher) SearchItem(ctx context.Context, term string) ([]scraper.Record, error) {
	target := fmt.Sprintf(s.cfg.URLTemplate, url.PathEscape(strings.TrimSpace(term)))

	var (
		records  []scraper.Record
		parseErr error
		fetchErr error
	)
	collector := s.collector.Clone()
	collector.UserAgent = s.cfg.UserAgent
	collector.SetRequestTimeout(s.cfg.Timeout)

	collector.OnHTML(s.cfg.ReviewSelector, func(e *colly.HTMLElement) {
		record := s.extract(term, e)
		id, err := s.hasher.HashRecord(record)
		if err != nil {
			parseErr = err
			return
		}
		record["review_id"] = id
		records = append(records, record)
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = classify(r, err)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("review fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, fmt.Errorf("review fetch %s: %w", target, fetchErr)
		}
		if err != nil {
			return nil, fmt.Errorf("review visit %s: %w", target, err)
		}
		if parseErr != nil {
			return nil, fmt.Errorf("review id: %w", parseErr)
		}
		return records, nil
	}
}

func (s *Searcher) extract(term string, e *colly.HTMLElement) scraper.Record {
	record := scraper.Record{
		"term":   term,
		"author": strings.TrimSpace(e.ChildText(s.cfg.AuthorSelector)),
		"text":   strings.TrimSpace(e.ChildText(s.cfg.TextSelector)),
		"date":   strings.TrimSpace(e.ChildText(s.cfg.DateSelector)),
	}
	rawRating := strings.TrimSpace(e.ChildAttr(s.cfg.RatingSelector, s.cfg.RatingAttr))
	if rawRating == "" {
		rawRating = strings.TrimSpace(e.ChildText(s.cfg.RatingSelector))
	}
	if rating, err := strconv.ParseFloat(firstField(rawRating), 64); err == nil {
		record["rating"] = rating
	} else if rawRating != "" {
		record["rating"] = rawRating
	}
	return record
}

func firstField(s string) string {
	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// classify marks throttling, server errors and transport failures as transient.
func classify(r *colly.Response, err error) error {
	if r == nil || r.StatusCode == 0 {
		return scraper.Transient(err)
	}
	if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= http.StatusInternalServerError {
		return scraper.Transient(fmt.Errorf("status %d: %w", r.StatusCode, err))
	}
	return fmt.Errorf("status %d: %w", r.StatusCode, err)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
