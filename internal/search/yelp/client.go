// Package yelp queries a Yelp Fusion style business search API for the
// businesses around a coordinate.
package yelp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/geoscrape/internal/geo"
	"github.com/JakeFAU/geoscrape/internal/scraper"
)

const (
	// DefaultBaseURL is the public API root.
	DefaultBaseURL = "https://api.yelp.com/v3"
	// DefaultRadiusMeters is the search radius around each stop.
	DefaultRadiusMeters = 1000
	// DefaultLimit is the page size; the API caps it at 50.
	DefaultLimit = 50
)

// Limiter throttles outbound calls per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Clock stamps discovered businesses.
type Clock interface {
	Now() time.Time
}

// Config controls the client.
type Config struct {
	BaseURL      string
	APIKey       string
	RadiusMeters int
	Limit        int
	Timeout      time.Duration
}

// Client implements scraper.GeoSearcher.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Limiter
	clock   Clock
}

// New builds a Client. limiter and clock may be nil.
func New(cfg Config, limiter Limiter, clock Clock) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("yelp api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = DefaultRadiusMeters
	}
	if cfg.Limit <= 0 || cfg.Limit > DefaultLimit {
		cfg.Limit = DefaultLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		clock:   clock,
	}, nil
}

type searchResponse struct {
	Businesses []business `json:"businesses"`
}

type business struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Rating      float64 `json:"rating"`
	ReviewCount int     `json:"review_count"`
	URL         string  `json:"url"`
	Coordinates struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"coordinates"`
	Location struct {
		DisplayAddress []string `json:"display_address"`
	} `json:"location"`
}

// SearchArea returns the businesses of category around at. Throttling and
// server errors are reported as scraper.TransientError.
func (c *Client) SearchArea(ctx context.Context, at geo.Coordinate, category string) ([]scraper.Business, error) {
	endpoint := c.searchURL(at, category)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, scraper.Transient(fmt.Errorf("business search: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("business search: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, scraper.Transient(err)
		}
		return nil, err
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode business search: %w", err)
	}

	var foundAt time.Time
	if c.clock != nil {
		foundAt = c.clock.Now()
	}
	out := make([]scraper.Business, 0, len(decoded.Businesses))
	for _, b := range decoded.Businesses {
		out = append(out, scraper.Business{
			ID:          b.ID,
			Name:        b.Name,
			Category:    category,
			Latitude:    b.Coordinates.Latitude,
			Longitude:   b.Coordinates.Longitude,
			Rating:      b.Rating,
			ReviewCount: b.ReviewCount,
			URL:         b.URL,
			Address:     strings.Join(b.Location.DisplayAddress, ", "),
			FoundAt:     foundAt,
		})
	}
	return out, nil
}

func (c *Client) searchURL(at geo.Coordinate, category string) string {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(at.Latitude, 'f', 6, 64))
	q.Set("longitude", strconv.FormatFloat(at.Longitude, 'f', 6, 64))
	q.Set("categories", category)
	q.Set("radius", strconv.Itoa(c.cfg.RadiusMeters))
	q.Set("limit", strconv.Itoa(c.cfg.Limit))
	return c.cfg.BaseURL + "/businesses/search?" + q.Encode()
}
