package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/geoscrape/internal/geo"
	"github.com/JakeFAU/geoscrape/internal/jobqueue"
	"github.com/JakeFAU/geoscrape/internal/scraper"
)

// ErrMissingLocation is returned for geo jobs with neither coordinates nor a city.
var ErrMissingLocation = errors.New("worker: geo job needs latitude and longitude or a city")

// ResultStore persists geo results and answers which businesses are new.
type ResultStore interface {
	scraper.Deduper
	scraper.ResultWriter
}

// GeoHandler runs a spiral search around the location in a geo job.
//
// Recognized payload fields: latitude, longitude, city, category, radius,
// expected_max and max_steps. Missing numeric fields fall back to Defaults.
type GeoHandler struct {
	Searcher  scraper.GeoSearcher
	Results   ResultStore
	Predictor scraper.YieldPredictor
	Clock     scraper.Clock
	Cities    geo.CityTable
	Defaults  scraper.GeoConfig
}

// Handle implements Handler.
func (h GeoHandler) Handle(ctx context.Context, job Job) ([]FollowUp, error) {
	cfg, err := h.config(job.Payload)
	if err != nil {
		return nil, err
	}
	s, err := scraper.NewGeoScraper(cfg, scraper.GeoDeps{
		Searcher:  h.Searcher,
		Deduper:   h.Results,
		Writer:    h.Results,
		Predictor: h.Predictor,
		Clock:     h.Clock,
		Logger:    job.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Run(ctx); err != nil {
		return nil, fmt.Errorf("geo scrape around %s: %w", cfg.Center, err)
	}
	job.Logger.Info("geo scrape finished",
		zap.String("category", cfg.Category),
		zap.Int("steps", s.Steps()),
		zap.Stringer("last_position", s.Coordinate()),
	)
	return nil, nil
}

func (h GeoHandler) config(p jobqueue.Payload) (scraper.GeoConfig, error) {
	cfg := h.Defaults
	cfg.Category = strings.TrimSpace(p.String("category"))
	if cfg.Category == "" {
		return scraper.GeoConfig{}, Permanent(ErrMissingCategory)
	}

	lat, hasLat := p.Float("latitude")
	lon, hasLon := p.Float("longitude")
	switch {
	case hasLat && hasLon:
		cfg.Center = geo.Coordinate{Latitude: lat, Longitude: lon}
	case p.String("city") != "":
		c, err := h.Cities.Lookup(p.String("city"))
		if err != nil {
			return scraper.GeoConfig{}, Permanent(err)
		}
		cfg.Center = c
	default:
		return scraper.GeoConfig{}, Permanent(ErrMissingLocation)
	}

	if v, ok := p.Float("radius"); ok {
		cfg.MaxRadius = v
	}
	if v, ok := p.Float("expected_max"); ok {
		cfg.ExpectedMax = v
	}
	if v, ok := p.Float("max_steps"); ok {
		cfg.MaxSteps = int(v)
	}
	if _, err := geo.DecayRate(cfg.MaxRadius); err != nil {
		return scraper.GeoConfig{}, Permanent(err)
	}
	return cfg, nil
}
