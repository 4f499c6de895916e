package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/geoscrape/internal/geo"
	"github.com/JakeFAU/geoscrape/internal/metrics"
)

const (
	// DefaultExpectedMax is the yield that counts as a full-strength area.
	DefaultExpectedMax = 50
	// DefaultStopThreshold is how many consecutive empty searches are tolerated.
	DefaultStopThreshold = 5
)

// Business is one listing returned by a geographic search.
type Business struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Rating      float64   `json:"rating"`
	ReviewCount int       `json:"review_count"`
	URL         string    `json:"url"`
	Address     string    `json:"address"`
	FoundAt     time.Time `json:"found_at"`
}

// SearchRecord is the metadata persisted after every geographic search.
type SearchRecord struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Category   string    `json:"category"`
	NumUnique  int       `json:"num_unique"`
	SearchedAt time.Time `json:"searched_at"`
}

// GeoSearcher queries businesses around a coordinate.
type GeoSearcher interface {
	SearchArea(ctx context.Context, at geo.Coordinate, category string) ([]Business, error)
}

// Deduper returns the subset of ids that has not been stored before.
type Deduper interface {
	FilterUnseen(ctx context.Context, ids []string) ([]string, error)
}

// ResultWriter persists geographic search output.
type ResultWriter interface {
	WriteBusinesses(ctx context.Context, businesses []Business) error
	WriteSearch(ctx context.Context, record SearchRecord) error
}

// YieldPredictor estimates how many new results a search at coord would find.
type YieldPredictor interface {
	PredictYield(coord geo.Coordinate, category string) float64
}

// ConstantYield predicts the same yield everywhere.
type ConstantYield float64

// PredictYield implements YieldPredictor.
func (c ConstantYield) PredictYield(geo.Coordinate, string) float64 { return float64(c) }

// Clock supplies timestamps for search records.
type Clock interface {
	Now() time.Time
}

// GeoConfig parameterizes a GeoScraper.
type GeoConfig struct {
	Center        geo.Coordinate
	MaxRadius     float64
	Category      string
	ExpectedMax   float64
	Step          float64
	MinMagnitude  float64
	StopThreshold int
	// MaxSteps ends the run after this many cycles. Zero means unlimited.
	MaxSteps int
}

// GeoDeps are the collaborators of a GeoScraper. Predictor defaults to a
// ConstantYield equal to ExpectedMax.
type GeoDeps struct {
	Searcher  GeoSearcher
	Deduper   Deduper
	Writer    ResultWriter
	Predictor YieldPredictor
	Clock     Clock
	Logger    *zap.Logger
}

// GeoScraper walks a spiral around a center, searching at each stop, and
// finishes once enough consecutive searches turn up nothing new.
type GeoScraper struct {
	lifecycle

	cfg  GeoConfig
	deps GeoDeps
	path *geo.SpiralPath
	log  *zap.Logger

	coord         geo.Coordinate
	stoppingParam int
	stopped       bool
	steps         int
	pending       []Business
}

// NewGeoScraper validates cfg and returns an idle scraper positioned at the
// start of the spiral.
func NewGeoScraper(cfg GeoConfig, deps GeoDeps) (*GeoScraper, error) {
	if deps.Searcher == nil || deps.Deduper == nil || deps.Writer == nil {
		return nil, errors.New("geo scraper: searcher, deduper and writer are required")
	}
	if strings.TrimSpace(cfg.Category) == "" {
		return nil, errors.New("geo scraper: category is required")
	}
	if cfg.ExpectedMax <= 0 {
		cfg.ExpectedMax = DefaultExpectedMax
	}
	if cfg.Step <= 0 {
		cfg.Step = geo.DefaultStep
	}
	if cfg.MinMagnitude <= 0 {
		cfg.MinMagnitude = geo.DefaultMinMagnitude
	}
	if cfg.StopThreshold <= 0 {
		cfg.StopThreshold = DefaultStopThreshold
	}
	path, err := geo.NewSpiralPath(cfg.Center, cfg.MaxRadius)
	if err != nil {
		return nil, fmt.Errorf("geo scraper: %w", err)
	}
	if deps.Predictor == nil {
		deps.Predictor = ConstantYield(cfg.ExpectedMax)
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeoScraper{
		cfg:   cfg,
		deps:  deps,
		path:  path,
		coord: path.Position(),
		log:   logger.Named("geo_scraper").With(zap.String("category", cfg.Category)),
	}, nil
}

// Kind implements Scraper.
func (s *GeoScraper) Kind() Kind { return KindGeo }

// Coordinate returns the current search position.
func (s *GeoScraper) Coordinate() geo.Coordinate { return s.coord }

// Steps returns the number of completed moves.
func (s *GeoScraper) Steps() int { return s.steps }

// Search queries the current coordinate and keeps the results not stored before.
func (s *GeoScraper) Search(ctx context.Context) error {
	results, err := s.deps.Searcher.SearchArea(ctx, s.coord, s.cfg.Category)
	if err != nil {
		return err
	}
	unique, err := s.filterUnique(ctx, results)
	if err != nil {
		return fmt.Errorf("filter unique: %w", err)
	}
	s.pending = unique
	return nil
}

func (s *GeoScraper) filterUnique(ctx context.Context, results []Business) ([]Business, error) {
	byID := make(map[string]Business, len(results))
	ids := make([]string, 0, len(results))
	for _, b := range results {
		if b.ID == "" {
			continue
		}
		if _, dup := byID[b.ID]; dup {
			continue
		}
		byID[b.ID] = b
		ids = append(ids, b.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	unseen, err := s.deps.Deduper.FilterUnseen(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Business, 0, len(unseen))
	for _, id := range unseen {
		if b, ok := byID[id]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// Save persists the pending results and the search record, then updates the
// stop condition.
func (s *GeoScraper) Save(ctx context.Context) error {
	if len(s.pending) > 0 {
		if err := s.deps.Writer.WriteBusinesses(ctx, s.pending); err != nil {
			return fmt.Errorf("write businesses: %w", err)
		}
	}
	record := SearchRecord{
		Latitude:   s.coord.Latitude,
		Longitude:  s.coord.Longitude,
		Category:   s.cfg.Category,
		NumUnique:  len(s.pending),
		SearchedAt: s.deps.Clock.Now(),
	}
	if err := s.deps.Writer.WriteSearch(ctx, record); err != nil {
		return fmt.Errorf("write search record: %w", err)
	}
	metrics.ObserveSearch(string(KindGeo), record.NumUnique)
	s.log.Debug("search saved",
		zap.Stringer("coordinate", s.coord),
		zap.Int("num_unique", record.NumUnique),
	)
	s.stop(record.NumUnique)
	s.pending = nil
	return nil
}

func (s *GeoScraper) stop(numUnique int) {
	if numUnique == 0 {
		s.stoppingParam++
	} else {
		s.stoppingParam = 0
	}
	if s.stoppingParam > s.cfg.StopThreshold {
		s.stopped = true
	}
}

// Move advances along the spiral. Predicted yield scales the step: poor areas
// are left quickly, rich ones are searched densely.
func (s *GeoScraper) Move(context.Context) error {
	magnitude := s.deps.Predictor.PredictYield(s.coord, s.cfg.Category) / s.cfg.ExpectedMax
	s.coord = s.path.Move(s.cfg.Step, s.cfg.MinMagnitude, magnitude)
	s.steps++
	if s.cfg.MaxSteps > 0 && s.steps >= s.cfg.MaxSteps {
		s.log.Info("step limit reached", zap.Int("steps", s.steps))
		s.stopped = true
	}
	return nil
}

// Stop reports whether the run is finished.
func (s *GeoScraper) Stop() bool { return s.stopped }

// Run drives the scraper to completion.
func (s *GeoScraper) Run(ctx context.Context) error {
	return Run(ctx, s)
}

func (s *GeoScraper) begin(context.Context) error {
	s.log.Info("geo scrape started",
		zap.Stringer("center", s.cfg.Center),
		zap.Float64("max_radius", s.cfg.MaxRadius),
	)
	return nil
}

// settle does not absorb errors: a failed search ends the run.
func (s *GeoScraper) settle(err error) error {
	if err != nil {
		s.log.Error("geo search failed", zap.Stringer("coordinate", s.coord), zap.Error(err))
	}
	return err
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
