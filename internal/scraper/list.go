package scraper

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/geoscrape/internal/metrics"
)

// ItemSearcher scrapes one backlog item.
type ItemSearcher interface {
	SearchItem(ctx context.Context, item string) ([]Record, error)
}

// ItemWriter persists the records scraped for one item.
type ItemWriter interface {
	WriteItems(ctx context.Context, item string, records []Record) error
}

// ItemResult is the outcome of one backlog item. Err is nil for completed items.
type ItemResult struct {
	Item      string
	Records   int
	Err       error
	Retryable bool
}

// Succeeded reports whether the item completed.
func (r ItemResult) Succeeded() bool { return r.Err == nil }

// Summary groups the item outcomes of a ListScraper run.
type Summary struct {
	Completed []string
	Failed    []ItemResult
}

// ListScraper drains a backlog of search terms, isolating failures per item.
// Items are taken from the end of the backlog.
type ListScraper struct {
	lifecycle

	backlog  []string
	searcher ItemSearcher
	writer   ItemWriter
	log      *zap.Logger

	working string
	pending []Record
	stopped bool
	results []ItemResult
}

// NewListScraper copies backlog and returns an idle scraper.
func NewListScraper(backlog []string, searcher ItemSearcher, writer ItemWriter, logger *zap.Logger) (*ListScraper, error) {
	if searcher == nil || writer == nil {
		return nil, errors.New("list scraper: searcher and writer are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	items := make([]string, len(backlog))
	copy(items, backlog)
	return &ListScraper{
		backlog:  items,
		searcher: searcher,
		writer:   writer,
		log:      logger.Named("list_scraper"),
	}, nil
}

// Kind implements Scraper.
func (s *ListScraper) Kind() Kind { return KindList }

// Search scrapes the working item.
func (s *ListScraper) Search(ctx context.Context) error {
	records, err := s.searcher.SearchItem(ctx, s.working)
	if err != nil {
		return err
	}
	s.pending = records
	return nil
}

// Save writes the working item's records.
func (s *ListScraper) Save(ctx context.Context) error {
	if err := s.writer.WriteItems(ctx, s.working, s.pending); err != nil {
		return err
	}
	metrics.ObserveSearch(string(KindList), len(s.pending))
	return nil
}

// Move takes the next item, or stops when the backlog is exhausted.
func (s *ListScraper) Move(context.Context) error {
	s.pending = nil
	s.next()
	return nil
}

func (s *ListScraper) next() {
	if len(s.backlog) == 0 {
		s.working = ""
		s.stopped = true
		return
	}
	last := len(s.backlog) - 1
	s.working = s.backlog[last]
	s.backlog = s.backlog[:last]
}

// Stop reports whether the backlog is exhausted.
func (s *ListScraper) Stop() bool { return s.stopped }

// Results returns every item outcome in processing order.
func (s *ListScraper) Results() []ItemResult {
	out := make([]ItemResult, len(s.results))
	copy(out, s.results)
	return out
}

// Summary splits the results into completed and failed items.
func (s *ListScraper) Summary() Summary {
	var sum Summary
	for _, r := range s.results {
		if r.Succeeded() {
			sum.Completed = append(sum.Completed, r.Item)
		} else {
			sum.Failed = append(sum.Failed, r)
		}
	}
	return sum
}

// Run drains the backlog and returns the run summary.
func (s *ListScraper) Run(ctx context.Context) (Summary, error) {
	err := Run(ctx, s)
	sum := s.Summary()
	s.log.Info("list scrape finished",
		zap.Int("completed", len(sum.Completed)),
		zap.Int("failed", len(sum.Failed)),
	)
	return sum, err
}

func (s *ListScraper) begin(context.Context) error {
	s.next()
	return nil
}

// settle records the working item's outcome and never aborts the run.
func (s *ListScraper) settle(err error) error {
	result := ItemResult{Item: s.working, Records: len(s.pending), Err: err}
	if err != nil {
		result.Records = 0
		result.Retryable = IsRetryable(err)
		s.log.Warn("item failed",
			zap.String("item", s.working),
			zap.Bool("retryable", result.Retryable),
			zap.Error(err),
		)
	}
	s.results = append(s.results, result)
	return nil
}
