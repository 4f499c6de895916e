package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/geoscrape/internal/blob"
	"github.com/JakeFAU/geoscrape/internal/dispatch"
	"github.com/JakeFAU/geoscrape/internal/scraper"
)

const reviewsTable = "reviews"

// ReviewsHandler scrapes reviews for every search term in a job's asset and
// writes them as a data package, then queues that package for upload.
type ReviewsHandler struct {
	Store        blob.Store
	Searcher     scraper.ItemSearcher
	OutputPrefix string
	FollowUpType string
}

// Handle implements Handler. The job fails only when every term failed.
func (h ReviewsHandler) Handle(ctx context.Context, job Job) ([]FollowUp, error) {
	terms, err := loadTerms(ctx, h.Store, job.Payload.Key)
	if err != nil {
		return nil, err
	}

	sink := &recordSink{}
	s, err := scraper.NewListScraper(terms, h.Searcher, sink, job.Logger)
	if err != nil {
		return nil, err
	}
	summary, err := s.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("review scrape %s: %w", job.Payload.Key, err)
	}
	if len(terms) > 0 && len(summary.Completed) == 0 {
		return nil, fmt.Errorf("review scrape %s: all %d terms failed", job.Payload.Key, len(summary.Failed))
	}

	pkg := dispatch.Package{TableName: reviewsTable, Data: sink.all()}
	body, err := json.Marshal(pkg)
	if err != nil {
		return nil, fmt.Errorf("encode reviews package: %w", err)
	}
	out := h.outputKey(job.Payload.Key)
	if err := h.Store.Put(ctx, out, "application/json", bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("write reviews package: %w", err)
	}

	retryable := 0
	for _, f := range summary.Failed {
		if f.Retryable {
			retryable++
		}
	}
	job.Logger.Info("reviews written",
		zap.String("output", out),
		zap.Int("reviews", len(pkg.Data)),
		zap.Int("completed", len(summary.Completed)),
		zap.Int("failed", len(summary.Failed)),
		zap.Int("retryable", retryable),
	)

	followUpType := h.FollowUpType
	if followUpType == "" {
		followUpType = "POST"
	}
	return []FollowUp{{
		AssetKey: out,
		Type:     followUpType,
		Fields: map[string]any{
			"source":       string(job.Descriptor),
			"table_name":   reviewsTable,
			"rows":         len(pkg.Data),
			"failed_terms": failedTerms(summary),
		},
	}}, nil
}

func (h ReviewsHandler) outputKey(assetKey string) string {
	prefix := h.OutputPrefix
	if prefix == "" {
		prefix = "Derived/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	name := strings.TrimSuffix(path.Base(assetKey), path.Ext(assetKey))
	return prefix + name + "_reviews.json"
}

func loadTerms(ctx context.Context, store blob.Store, key string) ([]string, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch terms %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()

	var terms []string
	if err := json.NewDecoder(rc).Decode(&terms); err != nil {
		return nil, Permanent(fmt.Errorf("decode terms %s: %w", key, err))
	}
	return terms, nil
}

func failedTerms(sum scraper.Summary) []string {
	out := make([]string, 0, len(sum.Failed))
	for _, f := range sum.Failed {
		out = append(out, f.Item)
	}
	return out
}

// recordSink collects the records of every completed term.
type recordSink struct {
	mu      sync.Mutex
	records []dispatch.Record
}

func (s *recordSink) WriteItems(_ context.Context, _ string, records []scraper.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *recordSink) all() []dispatch.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.Record, len(s.records))
	copy(out, s.records)
	return out
}
